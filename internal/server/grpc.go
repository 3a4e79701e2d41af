package server

import (
	"ArenaLedger/internal/dispatch"
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/projection"
	"ArenaLedger/internal/query"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "arenaledger.v1.ArenaLedger"

	// CallerHeader carries the caller identity, as gRPC metadata or HTTP header
	CallerHeader = "x-arena-caller"
)

var rebuildProjections = projection.RebuildProjections

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *Service
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the service.
type ServerDeps struct {
	DB            *sql.DB
	Commands      *ingestion.CommandService
	Queries       *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	TakeSnapshot  SnapshotTaker
	Owner         ledger.Identity
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with the ArenaLedger and health
// services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       NewService(deps),
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.instrument,
		callerInterceptor,
	))
	RegisterArenaLedgerServer(s.grpcServer, s.service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	setHealth := func(ready bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ready {
			st = healthpb.HealthCheckResponse_SERVING
		}
		healthServer.SetServingStatus("", st)
		healthServer.SetServingStatus(ServiceName, st)
	}
	if s.healthChecker != nil {
		setHealth(s.healthChecker.IsReady())
		s.healthChecker.OnChange(setHealth)
	} else {
		setHealth(true)
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// Server exposes the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON surface plus /healthz and /readyz
// (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	gw, err := NewGateway(s.service, s.metrics)
	if err != nil {
		return fmt.Errorf("register gateway routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", gw)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records query metrics and turns domain errors into statuses.
func (s *GRPCServer) instrument(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	endpoint := info.FullMethod[strings.LastIndexByte(info.FullMethod, '/')+1:]
	start := time.Now()

	resp, err := handler(ctx, req)

	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "grpc").Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return resp, nil
	}

	st := toStatus(err)
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, st.Code().String()).Inc()
	}
	if st.Code() == codes.Internal {
		s.logger.Error().Err(err).Str("method", endpoint).Msg("request failed")
	}
	return nil, st.Err()
}

// callerInterceptor moves x-arena-caller metadata into the context.
func callerInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		var err error
		if ctx, err = withCaller(ctx, md.Get(CallerHeader)); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

// withCaller attaches the first caller value. No value leaves the context
// anonymous and the core rejects operations from it.
func withCaller(ctx context.Context, values []string) (context.Context, error) {
	if len(values) == 0 || values[0] == "" {
		return ctx, nil
	}
	id := ledger.Identity(values[0])
	if err := ingestion.ValidateIdentity(id); err != nil {
		return ctx, fmt.Errorf("%s: %w", CallerHeader, err)
	}
	return escrow.WithCaller(ctx, id), nil
}

// toStatus maps an error onto a gRPC status.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, dispatch.ErrStopped):
		return codes.Unavailable
	}

	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return codes.NotFound
	case errs.KindInvalidArgument:
		return codes.InvalidArgument
	case errs.KindNotAuthorized:
		return codes.PermissionDenied
	case errs.KindDuplicate:
		return codes.AlreadyExists
	case errs.KindInvalidState, errs.KindSelfJoin, errs.KindInsufficientFunds:
		return codes.FailedPrecondition
	case errs.KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
