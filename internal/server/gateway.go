package server

import (
	"ArenaLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds POST bodies
const maxBodyBytes = 1 << 16

type route struct {
	method  string
	pattern string
	name    string
	handle  func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// NewGateway returns the HTTP/JSON surface of svc. Routes call the service
// directly; the caller comes from the X-Arena-Caller header.
func NewGateway(svc *Service, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		// Queries
		{"GET", "/v1/matches", "ListOpenMatches", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.ListOpenMatches(ctx, &Empty{})
		}},
		{"GET", "/v1/matches/{id}", "GetMatch", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			id, err := uintParam(p, "id")
			if err != nil {
				return nil, err
			}
			return svc.GetMatch(ctx, &MatchRequest{ID: id})
		}},
		{"GET", "/v1/players/{identity}/matches", "ListMatchesFor", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return svc.ListMatchesFor(ctx, &IdentityRequest{Identity: p["identity"]})
		}},
		{"GET", "/v1/players/{identity}/stats", "GetStats", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return svc.GetStats(ctx, &IdentityRequest{Identity: p["identity"]})
		}},
		{"GET", "/v1/players/{identity}/balance", "GetBalance", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return svc.GetBalance(ctx, &IdentityRequest{Identity: p["identity"]})
		}},
		{"GET", "/v1/players/{identity}/journals", "ListJournals", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &HistoryRequest{Identity: p["identity"]}
			q := r.URL.Query()
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "limit: %v", err)
				}
				req.Limit = n
			}
			if v := q.Get("before_sequence"); v != "" {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "before_sequence: %v", err)
				}
				req.BeforeSequence = &n
			}
			return svc.ListJournals(ctx, req)
		}},
		{"GET", "/v1/summary", "GetSummary", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetSummary(ctx, &Empty{})
		}},

		// Operations
		{"POST", "/v1/games", "CreateGame", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req CreateGameRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.CreateGame(ctx, &req)
		}},
		{"POST", "/v1/games/{id}/join", "JoinGame", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req GameRequest
			if err := decodeGameBody(r, p, &req.GameID, &req); err != nil {
				return nil, err
			}
			return svc.JoinGame(ctx, &req)
		}},
		{"POST", "/v1/games/{id}/result", "SubmitResult", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req SubmitResultRequest
			if err := decodeGameBody(r, p, &req.GameID, &req); err != nil {
				return nil, err
			}
			return svc.SubmitResult(ctx, &req)
		}},
		{"POST", "/v1/games/{id}/cancel", "CancelGame", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req GameRequest
			if err := decodeGameBody(r, p, &req.GameID, &req); err != nil {
				return nil, err
			}
			return svc.CancelGame(ctx, &req)
		}},
		{"POST", "/v1/deposits", "ConfirmDeposit", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req DepositRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.ConfirmDeposit(ctx, &req)
		}},

		// Admin
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(ctx, &Empty{})
		}},
		{"GET", "/v1/admin/event-log", "GetEventLogInfo", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetEventLogInfo(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/snapshot", "TakeSnapshot", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.TakeSnapshot(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/rebuild-projections", "RebuildProjections", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.RebuildProjections(ctx, &Empty{})
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, serve(mux, rt, metrics)); err != nil {
			return nil, fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func serve(mux *runtime.ServeMux, rt route, metrics *observability.Metrics) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := callRoute(r, rt, params)

		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(rt.name, "http").Inc()
			metrics.QueryDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			st := toStatus(err)
			if metrics != nil {
				metrics.QueryErrors.WithLabelValues(rt.name, st.Code().String()).Inc()
			}
			runtime.HTTPError(r.Context(), mux, &runtime.JSONPb{}, w, r, st.Err())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

func callRoute(r *http.Request, rt route, params map[string]string) (any, error) {
	ctx, err := withCaller(r.Context(), r.Header.Values(CallerHeader))
	if err != nil {
		return nil, err
	}
	return rt.handle(ctx, r, params)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "request body: %v", err)
	}
	return nil
}

// decodeGameBody decodes an optional body, then takes the game id from the
// path.
func decodeGameBody(r *http.Request, params map[string]string, gameID *uint64, v any) error {
	if r.ContentLength != 0 {
		if err := decodeBody(r, v); err != nil {
			return err
		}
	}
	id, err := uintParam(params, "id")
	if err != nil {
		return err
	}
	*gameID = id
	return nil
}

func uintParam(params map[string]string, name string) (uint64, error) {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return v, nil
}
