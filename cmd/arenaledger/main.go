package main

import (
	"ArenaLedger/internal/config"
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/dispatch"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/projection"
	"ArenaLedger/internal/query"
	"ArenaLedger/internal/server"
	"ArenaLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000

	verifyAttempts = 20
	verifyInterval = 500 * time.Millisecond
)

func main() {
	cfg, err := config.Load()
	root := observability.NewRootLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger := observability.Component(root, "main")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger.Info().Msg("ArenaLedger starting")

	owner := ledger.Identity(cfg.Owner)
	if err := ingestion.ValidateIdentity(owner); err != nil {
		logger.Fatal().Err(err).Msg("ARENA_OWNER")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, migrations.Source(cfg.MigrationsDir), observability.Component(root, "migrate"))
	applied, err := migrator.Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure); projection and notify drop.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	notifyChan := make(chan core.CoreOutput, cfg.NotifyChanSize)

	// --- Deterministic Core ---
	engine := core.NewEngine(core.Options{
		Owner:          owner,
		Port:           escrow.NewBook(),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		NotifyChan:     notifyChan,
		DBChecker:      dbChecker,
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		Metrics:        metrics,
		Logger:         observability.Component(root, "core"),
	})

	// --- Recovery: snapshot + replay ---
	if err := recoverState(ctx, engine, snapMgr, dbChecker, cfg, metrics, logger); err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.Component(root, "nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	healthChecker.AddProbe("postgres", db.PingContext)
	healthChecker.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, cfg.NATSStream); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// --- Dispatcher: the only goroutine touching the core from here on ---
	dispatcher := dispatch.New(engine, cfg.CommandChanSize, metrics, observability.Component(root, "dispatch"))

	// workerCtx outlives ctx so the workers can drain after the core stops.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var snapshots sync.WaitGroup
	dispatcher.SnapshotEvery(cfg.SnapshotInterval, func(s *core.SnapshotState) {
		snapshots.Add(1)
		go func() {
			defer snapshots.Done()
			if _, err := saveSnapshot(workerCtx, snapMgr, s, metrics, logger); err != nil {
				logger.Error().Err(err).Int64("seq", s.Sequence).Msg("periodic snapshot failed")
			}
		}()
	})

	takeSnapshot := func(ctx context.Context) (int64, int, error) {
		var s *core.SnapshotState
		if err := dispatcher.View(ctx, func(e *core.Engine) { s = e.CreateSnapshotState() }); err != nil {
			return 0, 0, err
		}
		size, err := saveSnapshot(ctx, snapMgr, s, metrics, logger)
		return s.Sequence, size, err
	}

	// --- NATS ingestion ---
	rawEventChan := make(chan ingestion.RawEvent, cfg.CommandChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, observability.Component(root, "nats"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.NATSStream)); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	router := ingestion.NewRouter(dispatcher, rawEventChan, "nats", metrics, observability.Component(root, "router"))

	// --- Services ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		Commands:      ingestion.NewCommandService(dispatcher),
		Queries:       query.NewQueryService(dispatcher, db),
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  takeSnapshot,
		Owner:         owner,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.Component(root, "server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 16)

	// 1. Core dispatcher
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// 2-4. Downstream workers, drained on shutdown
	var workers sync.WaitGroup
	startWorker := func(name string, run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	startWorker("persistence", persistence.NewPersistenceWorker(
		db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.Component(root, "persistence"),
	).Run)
	startWorker("projection", projection.NewProjectionWorker(
		db, projectionChan, metrics, observability.Component(root, "projection"),
	).Run)
	startWorker("publisher", ingestion.NewOutboundPublisher(
		js, notifyChan, observability.Component(root, "publisher"),
	).Run)

	// 5. NATS → dispatcher
	go func() {
		if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("router: %w", err)
		}
	}()

	// 6. gRPC server
	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// 7. HTTP/JSON gateway
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 8. Prometheus metrics and health
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, healthChecker, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)

	logger.Info().
		Int64("next_seq", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("ArenaLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish, drain the workers, then snapshot.
	healthChecker.SetReady(false)
	cancel()
	natsSubscriber.Stop()
	<-dispatchDone

	final := engine.CreateSnapshotState()

	close(persistChan)
	close(projectionChan)
	close(notifyChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		snapshots.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		stopWorkers()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if final.Sequence > 0 {
		if _, err := saveSnapshot(shutdownCtx, snapMgr, final, metrics, logger); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("seq", final.Sequence).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("ArenaLedger shutdown complete")
}

// recoverState restores the latest verified snapshot, or warms the
// idempotency cache on a cold start, then replays the log tail.
func recoverState(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	cfg config.Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	from := int64(1)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying the full log")
		snap = nil
	}

	if snap != nil {
		state, err := snap.CoreState()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := engine.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("seq", snap.Sequence).Msg("restored snapshot")
	} else {
		keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
		if err != nil {
			return fmt.Errorf("load recent idempotency keys: %w", err)
		}
		engine.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("no snapshot, cold start")
	}

	start := time.Now()
	replayed := 0
	for {
		envs, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := engine.Replay(ctx, env); err != nil {
				return err
			}
			replayed++
			metrics.ReplayEventsTotal.Inc()
		}
		from = envs[len(envs)-1].Sequence + 1
	}
	metrics.ReplayDuration.Set(time.Since(start).Seconds())

	if replayed > 0 {
		logger.Info().
			Int("events", replayed).
			Int64("next_seq", engine.GetSequence()).
			Dur("took", time.Since(start)).
			Msg("replayed event log")
	}
	return nil
}

// saveSnapshot writes s and marks it verified once the persisted log has
// caught up with it. Unverified snapshots are never loaded.
func saveSnapshot(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	s *core.SnapshotState,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int, error) {
	start := time.Now()
	data := persistence.FromCoreSnapshot(s, start)

	size, err := snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return 0, err
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(s.Sequence))

	for attempt := 0; attempt < verifyAttempts; attempt++ {
		ok, err := snapMgr.VerifyAgainstLog(ctx, data)
		if err != nil {
			return size, fmt.Errorf("verify snapshot %d: %w", s.Sequence, err)
		}
		if ok {
			logger.Info().Int64("seq", s.Sequence).Int("bytes", size).Msg("snapshot verified")
			return size, nil
		}
		select {
		case <-ctx.Done():
			return size, ctx.Err()
		case <-time.After(verifyInterval):
		}
	}
	return size, fmt.Errorf("snapshot %d: event log never matched its state hash", s.Sequence)
}

func serveMetrics(ctx context.Context, addr string, health *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
