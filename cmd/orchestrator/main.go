package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/infra/adapters/service"
	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/infra/httpx"
	"github.com/jcmexdev/order-placement-saga/internal/config"
	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog"
	sagalogsqlite "github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	sagamemory "github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/memory"
	sagapostgres "github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/postgres"
	sagaredis "github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/redis"
	sagasqlite "github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/sqlite"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/statemachine"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	memorybus "github.com/jcmexdev/order-placement-saga/internal/messaging/memory"
	"github.com/jcmexdev/order-placement-saga/internal/messaging/redisstream"
	"github.com/jcmexdev/order-placement-saga/internal/participants"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/cache"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/metrics"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/sqlitedb"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.ServiceName,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("initialise tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
	}

	bus, err := openBus(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	store, history, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	publisher := interceptors.NewTracingPublisher(messaging.NewRetryingPublisher(bus, messaging.DefaultRetryPolicy))

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithTransitionLog(history),
		coordinator.WithConfig(coordinator.Config{
			RedeliveryDelay: cfg.RedeliveryDelay,
			MaxRedeliveries: cfg.MaxRedeliveries,
			ConflictDelay:   cfg.ConflictRedeliveryDelay,
		}),
	}
	if rdb != nil {
		dedup := cache.NewDeduplicator(cache.NewRedisCache(rdb, cfg.ServiceName), cfg.DedupTTL)
		opts = append(opts, coordinator.WithDeduplicator(dedup))
	}
	engine := coordinator.New(store, statemachine.OrderPlacement(), publisher, bus, opts...)

	partitioner := messaging.NewPartitioner(cfg.Workers, interceptors.TracingHandler(engine.Handler()))
	defer partitioner.Stop()

	router := httpx.NewRouter(
		httpx.NewHandler(service.NewSagaQueryService(store, history), service.NewBusOrderPlacer(publisher)),
		m.Handler(),
	)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 3)
	if cfg.SimulateParticipants {
		participantBus, err := openParticipantBus(ctx, cfg, bus, rdb, logger)
		if err != nil {
			return err
		}
		sim := participants.New(interceptors.NewTracingPublisher(participantBus), participants.Options{AutoCreateOrders: true}, logger)
		go func() {
			logger.Info("simulating participant services", "topics", participants.Topics)
			if err := participantBus.Subscribe(ctx, participants.Topics, interceptors.TracingHandler(sim.Handler())); err != nil {
				errCh <- fmt.Errorf("participants: %w", err)
			}
		}()
	}
	go func() {
		logger.Info("consuming saga topics", "topics", contracts.OrchestratorTopics, "bus", cfg.BusDriver, "store", cfg.StoreDriver)
		if err := bus.Subscribe(ctx, contracts.OrchestratorTopics, partitioner.Handle); err != nil {
			errCh <- fmt.Errorf("subscribe: %w", err)
		}
	}()
	go func() {
		logger.Info("http server running", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown error", "error", serr)
	}
	return err
}

func openBus(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (messaging.Bus, error) {
	if cfg.BusDriver == config.BusMemory {
		return memorybus.NewBus(0), nil
	}
	bus := redisstream.New(rdb, redisstream.Options{
		Prefix:   cfg.StreamPrefix,
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
	}, logger)
	if err := bus.Setup(ctx, contracts.OrchestratorTopics); err != nil {
		return nil, fmt.Errorf("create consumer groups: %w", err)
	}
	return bus, nil
}

// openParticipantBus gives the simulated services their own consumer group
// so they see every command regardless of what the orchestrator consumes.
func openParticipantBus(ctx context.Context, cfg *config.Config, orchestratorBus messaging.Bus, rdb *redis.Client, logger *slog.Logger) (messaging.Bus, error) {
	if cfg.BusDriver == config.BusMemory {
		return orchestratorBus, nil
	}
	bus := redisstream.New(rdb, redisstream.Options{
		Prefix:   cfg.StreamPrefix,
		Group:    cfg.ConsumerGroup + "-participants",
		Consumer: cfg.ConsumerName,
	}, logger)
	if err := bus.Setup(ctx, participants.Topics); err != nil {
		return nil, fmt.Errorf("create participant consumer groups: %w", err)
	}
	return bus, nil
}

// openStore returns the instance store and the transition log for the
// configured driver. The memory driver keeps both in process; every other
// driver logs transitions to the SQLite file.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (sagastate.Store, sagalog.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		return sagamemory.NewStore(), sagalog.NewMemoryRepository(), func() {}, nil
	}

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	sqliteDB, err := sqlitedb.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, err
	}
	closers = append(closers, sqliteDB)

	history := sagalogsqlite.New(sqliteDB)
	if err := history.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, nil, err
	}

	var store sagastate.Store
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		s := sagasqlite.New(sqliteDB)
		err = s.Migrate(ctx)
		store = s
	case config.StorePostgres:
		var pg *sql.DB
		pg, err = sagapostgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			break
		}
		closers = append(closers, pg)
		s := sagapostgres.New(pg)
		err = s.Migrate(ctx)
		store = s
	case config.StoreRedis:
		store = sagaredis.New(rdb, cfg.StreamPrefix)
	}
	if err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("open %s saga store: %w", cfg.StoreDriver, err)
	}
	return store, history, closeAll, nil
}
