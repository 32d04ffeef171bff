/*
main.go - Application entry point

PURPOSE:

	Initializes and starts the remittance engine server.
	Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
 1. Load configuration (environment, then flags)
 2. Initialize logger
 3. Initialize SQLite store
 4. Pick the lease backend (Redis if configured, else SQLite)
 5. Create orchestrator, metrics and API handler
 6. Start server with graceful shutdown

CONFIGURATION (env / flag):

	ADDR               -addr        Listen address (default: :8080)
	DB_PATH            -db          SQLite path (default: remittance.db)
	                                Use ":memory:" for in-memory database
	REDIS_URL          -redis       Redis URL for leases (default: SQLite leases)
	LEASE_TTL          -lease-ttl   Lease TTL (default: 5m)
	HEARTBEAT_INTERVAL -heartbeat   Lease renewal interval (default: 1m)
	BATCH_SIZE         -batch-size  Child write batch size, 1..50 (default: 50)
	LOG_MODE           -log-mode    dev or prod (default: prod)
	JWT_SECRET                      Enables HS256 bearer tokens
	CORS_ORIGINS                    Comma-separated allowed origins

GRACEFUL SHUTDOWN:

	On SIGINT/SIGTERM:
	1. Stop accepting new connections
	2. Wait for active requests to complete (30s timeout)
	3. Close Redis and database connections
	4. Exit

	Operations cut off by the timeout leave their lease to expire; Check
	reports any remittance they left inconsistent.

EXAMPLES:

	# Run with file database
	./server -db="./data/remittance.db"

	# Run with Redis leases shared by several instances
	REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Configuration loading
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/warp/remittance-engine/api"
	"github.com/warp/remittance-engine/config"
	"github.com/warp/remittance-engine/metrics"
	"github.com/warp/remittance-engine/remittance"
	"github.com/warp/remittance-engine/store/redis"
	"github.com/warp/remittance-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	health := map[string]api.Pinger{"sqlite": store}

	// Lease backend
	var leases remittance.LeaseStore = store
	if cfg.RedisURL != "" {
		opts, err := goredislib.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredislib.NewClient(opts)
		defer client.Close()

		redisLeases := redis.NewLeaseStore(client)
		if err := redisLeases.Ping(context.Background()); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		leases = redisLeases
		health["redis"] = redisLeases
		logger.Info("using redis leases", zap.String("addr", opts.Addr))
	}

	locks := remittance.NewLockManager(leases, cfg.LockConfig(), logger.Named("lock"))
	orchestrator := remittance.NewOrchestrator(store, locks, remittance.Config{
		BatchSize: cfg.BatchSize,
		Recorder:  recorder,
		Logger:    logger.Named("remittance"),
	})

	handler := api.NewHandler(orchestrator, logger.Named("api"))
	handler.Health = health

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		JWTSecret:      []byte(cfg.JWTSecret),
		Gatherer:       reg,
	})

	// Operations may run many batches, so writes get a long timeout.
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Addr),
			zap.String("db", cfg.DBPath),
			zap.Duration("lease_ttl", cfg.LeaseTTL),
			zap.Int("batch_size", cfg.BatchSize),
			zap.Bool("jwt", cfg.JWTSecret != ""))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
