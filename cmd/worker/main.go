// The worker process consumes every job queue and executes jobs through the
// browser-agent driver. Scale out by running more workers; the broker
// arbitrates deliveries and the profile locks keep one worker per browser
// profile.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/postpilot/postpilot/internal/application/jobs"
	"github.com/postpilot/postpilot/internal/application/registry"
	"github.com/postpilot/postpilot/internal/application/runs"
	"github.com/postpilot/postpilot/internal/application/scheduler"
	"github.com/postpilot/postpilot/internal/application/worker"
	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/infrastructure/browseragent"
	"github.com/postpilot/postpilot/internal/infrastructure/observability"
	"github.com/postpilot/postpilot/internal/infrastructure/persistence/postgres"
	"github.com/postpilot/postpilot/internal/infrastructure/secretbox"
	"github.com/postpilot/postpilot/internal/queue/redisq"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load validates every config section on the way in. The master key is
	// checked when the cipher is built; it is a worker-only requirement.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{Enabled: cfg.Telemetry.Enabled, ServiceName: cfg.Telemetry.ServiceName}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	logger.InfoContext(ctx, "starting worker", "env", cfg.Env, "workerID", workerID)

	store, err := postgres.Connect(ctx, cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	cipher, err := secretbox.New(cfg.Secret.MasterKey)
	if err != nil {
		return fmt.Errorf("failed to init credential cipher: %w", err)
	}

	broker := redisq.New(rdb, cfg.Broker, logger)
	jobSvc := jobs.NewService(store, broker, logger)
	runSvc := runs.NewService(store, logger)
	regSvc := registry.NewService(store, store, jobSvc, cipher, logger)
	policy := scheduler.NewService(cfg.Scheduler, store, runSvc, store, loc, logger)
	driver := browseragent.New(cfg.Worker.AgentURL, logger)

	rt := worker.NewRuntime(cfg.Worker, workerID, broker, broker, driver, jobSvc, regSvc, runSvc, policy, logger)

	metricsSrv := startMetricsServer(ctx, cfg.Telemetry.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "failed to shutdown metrics server", "error", err)
		}
	}()

	if err := rt.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker runtime: %w", err)
	}

	logger.InfoContext(context.Background(), "worker shut down")
	return nil
}

func startMetricsServer(ctx context.Context, addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.InfoContext(ctx, "metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "metrics server failed", "error", err)
		}
	}()
	return srv
}
