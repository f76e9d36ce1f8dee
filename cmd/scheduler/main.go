// The scheduler process runs the JIT emission loop: daily resets, the
// per-tick due sweep with slot reservation, run bookkeeping and the
// stuck-run sweep. It is safe to run more than one replica; the row-level
// compare-and-swap arbitrates emissions.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/postpilot/postpilot/internal/application/jobs"
	"github.com/postpilot/postpilot/internal/application/runs"
	"github.com/postpilot/postpilot/internal/application/scheduler"
	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/infrastructure/observability"
	"github.com/postpilot/postpilot/internal/infrastructure/persistence/postgres"
	"github.com/postpilot/postpilot/internal/queue"
	"github.com/postpilot/postpilot/internal/queue/redisq"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load validates every config section on the way in.
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

	logger.InfoContext(ctx, "starting scheduler", "env", cfg.Env, "timezone", cfg.Timezone)

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

	broker := redisq.New(rdb, cfg.Broker, logger)
	jobSvc := jobs.NewService(store, broker, logger)
	runSvc := runs.NewService(store, logger)
	loop := scheduler.NewLoop(cfg.Scheduler, store, store, runSvc, jobSvc, loc, logger)

	// Rows that never reached the broker (crash between the insert and the
	// enqueue, or a broker outage) are re-enqueued before the first tick.
	if n, err := jobSvc.Reconcile(ctx, cfg.Scheduler.ReconcileAge); err != nil {
		logger.ErrorContext(ctx, "startup reconcile failed", "error", err)
	} else if n > 0 {
		logger.InfoContext(ctx, "startup reconcile re-enqueued jobs", "count", n)
	}

	metricsSrv := startMetricsServer(ctx, cfg.Telemetry.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "failed to shutdown metrics server", "error", err)
		}
	}()

	go publishQueueDepth(ctx, broker, logger)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler loop: %w", err)
	}

	logger.InfoContext(context.Background(), "scheduler shut down")
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

// publishQueueDepth mirrors broker introspection into the queue depth gauge.
func publishQueueDepth(ctx context.Context, broker queue.Broker, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, typ := range domain.JobTypes {
			counts, err := broker.Introspect(ctx, typ)
			if err != nil {
				logger.WarnContext(ctx, "queue introspection failed", "type", typ, "error", err)
				continue
			}
			observability.QueueDepth.WithLabelValues(string(typ), "waiting").Set(float64(counts.Waiting))
			observability.QueueDepth.WithLabelValues(string(typ), "active").Set(float64(counts.Active))
			observability.QueueDepth.WithLabelValues(string(typ), "delayed").Set(float64(counts.Delayed))
		}
	}
}
