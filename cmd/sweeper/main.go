package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tracelab/webhooks/internal/config"
	"github.com/tracelab/webhooks/internal/database"
	"github.com/tracelab/webhooks/internal/dispatch"
	"github.com/tracelab/webhooks/internal/lock"
	"github.com/tracelab/webhooks/internal/metrics"
	"github.com/tracelab/webhooks/internal/store"
	"github.com/tracelab/webhooks/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	metrics.MustRegister()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Connect to Redis for the sweeper leader lock
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	st := store.NewPostgres(pool)
	svc := webhook.NewService(st, dispatch.New(cfg.DeliveryTimeout), webhook.Config{
		RetryDelays: cfg.RetryDelays,
		Fanout:      cfg.FanoutConcurrency,
	})
	sw := webhook.NewSweeper(svc, webhook.SweeperConfig{
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
		Interval:    cfg.SweepInterval,
		Locker:      lock.NewRedis(rdb, "webhooks:sweeper"),
	})
	go sw.Run(ctx)
	slog.Info("retry sweeper started", "interval", cfg.SweepInterval, "batch_size", cfg.SweepBatchSize)

	// Minimal health/metrics endpoint for k8s liveness probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthMux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":8081",
		Handler: healthMux,
	}

	go func() {
		slog.Info("sweeper health server listening", "port", "8081")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down sweeper...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	slog.Info("sweeper stopped")
}
