package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tracelab/webhooks/internal/config"
	"github.com/tracelab/webhooks/internal/database"
	"github.com/tracelab/webhooks/internal/dispatch"
	"github.com/tracelab/webhooks/internal/handler"
	"github.com/tracelab/webhooks/internal/lock"
	"github.com/tracelab/webhooks/internal/metrics"
	"github.com/tracelab/webhooks/internal/store"
	"github.com/tracelab/webhooks/internal/webhook"
)

func main() {
	withSweeper := flag.Bool("sweeper", false, "also run the retry sweeper in-process")
	flag.Parse()

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

	st := store.NewPostgres(pool)
	svc := webhook.NewService(st, dispatch.New(cfg.DeliveryTimeout), webhook.Config{
		RetryDelays: cfg.RetryDelays,
		Fanout:      cfg.FanoutConcurrency,
	})

	// Routes
	r := gin.Default()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.Routes(r, svc)

	// Optionally run the retry sweeper in-process for local development.
	// The redis leader lock keeps multiple instances from sweeping at once.
	if *withSweeper {
		var locker webhook.Locker
		if cfg.RedisURL != "" {
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
			locker = lock.NewRedis(rdb, "webhooks:sweeper")
		}

		sw := webhook.NewSweeper(svc, webhook.SweeperConfig{
			BatchSize:   cfg.SweepBatchSize,
			Concurrency: cfg.SweepConcurrency,
			Interval:    cfg.SweepInterval,
			Locker:      locker,
		})
		go sw.Run(ctx)
		slog.Info("retry sweeper started", "interval", cfg.SweepInterval)
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("api server stopped")
}
