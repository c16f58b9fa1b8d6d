package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracelab/webhooks/internal/metrics"
	"github.com/tracelab/webhooks/internal/model"
	"github.com/tracelab/webhooks/internal/store"
)

// Locker serializes sweeps across instances. The deployment model is a
// single active sweeper; the lock enforces it.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

type SweeperConfig struct {
	// BatchSize bounds how many failed deliveries one pass examines.
	BatchSize int
	// Concurrency bounds dispatches within a pass.
	Concurrency int
	Interval    time.Duration
	// Locker is optional; without one, single-sweeper operation is assumed.
	Locker Locker
}

// Sweeper re-drives failed deliveries whose backoff delay has elapsed.
type Sweeper struct {
	svc *Service
	cfg SweeperConfig
}

func NewSweeper(svc *Service, cfg SweeperConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{svc: svc, cfg: cfg}
}

// Run sweeps on a ticker until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepLocked(ctx)
		}
	}
}

func (w *Sweeper) sweepLocked(ctx context.Context) {
	if w.cfg.Locker != nil {
		ok, err := w.cfg.Locker.Acquire(ctx, w.cfg.Interval)
		if err != nil {
			slog.Error("sweep lock acquire failed", "error", err)
			return
		}
		if !ok {
			return // another instance is sweeping
		}
		defer func() {
			if err := w.cfg.Locker.Release(ctx); err != nil {
				slog.Error("sweep lock release failed", "error", err)
			}
		}()
	}

	retried, err := w.SweepOnce(ctx)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		return
	}
	if retried > 0 {
		slog.Info("sweep completed", "retried", retried)
	}
}

// SweepOnce examines one batch of failed deliveries and re-dispatches those
// whose backoff delay has elapsed. Deliveries of inactive or deleted
// subscriptions are skipped without consuming an attempt. Returns the number
// of deliveries retried.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	metrics.SweepsTotal.Inc()

	candidates, err := w.svc.store.ListRetryable(ctx, w.svc.MaxAttempts(), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list retryable deliveries: %w", err)
	}

	now := w.svc.clock()
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	retried := 0

	for i := range candidates {
		d := candidates[i]
		if now.Before(d.UpdatedAt.Add(w.svc.delayFor(d.Attempts))) {
			continue
		}

		sub, err := w.svc.store.GetSubscription(ctx, d.SubscriptionID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("sweep: failed to load subscription", "error", err, "delivery_id", d.ID)
			}
			continue
		}
		if !sub.IsActive {
			continue
		}

		retried++
		wg.Add(1)
		sem <- struct{}{}
		go func(sub *model.Subscription, d model.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			metrics.RetriesTotal.Inc()
			w.svc.attempt(ctx, sub, &d)
		}(sub, d)
	}
	wg.Wait()

	return retried, nil
}
