package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/dispatch"
	"github.com/tracelab/webhooks/internal/metrics"
	"github.com/tracelab/webhooks/internal/model"
)

// Trigger fans an event out to every matching active subscription owned by
// the given user or organization, concurrently, and returns how many
// subscriptions were triggered. Individual delivery failures are recorded on
// their Delivery rows and never surface to the caller.
func (s *Service) Trigger(ctx context.Context, event string, data any, owner model.Owner) (int, error) {
	if !model.KnownEvent(event) {
		return 0, &ValidationError{Field: "event", Message: "unknown event " + event}
	}
	if owner.Empty() {
		return 0, &ValidationError{Field: "owner", Message: "a user or organization is required"}
	}

	subs, err := s.store.ListActiveByEvent(ctx, event, owner)
	if err != nil {
		return 0, fmt.Errorf("list matching subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	// One immutable envelope shared by every delivery of this event.
	payload, err := json.Marshal(model.Envelope{
		Event:     event,
		Timestamp: s.clock().UTC(),
		Data:      data,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	sem := make(chan struct{}, s.fanout)
	var wg sync.WaitGroup
	for i := range subs {
		sub := &subs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.deliverTo(ctx, sub, event, payload)
		}()
	}
	wg.Wait()

	return len(subs), nil
}

// deliverTo creates a pending delivery for one subscription and resolves it
// with a single dispatch attempt. Errors are logged, never propagated, so one
// bad endpoint cannot affect its siblings.
func (s *Service) deliverTo(ctx context.Context, sub *model.Subscription, event string, payload []byte) {
	// Once fan-out has started, every matched subscription gets its ledger
	// row even if the producer's context expires mid-loop.
	ctx = context.WithoutCancel(ctx)

	now := s.clock()
	d := &model.Delivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Event:          event,
		Payload:        payload,
		Status:         model.DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		slog.Error("failed to create delivery", "error", err, "subscription_id", sub.ID, "event", event)
		return
	}
	s.attempt(ctx, sub, d)
}

// attempt performs one dispatch round-trip and records the outcome. The
// recorded attempts value is absolute so a replayed write cannot
// double-count.
func (s *Service) attempt(ctx context.Context, sub *model.Subscription, d *model.Delivery) dispatch.Result {
	// The attempt must settle once started: a cancelled caller context must
	// not strand the row in pending, where no retry scan will find it.
	ctx = context.WithoutCancel(ctx)

	res := s.dispatcher.Deliver(ctx, sub, d.Payload, d.ID)

	now := s.clock()
	attempts := d.Attempts + 1
	status := model.DeliveryFailed
	var deliveredAt *time.Time
	outcome := "failed"
	if res.Success {
		status = model.DeliveryDelivered
		t := now
		deliveredAt = &t
		outcome = "delivered"
	}
	metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()

	if err := s.store.RecordAttempt(ctx, d.ID, status, attempts, res.StatusCode, res.ResponseBody, deliveredAt, now); err != nil {
		slog.Error("failed to record attempt", "error", err, "delivery_id", d.ID)
	}
	if err := s.store.TouchLastTriggered(ctx, sub.ID, now); err != nil {
		slog.Error("failed to touch last triggered", "error", err, "subscription_id", sub.ID)
	}
	return res
}
