package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/model"
)

// RetryDelivery re-dispatches a failed delivery immediately, bypassing the
// sweeper's backoff clock but not the attempt budget or the active-
// subscription requirement. The dispatch outcome lands on the returned
// delivery record; a failed endpoint is not an error.
func (s *Service) RetryDelivery(ctx context.Context, caller model.Owner, deliveryID uuid.UUID) (*model.Delivery, error) {
	d, err := s.GetDelivery(ctx, caller, deliveryID)
	if err != nil {
		return nil, err
	}
	sub, err := s.loadOwned(ctx, caller, d.SubscriptionID)
	if err != nil {
		return nil, err
	}

	if d.Status != model.DeliveryFailed {
		return nil, &ValidationError{Field: "status", Message: "only failed deliveries can be retried"}
	}
	if !sub.IsActive {
		return nil, ErrSubscriptionDisabled
	}
	if d.Attempts >= s.MaxAttempts() {
		return nil, ErrRetriesExhausted
	}

	s.attempt(ctx, sub, d)

	updated, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("reload delivery: %w", err)
	}
	return updated, nil
}

// TestResult is the caller-visible outcome of a subscription test. Delivery
// failure is result data here, not an error.
type TestResult struct {
	Success    bool      `json:"success"`
	StatusCode *int      `json:"status_code,omitempty"`
	Response   *string   `json:"response,omitempty"`
	DeliveryID uuid.UUID `json:"delivery_id"`
}

// TestSubscription sends a synthetic test.ping event through the full
// sign/dispatch/record path and resolves it synchronously. Test deliveries
// use the reserved event name and are excluded from sweeper retries.
func (s *Service) TestSubscription(ctx context.Context, caller model.Owner, id uuid.UUID) (*TestResult, error) {
	sub, err := s.loadOwned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive {
		return nil, ErrSubscriptionDisabled
	}

	payload, err := json.Marshal(model.Envelope{
		Event:     model.TestEvent,
		Timestamp: s.clock().UTC(),
		Data:      map[string]string{"subscription_id": sub.ID.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal test payload: %w", err)
	}

	now := s.clock()
	d := &model.Delivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Event:          model.TestEvent,
		Payload:        payload,
		Status:         model.DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("create test delivery: %w", err)
	}

	res := s.attempt(ctx, sub, d)
	return &TestResult{
		Success:    res.Success,
		StatusCode: res.StatusCode,
		Response:   res.ResponseBody,
		DeliveryID: d.ID,
	}, nil
}
