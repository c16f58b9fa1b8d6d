package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/model"
)

// ErrNotFound is returned when a subscription or delivery does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface the engine depends on. Postgres is the
// production implementation; Memory backs unit tests.
type Store interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	// ListSubscriptions returns subscriptions whose owner matches either side
	// of the given owner (logical OR).
	ListSubscriptions(ctx context.Context, owner model.Owner) ([]model.Subscription, error)
	// ListActiveByEvent returns active subscriptions whose event set contains
	// event and whose owner matches either side of the given owner.
	ListActiveByEvent(ctx context.Context, event string, owner model.Owner) ([]model.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	// DeleteSubscription removes a subscription and cascades its delivery
	// history.
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	TouchLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error

	// Deliveries
	CreateDelivery(ctx context.Context, d *model.Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*model.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error)
	// RecordAttempt writes the outcome of one dispatch attempt. Values are
	// absolute, not increments, so replaying the same write is idempotent.
	// Rows already in the delivered state are never mutated.
	RecordAttempt(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, attempts int, responseCode *int, responseBody *string, deliveredAt *time.Time, updatedAt time.Time) error
	// ListRetryable returns failed deliveries with attempts below maxAttempts,
	// oldest update first, excluding test deliveries. Time eligibility is the
	// sweeper's concern.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]model.Delivery, error)
}
