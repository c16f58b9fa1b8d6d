package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/model"
)

// Memory is an in-memory Store used by tests and local development without
// Postgres.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*model.Subscription
	deliveries    map[uuid.UUID]*model.Delivery
}

func NewMemory() *Memory {
	return &Memory{
		subscriptions: map[uuid.UUID]*model.Subscription{},
		deliveries:    map[uuid.UUID]*model.Delivery{},
	}
}

func copySubscription(sub *model.Subscription) *model.Subscription {
	cp := *sub
	cp.Events = slices.Clone(sub.Events)
	if sub.Headers != nil {
		cp.Headers = make(map[string]string, len(sub.Headers))
		for k, v := range sub.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

func copyDelivery(d *model.Delivery) *model.Delivery {
	cp := *d
	cp.Payload = slices.Clone(d.Payload)
	return &cp
}

func ownerMatches(sub *model.Subscription, owner model.Owner) bool {
	if owner.UserID != nil && sub.UserID != nil && *owner.UserID == *sub.UserID {
		return true
	}
	if owner.OrganizationID != nil && sub.OrganizationID != nil && *owner.OrganizationID == *sub.OrganizationID {
		return true
	}
	return false
}

func (m *Memory) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubscription(sub), nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, owner model.Owner) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []model.Subscription
	for _, sub := range m.subscriptions {
		if ownerMatches(sub, owner) {
			subs = append(subs, *copySubscription(sub))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs, nil
}

func (m *Memory) ListActiveByEvent(ctx context.Context, event string, owner model.Owner) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []model.Subscription
	for _, sub := range m.subscriptions {
		if sub.IsActive && slices.Contains(sub.Events, event) && ownerMatches(sub, owner) {
			subs = append(subs, *copySubscription(sub))
		}
	}
	return subs, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subscriptions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	cp := copySubscription(sub)
	cp.LastTriggeredAt = existing.LastTriggeredAt
	m.subscriptions[sub.ID] = cp
	return nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[id]; !ok {
		return ErrNotFound
	}
	delete(m.subscriptions, id)
	for did, d := range m.deliveries {
		if d.SubscriptionID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

func (m *Memory) TouchLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	sub.LastTriggeredAt = &t
	return nil
}

func (m *Memory) CreateDelivery(ctx context.Context, d *model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id uuid.UUID) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelivery(d), nil
}

func (m *Memory) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deliveries []model.Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			deliveries = append(deliveries, *copyDelivery(d))
		}
	}
	sort.Slice(deliveries, func(i, j int) bool { return deliveries[i].CreatedAt.After(deliveries[j].CreatedAt) })
	if len(deliveries) > limit {
		deliveries = deliveries[:limit]
	}
	return deliveries, nil
}

func (m *Memory) RecordAttempt(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, attempts int, responseCode *int, responseBody *string, deliveredAt *time.Time, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status == model.DeliveryDelivered {
		return nil
	}
	d.Status = status
	d.Attempts = attempts
	d.ResponseCode = responseCode
	d.ResponseBody = responseBody
	if d.DeliveredAt == nil {
		d.DeliveredAt = deliveredAt
	}
	d.UpdatedAt = updatedAt
	return nil
}

func (m *Memory) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deliveries []model.Delivery
	for _, d := range m.deliveries {
		if d.Status == model.DeliveryFailed && d.Attempts < maxAttempts && d.Event != model.TestEvent {
			deliveries = append(deliveries, *copyDelivery(d))
		}
	}
	sort.Slice(deliveries, func(i, j int) bool { return deliveries[i].UpdatedAt.Before(deliveries[j].UpdatedAt) })
	if len(deliveries) > limit {
		deliveries = deliveries[:limit]
	}
	return deliveries, nil
}
