// Package webhook implements the subscription registry, event trigger
// fan-out, and retry sweeper of the outbound webhook engine.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/dispatch"
	"github.com/tracelab/webhooks/internal/model"
	"github.com/tracelab/webhooks/internal/script"
	"github.com/tracelab/webhooks/internal/signing"
	"github.com/tracelab/webhooks/internal/store"
)

// Service wires the registry, trigger, and manual retry/test paths over a
// Store and a Dispatcher. The clock is injectable so the backoff table can be
// tested deterministically.
type Service struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	clock      func() time.Time
	delays     []time.Duration
	fanout     int
}

type Config struct {
	// RetryDelays is the escalating backoff table; its length is the maximum
	// attempt count per delivery.
	RetryDelays []time.Duration
	// Fanout bounds concurrent dispatches within one trigger call.
	Fanout int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func NewService(st store.Store, d *dispatch.Dispatcher, cfg Config) *Service {
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, time.Hour, 6 * time.Hour}
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:      st,
		dispatcher: d,
		clock:      cfg.Clock,
		delays:     cfg.RetryDelays,
		fanout:     cfg.Fanout,
	}
}

// MaxAttempts is the attempt budget per delivery.
func (s *Service) MaxAttempts() int { return len(s.delays) }

// delayFor returns the wait before the next retry, indexed by the current
// attempts count and clamped to the last table entry.
func (s *Service) delayFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	return s.delays[idx]
}

type CreateInput struct {
	URL             string
	Events          []string
	Description     string
	Headers         map[string]string
	TransformScript *string
}

// Create registers a subscription and returns it together with the plaintext
// signing secret. The secret is not retrievable afterwards except via
// RegenerateSecret.
func (s *Service) Create(ctx context.Context, caller model.Owner, in CreateInput) (*model.Subscription, string, error) {
	if caller.Empty() {
		return nil, "", &ValidationError{Field: "owner", Message: "a user or organization is required"}
	}
	if err := validateTargetURL(in.URL); err != nil {
		return nil, "", err
	}
	if err := validateEvents(in.Events); err != nil {
		return nil, "", err
	}
	if in.TransformScript != nil && *in.TransformScript != "" {
		if err := script.Validate(*in.TransformScript); err != nil {
			return nil, "", &ValidationError{Field: "transform_script", Message: err.Error()}
		}
	}

	secret := signing.GenerateSecret()
	now := s.clock()
	sub := &model.Subscription{
		ID:              uuid.New(),
		UserID:          caller.UserID,
		OrganizationID:  caller.OrganizationID,
		URL:             in.URL,
		Events:          in.Events,
		Description:     in.Description,
		Headers:         in.Headers,
		Secret:          secret,
		TransformScript: in.TransformScript,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, "", fmt.Errorf("create subscription: %w", err)
	}
	return sub, secret, nil
}

// List returns the caller's subscriptions. When organizationID is set, the
// result is narrowed to that organization, which must be the caller's own.
func (s *Service) List(ctx context.Context, caller model.Owner, organizationID *uuid.UUID) ([]model.Subscription, error) {
	if caller.Empty() {
		return nil, &ValidationError{Field: "owner", Message: "a user or organization is required"}
	}
	owner := caller
	if organizationID != nil {
		if caller.OrganizationID == nil || *caller.OrganizationID != *organizationID {
			return nil, ErrPermissionDenied
		}
		owner = model.Owner{OrganizationID: organizationID}
	}
	subs, err := s.store.ListSubscriptions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Service) Get(ctx context.Context, caller model.Owner, id uuid.UUID) (*model.Subscription, error) {
	return s.loadOwned(ctx, caller, id)
}

type UpdateInput struct {
	URL         *string
	Events      []string
	Description *string
	Headers     map[string]string
	IsActive    *bool
	// TransformScript set to the empty string clears the script.
	TransformScript *string
}

func (s *Service) Update(ctx context.Context, caller model.Owner, id uuid.UUID, in UpdateInput) (*model.Subscription, error) {
	sub, err := s.loadOwned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := validateTargetURL(*in.URL); err != nil {
			return nil, err
		}
		sub.URL = *in.URL
	}
	if in.Events != nil {
		if err := validateEvents(in.Events); err != nil {
			return nil, err
		}
		sub.Events = in.Events
	}
	if in.Description != nil {
		sub.Description = *in.Description
	}
	if in.Headers != nil {
		sub.Headers = in.Headers
	}
	if in.IsActive != nil {
		sub.IsActive = *in.IsActive
	}
	if in.TransformScript != nil {
		if *in.TransformScript == "" {
			sub.TransformScript = nil
		} else {
			if err := script.Validate(*in.TransformScript); err != nil {
				return nil, &ValidationError{Field: "transform_script", Message: err.Error()}
			}
			sub.TransformScript = in.TransformScript
		}
	}

	sub.UpdatedAt = s.clock()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// Delete removes a subscription and its delivery history.
func (s *Service) Delete(ctx context.Context, caller model.Owner, id uuid.UUID) error {
	if _, err := s.loadOwned(ctx, caller, id); err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// RegenerateSecret replaces the signing secret and returns the new plaintext
// value, the only time it is exposed. In-flight deliveries signed with the
// old secret are an accepted race.
func (s *Service) RegenerateSecret(ctx context.Context, caller model.Owner, id uuid.UUID) (string, error) {
	sub, err := s.loadOwned(ctx, caller, id)
	if err != nil {
		return "", err
	}
	secret := signing.GenerateSecret()
	sub.Secret = secret
	sub.UpdatedAt = s.clock()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("regenerate secret: %w", err)
	}
	return secret, nil
}

// ListDeliveries returns the delivery history of an owned subscription,
// newest first.
func (s *Service) ListDeliveries(ctx context.Context, caller model.Owner, id uuid.UUID, limit int) ([]model.Delivery, error) {
	if _, err := s.loadOwned(ctx, caller, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	deliveries, err := s.store.ListDeliveries(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

// GetDelivery returns one delivery, enforcing ownership through its
// subscription.
func (s *Service) GetDelivery(ctx context.Context, caller model.Owner, deliveryID uuid.UUID) (*model.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	if _, err := s.loadOwned(ctx, caller, d.SubscriptionID); err != nil {
		return nil, err
	}
	return d, nil
}

// loadOwned fetches a subscription and enforces that the caller owns it,
// keeping not-found and permission failures distinct.
func (s *Service) loadOwned(ctx context.Context, caller model.Owner, id uuid.UUID) (*model.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if !owns(sub, caller) {
		return nil, ErrPermissionDenied
	}
	return sub, nil
}

func owns(sub *model.Subscription, caller model.Owner) bool {
	if caller.UserID != nil && sub.UserID != nil && *caller.UserID == *sub.UserID {
		return true
	}
	if caller.OrganizationID != nil && sub.OrganizationID != nil && *caller.OrganizationID == *sub.OrganizationID {
		return true
	}
	return false
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return &ValidationError{Field: "events", Message: "at least one event is required"}
	}
	for _, e := range events {
		if !model.KnownEvent(e) {
			return &ValidationError{Field: "events", Message: "unknown event " + e}
		}
	}
	return nil
}
