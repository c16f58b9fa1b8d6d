package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracelab/webhooks/internal/model"
)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const subscriptionColumns = `id, user_id, organization_id, url, events, description, headers, secret, transform_script, is_active, last_triggered_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	var headers []byte
	err := row.Scan(&sub.ID, &sub.UserID, &sub.OrganizationID, &sub.URL, &sub.Events, &sub.Description,
		&headers, &sub.Secret, &sub.TransformScript, &sub.IsActive, &sub.LastTriggeredAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &sub, nil
}

func (s *Postgres) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, organization_id, url, events, description, headers, secret, transform_script, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sub.ID, sub.UserID, sub.OrganizationID, sub.URL, sub.Events, sub.Description,
		headers, sub.Secret, sub.TransformScript, sub.IsActive, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *Postgres) GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Postgres) ListSubscriptions(ctx context.Context, owner model.Owner) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE (user_id IS NOT NULL AND user_id = $1)
		    OR (organization_id IS NOT NULL AND organization_id = $2)
		 ORDER BY created_at DESC`,
		owner.UserID, owner.OrganizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *Postgres) ListActiveByEvent(ctx context.Context, event string, owner model.Owner) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE is_active = true AND $1 = ANY(events)
		   AND ((user_id IS NOT NULL AND user_id = $2)
		     OR (organization_id IS NOT NULL AND organization_id = $3))`,
		event, owner.UserID, owner.OrganizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]model.Subscription, error) {
	defer rows.Close()
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *Postgres) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
			url              = $2,
			events           = $3,
			description      = $4,
			headers          = $5,
			secret           = $6,
			transform_script = $7,
			is_active        = $8,
			updated_at       = $9
		 WHERE id = $1`,
		sub.ID, sub.URL, sub.Events, sub.Description, headers, sub.Secret,
		sub.TransformScript, sub.IsActive, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	// deliveries reference subscriptions with ON DELETE CASCADE
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) TouchLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last triggered: %w", err)
	}
	return nil
}

const deliveryColumns = `id, subscription_id, event, payload, status, attempts, response_code, response_body, created_at, updated_at, delivered_at`

func scanDelivery(row pgx.Row) (*model.Delivery, error) {
	var d model.Delivery
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.Event, &d.Payload, &d.Status, &d.Attempts,
		&d.ResponseCode, &d.ResponseBody, &d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Postgres) CreateDelivery(ctx context.Context, d *model.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (id, subscription_id, event, payload, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.SubscriptionID, d.Event, d.Payload, d.Status, d.Attempts, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

func (s *Postgres) GetDelivery(ctx context.Context, id uuid.UUID) (*model.Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *Postgres) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *Postgres) RecordAttempt(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, attempts int, responseCode *int, responseBody *string, deliveredAt *time.Time, updatedAt time.Time) error {
	// Delivered rows are terminal and never rewritten.
	_, err := s.pool.Exec(ctx,
		`UPDATE deliveries SET
			status        = $2,
			attempts      = $3,
			response_code = $4,
			response_body = $5,
			delivered_at  = COALESCE(delivered_at, $6),
			updated_at    = $7
		 WHERE id = $1 AND status <> 'delivered'`,
		id, status, attempts, responseCode, responseBody, deliveredAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *Postgres) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = 'failed' AND attempts < $1 AND event <> $2
		 ORDER BY updated_at ASC LIMIT $3`,
		maxAttempts, model.TestEvent, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list retryable deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]model.Delivery, error) {
	defer rows.Close()
	var deliveries []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}
