package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subscription is a registration of a target URL interested in a set of
// platform events. Each subscription carries its own signing secret.
type Subscription struct {
	ID              uuid.UUID         `json:"id"`
	UserID          *uuid.UUID        `json:"user_id,omitempty"`
	OrganizationID  *uuid.UUID        `json:"organization_id,omitempty"`
	URL             string            `json:"url"`
	Events          []string          `json:"events"`
	Description     string            `json:"description,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Secret          string            `json:"-"`
	TransformScript *string           `json:"transform_script,omitempty"`
	IsActive        bool              `json:"is_active"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one notification instance for one subscription. The payload is
// immutable once created; status/attempts/response fields track the attempt
// state machine.
type Delivery struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	ResponseCode   *int            `json:"response_code,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// Envelope is the wire payload sent to subscribers.
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Owner identifies the acting user and/or organization. At least one side
// must be set.
type Owner struct {
	UserID         *uuid.UUID
	OrganizationID *uuid.UUID
}

// Empty reports whether neither side of the owner is set.
func (o Owner) Empty() bool {
	return o.UserID == nil && o.OrganizationID == nil
}

// TestEvent is the reserved event name used by subscription test requests.
// It is not subscribable and never matched during trigger fan-out.
const TestEvent = "test.ping"

// Catalog is the fixed set of subscribable event names.
var Catalog = []string{
	"project.created",
	"project.updated",
	"project.deleted",
	"file.uploaded",
	"file.processed",
	"file.deleted",
	"analysis.started",
	"analysis.completed",
	"analysis.failed",
	"report.generated",
	"report.downloaded",
	"member.invited",
	"member.joined",
	"member.removed",
}

var catalogSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Catalog))
	for _, e := range Catalog {
		m[e] = struct{}{}
	}
	return m
}()

// KnownEvent reports whether name is in the subscribable catalog.
func KnownEvent(name string) bool {
	_, ok := catalogSet[name]
	return ok
}
