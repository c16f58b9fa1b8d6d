package webhook

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the subscription or delivery id is unknown.
	ErrNotFound = errors.New("webhook: not found")

	// ErrPermissionDenied means the record exists but belongs to a different
	// caller. Kept distinct from ErrNotFound for audit clarity.
	ErrPermissionDenied = errors.New("webhook: permission denied")

	// ErrSubscriptionDisabled blocks manual retry/test of an inactive
	// subscription.
	ErrSubscriptionDisabled = errors.New("webhook: subscription is disabled")

	// ErrRetriesExhausted blocks manual retry once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("webhook: retry attempts exhausted")
)

// ValidationError reports a rejected field on a registry operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("webhook: invalid %s: %s", e.Field, e.Message)
}
