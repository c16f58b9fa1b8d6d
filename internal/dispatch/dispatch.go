// Package dispatch performs single webhook delivery attempts. Retry
// orchestration lives with the sweeper; a Dispatcher never retries.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/metrics"
	"github.com/tracelab/webhooks/internal/model"
	"github.com/tracelab/webhooks/internal/script"
	"github.com/tracelab/webhooks/internal/signing"
)

const (
	maxBodyLen = 1000
	userAgent  = "tracelab-webhooks/1.0"
)

// Result is the outcome of one dispatch attempt. A nil StatusCode means the
// request never produced an HTTP response (timeout, DNS, connection refused);
// the detail lands in ResponseBody either way.
type Result struct {
	Success      bool
	StatusCode   *int
	ResponseBody *string
}

type Dispatcher struct {
	client *http.Client
}

// New creates a dispatcher whose requests carry their own timeout,
// independent of any caller-imposed deadline.
func New(timeout time.Duration) *Dispatcher {
	return &Dispatcher{client: &http.Client{Timeout: timeout}}
}

// Deliver signs and POSTs the payload to the subscription's target URL,
// performing exactly one attempt. Only the dispatcher's own timeout bounds
// the request; a cancelled or expired caller context does not abort it.
func (d *Dispatcher) Deliver(ctx context.Context, sub *model.Subscription, payload []byte, deliveryID uuid.UUID) Result {
	ctx = context.WithoutCancel(ctx)

	body := payload
	if sub.TransformScript != nil && *sub.TransformScript != "" {
		transformed, err := script.TransformPayload(*sub.TransformScript, payload)
		if err != nil {
			// A broken script must not lose the delivery; send the original.
			slog.Warn("payload transform failed, sending original", "subscription_id", sub.ID, "error", err)
		} else {
			body = transformed
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return failure(nil, "build request: "+err.Error())
	}

	// Custom headers first, platform headers last so subscribers cannot
	// override identification or the signature.
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Id", sub.ID.String())
	req.Header.Set("X-Webhook-Signature", signing.Sign(body, sub.Secret))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Delivery-Id", deliveryID.String())

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return failure(nil, "transport: "+err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLen))
	code := resp.StatusCode
	bodyStr := string(respBody)

	if code >= 200 && code < 300 {
		return Result{Success: true, StatusCode: &code, ResponseBody: &bodyStr}
	}
	return failureCode(code, bodyStr)
}

func failure(code *int, detail string) Result {
	if len(detail) > maxBodyLen {
		detail = detail[:maxBodyLen]
	}
	return Result{StatusCode: code, ResponseBody: &detail}
}

func failureCode(code int, detail string) Result {
	return failure(&code, detail)
}
