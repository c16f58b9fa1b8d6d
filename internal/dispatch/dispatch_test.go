package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/model"
	"github.com/tracelab/webhooks/internal/signing"
)

func testSubscription(url string) *model.Subscription {
	return &model.Subscription{
		ID:       uuid.New(),
		URL:      url,
		Secret:   "whsec_dispatch_test",
		IsActive: true,
	}
}

func TestDeliverSuccess(t *testing.T) {
	payload := []byte(`{"event":"analysis.completed","timestamp":"2026-01-02T03:04:05Z","data":{"id":"a1"}}`)
	deliveryID := uuid.New()

	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL)
	sub.Headers = map[string]string{"X-Custom": "custom-value"}

	res := New(5 * time.Second).Deliver(t.Context(), sub, payload, deliveryID)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.StatusCode == nil || *res.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %v", res.StatusCode)
	}
	if res.ResponseBody == nil || *res.ResponseBody != "ok" {
		t.Fatalf("expected response body ok, got %v", res.ResponseBody)
	}

	if string(gotBody) != string(payload) {
		t.Fatalf("payload mismatch: %s", gotBody)
	}
	if got := gotHeaders.Get("X-Webhook-Id"); got != sub.ID.String() {
		t.Fatalf("X-Webhook-Id = %q", got)
	}
	if got := gotHeaders.Get("X-Delivery-Id"); got != deliveryID.String() {
		t.Fatalf("X-Delivery-Id = %q", got)
	}
	if got := gotHeaders.Get("X-Custom"); got != "custom-value" {
		t.Fatalf("custom header not forwarded, got %q", got)
	}
	if got := gotHeaders.Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := gotHeaders.Get("User-Agent"); got != userAgent {
		t.Fatalf("User-Agent = %q", got)
	}

	sig := gotHeaders.Get("X-Webhook-Signature")
	if !signing.Verify(gotBody, sub.Secret, sig) {
		t.Fatalf("signature does not verify: %q", sig)
	}
	ts, err := strconv.ParseInt(gotHeaders.Get("X-Webhook-Timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("bad timestamp header: %v", err)
	}
	if !signing.VerifyWithTimestamp(gotBody, sub.Secret, sig, ts, time.Now(), 0) {
		t.Fatal("timestamp-tolerant verification should pass for a fresh delivery")
	}
}

func TestDeliverCustomHeaderCannotOverridePlatformHeaders(t *testing.T) {
	var gotSig, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotID = r.Header.Get("X-Webhook-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL)
	sub.Headers = map[string]string{
		"X-Webhook-Signature": "sha256=spoofed",
		"X-Webhook-Id":        "spoofed-id",
	}
	payload := []byte(`{"event":"file.uploaded","timestamp":"2026-01-02T03:04:05Z","data":{}}`)

	New(5*time.Second).Deliver(t.Context(), sub, payload, uuid.New())

	if gotSig == "sha256=spoofed" {
		t.Fatal("custom header overrode the signature")
	}
	if !signing.Verify(payload, sub.Secret, gotSig) {
		t.Fatal("real signature missing after header merge")
	}
	if gotID != sub.ID.String() {
		t.Fatalf("custom header overrode X-Webhook-Id: %q", gotID)
	}
}

func TestDeliverNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	res := New(5*time.Second).Deliver(t.Context(), testSubscription(srv.URL), []byte(`{}`), uuid.New())

	if res.Success {
		t.Fatal("500 should classify as failure")
	}
	if res.StatusCode == nil || *res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %v", res.StatusCode)
	}
	if res.ResponseBody == nil || *res.ResponseBody != "boom" {
		t.Fatalf("expected body boom, got %v", res.ResponseBody)
	}
}

func TestDeliverTransportErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	res := New(time.Second).Deliver(t.Context(), testSubscription(srv.URL), []byte(`{}`), uuid.New())

	if res.Success {
		t.Fatal("transport error should classify as failure")
	}
	if res.StatusCode != nil {
		t.Fatalf("transport error should carry no status code, got %v", *res.StatusCode)
	}
	if res.ResponseBody == nil || !strings.HasPrefix(*res.ResponseBody, "transport: ") {
		t.Fatalf("expected transport detail, got %v", res.ResponseBody)
	}
}

func TestDeliverTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(strings.Repeat("e", 5000)))
	}))
	defer srv.Close()

	res := New(5*time.Second).Deliver(t.Context(), testSubscription(srv.URL), []byte(`{}`), uuid.New())

	if res.ResponseBody == nil || len(*res.ResponseBody) != maxBodyLen {
		t.Fatalf("expected body truncated to %d chars", maxBodyLen)
	}
}

func TestDeliverAppliesTransformScript(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL)
	s := `function transform(event) { return { renamed: event.data.id }; }`
	sub.TransformScript = &s
	payload := []byte(`{"event":"report.generated","timestamp":"2026-01-02T03:04:05Z","data":{"id":"r1"}}`)

	var gotSig string
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	res := New(5*time.Second).Deliver(t.Context(), sub, payload, uuid.New())
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(string(gotBody), `"renamed":"r1"`) {
		t.Fatalf("transform not applied: %s", gotBody)
	}
	// Signature must cover the bytes actually sent.
	if !signing.Verify(gotBody, sub.Secret, gotSig) {
		t.Fatal("signature should cover the transformed payload")
	}
}

func TestDeliverBrokenTransformSendsOriginal(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL)
	s := `function transform(event) { throw new Error("boom"); }`
	sub.TransformScript = &s
	payload := []byte(`{"event":"file.processed","timestamp":"2026-01-02T03:04:05Z","data":{"id":"f1"}}`)

	res := New(5*time.Second).Deliver(t.Context(), sub, payload, uuid.New())

	// A script that blows up at runtime must not lose the delivery.
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if string(gotBody) != string(payload) {
		t.Fatalf("expected original payload, got %s", gotBody)
	}
	if !signing.Verify(gotBody, sub.Secret, gotSig) {
		t.Fatal("signature should cover the original payload")
	}
}

func TestDeliverIgnoresCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Only the dispatcher's own timeout may bound the attempt.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(5*time.Second).Deliver(ctx, testSubscription(srv.URL), []byte(`{}`), uuid.New())

	if !res.Success {
		t.Fatalf("cancelled caller context aborted the attempt: %+v", res)
	}
}
