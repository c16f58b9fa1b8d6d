package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tracelab/webhooks/internal/model"
	"github.com/tracelab/webhooks/internal/store"
)

var productionDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

type sweepFixture struct {
	svc     *Service
	sweeper *Sweeper
	clock   *fakeClock
	caller  model.Owner
	sub     *model.Subscription
}

// newSweepFixture registers one subscription to analysis.completed pointed at
// url and triggers the event once.
func newSweepFixture(t *testing.T, url string) *sweepFixture {
	t.Helper()
	clock := newFakeClock()
	svc := newTestService(store.NewMemory(), clock, productionDelays)
	sweeper := NewSweeper(svc, SweeperConfig{BatchSize: 100, Concurrency: 4})
	caller := userCaller()
	ctx := context.Background()

	sub, _, err := svc.Create(ctx, caller, CreateInput{URL: url, Events: []string{"analysis.completed"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Trigger(ctx, "analysis.completed", map[string]string{"id": "a1"}, caller); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	return &sweepFixture{svc: svc, sweeper: sweeper, clock: clock, caller: caller, sub: sub}
}

func (f *sweepFixture) delivery(t *testing.T) *model.Delivery {
	t.Helper()
	ds, err := f.svc.ListDeliveries(context.Background(), f.caller, f.sub.ID, 10)
	if err != nil || len(ds) != 1 {
		t.Fatalf("expected 1 delivery, got %d (%v)", len(ds), err)
	}
	return &ds[0]
}

func (f *sweepFixture) sweep(t *testing.T) int {
	t.Helper()
	n, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return n
}

// Scenario: an endpoint that always returns 500 is retried on the escalating
// schedule until the attempt budget is exhausted, then left failed for good.
func TestSweeperExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newSweepFixture(t, srv.URL)

	d := f.delivery(t)
	if d.Status != model.DeliveryFailed || d.Attempts != 1 {
		t.Fatalf("expected failed attempt 1, got %+v", d)
	}
	if d.ResponseCode == nil || *d.ResponseCode != http.StatusInternalServerError {
		t.Fatalf("expected recorded 500, got %v", d.ResponseCode)
	}

	// Backoff respect: one second before the first delay elapses, nothing
	// is eligible.
	f.clock.Advance(59 * time.Second)
	if n := f.sweep(t); n != 0 {
		t.Fatalf("retried %d deliveries before the backoff elapsed", n)
	}
	if f.delivery(t).Attempts != 1 {
		t.Fatal("attempts should not advance before the backoff elapses")
	}

	// 61 seconds after the first failure, attempt 2 runs.
	f.clock.Advance(2 * time.Second)
	if n := f.sweep(t); n != 1 {
		t.Fatalf("expected 1 retry, got %d", n)
	}
	d = f.delivery(t)
	if d.Status != model.DeliveryFailed || d.Attempts != 2 {
		t.Fatalf("expected failed attempt 2, got %+v", d)
	}

	// Walk the remaining schedule: 5m, 30m, 1h after each failure.
	for i, delay := range []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour} {
		f.clock.Advance(delay + time.Second)
		if n := f.sweep(t); n != 1 {
			t.Fatalf("pass %d: expected 1 retry, got %d", i, n)
		}
	}
	d = f.delivery(t)
	if d.Attempts != 5 || d.Status != model.DeliveryFailed {
		t.Fatalf("expected terminal failed attempt 5, got %+v", d)
	}

	// Exhausted: no amount of elapsed time produces a sixth attempt.
	f.clock.Advance(24 * time.Hour)
	if n := f.sweep(t); n != 0 {
		t.Fatalf("exhausted delivery was retried %d times", n)
	}
	if f.delivery(t).Attempts != 5 {
		t.Fatal("attempts must never exceed the table length")
	}
}

// Scenario: the endpoint recovers on the third attempt; the delivery settles
// as delivered and is never touched again.
func TestSweeperDeliversOnRecovery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newSweepFixture(t, srv.URL)

	f.clock.Advance(time.Minute + time.Second)
	f.sweep(t) // attempt 2, still failing

	f.clock.Advance(5*time.Minute + time.Second)
	if n := f.sweep(t); n != 1 {
		t.Fatalf("expected 1 retry, got %d", n)
	}

	d := f.delivery(t)
	if d.Status != model.DeliveryDelivered || d.Attempts != 3 || d.DeliveredAt == nil {
		t.Fatalf("expected delivered attempt 3, got %+v", d)
	}

	// Delivered is terminal: more time passing changes nothing.
	f.clock.Advance(48 * time.Hour)
	if n := f.sweep(t); n != 0 {
		t.Fatalf("delivered delivery was retried %d times", n)
	}
	if after := f.delivery(t); after.Attempts != 3 || after.Status != model.DeliveryDelivered {
		t.Fatalf("delivered delivery was mutated: %+v", after)
	}
	if hits.Load() != 3 {
		t.Fatalf("endpoint should have been hit exactly 3 times, got %d", hits.Load())
	}
}

func TestSweeperSkipsInactiveSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newSweepFixture(t, srv.URL)
	ctx := context.Background()

	off := false
	if _, err := f.svc.Update(ctx, f.caller, f.sub.ID, UpdateInput{IsActive: &off}); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.clock.Advance(time.Hour)
	if n := f.sweep(t); n != 0 {
		t.Fatalf("inactive subscription's delivery was retried %d times", n)
	}

	// Skipped, not advanced: the attempt was not consumed and history stays.
	d := f.delivery(t)
	if d.Attempts != 1 || d.Status != model.DeliveryFailed {
		t.Fatalf("skip should not consume an attempt: %+v", d)
	}

	// Re-enabling makes it eligible again.
	on := true
	if _, err := f.svc.Update(ctx, f.caller, f.sub.ID, UpdateInput{IsActive: &on}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := f.sweep(t); n != 1 {
		t.Fatalf("expected 1 retry after re-enable, got %d", n)
	}
}

func TestSweeperSkipsTestDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := newFakeClock()
	svc := newTestService(store.NewMemory(), clock, productionDelays)
	sweeper := NewSweeper(svc, SweeperConfig{})
	caller := userCaller()
	ctx := context.Background()

	sub, _, err := svc.Create(ctx, caller, validInput(srv.URL))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := svc.TestSubscription(ctx, caller, sub.ID)
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if res.Success {
		t.Fatal("test against a 500 endpoint should fail")
	}

	clock.Advance(time.Hour)
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("test delivery was swept up for retry %d times", n)
	}
}

type fakeLocker struct {
	allow    bool
	acquires int
	releases int
}

func (l *fakeLocker) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	l.acquires++
	return l.allow, nil
}

func (l *fakeLocker) Release(ctx context.Context) error {
	l.releases++
	return nil
}

func TestSweeperHonorsLock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newSweepFixture(t, srv.URL)
	f.clock.Advance(time.Hour)

	locker := &fakeLocker{allow: false}
	f.sweeper.cfg.Locker = locker

	f.sweeper.sweepLocked(context.Background())
	if locker.acquires != 1 || locker.releases != 0 {
		t.Fatalf("denied lock should not be released: %+v", locker)
	}
	if f.delivery(t).Attempts != 1 {
		t.Fatal("sweep ran without holding the lock")
	}

	locker.allow = true
	f.sweeper.sweepLocked(context.Background())
	if locker.releases != 1 {
		t.Fatalf("held lock should be released: %+v", locker)
	}
	if f.delivery(t).Attempts != 2 {
		t.Fatal("sweep should run while holding the lock")
	}
}
