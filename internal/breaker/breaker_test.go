package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/gateway/internal/store"
)

var errUpstream = errors.New("upstream: connection refused")

func newTestBreaker(cfg Config) *CircuitBreaker {
	return New(cfg, nil, nil)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 3})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if cb.IsOpen(ctx, "ep-1") {
		t.Fatal("circuit open after 2 failures, want closed")
	}

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("circuit closed after 3 failures, want open")
	}

	h, _ := cb.HealthInfo("ep-1")
	if h.State != StateOpen {
		t.Fatalf("state = %s, want open", h.State)
	}
	if h.FailureCount != 3 {
		t.Fatalf("failure count = %d, want 3", h.FailureCount)
	}
}

func TestBreakerIndependentPerEndpoint(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 1})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("ep-1 should be open")
	}
	if cb.IsOpen(ctx, "ep-2") {
		t.Fatal("ep-2 should be unaffected")
	}
}

func TestBreakerHalfOpenAfterWindow(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("want open right after trip")
	}

	time.Sleep(20 * time.Millisecond)

	// The expired window admits a probe and moves the circuit to half-open.
	if cb.IsOpen(ctx, "ep-1") {
		t.Fatal("want probe admitted after open window elapsed")
	}
	if st := cb.State("ep-1"); st != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", st)
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Millisecond})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	time.Sleep(5 * time.Millisecond)
	if cb.IsOpen(ctx, "ep-1") {
		t.Fatal("probe should be admitted")
	}

	cb.RecordSuccess(ctx, "ep-1")

	h, _ := cb.HealthInfo("ep-1")
	if h.State != StateClosed {
		t.Fatalf("state = %s, want closed after half-open success", h.State)
	}
	if h.FailureCount != 0 || h.HalfOpenSuccesses != 0 {
		t.Fatalf("counters not zeroed: failures=%d half_open=%d", h.FailureCount, h.HalfOpenSuccesses)
	}
}

func TestBreakerHalfOpenSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{
		FailureThreshold:         1,
		OpenDuration:             time.Millisecond,
		HalfOpenSuccessThreshold: 2,
	})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	time.Sleep(5 * time.Millisecond)
	cb.IsOpen(ctx, "ep-1")

	cb.RecordSuccess(ctx, "ep-1")
	if st := cb.State("ep-1"); st != StateHalfOpen {
		t.Fatalf("state = %s, want still half_open after 1 of 2 successes", st)
	}

	cb.RecordSuccess(ctx, "ep-1")
	if st := cb.State("ep-1"); st != StateClosed {
		t.Fatalf("state = %s, want closed after 2 of 2 successes", st)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Millisecond})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	time.Sleep(5 * time.Millisecond)
	cb.IsOpen(ctx, "ep-1")
	if st := cb.State("ep-1"); st != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", st)
	}

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if st := cb.State("ep-1"); st != StateOpen {
		t.Fatalf("state = %s, want open after half-open failure", st)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 3})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	cb.RecordFailure(ctx, "ep-1", errUpstream)
	cb.RecordSuccess(ctx, "ep-1")
	cb.RecordFailure(ctx, "ep-1", errUpstream)
	cb.RecordFailure(ctx, "ep-1", errUpstream)

	if cb.IsOpen(ctx, "ep-1") {
		t.Fatal("circuit open, want closed: success should reset the failure streak")
	}

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("circuit closed after 3 consecutive failures, want open")
	}
}

func TestBreakerSuccessWhileOpenIgnored(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Hour})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	cb.RecordSuccess(ctx, "ep-1")

	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("late success must not close an open circuit")
	}
}

func TestBreakerManualReset(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Hour})

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("want open before reset")
	}

	cb.Reset(ctx, "ep-1")

	if cb.IsOpen(ctx, "ep-1") {
		t.Fatal("want closed after reset")
	}
	h, _ := cb.HealthInfo("ep-1")
	if h.FailureCount != 0 || h.State != StateClosed {
		t.Fatalf("health after reset = %+v, want zeroed", h)
	}
}

func TestBreakerDefaults(t *testing.T) {
	cb := newTestBreaker(Config{})
	_, cfg := cb.HealthInfo("ep-1")

	if cfg.FailureThreshold != DefaultFailureThreshold {
		t.Fatalf("failure threshold = %d, want %d", cfg.FailureThreshold, DefaultFailureThreshold)
	}
	if cfg.OpenDuration != DefaultOpenDuration {
		t.Fatalf("open duration = %s, want %s", cfg.OpenDuration, DefaultOpenDuration)
	}
	if cfg.HalfOpenSuccessThreshold != DefaultHalfOpenSuccessThreshold {
		t.Fatalf("half-open threshold = %d, want %d", cfg.HalfOpenSuccessThreshold, DefaultHalfOpenSuccessThreshold)
	}
}

func TestBreakerReplicationConverges(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := store.NewRedisStoreFromClient(client)

	first := New(Config{FailureThreshold: 1, OpenDuration: time.Hour}, kv, nil)
	first.RecordFailure(ctx, "ep-1", errUpstream)

	// Replication is asynchronous; wait for the record to land.
	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists(healthKey("ep-1")) {
		if time.Now().After(deadline) {
			t.Fatal("replicated record never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := New(Config{FailureThreshold: 1, OpenDuration: time.Hour}, kv, nil)
	if !second.IsOpen(ctx, "ep-1") {
		t.Fatal("second instance should adopt the replicated open circuit")
	}
}

func TestBreakerResetClearsReplica(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := store.NewRedisStoreFromClient(client)

	cb := New(Config{FailureThreshold: 1, OpenDuration: time.Hour}, kv, nil)
	cb.RecordFailure(ctx, "ep-1", errUpstream)

	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists(healthKey("ep-1")) {
		if time.Now().After(deadline) {
			t.Fatal("replicated record never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cb.Reset(ctx, "ep-1")

	if mr.Exists(healthKey("ep-1")) {
		t.Fatal("replicated record still present after reset")
	}

	fresh := New(Config{FailureThreshold: 1, OpenDuration: time.Hour}, kv, nil)
	if fresh.IsOpen(ctx, "ep-1") {
		t.Fatal("fresh instance sees open circuit after reset")
	}
}

func TestBreakerDegradedStoreStillWorks(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := store.NewRedisStoreFromClient(client)

	cb := New(Config{FailureThreshold: 2, OpenDuration: time.Hour}, kv, nil)

	mr.Close() // backend gone; breaker must keep local decisions

	cb.RecordFailure(ctx, "ep-1", errUpstream)
	cb.RecordFailure(ctx, "ep-1", errUpstream)
	if !cb.IsOpen(ctx, "ep-1") {
		t.Fatal("local circuit logic must survive a dead store")
	}
}

func TestHealthMarshalRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	h := Health{
		FailureCount:      4,
		LastFailureTime:   now,
		State:             StateOpen,
		OpenUntil:         now.Add(5 * time.Minute),
		HalfOpenSuccesses: 0,
		UpdatedAt:         now,
	}

	data, err := marshalHealth(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalHealth(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.State != h.State || got.FailureCount != h.FailureCount {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
	if !got.OpenUntil.Equal(h.OpenUntil) {
		t.Fatalf("open_until = %v, want %v", got.OpenUntil, h.OpenUntil)
	}
}

func TestUnmarshalHealthRejectsUnknownState(t *testing.T) {
	if _, err := unmarshalHealth([]byte(`{"state":"melted"}`)); err == nil {
		t.Fatal("want error for unknown state")
	}
}
