package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/store"
)

// Package-level defaults applied when Config fields are zero.
const (
	DefaultFailureThreshold         = 3
	DefaultOpenDuration             = 5 * time.Minute
	DefaultHalfOpenSuccessThreshold = 1
)

// replicaTTLMargin pads the replicated record's TTL past the open window so
// a record never expires while its circuit is still open.
const replicaTTLMargin = time.Hour

// Config holds circuit breaker tuning parameters. One config applies to all
// endpoints. Zero values fall back to the package-level defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Default: 3.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before traffic is
	// cautiously re-admitted. Default: 5m.
	OpenDuration time.Duration

	// HalfOpenSuccessThreshold is the number of successes required while
	// half-open to close the circuit. Default: 1.
	HalfOpenSuccessThreshold int
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return DefaultOpenDuration
}

func (c *Config) halfOpenSuccessThreshold() int {
	if c.HalfOpenSuccessThreshold > 0 {
		return c.HalfOpenSuccessThreshold
	}
	return DefaultHalfOpenSuccessThreshold
}

// record holds one endpoint's circuit state plus its serialization lock.
// All mutation happens under mu, so concurrent requests hammering the same
// endpoint serialize per endpoint, not globally.
type record struct {
	mu     sync.Mutex
	loaded bool // replicated state has been consulted at least once
	h      Health
}

// CircuitBreaker manages independent circuits keyed by endpoint ID.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu      sync.RWMutex
	records map[string]*record

	cfg Config
	kv  store.Store // optional replication target; nil disables replication
	log *slog.Logger
}

// New creates a CircuitBreaker. kv may be nil to disable cross-instance
// replication; log may be nil.
func New(cfg Config, kv store.Store, log *slog.Logger) *CircuitBreaker {
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		records: make(map[string]*record),
		cfg:     cfg,
		kv:      kv,
		log:     log,
	}
}

// IsOpen reports whether the endpoint must not receive traffic right now.
//
//   - Closed    → false.
//   - Open      → true, unless OpenUntil has passed, in which case the
//     circuit self-transitions to half-open and reports false — the
//     transition check doubles as the permit for a probing request.
//   - Half-open → false (traffic is re-admitted cautiously; outcomes are
//     judged by RecordSuccess / RecordFailure).
func (cb *CircuitBreaker) IsOpen(ctx context.Context, endpointID string) bool {
	rec := cb.get(endpointID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cb.reconcile(ctx, endpointID, rec)

	switch rec.h.State {
	case StateClosed:
		return false

	case StateOpen:
		if time.Now().After(rec.h.OpenUntil) {
			cb.toHalfOpen(endpointID, rec)
			return false
		}
		return true

	case StateHalfOpen:
		return false
	}

	return false
}

// RecordSuccess marks a successful upstream response for the endpoint.
//
// While closed it clears any partial failure streak; while half-open it
// counts toward HalfOpenSuccessThreshold and closes the circuit once the
// threshold is reached. A success observed while open (an in-flight request
// that completed after the trip) is ignored.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, endpointID string) {
	rec := cb.get(endpointID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cb.reconcile(ctx, endpointID, rec)

	switch rec.h.State {
	case StateClosed:
		if rec.h.FailureCount > 0 {
			rec.h.FailureCount = 0
			rec.h.LastFailureTime = time.Time{}
			rec.h.UpdatedAt = time.Now()
			cb.replicate(endpointID, rec.h)
		}

	case StateHalfOpen:
		rec.h.HalfOpenSuccesses++
		if rec.h.HalfOpenSuccesses >= cb.cfg.halfOpenSuccessThreshold() {
			cb.toClosed(endpointID, rec)
		} else {
			rec.h.UpdatedAt = time.Now()
			cb.replicate(endpointID, rec.h)
		}

	case StateOpen:
		cb.log.Debug("breaker_success_while_open", slog.String("endpoint", endpointID))
	}
}

// RecordFailure marks a failed upstream attempt for the endpoint.
//
// While closed it extends the consecutive-failure streak and opens the
// circuit at FailureThreshold. A failure while half-open discards the probe
// progress and re-opens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, endpointID string, err error) {
	rec := cb.get(endpointID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cb.reconcile(ctx, endpointID, rec)

	now := time.Now()
	rec.h.FailureCount++
	rec.h.LastFailureTime = now

	switch rec.h.State {
	case StateClosed:
		if rec.h.FailureCount >= cb.cfg.failureThreshold() {
			cb.toOpen(endpointID, rec, err)
			return
		}
		rec.h.UpdatedAt = now
		cb.replicate(endpointID, rec.h)

	case StateHalfOpen:
		cb.toOpen(endpointID, rec, err)

	case StateOpen:
		rec.h.UpdatedAt = now
		cb.replicate(endpointID, rec.h)
	}
}

// Reset forces the endpoint's circuit to the closed/zero state and removes
// any externally replicated record.
func (cb *CircuitBreaker) Reset(ctx context.Context, endpointID string) {
	rec := cb.get(endpointID)

	rec.mu.Lock()
	rec.h = Health{UpdatedAt: time.Now()}
	rec.loaded = true
	rec.mu.Unlock()

	if cb.kv == nil {
		return
	}
	if err := cb.kv.Delete(ctx, healthKey(endpointID)); err != nil {
		cb.log.Warn("breaker_reset_delete_failed",
			slog.String("endpoint", endpointID),
			slog.String("error", err.Error()),
		)
	}
}

// HealthInfo returns a copy of the endpoint's health record together with
// the effective breaker configuration.
func (cb *CircuitBreaker) HealthInfo(endpointID string) (Health, Config) {
	rec := cb.get(endpointID)

	rec.mu.Lock()
	h := rec.h
	rec.mu.Unlock()

	return h, Config{
		FailureThreshold:         cb.cfg.failureThreshold(),
		OpenDuration:             cb.cfg.openDuration(),
		HalfOpenSuccessThreshold: cb.cfg.halfOpenSuccessThreshold(),
	}
}

// State returns the endpoint's current circuit state without triggering the
// open→half-open self-transition (useful for snapshots and metrics).
func (cb *CircuitBreaker) State(endpointID string) State {
	rec := cb.get(endpointID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.h.State
}

// ── Transitions (record lock held) ───────────────────────────────────────────

func (cb *CircuitBreaker) toOpen(endpointID string, rec *record, cause error) {
	rec.h.State = StateOpen
	rec.h.OpenUntil = time.Now().Add(cb.cfg.openDuration())
	rec.h.HalfOpenSuccesses = 0
	rec.h.UpdatedAt = time.Now()

	attrs := []any{
		slog.String("endpoint", endpointID),
		slog.Int("failure_count", rec.h.FailureCount),
		slog.Time("open_until", rec.h.OpenUntil),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	cb.log.Warn("circuit_opened", attrs...)

	cb.replicate(endpointID, rec.h)
}

func (cb *CircuitBreaker) toHalfOpen(endpointID string, rec *record) {
	rec.h.State = StateHalfOpen
	rec.h.HalfOpenSuccesses = 0
	rec.h.UpdatedAt = time.Now()

	cb.log.Info("circuit_half_open", slog.String("endpoint", endpointID))

	cb.replicate(endpointID, rec.h)
}

func (cb *CircuitBreaker) toClosed(endpointID string, rec *record) {
	rec.h = Health{UpdatedAt: time.Now()}

	cb.log.Info("circuit_closed", slog.String("endpoint", endpointID))

	cb.replicate(endpointID, rec.h)
}

// ── Replication ──────────────────────────────────────────────────────────────

// reconcile merges the replicated record into the local one. Runs on first
// reference and whenever a non-closed circuit is touched, so instances
// converge on open/half-open decisions. Store failures degrade silently to
// the local record. Caller holds rec.mu.
func (cb *CircuitBreaker) reconcile(ctx context.Context, endpointID string, rec *record) {
	if cb.kv == nil {
		rec.loaded = true
		return
	}
	if rec.loaded && rec.h.State == StateClosed {
		return
	}

	first := !rec.loaded
	rec.loaded = true

	data, ok := cb.kv.Get(ctx, healthKey(endpointID))
	if !ok {
		return
	}

	remote, err := unmarshalHealth(data)
	if err != nil {
		cb.log.Warn("breaker_bad_replica",
			slog.String("endpoint", endpointID),
			slog.String("error", err.Error()),
		)
		return
	}

	if first || remote.UpdatedAt.After(rec.h.UpdatedAt) {
		rec.h = remote
	}
}

// replicate writes the record to the shared store without blocking the
// caller. The write runs on a detached context so a cancelled request
// cannot abort it; the store swallows and logs backend errors.
func (cb *CircuitBreaker) replicate(endpointID string, h Health) {
	if cb.kv == nil {
		return
	}

	data, err := marshalHealth(h)
	if err != nil {
		cb.log.Warn("breaker_replicate_encode_failed",
			slog.String("endpoint", endpointID),
			slog.String("error", err.Error()),
		)
		return
	}

	ttl := cb.cfg.openDuration() + replicaTTLMargin
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cb.kv.SetWithTTL(ctx, healthKey(endpointID), data, ttl)
	}()
}

// get returns the record for endpointID, creating it lazily.
func (cb *CircuitBreaker) get(endpointID string) *record {
	cb.mu.RLock()
	rec, ok := cb.records[endpointID]
	cb.mu.RUnlock()
	if ok {
		return rec
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if rec, ok = cb.records[endpointID]; ok {
		return rec
	}
	rec = &record{}
	cb.records[endpointID] = rec
	return rec
}
