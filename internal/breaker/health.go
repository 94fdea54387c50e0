// Package breaker implements the per-endpoint circuit breaker that protects
// upstream endpoints from sustained failure traffic.
//
// Health state lives primarily in local memory for hot-path speed. When a
// shared external store is configured, records are replicated best-effort so
// multiple gateway instances converge on the same circuit decisions; the
// store is advisory and never blocks or fails a request.
package breaker

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the operational state of one endpoint's circuit.
//
//	StateClosed   — normal operation; all requests pass through.
//	StateOpen     — endpoint is failing; requests are rejected until OpenUntil.
//	StateHalfOpen — cooldown elapsed; traffic is cautiously re-admitted.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// String returns the metrics/log label for the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Health is the circuit record for one endpoint ID.
//
// Invariants: State == StateOpen implies OpenUntil is set; while closed,
// FailureCount and LastFailureTime reflect only the consecutive failures
// since the last success.
type Health struct {
	FailureCount      int
	LastFailureTime   time.Time // zero when no failure recorded
	State             State
	OpenUntil         time.Time // zero unless the circuit has been opened
	HalfOpenSuccesses int
	UpdatedAt         time.Time // last local transition, used for replication merge
}

// healthRecord is the JSON shape replicated to the shared store.
type healthRecord struct {
	FailureCount      int    `json:"failure_count"`
	LastFailureTime   int64  `json:"last_failure_time,omitempty"` // unix ms
	State             string `json:"state"`
	OpenUntil         int64  `json:"open_until,omitempty"` // unix ms
	HalfOpenSuccesses int    `json:"half_open_successes"`
	UpdatedAt         int64  `json:"updated_at"` // unix ms
}

func marshalHealth(h Health) ([]byte, error) {
	rec := healthRecord{
		FailureCount:      h.FailureCount,
		State:             h.State.String(),
		HalfOpenSuccesses: h.HalfOpenSuccesses,
		UpdatedAt:         h.UpdatedAt.UnixMilli(),
	}
	if !h.LastFailureTime.IsZero() {
		rec.LastFailureTime = h.LastFailureTime.UnixMilli()
	}
	if !h.OpenUntil.IsZero() {
		rec.OpenUntil = h.OpenUntil.UnixMilli()
	}
	return json.Marshal(rec)
}

func unmarshalHealth(data []byte) (Health, error) {
	var rec healthRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Health{}, fmt.Errorf("breaker: decode health record: %w", err)
	}

	h := Health{
		FailureCount:      rec.FailureCount,
		HalfOpenSuccesses: rec.HalfOpenSuccesses,
		UpdatedAt:         time.UnixMilli(rec.UpdatedAt),
	}
	switch rec.State {
	case "open":
		h.State = StateOpen
	case "half_open":
		h.State = StateHalfOpen
	case "closed", "":
		h.State = StateClosed
	default:
		return Health{}, fmt.Errorf("breaker: unknown state %q", rec.State)
	}
	if rec.LastFailureTime != 0 {
		h.LastFailureTime = time.UnixMilli(rec.LastFailureTime)
	}
	if rec.OpenUntil != 0 {
		h.OpenUntil = time.UnixMilli(rec.OpenUntil)
	}
	return h, nil
}

// healthKey is the store key for one endpoint's replicated record.
func healthKey(endpointID string) string {
	return "breaker:endpoint:" + endpointID
}
