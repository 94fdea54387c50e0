package selector

import (
	"context"
	"sync"
	"testing"

	"github.com/modelrelay/gateway/internal/endpoint"
)

type fakeProber struct {
	mu    sync.Mutex
	open  map[string]bool
	asked []string
}

func (f *fakeProber) IsOpen(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, id)
	return f.open[id]
}

func boolPtr(v bool) *bool    { return &v }
func int64Ptr(v int64) *int64 { return &v }

func testEndpoint(id string, opts ...func(*endpoint.Endpoint)) *endpoint.Endpoint {
	ep := &endpoint.Endpoint{
		ID:      id,
		Vendor:  "anthropic",
		Enabled: true,
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep
}

func newTestSelector(t *testing.T, prober CircuitProber, endpoints ...*endpoint.Endpoint) *Selector {
	t.Helper()
	reg, err := endpoint.NewRegistry(endpoints)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(reg, prober, nil)
}

func TestRankProbeOutcomeOrdering(t *testing.T) {
	eps := []*endpoint.Endpoint{
		testEndpoint("1", func(e *endpoint.Endpoint) { e.LastProbeOK = boolPtr(false); e.SortOrder = 0 }),
		testEndpoint("2", func(e *endpoint.Endpoint) { e.LastProbeOK = boolPtr(true); e.SortOrder = 5 }),
		testEndpoint("3", func(e *endpoint.Endpoint) { e.SortOrder = 1 }), // never probed
	}

	Rank(eps)

	got := []string{eps[0].ID, eps[1].ID, eps[2].ID}
	want := []string{"2", "3", "1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank order = %v, want %v", got, want)
		}
	}
}

func TestRankSortOrderThenLatencyThenID(t *testing.T) {
	ok := func(e *endpoint.Endpoint) { e.LastProbeOK = boolPtr(true) }
	eps := []*endpoint.Endpoint{
		testEndpoint("d", ok, func(e *endpoint.Endpoint) { e.SortOrder = 1 }),
		testEndpoint("c", ok, func(e *endpoint.Endpoint) { e.SortOrder = 0 }), // no latency: sorts after known latency
		testEndpoint("b", ok, func(e *endpoint.Endpoint) { e.SortOrder = 0; e.LastProbeLatencyMs = int64Ptr(200) }),
		testEndpoint("a", ok, func(e *endpoint.Endpoint) { e.SortOrder = 0; e.LastProbeLatencyMs = int64Ptr(50) }),
	}

	Rank(eps)

	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if eps[i].ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, eps[i].ID, want[i])
		}
	}
}

func TestRankIDTiebreak(t *testing.T) {
	eps := []*endpoint.Endpoint{
		testEndpoint("z"),
		testEndpoint("a"),
	}
	Rank(eps)
	if eps[0].ID != "a" {
		t.Fatalf("tie should break by id, got %s first", eps[0].ID)
	}
}

func TestPickBestSkipsOpenCircuits(t *testing.T) {
	prober := &fakeProber{open: map[string]bool{"prio": true}}
	s := newTestSelector(t, prober,
		testEndpoint("prio", func(e *endpoint.Endpoint) { e.SortOrder = 0 }),
		testEndpoint("backup", func(e *endpoint.Endpoint) { e.SortOrder = 1 }),
	)

	best := s.PickBest(context.Background(), "anthropic", "", nil)
	if best == nil || best.ID != "backup" {
		t.Fatalf("best = %v, want backup", best)
	}
}

func TestPickBestAllOpenReturnsNil(t *testing.T) {
	prober := &fakeProber{open: map[string]bool{"a": true, "b": true}}
	s := newTestSelector(t, prober, testEndpoint("a"), testEndpoint("b"))

	if best := s.PickBest(context.Background(), "anthropic", "", nil); best != nil {
		t.Fatalf("best = %v, want nil when every circuit is open", best)
	}
}

func TestPickBestNoCandidatesReturnsNil(t *testing.T) {
	s := newTestSelector(t, &fakeProber{}, testEndpoint("a"))

	if best := s.PickBest(context.Background(), "unknown-vendor", "", nil); best != nil {
		t.Fatalf("best = %v, want nil for unknown vendor", best)
	}
}

func TestPreferredFiltersDisabledDeletedExcluded(t *testing.T) {
	prober := &fakeProber{}
	s := newTestSelector(t, prober,
		testEndpoint("disabled", func(e *endpoint.Endpoint) { e.Enabled = false }),
		testEndpoint("deleted", func(e *endpoint.Endpoint) { e.Deleted = true }),
		testEndpoint("excluded"),
		testEndpoint("ok"),
	)

	got := s.Preferred(context.Background(), "anthropic", "", map[string]bool{"excluded": true})
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("preferred = %v, want [ok]", got)
	}

	// Filtered-out endpoints must not even be probed.
	for _, id := range prober.asked {
		if id != "ok" {
			t.Fatalf("probed %q, want only the selectable candidate", id)
		}
	}
}

func TestPreferredProviderTypeFilter(t *testing.T) {
	s := newTestSelector(t, &fakeProber{},
		testEndpoint("oai", func(e *endpoint.Endpoint) { e.ProviderType = endpoint.ProviderOpenAI }),
		testEndpoint("ant", func(e *endpoint.Endpoint) { e.ProviderType = endpoint.ProviderAnthropic }),
	)

	got := s.Preferred(context.Background(), "anthropic", endpoint.ProviderAnthropic, nil)
	if len(got) != 1 || got[0].ID != "ant" {
		t.Fatalf("preferred = %v, want [ant]", got)
	}
}

func TestPreferredProbesEveryCandidate(t *testing.T) {
	prober := &fakeProber{}
	s := newTestSelector(t, prober, testEndpoint("a"), testEndpoint("b"), testEndpoint("c"))

	s.Preferred(context.Background(), "anthropic", "", nil)

	if len(prober.asked) != 3 {
		t.Fatalf("probed %d endpoints, want 3", len(prober.asked))
	}
}
