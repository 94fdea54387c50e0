// Package selector ranks candidate endpoints and picks the best available
// one, taking out-of-band probe results and circuit state into account.
package selector

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/gateway/internal/endpoint"
)

// CircuitProber answers whether an endpoint's circuit currently refuses
// traffic. Implemented by the breaker.
type CircuitProber interface {
	IsOpen(ctx context.Context, endpointID string) bool
}

// Selector filters and orders endpoints for the forwarding loop.
type Selector struct {
	registry *endpoint.Registry
	circuits CircuitProber
	log      *slog.Logger
}

// New creates a Selector. log may be nil.
func New(registry *endpoint.Registry, circuits CircuitProber, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{registry: registry, circuits: circuits, log: log}
}

// probeRank orders endpoints by their last out-of-band probe outcome:
// known-good first, never-probed second, known-bad last.
func probeRank(ep *endpoint.Endpoint) int {
	switch {
	case ep.LastProbeOK == nil:
		return 1
	case *ep.LastProbeOK:
		return 0
	default:
		return 2
	}
}

func probeLatency(ep *endpoint.Endpoint) int64 {
	if ep.LastProbeLatencyMs == nil {
		return math.MaxInt64
	}
	return *ep.LastProbeLatencyMs
}

// Less reports whether a should be preferred over b. The ordering is total:
// probe outcome, then operator sort order, then probe latency (unknown sorts
// last), then ID as the final tiebreak so ranking is deterministic.
func Less(a, b *endpoint.Endpoint) bool {
	ra, rb := probeRank(a), probeRank(b)
	if ra != rb {
		return ra < rb
	}
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	la, lb := probeLatency(a), probeLatency(b)
	if la != lb {
		return la < lb
	}
	return a.ID < b.ID
}

// Rank sorts endpoints in place by preference.
func Rank(endpoints []*endpoint.Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		return Less(endpoints[i], endpoints[j])
	})
}

// Preferred returns the vendor's selectable endpoints in preference order.
// Disabled, soft-deleted, and excluded endpoints are dropped, then circuit
// state is probed for the survivors in parallel and open circuits removed.
func (s *Selector) Preferred(ctx context.Context, vendor string, providerType endpoint.ProviderType, exclude map[string]bool) []*endpoint.Endpoint {
	candidates := s.registry.Candidates(vendor, providerType)

	selectable := candidates[:0]
	for _, ep := range candidates {
		if !ep.Enabled || ep.Deleted || exclude[ep.ID] {
			continue
		}
		selectable = append(selectable, ep)
	}
	if len(selectable) == 0 {
		return nil
	}

	// Each goroutine writes a distinct slot, so no lock is needed.
	open := make([]bool, len(selectable))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range selectable {
		g.Go(func() error {
			open[i] = s.circuits.IsOpen(gctx, ep.ID)
			return nil
		})
	}
	_ = g.Wait()

	available := make([]*endpoint.Endpoint, 0, len(selectable))
	for i, ep := range selectable {
		if open[i] {
			continue
		}
		available = append(available, ep)
	}

	Rank(available)
	return available
}

// PickBest returns the single most preferred available endpoint for the
// vendor, or nil when every candidate is disabled, excluded, or open.
func (s *Selector) PickBest(ctx context.Context, vendor string, providerType endpoint.ProviderType, exclude map[string]bool) *endpoint.Endpoint {
	ranked := s.Preferred(ctx, vendor, providerType, exclude)
	if len(ranked) == 0 {
		s.log.Debug("selector_no_endpoint",
			slog.String("vendor", vendor),
			slog.String("provider_type", string(providerType)),
		)
		return nil
	}
	return ranked[0]
}
