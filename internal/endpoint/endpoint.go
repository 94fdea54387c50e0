// Package endpoint defines the upstream endpoint model and the read-only
// registry the selector draws candidates from.
//
// Endpoints are created and edited by the administrative layer; the core
// never mutates them. The only endpoint-scoped state the core owns is
// circuit health, keyed by endpoint ID in the breaker package.
package endpoint

import (
	"fmt"
	"sync"
)

// ProviderType identifies the upstream wire dialect an endpoint speaks.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGemini    ProviderType = "gemini"
)

// Endpoint is one concrete network target for an upstream vendor.
// A vendor may have several endpoints forming a failover group.
type Endpoint struct {
	// ID uniquely identifies the endpoint across the fleet.
	ID string

	// Name is the operator-assigned display name.
	Name string

	// Vendor is the upstream vendor this endpoint belongs to
	// (e.g. "anthropic", "openai").
	Vendor string

	// ProviderType selects the wire dialect used when forwarding.
	ProviderType ProviderType

	// URL is the base URL requests are forwarded to.
	URL string

	// APIKey is the upstream credential attached by the forwarder.
	APIKey string

	// Enabled gates the endpoint in or out of selection.
	Enabled bool

	// Deleted is the soft-delete marker; deleted endpoints are never
	// selected but their health records are retained until reset.
	Deleted bool

	// SortOrder is the operator-assigned priority; lower sorts first.
	SortOrder int

	// LastProbeOK is the result of the most recent out-of-band health
	// probe: true, false, or nil when no probe has run yet.
	LastProbeOK *bool

	// LastProbeLatencyMs is the latency of the most recent successful
	// probe; nil when unknown.
	LastProbeLatencyMs *int64
}

// Registry holds the endpoint inventory, indexed by vendor/provider-type.
// It is populated once at startup from configuration and safe for concurrent
// reads; Reload swaps the whole inventory atomically.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Endpoint
	all  []*Endpoint
}

// NewRegistry builds a Registry from the given endpoints.
// Returns an error on duplicate IDs.
func NewRegistry(endpoints []*Endpoint) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(endpoints); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload atomically replaces the inventory.
func (r *Registry) Reload(endpoints []*Endpoint) error {
	byID := make(map[string]*Endpoint, len(endpoints))
	for _, ep := range endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoint: empty id (name %q)", ep.Name)
		}
		if _, dup := byID[ep.ID]; dup {
			return fmt.Errorf("endpoint: duplicate id %q", ep.ID)
		}
		byID[ep.ID] = ep
	}

	r.mu.Lock()
	r.byID = byID
	r.all = append([]*Endpoint(nil), endpoints...)
	r.mu.Unlock()
	return nil
}

// Get returns the endpoint with the given ID, or nil.
func (r *Registry) Get(id string) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Candidates returns all endpoints for the given vendor and provider type.
// An empty providerType matches any dialect. The returned slice is owned by
// the caller; the endpoints themselves are shared and must not be mutated.
func (r *Registry) Candidates(vendor string, providerType ProviderType) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Endpoint, 0, len(r.all))
	for _, ep := range r.all {
		if ep.Vendor != vendor {
			continue
		}
		if providerType != "" && ep.ProviderType != providerType {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// All returns every endpoint in the inventory.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Endpoint(nil), r.all...)
}
