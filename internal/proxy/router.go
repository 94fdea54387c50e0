package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/gateway/internal/breaker"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// Handler builds the routed and middleware-wrapped request handler. Exposed
// separately so tests can drive it without a listening socket.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST(routeMessages, g.handleMessages)
	r.POST(routeCountTokens, g.handleCountTokens)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.POST("/admin/endpoints/{id}/reset-circuit", g.handleResetCircuit)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// endpointHealth is one endpoint's entry in the GET /health report.
type endpointHealth struct {
	ID           string `json:"id"`
	Vendor       string `json:"vendor"`
	Enabled      bool   `json:"enabled"`
	CircuitState string `json:"circuit_state"`
	FailureCount int    `json:"failure_count"`
	OpenUntil    string `json:"open_until,omitempty"`
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	report := map[string]any{
		"status":  "ok",
		"version": g.version,
	}
	if g.registry != nil && g.circuits != nil {
		eps := g.registry.All()
		list := make([]endpointHealth, 0, len(eps))
		for _, ep := range eps {
			if ep.Deleted {
				continue
			}
			h, _ := g.circuits.HealthInfo(ep.ID)
			entry := endpointHealth{
				ID:           ep.ID,
				Vendor:       ep.Vendor,
				Enabled:      ep.Enabled,
				CircuitState: g.circuits.State(ep.ID).String(),
				FailureCount: h.FailureCount,
			}
			if !h.OpenUntil.IsZero() {
				entry.OpenUntil = h.OpenUntil.UTC().Format(time.RFC3339)
			}
			list = append(list, entry)
		}
		report["endpoints"] = list
	}
	writeJSON(ctx, report)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.storeReady == nil || g.storeReady(ctx) {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleResetCircuit force-closes one endpoint's circuit, locally and in the
// shared store. Operators use it after repairing an upstream.
func (g *Gateway) handleResetCircuit(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if g.registry == nil || g.registry.Get(id) == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		writeJSON(ctx, map[string]string{"error": "unknown endpoint"})
		return
	}
	g.circuits.Reset(ctx, id)
	g.publishCircuitState(id)
	writeJSON(ctx, map[string]string{
		"status":        "ok",
		"endpoint":      id,
		"circuit_state": breaker.StateClosed.String(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
