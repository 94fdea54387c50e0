// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_guard_terminations_total{step,code}
	guardTerminations *prometheus.CounterVec

	// gateway_selection_total{vendor,outcome}
	selectionTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{endpoint,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{endpoint,outcome}
	upstreamDuration *prometheus.HistogramVec

	// circuit_breaker_state{endpoint} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{endpoint,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_fixes_total{stage}
	fixesTotal *prometheus.CounterVec

	// gateway_fix_bytes_total
	fixBytes prometheus.Counter

	// gateway_cache_estimates_total{outcome}
	cacheEstimates *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{vendor,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		guardTerminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_guard_terminations_total",
				Help: "Requests terminated by a guard step, by step and reason code",
			},
			[]string{"step", "code"},
		),

		selectionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_selection_total",
				Help: "Endpoint selection outcomes per vendor",
			},
			[]string{"vendor", "outcome"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream forwarding attempts (includes retries)",
			},
			[]string{"endpoint", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream forwarding attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint", "outcome"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"endpoint"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"endpoint", "to_state"},
		),

		fixesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fixes_total",
				Help: "Response repairs applied, by fixer stage",
			},
			[]string{"stage"},
		),

		fixBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fix_bytes_total",
			Help: "Total response bytes run through the fixer",
		}),

		cacheEstimates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_estimates_total",
				Help: "Cache split simulation outcomes",
			},
			[]string{"outcome"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"vendor", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.guardTerminations,
		r.selectionTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.circuitBreakerState,
		r.cbTransitions,
		r.fixesTotal,
		r.fixBytes,
		r.cacheEstimates,
		r.rateLimitTotal,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordGuardTermination records a request ended by a guard step.
func (r *Registry) RecordGuardTermination(step, code string) {
	r.guardTerminations.WithLabelValues(step, code).Inc()
}

// RecordSelection records an endpoint selection outcome ("picked" or "none").
func (r *Registry) RecordSelection(vendor, outcome string) {
	r.selectionTotal.WithLabelValues(vendor, outcome).Inc()
}

// ObserveUpstreamAttempt records one upstream forwarding attempt.
func (r *Registry) ObserveUpstreamAttempt(endpointID, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(endpointID, outcome).Inc()
	r.upstreamDuration.WithLabelValues(endpointID, outcome).Observe(dur.Seconds())
}

// RecordFix records an applied repair for one fixer stage.
func (r *Registry) RecordFix(stage string) {
	r.fixesTotal.WithLabelValues(stage).Inc()
}

// AddFixBytes accumulates bytes run through the fixer.
func (r *Registry) AddFixBytes(n int) {
	if n > 0 {
		r.fixBytes.Add(float64(n))
	}
}

// RecordCacheEstimate records a simulation outcome ("estimated" or "skipped").
func (r *Registry) RecordCacheEstimate(outcome string) {
	r.cacheEstimates.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(vendor string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(vendor, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(vendor, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(endpointID string, state int64) {
	r.circuitBreakerState.WithLabelValues(endpointID).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[endpointID]
	if !ok || prev != float64(state) {
		r.lastCBState[endpointID] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(endpointID, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
