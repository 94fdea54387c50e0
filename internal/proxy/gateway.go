// Package proxy is the request orchestration core of the gateway.
//
// The Gateway receives an inbound Anthropic-style request, runs it through
// the guard pipeline, forwards it to the selected endpoint — failing over to
// alternatives when the pick misbehaves — and repairs and enriches the
// response before relaying it.
//
// Key design constraints:
//   - Guard terminations never reach an upstream; the pipeline short-circuits.
//   - Fixer, cache simulator, and audit logger are optional and nil-safe.
//   - All I/O uses context.Context so client disconnects propagate.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/gateway/internal/breaker"
	"github.com/modelrelay/gateway/internal/cachesim"
	"github.com/modelrelay/gateway/internal/endpoint"
	"github.com/modelrelay/gateway/internal/fixer"
	"github.com/modelrelay/gateway/internal/guard"
	"github.com/modelrelay/gateway/internal/logger"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/selector"
	"github.com/modelrelay/gateway/internal/tokenizer"
	"github.com/modelrelay/gateway/pkg/apierr"
)

const (
	routeMessages    = "/v1/messages"
	routeCountTokens = "/v1/messages/count_tokens"

	// defaultMaxAttempts bounds the forwarding loop, counting the first try.
	defaultMaxAttempts = 3
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for forwarding and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxAttempts is the maximum number of upstream attempts per request
	// (including the first). Must be ≥ 1. Default: 3.
	MaxAttempts int

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Version is reported by GET /health and the build info metric.
	Version string
}

// Gateway is the orchestration core — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	pipeline  *guard.Pipeline
	selector  *selector.Selector
	circuits  *breaker.CircuitBreaker
	registry  *endpoint.Registry
	forwarder Forwarder
	log       *slog.Logger
	metrics   *metrics.Registry

	maxAttempts int
	version     string

	// Optional dependencies — nil-safe when not configured.
	fixer      *fixer.Fixer
	cachesim   *cachesim.Simulator
	audit      *logger.Logger
	estimator  *tokenizer.Estimator
	storeReady func(context.Context) bool

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway from its required collaborators.
func NewGateway(
	pipeline *guard.Pipeline,
	sel *selector.Selector,
	circuits *breaker.CircuitBreaker,
	registry *endpoint.Registry,
	fw Forwarder,
	opts GatewayOptions,
) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	if opts.Metrics != nil {
		opts.Metrics.SetBuildInfo(version)
	}
	return &Gateway{
		pipeline:    pipeline,
		selector:    sel,
		circuits:    circuits,
		registry:    registry,
		forwarder:   fw,
		log:         log,
		metrics:     opts.Metrics,
		maxAttempts: maxAttempts,
		version:     version,
	}
}

// SetFixer enables response repair before relay.
func (g *Gateway) SetFixer(f *fixer.Fixer) { g.fixer = f }

// SetCacheSimulator enables synthetic cache-usage accounting on responses
// whose upstream omitted the cache fields.
func (g *Gateway) SetCacheSimulator(s *cachesim.Simulator) { g.cachesim = s }

// SetAuditLogger enables the per-request audit trail.
func (g *Gateway) SetAuditLogger(l *logger.Logger) { g.audit = l }

// SetEstimator enables the local token estimate fallback for count_tokens
// requests whose upstreams are all unavailable.
func (g *Gateway) SetEstimator(e *tokenizer.Estimator) { g.estimator = e }

// SetStoreReadiness configures the shared-store probe used by GET /readiness.
func (g *Gateway) SetStoreReadiness(probe func(context.Context) bool) { g.storeReady = probe }

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, guard.KindMessages, routeMessages)
}

func (g *Gateway) handleCountTokens(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, guard.KindCountTokens, routeCountTokens)
}

func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, kind guard.Kind, route string) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	s := g.newSession(ctx, kind)
	if resp := g.pipeline.Run(ctx, s); resp != nil {
		g.writeTerminal(ctx, resp)
		if g.metrics != nil {
			code := terminationCode(resp)
			g.metrics.RecordGuardTermination(s.InterceptedBy, code)
			if code == apierr.CodeRateLimitExceeded {
				g.metrics.RecordRateLimit("blocked")
			}
		}
		g.auditRequest(s, resp.Status, start, 0, "", fixer.Outcome{}, nil)
		return
	}
	g.forward(ctx, s, route, start)
}

// forward runs the failover loop: try the resolved endpoint, and on a
// retryable failure exclude it, re-resolve, and try again, up to maxAttempts.
//
// Client cancellation is the one outcome that records neither success nor
// failure on the circuit: the upstream's fate is unknown.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, s *guard.Session, route string, start time.Time) {
	headers := upstreamHeaders(ctx)
	if s.Exclude == nil {
		s.Exclude = make(map[string]bool)
	}
	// count_tokens traffic is cheap and unrepresentative; it never moves
	// circuit state.
	recordHealth := s.Kind == guard.KindMessages

	var (
		lastStatus  int
		lastTimeout bool
	)
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		ep := s.Endpoint
		if ep == nil {
			ep = g.selector.PickBest(ctx, s.Vendor, s.ProviderType, s.Exclude)
			if ep == nil {
				break
			}
			s.Endpoint = ep
		}

		attemptStart := time.Now()
		res, err := g.forwarder.Forward(ctx, ep, route, s.OutboundBody(), headers)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				g.log.Debug("request_canceled",
					slog.String("request_id", s.ID),
					slog.String("endpoint", ep.ID))
				return
			}
			g.log.Warn("upstream_error",
				slog.String("request_id", s.ID),
				slog.String("endpoint", ep.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			lastTimeout = timeoutError(err)
			if recordHealth {
				g.circuits.RecordFailure(ctx, ep.ID, err)
				g.publishCircuitState(ep.ID)
			}
			g.observeAttempt(ep.ID, "error", attemptStart)
			s.Exclude[ep.ID] = true
			s.Endpoint = nil
			continue
		}

		if retryableStatus(res.Status) {
			g.log.Warn("upstream_retryable_status",
				slog.String("request_id", s.ID),
				slog.String("endpoint", ep.ID),
				slog.Int("attempt", attempt),
				slog.Int("status", res.Status))
			if recordHealth {
				g.circuits.RecordFailure(ctx, ep.ID, fmt.Errorf("upstream status %d", res.Status))
				g.publishCircuitState(ep.ID)
			}
			g.observeAttempt(ep.ID, "retryable_status", attemptStart)
			lastStatus = res.Status
			lastTimeout = false
			s.Exclude[ep.ID] = true
			s.Endpoint = nil
			continue
		}

		if recordHealth {
			g.circuits.RecordSuccess(ctx, ep.ID)
			g.publishCircuitState(ep.ID)
		}
		g.observeAttempt(ep.ID, "ok", attemptStart)
		if g.metrics != nil {
			g.metrics.RecordSelection(s.Vendor, "ok")
		}
		g.relay(ctx, s, res, start, attempt)
		return
	}

	g.exhausted(ctx, s, lastStatus, lastTimeout, start)
}

// exhausted writes the terminal response after every attempt failed or no
// candidate remained. The last attempt's failure mode picks the status: a
// timeout maps to 504, a relayed upstream status to its gateway mapping, and
// no attempt at all to 503.
func (g *Gateway) exhausted(ctx *fasthttp.RequestCtx, s *guard.Session, lastStatus int, timedOut bool, start time.Time) {
	if s.Kind == guard.KindCountTokens && g.estimator != nil {
		// A degraded fleet should not break token counting; answer with the
		// local estimate and mark it as such.
		body, _ := sjson.SetBytes([]byte(`{}`), "input_tokens", g.estimator.EstimateBody(s.Body))
		body, _ = sjson.SetBytes(body, "gateway_estimated", true)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		g.auditRequest(s, fasthttp.StatusOK, start, g.maxAttempts, "", fixer.Outcome{}, nil)
		return
	}

	if timedOut {
		apierr.WriteTimeout(ctx)
	} else if lastStatus != 0 {
		apierr.WriteUpstreamError(ctx, lastStatus, "all upstream attempts failed")
	} else {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"no upstream endpoint available", apierr.TypeProviderError, apierr.CodeUpstreamUnavailable)
	}
	if g.metrics != nil {
		g.metrics.RecordSelection(s.Vendor, "exhausted")
	}
	g.auditRequest(s, ctx.Response.StatusCode(), start, g.maxAttempts, "", fixer.Outcome{}, nil)
}

// relay repairs the upstream body, injects simulated cache usage when the
// upstream omitted it, and writes the response with the upstream's status.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, s *guard.Session, res *UpstreamResult, start time.Time, attempts int) {
	body := res.Body
	var outcome fixer.Outcome
	if g.fixer != nil {
		outcome = g.fixer.Fix(body, contentKind(res.ContentType, s.Body))
		body = outcome.Data
		if g.metrics != nil {
			g.metrics.AddFixBytes(len(res.Body))
			for _, st := range outcome.Stages {
				if st.Applied {
					g.metrics.RecordFix(st.Name)
				}
			}
		}
	}

	var usage *cachesim.Usage
	inTokens := int(gjson.GetBytes(body, "usage.input_tokens").Int())
	outTokens := int(gjson.GetBytes(body, "usage.output_tokens").Int())
	if s.Kind == guard.KindMessages && res.Status == fasthttp.StatusOK && g.cachesim != nil &&
		jsonContent(res.ContentType) && missingCacheUsage(body) {
		usage = g.cachesim.Estimate(ctx, s.Body, s.SessionKey, inTokens, outTokens)
		if usage != nil {
			body, _ = sjson.SetBytes(body, "usage.input_tokens", usage.InputTokens)
			body, _ = sjson.SetBytes(body, "usage.cache_read_input_tokens", usage.CacheReadInputTokens)
			body, _ = sjson.SetBytes(body, "usage.cache_creation_input_tokens", usage.CacheCreationInputTokens)
			body, _ = sjson.SetBytes(body, "usage.gateway_estimated", true)
			inTokens = usage.InputTokens
		}
		if g.metrics != nil {
			outcomeLabel := "applied"
			if usage == nil {
				outcomeLabel = "skipped"
			}
			g.metrics.RecordCacheEstimate(outcomeLabel)
		}
	}

	if g.metrics != nil && (inTokens > 0 || outTokens > 0) {
		g.metrics.AddTokens(s.Vendor, inTokens, outTokens)
	}

	ctx.SetStatusCode(res.Status)
	if res.ContentType != "" {
		ctx.SetContentType(res.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(body)

	endpointID := ""
	if s.Endpoint != nil {
		endpointID = s.Endpoint.ID
	}
	g.auditRequest(s, res.Status, start, attempts, endpointID, outcome, usage)
}

func (g *Gateway) auditRequest(s *guard.Session, status int, start time.Time, attempts int, endpointID string, outcome fixer.Outcome, usage *cachesim.Usage) {
	if g.audit == nil {
		return
	}
	entry := logger.AuditLog{
		RequestID:     s.ID,
		Kind:          string(s.Kind),
		Model:         s.Model,
		Vendor:        s.Vendor,
		EndpointID:    endpointID,
		SessionKey:    s.SessionKey,
		Sequence:      s.Sequence,
		Status:        uint16(status),
		LatencyMs:     uint32(time.Since(start).Milliseconds()),
		Attempts:      uint8(attempts),
		InterceptedBy: s.InterceptedBy,
		FixApplied:    outcome.Applied,
		FixDetails:    outcome.Details(),
	}
	if usage != nil {
		entry.InputTokens = uint32(usage.InputTokens)
		entry.OutputTokens = uint32(usage.OutputTokens)
		entry.CacheReadTokens = uint32(usage.CacheReadInputTokens)
		entry.CacheCreationTokens = uint32(usage.CacheCreationInputTokens)
		entry.CacheEstimated = usage.Heuristic
	}
	g.audit.Log(entry)
}

func (g *Gateway) observeAttempt(endpointID, outcome string, attemptStart time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(endpointID, outcome, time.Since(attemptStart))
	}
}

func (g *Gateway) publishCircuitState(endpointID string) {
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(endpointID, int64(g.circuits.State(endpointID)))
	}
}

// newSession extracts the request surface the guards need, keeping them
// independent of the HTTP stack.
func (g *Gateway) newSession(ctx *fasthttp.RequestCtx, kind guard.Kind) *guard.Session {
	id, _ := ctx.UserValue("request_id").(string)
	return &guard.Session{
		ID:            id,
		Kind:          kind,
		Body:          append([]byte(nil), ctx.PostBody()...),
		APIKey:        clientAPIKey(ctx),
		ClientVersion: string(ctx.Request.Header.Peek("x-client-version")),
		SessionHeader: string(ctx.Request.Header.Peek("x-session-id")),
	}
}

func (g *Gateway) writeTerminal(ctx *fasthttp.RequestCtx, resp *guard.Response) {
	ctx.SetStatusCode(resp.Status)
	if resp.ContentType != "" {
		ctx.SetContentType(resp.ContentType)
	}
	for k, v := range resp.Header {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetBody(resp.Body)
}

// clientAPIKey extracts the caller's credential: x-api-key wins, then a
// Bearer token in Authorization.
func clientAPIKey(ctx *fasthttp.RequestCtx) string {
	if key := ctx.Request.Header.Peek("x-api-key"); len(key) > 0 {
		return string(key)
	}
	return parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
}

func parseBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// upstreamHeaders collects the client headers that must survive forwarding.
func upstreamHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	h := make(map[string]string, 3)
	for _, name := range []string{"anthropic-version", "anthropic-beta", "Accept"} {
		if v := ctx.Request.Header.Peek(name); len(v) > 0 {
			h[name] = string(v)
		}
	}
	return h
}

// contentKind maps the upstream Content-Type (and the request's stream flag,
// for upstreams that mislabel event streams) to the fixer's content kind.
func contentKind(contentType string, requestBody []byte) fixer.ContentKind {
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return fixer.KindSSE
	case jsonContent(contentType):
		return fixer.KindJSON
	case contentType == "" && gjson.GetBytes(requestBody, "stream").Bool():
		return fixer.KindSSE
	default:
		return fixer.KindText
	}
}

func jsonContent(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}

// missingCacheUsage reports whether the response has token usage but no cache
// accounting — the signature of an upstream that does not track cache state.
func missingCacheUsage(body []byte) bool {
	if !gjson.GetBytes(body, "usage.input_tokens").Exists() {
		return false
	}
	return !gjson.GetBytes(body, "usage.cache_read_input_tokens").Exists() &&
		!gjson.GetBytes(body, "usage.cache_creation_input_tokens").Exists()
}

func terminationCode(resp *guard.Response) string {
	if code := gjson.GetBytes(resp.Body, "error.code").String(); code != "" {
		return code
	}
	return "ok"
}
