// Package guard implements the ordered, short-circuiting validation chain
// every inbound request passes through before dispatch. Step lists are data:
// each request kind declares which steps run and in what order, and a
// registry maps step identifiers to implementations.
package guard

import (
	"context"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/modelrelay/gateway/pkg/apierr"
)

// StepID identifies one guard step. The set is closed: step lists may only
// reference identifiers declared here.
type StepID string

const (
	StepAuth            StepID = "auth"
	StepClientCheck     StepID = "client_check"
	StepModelCheck      StepID = "model_check"
	StepVersionCheck    StepID = "version_check"
	StepProbeIntercept  StepID = "probe_intercept"
	StepContentFilter   StepID = "content_filter"
	StepSessionTrack    StepID = "session_track"
	StepWarmupIntercept StepID = "warmup_intercept"
	StepRateLimit       StepID = "rate_limit"
	StepResolveEndpoint StepID = "resolve_endpoint"
	StepProviderFilter  StepID = "provider_filter"
	StepMessageContext  StepID = "message_context"
)

// stepLists declares, per request kind, the exact steps and their order.
// Ordering is load-bearing: probe interception must run before any session
// or rate-limit resource is consumed, content filtering before session
// tracking, session tracking before warmup interception.
var stepLists = map[Kind][]StepID{
	KindMessages: {
		StepAuth,
		StepClientCheck,
		StepModelCheck,
		StepVersionCheck,
		StepProbeIntercept,
		StepContentFilter,
		StepSessionTrack,
		StepWarmupIntercept,
		StepRateLimit,
		StepResolveEndpoint,
		StepProviderFilter,
		StepMessageContext,
	},
	KindCountTokens: {
		StepAuth,
		StepClientCheck,
		StepModelCheck,
		StepVersionCheck,
		StepProbeIntercept,
		StepResolveEndpoint,
		StepProviderFilter,
	},
}

// Steps returns the declared step order for a request kind.
func Steps(kind Kind) []StepID {
	return append([]StepID(nil), stepLists[kind]...)
}

// Func is one guard step. A non-nil Response terminates the pipeline with
// that response; a nil Response passes control to the next step. An error is
// an internal fault, converted to a generic 500 at the pipeline boundary.
type Func func(ctx context.Context, s *Session) (*Response, error)

// Pipeline runs the declared step list for a session's kind.
type Pipeline struct {
	registry map[StepID]Func
	log      *slog.Logger
}

// NewPipeline builds a Pipeline over the given guard set. log may be nil.
func NewPipeline(g *Guards, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry: map[StepID]Func{
			StepAuth:            g.auth,
			StepClientCheck:     g.clientCheck,
			StepModelCheck:      g.modelCheck,
			StepVersionCheck:    g.versionCheck,
			StepProbeIntercept:  g.probeIntercept,
			StepContentFilter:   g.contentFilter,
			StepSessionTrack:    g.sessionTrack,
			StepWarmupIntercept: g.warmupIntercept,
			StepRateLimit:       g.rateLimit,
			StepResolveEndpoint: g.resolveEndpoint,
			StepProviderFilter:  g.providerFilter,
			StepMessageContext:  g.messageContext,
		},
		log: log,
	}
}

// Run executes the session's step list until a step terminates the request
// or every step completes. Returns nil when the request should proceed to
// dispatch. Panics and step errors never escape: they surface as a generic
// 500 with code internal_error.
func (p *Pipeline) Run(ctx context.Context, s *Session) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("guard_panic",
				slog.String("request_id", s.ID),
				slog.Any("panic", r),
			)
			resp = internalErrorResponse()
		}
	}()

	for _, id := range stepLists[s.Kind] {
		fn, ok := p.registry[id]
		if !ok {
			continue
		}
		s.ExecutedSteps = append(s.ExecutedSteps, string(id))

		stepResp, err := fn(ctx, s)
		if err != nil {
			p.log.Error("guard_step_failed",
				slog.String("request_id", s.ID),
				slog.String("step", string(id)),
				slog.String("error", err.Error()),
			)
			return internalErrorResponse()
		}
		if stepResp != nil {
			s.InterceptedBy = string(id)
			return stepResp
		}
	}
	return nil
}

func internalErrorResponse() *Response {
	return &Response{
		Status:      fasthttp.StatusInternalServerError,
		ContentType: "application/json",
		Body:        apierr.Body("internal server error", apierr.TypeServerError, apierr.CodeInternalError),
	}
}

func errorResponse(status int, message, errType, code string) *Response {
	return &Response{
		Status:      status,
		ContentType: "application/json",
		Body:        apierr.Body(message, errType, code),
	}
}
