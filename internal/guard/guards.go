package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/gateway/internal/endpoint"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/selector"
	"github.com/modelrelay/gateway/internal/store"
	"github.com/modelrelay/gateway/internal/tokenizer"
	"github.com/modelrelay/gateway/pkg/apierr"
)

// Config tunes the individual guards.
type Config struct {
	// AuthKeys is the accepted client key set; empty disables auth.
	AuthKeys []string

	// MinClientVersion rejects clients older than this; empty disables
	// the check.
	MinClientVersion string

	// BlockedPatterns are case-insensitive substrings that terminate a
	// request when found in message text.
	BlockedPatterns []string

	// WarmupMaxPromptChars bounds how small a prompt must be for the
	// warmup fast path. Default 64.
	WarmupMaxPromptChars int

	// MaxTokensCap clamps the request's max_tokens; 0 disables.
	MaxTokensCap int

	// SessionTTL bounds how long a session's sequence counter survives
	// between requests. Default 30m.
	SessionTTL time.Duration
}

func (c *Config) warmupMaxPromptChars() int {
	if c.WarmupMaxPromptChars > 0 {
		return c.WarmupMaxPromptChars
	}
	return 64
}

func (c *Config) sessionTTL() time.Duration {
	if c.SessionTTL > 0 {
		return c.SessionTTL
	}
	return 30 * time.Minute
}

// Guards holds the dependencies the individual guard steps need.
type Guards struct {
	cfg       Config
	keys      map[string]bool
	selector  *selector.Selector
	limiter   *ratelimit.RPMLimiter
	kv        store.Store
	estimator *tokenizer.Estimator
}

// NewGuards wires the guard set. limiter and kv may be nil.
func NewGuards(cfg Config, sel *selector.Selector, limiter *ratelimit.RPMLimiter, kv store.Store, estimator *tokenizer.Estimator) *Guards {
	keys := make(map[string]bool, len(cfg.AuthKeys))
	for _, k := range cfg.AuthKeys {
		keys[k] = true
	}
	return &Guards{
		cfg:       cfg,
		keys:      keys,
		selector:  sel,
		limiter:   limiter,
		kv:        kv,
		estimator: estimator,
	}
}

// ── Steps ────────────────────────────────────────────────────────────────────

func (g *Guards) auth(_ context.Context, s *Session) (*Response, error) {
	if len(g.keys) == 0 {
		return nil, nil
	}
	if g.keys[s.APIKey] {
		return nil, nil
	}
	return errorResponse(fasthttp.StatusUnauthorized,
		"invalid or missing api key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey), nil
}

func (g *Guards) clientCheck(_ context.Context, s *Session) (*Response, error) {
	if !gjson.ValidBytes(s.Body) {
		return errorResponse(fasthttp.StatusBadRequest,
			"request body is not valid json", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest), nil
	}
	model := gjson.GetBytes(s.Body, "model").String()
	if model == "" {
		return errorResponse(fasthttp.StatusBadRequest,
			"model is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest), nil
	}
	s.Model = model

	if s.Kind == KindMessages {
		messages := gjson.GetBytes(s.Body, "messages")
		if !messages.IsArray() || len(messages.Array()) == 0 {
			return errorResponse(fasthttp.StatusBadRequest,
				"messages must be a non-empty array", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest), nil
		}
	}
	return nil, nil
}

func (g *Guards) modelCheck(_ context.Context, s *Session) (*Response, error) {
	vendor, providerType, ok := resolveModel(s.Model)
	if !ok {
		return errorResponse(fasthttp.StatusNotFound,
			fmt.Sprintf("model %q is not available", s.Model), apierr.TypeNotFound, apierr.CodeModelNotFound), nil
	}
	s.Vendor = vendor
	s.ProviderType = providerType
	return nil, nil
}

func (g *Guards) versionCheck(_ context.Context, s *Session) (*Response, error) {
	if g.cfg.MinClientVersion == "" || s.ClientVersion == "" {
		return nil, nil
	}
	if compareVersions(s.ClientVersion, g.cfg.MinClientVersion) < 0 {
		return errorResponse(fasthttp.StatusUpgradeRequired,
			fmt.Sprintf("client version %s is no longer supported (minimum %s)", s.ClientVersion, g.cfg.MinClientVersion),
			apierr.TypeInvalidRequest, apierr.CodeClientUpgradeRequired), nil
	}
	return nil, nil
}

// probeIntercept answers health-probe traffic with a canned ack. It runs
// before session tracking and rate limiting so probes never consume those
// resources.
func (g *Guards) probeIntercept(_ context.Context, s *Session) (*Response, error) {
	if !isProbe(s.Body) {
		return nil, nil
	}
	body, err := sjson.SetBytes([]byte(`{"id":"","type":"message","role":"assistant","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`),
		"id", "probe_"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("guard: build probe ack: %w", err)
	}
	body, err = sjson.SetBytes(body, "model", s.Model)
	if err != nil {
		return nil, fmt.Errorf("guard: build probe ack: %w", err)
	}
	return &Response{Status: fasthttp.StatusOK, ContentType: "application/json", Body: body}, nil
}

func (g *Guards) contentFilter(_ context.Context, s *Session) (*Response, error) {
	if len(g.cfg.BlockedPatterns) == 0 {
		return nil, nil
	}
	for _, text := range messageTexts(s.Body) {
		lower := strings.ToLower(text)
		for _, pattern := range g.cfg.BlockedPatterns {
			if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
				return errorResponse(fasthttp.StatusBadRequest,
					"request contains blocked content", apierr.TypeInvalidRequest, apierr.CodeContentBlocked), nil
			}
		}
	}
	return nil, nil
}

func (g *Guards) sessionTrack(ctx context.Context, s *Session) (*Response, error) {
	key := gjson.GetBytes(s.Body, "metadata.user_id").String()
	if key == "" {
		key = s.SessionHeader
	}
	if key == "" {
		key = fallbackSessionKey(s.Body)
	}
	s.SessionKey = key
	s.Sequence = g.nextSequence(ctx, key)
	return nil, nil
}

// nextSequence bumps the session's request counter in the shared store.
// Best effort: a dead store yields sequence 1 on every request.
func (g *Guards) nextSequence(ctx context.Context, key string) int64 {
	if g.kv == nil {
		return 1
	}
	storeKey := "session:seq:" + key
	var seq int64 = 1
	if data, ok := g.kv.Get(ctx, storeKey); ok {
		if prev, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			seq = prev + 1
		}
	}
	_ = g.kv.SetWithTTL(ctx, storeKey, []byte(strconv.FormatInt(seq, 10)), g.cfg.sessionTTL())
	return seq
}

// warmupIntercept answers trivial warmup calls locally. It requires a
// tracked session, so it must run after sessionTrack.
func (g *Guards) warmupIntercept(_ context.Context, s *Session) (*Response, error) {
	if s.SessionKey == "" {
		return nil, nil
	}
	maxTokens := gjson.GetBytes(s.Body, "max_tokens")
	if !maxTokens.Exists() || maxTokens.Int() > 1 {
		return nil, nil
	}

	chars := 0
	for _, text := range messageTexts(s.Body) {
		chars += len(text)
	}
	if chars > g.cfg.warmupMaxPromptChars() {
		return nil, nil
	}

	inputTokens := 1
	if g.estimator != nil {
		if est := g.estimator.EstimateBody(s.Body); est > 0 {
			inputTokens = est
		}
	}
	body, err := sjson.SetBytes([]byte(`{"id":"","type":"message","role":"assistant","content":[{"type":"text","text":""}],"stop_reason":"max_tokens","usage":{"input_tokens":0,"output_tokens":1}}`),
		"id", "warmup_"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("guard: build warmup reply: %w", err)
	}
	if body, err = sjson.SetBytes(body, "model", s.Model); err != nil {
		return nil, fmt.Errorf("guard: build warmup reply: %w", err)
	}
	if body, err = sjson.SetBytes(body, "usage.input_tokens", inputTokens); err != nil {
		return nil, fmt.Errorf("guard: build warmup reply: %w", err)
	}
	return &Response{Status: fasthttp.StatusOK, ContentType: "application/json", Body: body}, nil
}

func (g *Guards) rateLimit(ctx context.Context, s *Session) (*Response, error) {
	if g.limiter == nil {
		return nil, nil
	}
	if g.limiter.Allow(ctx, s.SessionKey) {
		return nil, nil
	}
	resp := errorResponse(fasthttp.StatusTooManyRequests,
		"rate limit exceeded", apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
	resp.Header = map[string]string{"Retry-After": "60"}
	return resp, nil
}

func (g *Guards) resolveEndpoint(ctx context.Context, s *Session) (*Response, error) {
	ep := g.selector.PickBest(ctx, s.Vendor, s.ProviderType, s.Exclude)
	if ep != nil {
		s.Endpoint = ep
		return nil, nil
	}

	// No upstream can count tokens; a local estimate is better than an
	// error for this request kind.
	if s.Kind == KindCountTokens && g.estimator != nil {
		body, err := sjson.SetBytes([]byte(`{"input_tokens":0,"gateway_estimated":true}`),
			"input_tokens", g.estimator.EstimateBody(s.Body))
		if err != nil {
			return nil, fmt.Errorf("guard: build token estimate: %w", err)
		}
		return &Response{Status: fasthttp.StatusOK, ContentType: "application/json", Body: body}, nil
	}

	return errorResponse(fasthttp.StatusServiceUnavailable,
		"no upstream endpoint is currently available", apierr.TypeProviderError, apierr.CodeUpstreamUnavailable), nil
}

// unsupportedFields lists request fields each dialect rejects; the filter
// strips them instead of letting the upstream error.
var unsupportedFields = map[endpoint.ProviderType][]string{
	endpoint.ProviderAnthropic: {"logit_bias", "logprobs", "n"},
	endpoint.ProviderOpenAI:    {"anthropic_version", "top_k"},
	endpoint.ProviderGemini:    {"logit_bias", "logprobs"},
}

func (g *Guards) providerFilter(_ context.Context, s *Session) (*Response, error) {
	body := s.Body
	applied := false

	for _, field := range unsupportedFields[s.ProviderType] {
		if !gjson.GetBytes(body, field).Exists() {
			continue
		}
		out, err := sjson.DeleteBytes(body, field)
		if err != nil {
			return nil, fmt.Errorf("guard: strip %s: %w", field, err)
		}
		body = out
		applied = true
	}

	if limit := g.cfg.MaxTokensCap; limit > 0 {
		if mt := gjson.GetBytes(body, "max_tokens"); mt.Exists() && mt.Int() > int64(limit) {
			out, err := sjson.SetBytes(body, "max_tokens", limit)
			if err != nil {
				return nil, fmt.Errorf("guard: clamp max_tokens: %w", err)
			}
			body = out
			applied = true
		}
	}

	if applied {
		s.FilteredBody = body
		s.FilterApplied = true
	}
	return nil, nil
}

func (g *Guards) messageContext(_ context.Context, s *Session) (*Response, error) {
	s.MessageCount = len(gjson.GetBytes(s.Body, "messages").Array())
	if g.estimator != nil {
		s.EstimatedPromptTokens = g.estimator.EstimateBody(s.Body)
	}
	return nil, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// resolveModel maps a model name to its vendor and wire dialect.
func resolveModel(model string) (string, endpoint.ProviderType, bool) {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic", endpoint.ProviderAnthropic, true
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"),
		strings.HasPrefix(lower, "chatgpt"):
		return "openai", endpoint.ProviderOpenAI, true
	case strings.HasPrefix(lower, "gemini"):
		return "gemini", endpoint.ProviderGemini, true
	}
	return "", "", false
}

// isProbe detects out-of-band health checks: an explicit metadata marker or
// the canonical single "quota" user message.
func isProbe(body []byte) bool {
	if gjson.GetBytes(body, "metadata.probe").Bool() {
		return true
	}
	messages := gjson.GetBytes(body, "messages").Array()
	if len(messages) != 1 {
		return false
	}
	msg := messages[0]
	if msg.Get("role").String() != "user" {
		return false
	}
	content := msg.Get("content")
	if content.IsArray() {
		arr := content.Array()
		if len(arr) != 1 || arr[0].Get("type").String() != "text" {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(arr[0].Get("text").String()), "quota")
	}
	return strings.EqualFold(strings.TrimSpace(content.String()), "quota")
}

// messageTexts collects every text fragment from the request's messages.
func messageTexts(body []byte) []string {
	var texts []string
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "text" {
					texts = append(texts, item.Get("text").String())
				}
				return true
			})
		} else if content.Exists() {
			texts = append(texts, content.String())
		}
		return true
	})
	return texts
}

// compareVersions compares dotted numeric versions; non-numeric suffixes in
// a segment are ignored. Returns -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.TrimSpace(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.TrimSpace(b), "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = numericPrefix(as[i])
		}
		if i < len(bs) {
			bv = numericPrefix(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func numericPrefix(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
