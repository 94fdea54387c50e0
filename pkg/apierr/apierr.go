// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format. Every terminal response carries a
// stable machine-readable code; raw internal error text never reaches
// clients.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants — the stable reason codes guard terminations and forwarding
// failures are reported under.
const (
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeInvalidRequest        = "invalid_request"
	CodeModelNotFound         = "model_not_found"
	CodeClientUpgradeRequired = "client_upgrade_required"
	CodeContentBlocked        = "content_blocked"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeUpstreamUnavailable   = "upstream_unavailable"
	CodeRequestTimeout        = "request_timeout"
	CodeInternalError         = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body renders the error envelope as JSON without touching a response,
// for callers that buffer terminal responses.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteUpstreamError maps an upstream HTTP status to the relayed gateway status.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 5xx  → 502
//	Timeout       → 504 (see WriteTimeout)
//	Default       → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		WriteRateLimit(ctx)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeUpstreamUnavailable)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a generic 500 without leaking internal error text.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
