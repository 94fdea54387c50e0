package apierr

import (
	"testing"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

func TestBodyEnvelope(t *testing.T) {
	body := Body("model \"x\" is not available", TypeNotFound, CodeModelNotFound)
	if got := gjson.GetBytes(body, "error.message").String(); got != `model "x" is not available` {
		t.Errorf("error.message = %q", got)
	}
	if got := gjson.GetBytes(body, "error.type").String(); got != TypeNotFound {
		t.Errorf("error.type = %q", got)
	}
	if got := gjson.GetBytes(body, "error.code").String(); got != CodeModelNotFound {
		t.Errorf("error.code = %q", got)
	}
}

func TestWriteSetsStatusAndContentType(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing api key", TypeAuthenticationErr, CodeInvalidAPIKey)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.code").String(); got != CodeInvalidAPIKey {
		t.Errorf("error.code = %q", got)
	}
}

func TestWriteUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		upstream   int
		wantStatus int
		wantCode   string
	}{
		{fasthttp.StatusTooManyRequests, fasthttp.StatusTooManyRequests, CodeRateLimitExceeded},
		{fasthttp.StatusInternalServerError, fasthttp.StatusBadGateway, CodeUpstreamUnavailable},
		{fasthttp.StatusBadGateway, fasthttp.StatusBadGateway, CodeUpstreamUnavailable},
	}
	for _, tc := range cases {
		ctx := &fasthttp.RequestCtx{}
		WriteUpstreamError(ctx, tc.upstream, "all upstream attempts failed")
		if ctx.Response.StatusCode() != tc.wantStatus {
			t.Errorf("upstream %d: status = %d, want %d", tc.upstream, ctx.Response.StatusCode(), tc.wantStatus)
		}
		if got := gjson.GetBytes(ctx.Response.Body(), "error.code").String(); got != tc.wantCode {
			t.Errorf("upstream %d: error.code = %q, want %q", tc.upstream, got, tc.wantCode)
		}
	}
}

func TestWriteRateLimitSetsRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestWriteTimeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", ctx.Response.StatusCode())
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.code").String(); got != CodeRequestTimeout {
		t.Errorf("error.code = %q", got)
	}
}

func TestWriteInternalHidesDetail(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInternal(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.message").String(); got != "internal server error" {
		t.Errorf("error.message = %q", got)
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.code").String(); got != CodeInternalError {
		t.Errorf("error.code = %q", got)
	}
}
