package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveRouter starts the full router (with all routes) on an in-memory
// listener and returns an HTTP client + cleanup.
func serveRouter(t *testing.T, gw *Gateway, mgmt *ManagementRoutes) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(mgmt))
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func TestRouter_MessagesRoute(t *testing.T) {
	h := newHarness(t)
	h.fw.results["ant-1"] = upstreamJSON(200, `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`)
	client := serveRouter(t, h.gw, nil)

	resp, err := client.Post("http://gw/v1/messages", "application/json", strings.NewReader(chatBody))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set by middleware")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("X-Response-Time not set by middleware")
	}
}

func TestRouter_CountTokensRoute(t *testing.T) {
	h := newHarness(t)
	h.fw.results["ant-1"] = upstreamJSON(200, `{"input_tokens":42}`)
	client := serveRouter(t, h.gw, nil)

	resp, err := client.Post("http://gw/v1/messages/count_tokens", "application/json", strings.NewReader(chatBody))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out["input_tokens"] != float64(42) {
		t.Errorf("input_tokens = %v, want 42", out["input_tokens"])
	}
}

func TestRouter_HealthRoute(t *testing.T) {
	h := newHarness(t)
	client := serveRouter(t, h.gw, nil)

	resp, err := client.Get("http://gw/health")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report struct {
		Status    string           `json:"status"`
		Endpoints []endpointHealth `json:"endpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "ok" {
		t.Errorf("status = %q, want ok", report.Status)
	}
	if len(report.Endpoints) != 2 {
		t.Errorf("endpoints = %d, want 2", len(report.Endpoints))
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := newHarness(t)
	client := serveRouter(t, h.gw, nil)

	resp, err := client.Get("http://gw/v1/unknown")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRouter_MetricsRouteOptional(t *testing.T) {
	h := newHarness(t)
	mgmt := &ManagementRoutes{Metrics: func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("# metrics")
	}}
	client := serveRouter(t, h.gw, mgmt)

	resp, err := client.Get("http://gw/metrics")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"hello": "world"})

	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var out map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out["hello"] != "world" {
		t.Errorf("body = %v", out)
	}
}
