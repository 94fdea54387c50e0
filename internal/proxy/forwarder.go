package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/modelrelay/gateway/internal/endpoint"
)

// UpstreamResult is the raw outcome of one forwarding attempt. The body is
// fully buffered so the fixer can repair it before relay.
type UpstreamResult struct {
	Status      int
	ContentType string
	Body        []byte
}

// Forwarder sends a prepared request to a concrete endpoint and returns the
// raw response. The wire-format translation between dialects happens behind
// this interface; the orchestration layer treats it as a black box.
type Forwarder interface {
	Forward(ctx context.Context, ep *endpoint.Endpoint, path string, body []byte, headers map[string]string) (*UpstreamResult, error)
}

// HTTPForwarder forwards requests over plain HTTP, attaching the endpoint's
// credential in the header its dialect expects.
type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder creates a forwarder with the given per-attempt timeout.
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPForwarder{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPForwarder) Forward(ctx context.Context, ep *endpoint.Endpoint, path string, body []byte, headers map[string]string) (*UpstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forward: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if ep.APIKey != "" {
		switch ep.ProviderType {
		case endpoint.ProviderAnthropic:
			req.Header.Set("x-api-key", ep.APIKey)
		default:
			req.Header.Set("Authorization", "Bearer "+ep.APIKey)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward: %s: %w", ep.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("forward: read response from %s: %w", ep.ID, err)
	}

	return &UpstreamResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// retryableStatus reports whether an upstream status should exclude the
// endpoint and re-resolve. Client errors are relayed as-is: retrying them on
// another endpoint would only duplicate the rejection.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// timeoutError reports whether a forwarding error is an upstream timeout
// rather than any other transport failure. http.Client wraps its deadline in
// a *url.Error, so both the context sentinel and net.Error are checked.
func timeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
