package guard

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/modelrelay/gateway/internal/endpoint"
)

// Kind is the inbound request type; it selects which guard steps run.
type Kind string

const (
	KindMessages    Kind = "messages"
	KindCountTokens Kind = "count_tokens"
)

// Response is a terminal pipeline result relayed to the client verbatim.
type Response struct {
	Status      int
	ContentType string
	Header      map[string]string
	Body        []byte
}

// Session carries one inbound request through the guard pipeline. Guards
// mutate it to attach resolved identity, routing, and audit facts; it is
// discarded after the response is sent.
type Session struct {
	// ID is the request ID assigned by the transport middleware.
	ID string

	Kind Kind

	// Body is the raw inbound request body.
	Body []byte

	// Request surface extracted by the transport layer so guards stay
	// independent of the HTTP stack.
	APIKey        string
	ClientVersion string
	SessionHeader string

	// Filled by client/model checks.
	Model        string
	Vendor       string
	ProviderType endpoint.ProviderType

	// Filled by session tracking.
	SessionKey string
	Sequence   int64

	// Filled by endpoint resolution; Exclude feeds back endpoints the
	// forwarding loop already tried.
	Endpoint *endpoint.Endpoint
	Exclude  map[string]bool

	// FilteredBody is what the forwarder actually sends upstream; it
	// defaults to Body until provider filtering rewrites it.
	FilteredBody []byte

	// Audit facts.
	ExecutedSteps         []string
	InterceptedBy         string
	FilterApplied         bool
	MessageCount          int
	EstimatedPromptTokens int
}

// OutboundBody returns the body the forwarder should send upstream.
func (s *Session) OutboundBody() []byte {
	if s.FilteredBody != nil {
		return s.FilteredBody
	}
	return s.Body
}

// fallbackSessionKey derives a stable key from the request body when the
// client supplied no user id or session header.
func fallbackSessionKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "anon-" + hex.EncodeToString(sum[:8])
}
