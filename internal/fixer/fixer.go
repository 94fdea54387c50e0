// Package fixer repairs malformed upstream response payloads before they are
// relayed to clients: broken text encodings, truncated JSON documents, and
// damaged SSE framing. Every stage reports whether it changed anything so the
// audit trail can record exactly which corrections fired.
package fixer

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ContentKind declares what the upstream payload is supposed to be; it
// selects which structural sub-fixer runs after the encoding pass.
type ContentKind int

const (
	KindText ContentKind = iota
	KindJSON
	KindSSE
)

func (k ContentKind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindSSE:
		return "sse"
	default:
		return "text"
	}
}

// Default repair budgets.
const (
	DefaultMaxJSONDepth = 32
	DefaultMaxFixSize   = 256
)

// Config enables individual sub-fixers and bounds the JSON repair effort.
// Zero budget values fall back to the package defaults.
type Config struct {
	FixEncoding bool
	FixJSON     bool
	FixSSE      bool

	// MaxJSONDepth aborts the truncated-JSON repair when the document
	// nests deeper than this.
	MaxJSONDepth int

	// MaxFixSize bounds both the bytes a JSON repair may append and the
	// trailing bytes it may discard while searching for a parseable cut.
	MaxFixSize int
}

func (c *Config) maxJSONDepth() int {
	if c.MaxJSONDepth > 0 {
		return c.MaxJSONDepth
	}
	return DefaultMaxJSONDepth
}

func (c *Config) maxFixSize() int {
	if c.MaxFixSize > 0 {
		return c.MaxFixSize
	}
	return DefaultMaxFixSize
}

// Result is the uniform contract every sub-fixer returns: the possibly
// unchanged payload, whether a correction was made, and a short description
// of what fired.
type Result struct {
	Data    []byte
	Applied bool
	Details string
}

// Stage is one sub-fixer's entry in an Outcome's audit breakdown.
type Stage struct {
	Name    string
	Applied bool
	Details string
}

// Outcome is the composite result of a full Fix pass.
type Outcome struct {
	Data    []byte
	Applied bool
	Stages  []Stage
}

// Details flattens the applied stages into one audit string.
func (o Outcome) Details() string {
	var parts []string
	for _, s := range o.Stages {
		if s.Applied {
			parts = append(parts, s.Name+": "+s.Details)
		}
	}
	return strings.Join(parts, "; ")
}

// Fixer composes the sub-fixers and accumulates processing counters.
// Safe for concurrent use.
type Fixer struct {
	cfg Config
	log *slog.Logger

	totalBytes  atomic.Int64
	totalTimeNs atomic.Int64
}

// New creates a Fixer. log may be nil.
func New(cfg Config, log *slog.Logger) *Fixer {
	if log == nil {
		log = slog.Default()
	}
	return &Fixer{cfg: cfg, log: log}
}

// Fix runs the enabled sub-fixers over data in order: encoding first, then
// the structural fixer matching the declared content kind. It never fails;
// when no repair is possible the original bytes come back untouched.
func (f *Fixer) Fix(data []byte, kind ContentKind) Outcome {
	start := time.Now()
	out := Outcome{Data: data}

	if f.cfg.FixEncoding {
		r := fixEncoding(out.Data)
		out.Stages = append(out.Stages, Stage{Name: "encoding", Applied: r.Applied, Details: r.Details})
		if r.Applied {
			out.Data = r.Data
			out.Applied = true
		}
	}

	switch kind {
	case KindJSON:
		if f.cfg.FixJSON {
			r := fixTruncatedJSON(out.Data, f.cfg.maxJSONDepth(), f.cfg.maxFixSize())
			out.Stages = append(out.Stages, Stage{Name: "json", Applied: r.Applied, Details: r.Details})
			if r.Applied {
				out.Data = r.Data
				out.Applied = true
			}
		}
	case KindSSE:
		if f.cfg.FixSSE {
			r := fixSSE(out.Data)
			out.Stages = append(out.Stages, Stage{Name: "sse", Applied: r.Applied, Details: r.Details})
			if r.Applied {
				out.Data = r.Data
				out.Applied = true
			}
		}
	}

	f.totalBytes.Add(int64(len(data)))
	f.totalTimeNs.Add(time.Since(start).Nanoseconds())

	if out.Applied {
		f.log.Debug("response_fixed",
			slog.String("kind", kind.String()),
			slog.String("details", out.Details()),
		)
	}
	return out
}

// Stats returns the cumulative bytes processed and time spent fixing.
func (f *Fixer) Stats() (bytesProcessed int64, spent time.Duration) {
	return f.totalBytes.Load(), time.Duration(f.totalTimeNs.Load())
}
