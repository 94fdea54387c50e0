// Package cachesim estimates prompt-cache token splits for upstreams that
// do not report them. The estimate is driven by the change in total input
// size across consecutive requests of the same logical session, with the
// previous total kept in the shared store under a short TTL.
//
// The split is a heuristic, not an accounting: callers must surface the
// result as an estimate.
package cachesim

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/modelrelay/gateway/internal/store"
)

const (
	// freshInputTail is the slice of a first request's input reported as
	// genuinely fresh rather than cache creation.
	freshInputTail = 16

	// minCreationTokens is the floor under which a creation share is not
	// plausible; smaller computed shares are rounded up to the whole delta
	// or to this floor.
	minCreationTokens = 50

	// readBiasLow/High bound the randomized share of a grown delta that is
	// attributed to cache reads.
	readBiasLow  = 0.5
	readBiasHigh = 0.9

	// shrinkCreationRatio is the fraction of the new total attributed to
	// creation after the context was compacted.
	shrinkCreationRatio = 0.2

	// DefaultBaselineTTL is how long a session baseline survives between
	// requests.
	DefaultBaselineTTL = 30 * time.Minute

	baselineKeyPrefix = "cachesim:baseline:"
)

// titleGenerationMarker identifies the short utility prompt some clients
// fire to name a conversation; it never reflects real cache state.
const titleGenerationMarker = "write a 5-10 word title"

// Config tunes the simulator. A zero TTL falls back to DefaultBaselineTTL.
type Config struct {
	Enabled     bool
	BaselineTTL time.Duration
}

func (c *Config) baselineTTL() time.Duration {
	if c.BaselineTTL > 0 {
		return c.BaselineTTL
	}
	return DefaultBaselineTTL
}

// Usage is the estimated token breakdown for one request.
// InputTokens + CacheReadInputTokens + CacheCreationInputTokens always
// equals the total input the upstream reported.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheReadInputTokens     int  `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int  `json:"cache_creation_input_tokens"`
	Heuristic                bool `json:"-"`
}

type baseline struct {
	LastInputTokens int   `json:"last_input_tokens"`
	TS              int64 `json:"ts"`
}

// Simulator computes cache split estimates. Safe for concurrent use; the
// per-session baseline lives in the shared store, so concurrent requests of
// one session race benignly (last writer wins).
type Simulator struct {
	cfg Config
	kv  store.Store
	log *slog.Logger
}

// New creates a Simulator. kv may be nil, in which case every request is
// treated as session-first. log may be nil.
func New(cfg Config, kv store.Store, log *slog.Logger) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{cfg: cfg, kv: kv, log: log}
}

// Estimate returns the estimated usage breakdown for a request, or nil when
// the simulator is disabled or the request is a trivial utility sub-call.
// The session baseline is updated to the current total on every non-skipped
// call.
func (s *Simulator) Estimate(ctx context.Context, body []byte, sessionKey string, inputTokens, outputTokens int) *Usage {
	if !s.cfg.Enabled || inputTokens <= 0 {
		return nil
	}
	if isTrivialCall(body) {
		return nil
	}

	base, haveBase := s.loadBaseline(ctx, sessionKey)

	u := &Usage{OutputTokens: outputTokens, Heuristic: true}
	switch {
	case !haveBase:
		s.splitFirst(u, inputTokens)
	case inputTokens >= base:
		s.splitGrown(u, base, inputTokens)
	default:
		s.splitShrunk(u, inputTokens)
	}

	s.storeBaseline(ctx, sessionKey, inputTokens)
	return u
}

// splitFirst handles a session's first observed request: everything except a
// small fresh tail is treated as newly created cache content.
func (s *Simulator) splitFirst(u *Usage, total int) {
	if total <= freshInputTail {
		u.InputTokens = total
		return
	}
	u.CacheCreationInputTokens = total - freshInputTail
	u.InputTokens = freshInputTail
}

// splitGrown attributes the delta between the baseline and the new total to
// cache reads and creation, biased toward reads, with a plausibility floor
// on the creation share.
func (s *Simulator) splitGrown(u *Usage, base, total int) {
	delta := total - base
	readShare := int(float64(delta) * (readBiasLow + rand.Float64()*(readBiasHigh-readBiasLow)))
	creation := delta - readShare

	switch {
	case creation >= minCreationTokens:
		u.CacheCreationInputTokens = creation
		u.CacheReadInputTokens = base + (delta - creation)
	case delta <= minCreationTokens:
		u.CacheCreationInputTokens = delta
		u.CacheReadInputTokens = base
	default:
		u.CacheCreationInputTokens = minCreationTokens
		u.CacheReadInputTokens = base + delta - minCreationTokens
	}
}

// splitShrunk handles a compacted context: a fixed fraction of the new total
// is creation (the summary is new cache content), the rest reads, no fresh
// input.
func (s *Simulator) splitShrunk(u *Usage, total int) {
	u.CacheCreationInputTokens = int(float64(total) * shrinkCreationRatio)
	u.CacheReadInputTokens = total - u.CacheCreationInputTokens
}

func (s *Simulator) loadBaseline(ctx context.Context, sessionKey string) (int, bool) {
	if s.kv == nil || sessionKey == "" {
		return 0, false
	}
	data, ok := s.kv.Get(ctx, baselineKeyPrefix+sessionKey)
	if !ok {
		return 0, false
	}
	var b baseline
	if err := json.Unmarshal(data, &b); err != nil {
		s.log.Warn("cachesim_bad_baseline",
			slog.String("session", sessionKey),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return b.LastInputTokens, true
}

func (s *Simulator) storeBaseline(ctx context.Context, sessionKey string, total int) {
	if s.kv == nil || sessionKey == "" {
		return
	}
	data, err := json.Marshal(baseline{LastInputTokens: total, TS: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	_ = s.kv.SetWithTTL(ctx, baselineKeyPrefix+sessionKey, data, s.cfg.baselineTTL())
}

// isTrivialCall reports whether the request is a utility sub-call whose
// input size says nothing about the session's real cache state.
func isTrivialCall(body []byte) bool {
	if len(body) == 0 {
		return false
	}

	trivial := false
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		texts := make([]string, 0, 2)
		if content.IsArray() {
			content.ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "text" {
					texts = append(texts, item.Get("text").String())
				}
				return true
			})
		} else {
			texts = append(texts, content.String())
		}

		for _, text := range texts {
			if strings.Contains(strings.ToLower(text), titleGenerationMarker) {
				trivial = true
				return false
			}
			if emptyReminder(text) {
				trivial = true
				return false
			}
		}
		return true
	})
	return trivial
}

// emptyReminder detects a system-reminder block with no content, a marker
// some clients attach to keep-alive style calls.
func emptyReminder(text string) bool {
	open := strings.Index(text, "<system-reminder>")
	if open < 0 {
		return false
	}
	end := strings.Index(text[open:], "</system-reminder>")
	if end < 0 {
		return false
	}
	inner := text[open+len("<system-reminder>") : open+end]
	return strings.TrimSpace(inner) == ""
}
