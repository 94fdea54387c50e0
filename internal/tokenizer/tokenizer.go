// Package tokenizer provides local token estimation for requests that never
// reach an upstream (count-tokens fallback, warmup replies, audit context).
package tokenizer

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// fallbackCharsPerToken approximates English-biased BPE density when the
// encoder is unavailable.
const fallbackCharsPerToken = 4

// Estimator counts tokens with a BPE encoder, falling back to a character
// heuristic when the encoding data cannot be loaded. Safe for concurrent use.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	log  *slog.Logger
}

// New creates an Estimator. The encoder is loaded lazily on first use.
// log may be nil.
func New(log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{log: log}
}

func (e *Estimator) encoder() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.log.Warn("tokenizer_encoding_unavailable", slog.String("error", err.Error()))
			return
		}
		e.enc = enc
	})
	return e.enc
}

// CountText returns the estimated token count of a single text fragment.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := utf8.RuneCountInString(text)
	tokens := n / fallbackCharsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// EstimateBody estimates the prompt token count of a chat request body by
// walking the system prompt and message contents. Non-text content blocks
// (images, tool results) are skipped.
func (e *Estimator) EstimateBody(body []byte) int {
	total := 0

	if system := gjson.GetBytes(body, "system"); system.Exists() {
		if system.IsArray() {
			system.ForEach(func(_, item gjson.Result) bool {
				total += e.CountText(item.Get("text").String())
				return true
			})
		} else {
			total += e.CountText(system.String())
		}
	}

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.Exists() {
			return true
		}
		if content.IsArray() {
			content.ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "text" {
					total += e.CountText(item.Get("text").String())
				}
				return true
			})
		} else {
			total += e.CountText(content.String())
		}
		return true
	})

	return total
}
