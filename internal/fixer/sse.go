package fixer

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var sseFieldPrefixes = []string{"data:", "event:", "id:", "retry:", ":"}

// fixSSE repairs damaged server-sent-events framing: bare JSON lines get a
// "data:" prefix, a new "event:" line opening mid-block gets the missing
// blank separator inserted before it, and unparseable residue is dropped.
// Well-formed input is returned byte-for-byte unchanged.
func fixSSE(data []byte) Result {
	if len(data) == 0 || sseWellFormed(string(data)) {
		return Result{Data: data}
	}

	var (
		out       strings.Builder
		openBlock bool // lines emitted since the last blank separator
		reframed  int
		dropped   int
		separated int
	)

	flush := func() {
		if openBlock {
			out.WriteString("\n")
			openBlock = false
		}
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			flush()

		case strings.HasPrefix(trimmed, "event:"):
			// An event line only opens a block; one arriving mid-block
			// means the separator before it was lost.
			if openBlock {
				flush()
				separated++
			}
			out.WriteString(trimmed + "\n")
			openBlock = true

		case hasSSEField(trimmed):
			out.WriteString(trimmed + "\n")
			openBlock = true

		case gjson.Valid(trimmed):
			// A bare JSON payload lost its "data:" prefix.
			out.WriteString("data: " + trimmed + "\n")
			openBlock = true
			reframed++

		default:
			dropped++
		}
	}
	flush()

	return Result{
		Data:    []byte(out.String()),
		Applied: true,
		Details: fmt.Sprintf("sse reframed: %d data lines prefixed, %d separators inserted, %d residue lines dropped", reframed, separated, dropped),
	}
}

func hasSSEField(line string) bool {
	for _, p := range sseFieldPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// sseWellFormed reports whether the stream already has sound framing: every
// non-blank line carries a known field prefix, and "event:" lines appear
// only at the start of a block.
func sseWellFormed(s string) bool {
	blockOpen := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			blockOpen = false
			continue
		}
		if !hasSSEField(line) {
			return false
		}
		if strings.HasPrefix(line, "event:") && blockOpen {
			return false
		}
		blockOpen = true
	}
	return true
}
