package fixer

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// fixTruncatedJSON attempts to complete a JSON document that was cut off
// mid-stream by closing open strings, objects, and arrays. The repair is
// bounded: documents nesting deeper than maxDepth are left alone, and at
// most maxFixSize trailing bytes are discarded (plus at most maxFixSize
// appended) while searching for a parseable cut. Valid input comes back
// untouched; an unrepairable document comes back untouched too.
func fixTruncatedJSON(data []byte, maxDepth, maxFixSize int) Result {
	if len(data) == 0 || gjson.ValidBytes(data) {
		return Result{Data: data}
	}

	// A truncated document usually parses once the partial trailing token
	// is dropped and the open scopes are closed. Walk backward from the
	// full input, one byte at a time, until a cut repairs cleanly.
	maxTrim := maxFixSize
	if maxTrim > len(data) {
		maxTrim = len(data)
	}
	for trim := 0; trim <= maxTrim; trim++ {
		candidate := data[:len(data)-trim]
		closers, ok := closersFor(candidate, maxDepth)
		if !ok {
			// Depth budget exceeded; no shorter cut can be deeper.
			return Result{Data: data}
		}
		if len(closers) == 0 {
			// Nothing open at this cut; only trailing residue after a
			// complete document can make it parse.
			if trim > 0 && gjson.ValidBytes(candidate) {
				return Result{
					Data:    candidate,
					Applied: true,
					Details: fmt.Sprintf("dropped %d trailing bytes", trim),
				}
			}
			continue
		}
		if len(closers) > maxFixSize {
			continue
		}
		repaired := make([]byte, 0, len(candidate)+len(closers))
		repaired = append(repaired, candidate...)
		repaired = append(repaired, closers...)
		if gjson.ValidBytes(repaired) {
			return Result{
				Data:    repaired,
				Applied: true,
				Details: fmt.Sprintf("closed truncated json (trimmed %d, appended %d)", trim, len(closers)),
			}
		}
	}

	return Result{Data: data}
}

// closersFor scans data and returns the byte sequence needed to close its
// open string and container scopes, innermost first. Returns ok=false when
// nesting exceeds maxDepth.
func closersFor(data []byte, maxDepth int) ([]byte, bool) {
	var stack []byte
	inString := false
	escaped := false

	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, b)
			if len(stack) > maxDepth {
				return nil, false
			}
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var closers []byte
	if inString {
		if escaped {
			// A dangling escape cannot be closed; the caller's trim
			// loop will cut it away on a later iteration.
			return nil, true
		}
		closers = append(closers, '"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers = append(closers, '}')
		} else {
			closers = append(closers, ']')
		}
	}
	return closers, true
}
