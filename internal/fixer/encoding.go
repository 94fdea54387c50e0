package fixer

import (
	"bytes"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// fixEncoding normalizes a purported text payload to clean UTF-8: leading
// byte-order marks are stripped (UTF-16 payloads are transcoded), embedded
// NUL bytes removed, and anything still invalid is re-decoded lossily with
// replacement characters. Clean input comes back untouched.
//
// BOM stripping and NUL removal alternate until neither changes the buffer:
// doubled marks (a BOM-prefixed payload wrapped by another BOM-writing layer)
// are fully consumed, and a mark hidden behind stray NUL bytes is uncovered
// and stripped in the same pass. One pass therefore always reaches a fixpoint
// and a second pass reports no change.
func fixEncoding(data []byte) Result {
	var fixes []string
	cur := data

	for {
		changed := false
	boms:
		for {
			switch {
			case bytes.HasPrefix(cur, bomUTF8):
				cur = cur[len(bomUTF8):]
				appendFix(&fixes, "stripped utf-8 bom")
				changed = true
			case bytes.HasPrefix(cur, bomUTF16LE):
				cur = decodeUTF16(cur[2:], true)
				appendFix(&fixes, "transcoded utf-16le")
				changed = true
			case bytes.HasPrefix(cur, bomUTF16BE):
				cur = decodeUTF16(cur[2:], false)
				appendFix(&fixes, "transcoded utf-16be")
				changed = true
			default:
				break boms
			}
		}

		if bytes.IndexByte(cur, 0x00) >= 0 {
			cur = bytes.ReplaceAll(cur, []byte{0x00}, nil)
			appendFix(&fixes, "removed nul bytes")
			changed = true
		}

		if !changed {
			break
		}
	}

	if !utf8.Valid(cur) {
		cur = bytes.ToValidUTF8(cur, []byte(string(utf8.RuneError)))
		appendFix(&fixes, "replaced invalid utf-8 sequences")
	}

	if len(fixes) == 0 {
		return Result{Data: data}
	}
	return Result{Data: cur, Applied: true, Details: strings.Join(fixes, ", ")}
}

// decodeUTF16 converts BOM-less UTF-16 bytes to UTF-8. A trailing lone byte
// becomes a replacement character rather than being silently dropped.
func decodeUTF16(data []byte, littleEndian bool) []byte {
	units := make([]uint16, 0, len(data)/2+1)
	for i := 0; i+1 < len(data); i += 2 {
		if littleEndian {
			units = append(units, uint16(data[i])|uint16(data[i+1])<<8)
		} else {
			units = append(units, uint16(data[i])<<8|uint16(data[i+1]))
		}
	}
	runes := utf16.Decode(units)
	if len(data)%2 != 0 {
		runes = append(runes, utf8.RuneError)
	}
	return []byte(string(runes))
}

// appendFix records a correction once even if its branch runs repeatedly.
func appendFix(fixes *[]string, fix string) {
	for _, f := range *fixes {
		if f == fix {
			return
		}
	}
	*fixes = append(*fixes, fix)
}
