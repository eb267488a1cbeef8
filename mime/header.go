// Package mime implements FMTA's message model: an ordered, loss-free
// header list, header folding/unfolding, parameter parsing, recursive
// multipart decomposition, and transfer-encoding codecs. Parsed messages
// are owned tree values (never a mutable pointer graph), per the
// re-architecture direction in SPEC_FULL.md/Design Notes.
package mime

import (
	"errors"
	"strings"
)

// Header is one header field. Key preserves original case for
// serialization; lookups are case-insensitive (see HeaderList.Get).
type Header struct {
	Key   string
	Value string
}

// HeaderList is an ordered sequence of headers. Order is preserved across
// parse/serialize round trips and duplicate keys are all retained.
type HeaderList []Header

// ErrMalformedHeader is returned when a header line has no ':'.
var ErrMalformedHeader = errors.New("mime: header line has no ':' separator")

// Get returns the value of the first header matching name
// case-insensitively, or "" if absent.
func (h HeaderList) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns every value for headers matching name
// case-insensitively, in order.
func (h HeaderList) GetAll(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Set replaces the first header matching name case-insensitively with
// value, or appends a new header at the end if none matched. This is the
// generalization of the teacher's raw-string SetHeader/GetHeader pair
// onto the structured HeaderList.
func (h *HeaderList) Set(name, value string) {
	for i, hdr := range *h {
		if strings.EqualFold(hdr.Key, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: name, Value: value})
}

// Prepend inserts a new header at the front of the list, used for
// injecting Received: lines (spec.md §4.8), which must appear before any
// prior Received: trace.
func (h *HeaderList) Prepend(name, value string) {
	*h = append(HeaderList{{Key: name, Value: value}}, (*h)...)
}

// Del removes every header matching name case-insensitively.
func (h *HeaderList) Del(name string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Key, name) {
			out = append(out, hdr)
		}
	}
	*h = out
}

// ParseHeaders splits a raw header block (CRLF terminated, possibly
// folded) into a HeaderList, unfolding continuation lines first. A malformed
// line with no ':' terminates parsing with an error rather than being
// silently dropped, per spec.md §4.3.
func ParseHeaders(raw string) (HeaderList, error) {
	lines, err := unfold(raw)
	if err != nil {
		return nil, err
	}
	var out HeaderList
	for _, line := range lines {
		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			return out, ErrMalformedHeader
		}
		key := strings.TrimSpace(line[:idx])
		if strings.ContainsRune(key, ':') {
			return out, ErrMalformedHeader
		}
		value := strings.TrimSpace(line[idx+1:])
		out = append(out, Header{Key: key, Value: value})
	}
	return out, nil
}

// unfold splits a raw header block into logical header lines: a
// continuation line (beginning with SP or HTAB) is appended to the
// previous line. If the previous value ends with ';', a single SP is
// inserted at the join point (spec.md §4.3 Header unfold).
func unfold(raw string) ([]string, error) {
	physical := splitLines(raw)
	var logical []string
	for _, line := range physical {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(logical) > 0 {
			prev := logical[len(logical)-1]
			trimmed := strings.TrimLeft(line, " \t")
			if strings.HasSuffix(strings.TrimRight(prev, " \t"), ";") {
				logical[len(logical)-1] = strings.TrimRight(prev, " \t") + " " + trimmed
			} else {
				logical[len(logical)-1] = prev + " " + trimmed
			}
			continue
		}
		logical = append(logical, line)
	}
	return logical, nil
}

// splitLines implements spec.md §4.3's line-split algorithm: split on
// CRLF; a trailing CR on a line is consumed; any LF not preceded by CR is
// still accepted but normalized.
func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// Serialize renders the header list back to a CRLF-terminated block,
// folding long lines via FoldHeader.
func (h HeaderList) Serialize() string {
	var b strings.Builder
	for _, hdr := range h {
		b.WriteString(FoldHeader(hdr.Key, hdr.Value))
		b.WriteString("\r\n")
	}
	return b.String()
}

// MaxHeaderLineLength is the recommended outbound fold target (spec.md
// §4.3); HardHeaderLineLimit is the RFC 5322 hard cap.
const (
	MaxHeaderLineLength = 78
	HardHeaderLineLimit = 998
)

// FoldHeader folds "key: value" at MaxHeaderLineLength, per the Open
// Question decision in SPEC_FULL.md §9: fold at ';' boundaries first, then
// at the last SP before the cap, never mid-token.
func FoldHeader(key, value string) string {
	line := key + ": " + value
	if len(line) <= MaxHeaderLineLength {
		return line
	}
	var out []string
	remaining := line
	for len(remaining) > MaxHeaderLineLength {
		cut := foldPoint(remaining, MaxHeaderLineLength)
		if cut <= 0 {
			break
		}
		out = append(out, remaining[:cut])
		remaining = strings.TrimLeft(remaining[cut:], " \t")
	}
	out = append(out, remaining)
	return strings.Join(out, "\r\n ")
}

// foldPoint finds the index to break the line at: the last ';' boundary
// at or before limit, else the last space before it, else the first ';'
// or space after it (0 if there is none), never inside what
// looks like a quoted string or mid-token (i.e. never split a run of
// non-whitespace).
func foldPoint(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	window := s[:limit]
	if idx := strings.LastIndexByte(window, ';'); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx > 0 {
		return idx
	}
	// No boundary before the limit: break at the first one after it, or
	// not at all (FoldHeader then keeps the rest on one line).
	if idx := strings.IndexAny(s[limit:], "; "); idx != -1 {
		if s[limit+idx] == ';' {
			return limit + idx + 1
		}
		return limit + idx
	}
	return 0
}
