package mime

import "strings"

// Params is a parsed "value; k1=v1; k2=\"v with spaces\"" header value,
// as used by Content-Type and Content-Disposition (spec.md §4.3 Parameter
// parse).
type Params struct {
	Value string
	Pairs map[string]string
}

// ParseParams splits a header value at top-level ';' boundaries and each
// parameter at '=', stripping surrounding quotes from quoted values.
func ParseParams(raw string) Params {
	parts := splitTopLevel(raw, ';')
	p := Params{Pairs: map[string]string{}}
	if len(parts) == 0 {
		return p
	}
	p.Value = strings.TrimSpace(parts[0])
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx == -1 {
			p.Pairs[strings.ToLower(part)] = ""
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:idx]))
		val := strings.TrimSpace(part[idx+1:])
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		p.Pairs[key] = val
	}
	return p
}

// splitTopLevel splits on sep, ignoring occurrences inside a double-quoted
// span.
func splitTopLevel(raw string, sep byte) []string {
	var parts []string
	var buf strings.Builder
	quoted := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '"':
			quoted = !quoted
			buf.WriteByte(c)
		case c == sep && !quoted:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	parts = append(parts, buf.String())
	return parts
}

// Boundary returns the "boundary" parameter, or "" if absent.
func (p Params) Boundary() string { return p.Pairs["boundary"] }

// Charset returns the "charset" parameter, defaulting to "us-ascii".
func (p Params) Charset() string {
	if c, ok := p.Pairs["charset"]; ok && c != "" {
		return c
	}
	return "us-ascii"
}

// Type returns the primary media type, e.g. "multipart" from
// "multipart/mixed".
func (p Params) Type() string {
	if idx := strings.IndexByte(p.Value, '/'); idx != -1 {
		return strings.ToLower(p.Value[:idx])
	}
	return strings.ToLower(p.Value)
}
