package mime

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"
)

// DecodeTransferEncoding decodes raw according to the named
// Content-Transfer-Encoding. "7bit"/"8bit"/"binary" (and anything
// unrecognized) are treated as identity; "quoted-printable" and "base64"
// are decoded per spec.md §4.3.
func DecodeTransferEncoding(encoding string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r := quotedprintable.NewReader(bytes.NewReader(raw))
		return io.ReadAll(r)
	case "base64":
		// base64 tolerates embedded whitespace (spec.md §4.3): strip it
		// before handing to the stdlib decoder, which does not.
		cleaned := stripWhitespace(raw)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(out, cleaned)
		if err != nil {
			// Tolerate missing padding, which many MUAs emit.
			if n2, err2 := base64.RawStdEncoding.Decode(out, cleaned); err2 == nil {
				return out[:n2], nil
			}
			return nil, err
		}
		return out[:n], nil
	default:
		return raw, nil
	}
}

// EncodeTransferEncoding is the outbound counterpart used when FMTA
// constructs a message body (e.g. a bounce notification).
func EncodeTransferEncoding(encoding string, raw []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		var buf bytes.Buffer
		w := quotedprintable.NewWriter(&buf)
		_, _ = w.Write(raw)
		_ = w.Close()
		return buf.Bytes()
	case "base64":
		return []byte(base64.StdEncoding.EncodeToString(raw))
	default:
		return raw
	}
}

func stripWhitespace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			out = append(out, c)
		}
	}
	return out
}
