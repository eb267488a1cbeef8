package mime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// encodedWordPattern matches RFC 2047 "=?charset?Q|B?text?=" tokens found
// in structured headers such as Subject and From's display name.
var encodedWordPattern = regexp.MustCompile(`=\?([^?]+)\?([QqBb])\?([^?]*)\?=`)

// DecodeEncodedWords expands every RFC 2047 encoded-word in s, leaving
// anything that fails to decode untouched. This uses golang.org/x/text's
// charmap/unicode decoders to cover the charsets real-world mail actually
// uses beyond UTF-8.
func DecodeEncodedWords(s string) string {
	return encodedWordPattern.ReplaceAllStringFunc(s, func(tok string) string {
		m := encodedWordPattern.FindStringSubmatch(tok)
		if m == nil {
			return tok
		}
		charset, enc, text := m[1], strings.ToUpper(m[2]), m[3]
		var raw []byte
		switch enc {
		case "B":
			decoded, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				return tok
			}
			raw = decoded
		case "Q":
			raw = decodeQEncoding(text)
		default:
			return tok
		}
		decoded, err := decodeCharset(charset, raw)
		if err != nil {
			return tok
		}
		return decoded
	})
}

func decodeQEncoding(s string) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '_':
			buf.WriteByte(' ')
		case '=':
			if i+2 < len(s) {
				var b byte
				if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &b); err == nil {
					buf.WriteByte(b)
					i += 2
					continue
				}
			}
			buf.WriteByte('=')
		default:
			buf.WriteByte(s[i])
		}
	}
	return buf.Bytes()
}

func decodeCharset(charset string, raw []byte) (string, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "utf8", "":
		return string(raw), nil
	case "iso-8859-1", "latin1":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		return string(out), err
	case "utf-16", "utf-16le", "utf-16be":
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
		return string(out), err
	default:
		return string(raw), nil
	}
}
