package mime

import (
	"bytes"
	"errors"
	"strings"
)

// Kind distinguishes a leaf message body from a multipart container. A
// Message is a plain owned value switching on Kind rather than a Go
// interface over two implementations, so the parsed tree can never become
// a mutable pointer graph (Design Notes).
type Kind int

const (
	KindLeaf Kind = iota
	KindMultipart
)

// Message is one node of the parsed MIME tree: an ordered header list
// plus either a Leaf body or Multipart children.
type Message struct {
	Headers HeaderList
	Kind    Kind

	// Leaf fields, valid when Kind == KindLeaf.
	Raw []byte // raw (still transfer-encoded) body bytes

	// Multipart fields, valid when Kind == KindMultipart.
	Boundary string
	Preamble []byte
	Epilogue []byte
	Children []*Message
}

var (
	ErrNoBoundary = errors.New("mime: multipart content-type is missing its boundary parameter")
)

// Header returns the first value for name, case-insensitive, decoding any
// RFC 2047 encoded-words found in it.
func (m *Message) Header(name string) string {
	return DecodeEncodedWords(m.Headers.Get(name))
}

// SetHeader sets or appends a header, generalizing the teacher's raw
// string SetHeader helper onto the structured tree.
func (m *Message) SetHeader(name, value string) {
	m.Headers.Set(name, value)
}

// ContentTypeParams parses the Content-Type header, defaulting to
// "text/plain; charset=us-ascii" when absent, per RFC 2045.
func (m *Message) ContentTypeParams() Params {
	ct := m.Headers.Get("Content-Type")
	if ct == "" {
		return ParseParams("text/plain; charset=us-ascii")
	}
	return ParseParams(ct)
}

// TransferEncoding returns the Content-Transfer-Encoding header value,
// defaulting to "7bit".
func (m *Message) TransferEncoding() string {
	if v := m.Headers.Get("Content-Transfer-Encoding"); v != "" {
		return v
	}
	return "7bit"
}

// DecodedBody returns the leaf body with its transfer encoding removed.
// It is an error to call this on a multipart message.
func (m *Message) DecodedBody() ([]byte, error) {
	if m.Kind != KindLeaf {
		return nil, errors.New("mime: DecodedBody called on a multipart message")
	}
	return DecodeTransferEncoding(m.TransferEncoding(), m.Raw)
}

// Parse parses a raw RFC 5322 message (headers + body, CRLF or bare-LF
// terminated) into a Message tree, recursively decomposing multipart
// bodies. maxDepth bounds recursion (0 disables multipart parsing
// entirely, returning the top level as a leaf).
func Parse(raw []byte, maxDepth int) (*Message, error) {
	headerBlock, body, err := splitHeaderBody(raw)
	if err != nil {
		return nil, err
	}
	headers, err := ParseHeaders(headerBlock)
	if err != nil {
		return nil, err
	}
	msg := &Message{Headers: headers, Kind: KindLeaf, Raw: body}
	if maxDepth <= 0 {
		return msg, nil
	}
	return parseMultipart(msg, maxDepth)
}

// splitHeaderBody locates the blank-line boundary between headers and
// body, tolerating CRLF, LF, and mixed line endings (spec.md §4.3 Line
// split).
func splitHeaderBody(raw []byte) (header string, body []byte, err error) {
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if idx := bytes.Index(normalized, []byte("\n\n")); idx != -1 {
		return string(normalized[:idx]), normalized[idx+2:], nil
	}
	// No body: entire input is header.
	return string(normalized), nil, nil
}

func parseMultipart(msg *Message, depth int) (*Message, error) {
	params := msg.ContentTypeParams()
	if params.Type() != "multipart" {
		return msg, nil
	}
	boundary := params.Boundary()
	if boundary == "" {
		return msg, ErrNoBoundary
	}

	body := msg.Raw
	delim := []byte("--" + boundary)
	terminator := []byte("--" + boundary + "--")

	lines := bytes.Split(body, []byte("\n"))
	var preamble bytes.Buffer
	var children []*Message
	var current bytes.Buffer
	inPreamble := true
	started := false
	terminated := false

	flush := func() {
		if !started {
			return
		}
		part := bytes.TrimSuffix(current.Bytes(), []byte("\n"))
		child, err := Parse(part, depth-1)
		if err != nil {
			child = &Message{Kind: KindLeaf, Raw: part}
		}
		children = append(children, child)
		current.Reset()
	}

	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.Equal(trimmed, terminator) {
			flush()
			terminated = true
			inPreamble = false
			started = false
			continue
		}
		if bytes.Equal(trimmed, delim) {
			flush()
			inPreamble = false
			started = true
			continue
		}
		if terminated {
			continue
		}
		if inPreamble {
			preamble.Write(line)
			preamble.WriteByte('\n')
			continue
		}
		if started {
			current.Write(line)
			current.WriteByte('\n')
		}
	}

	msg.Kind = KindMultipart
	msg.Boundary = boundary
	msg.Preamble = bytes.TrimSuffix(preamble.Bytes(), []byte("\n"))
	msg.Children = children
	msg.Raw = nil
	return msg, nil
}

// Serialize reconstructs the raw wire form of the message: headers,
// blank line, and (for multipart) the boundary-delimited children.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(m.Headers.Serialize())
	buf.WriteString("\r\n")
	if m.Kind == KindLeaf {
		buf.Write(m.Raw)
		return buf.Bytes()
	}
	if len(m.Preamble) > 0 {
		buf.Write(m.Preamble)
		buf.WriteString("\r\n")
	}
	for _, child := range m.Children {
		buf.WriteString("--" + m.Boundary + "\r\n")
		buf.Write(child.Serialize())
		if !strings.HasSuffix(buf.String(), "\n") {
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("--" + m.Boundary + "--\r\n")
	if len(m.Epilogue) > 0 {
		buf.Write(m.Epilogue)
	}
	return buf.Bytes()
}

// Walk visits every leaf node in the tree in document order.
func (m *Message) Walk(fn func(*Message)) {
	if m.Kind == KindLeaf {
		fn(m)
		return
	}
	for _, child := range m.Children {
		child.Walk(fn)
	}
}

// PreviewSnippet returns a short plain-text preview of the message,
// scanning the first text/plain leaf found. Per spec.md §8's boundary
// behavior, a message with zero text/plain sections still produces a
// valid empty snippet rather than erroring.
func PreviewSnippet(m *Message, maxLen int) string {
	var snippet string
	m.Walk(func(leaf *Message) {
		if snippet != "" {
			return
		}
		params := leaf.ContentTypeParams()
		if params.Value != "" && !strings.HasPrefix(strings.ToLower(params.Value), "text/plain") {
			return
		}
		body, err := leaf.DecodedBody()
		if err != nil {
			return
		}
		snippet = strings.TrimSpace(string(body))
	})
	if len(snippet) > maxLen {
		snippet = snippet[:maxLen]
	}
	return snippet
}
