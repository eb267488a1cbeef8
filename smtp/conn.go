package smtp

import (
	"bytes"
	"errors"

	"github.com/fannst/fmta/wire"
)

// ErrMessageTooLarge is returned by ReadDataBlock when the cumulative
// unstuffed body size exceeds the configured maximum, checked
// incrementally rather than after buffering the whole message
// (SPEC_FULL.md Open Question 3).
var ErrMessageTooLarge = errors.New("smtp: message exceeds configured maximum size")

// maxCommandLine and maxDataLine bound a single physical line; these are
// generous ceilings distinct from the DATA body's configured total-size
// cap, which ReadDataBlock enforces separately.
const (
	maxCommandLine = 2048
	maxDataLine    = 1 << 20
)

// Conn adapts a wire.Conn to SMTP-shaped reads and writes: command
// lines, formatted responses, and the dot-stuffed DATA block codec.
// Both the server (smtpd) and client (relay) packages share it.
type Conn struct {
	Wire *wire.Conn
}

// NewConn wraps an already-established wire.Conn.
func NewConn(w *wire.Conn) *Conn {
	return &Conn{Wire: w}
}

// ReadCommand reads one command line and parses it.
func (c *Conn) ReadCommand() (Command, error) {
	line, err := c.Wire.ReadLine(maxCommandLine)
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(line)
}

// WriteResponse writes a formatted response.
func (c *Conn) WriteResponse(r Response) error {
	return c.Wire.Write([]byte(r.String()))
}

// ReadResponse reads one (possibly multi-line) server reply, used by
// the client side of a conversation (relay package).
func (c *Conn) ReadResponse() (Response, error) {
	var resp Response
	for {
		line, err := c.Wire.ReadLine(maxCommandLine)
		if err != nil {
			return Response{}, err
		}
		code, last, text, err := parseResponseLine(line)
		if err != nil {
			return Response{}, err
		}
		resp.Code = code
		resp.Lines = append(resp.Lines, text)
		if last {
			return resp, nil
		}
	}
}

// ReadDataBlock reads DATA content up to the terminating "<CRLF>.<CRLF>"
// line, dot-unstuffing each line and enforcing maxTotal incrementally: a
// session that exceeds the cap is rejected the instant the running total
// crosses it, not after the full message has been buffered.
func (c *Conn) ReadDataBlock(maxTotal int) ([]byte, error) {
	var body bytes.Buffer
	total := 0
	for {
		line, err := c.Wire.ReadLine(maxDataLine)
		if err != nil {
			return nil, err
		}
		if line == "." {
			return body.Bytes(), nil
		}
		unstuffed := UnstuffLine([]byte(line))
		total += len(unstuffed) + 2
		if total > maxTotal {
			// Keep draining until the terminator so the connection stays
			// in a recoverable state for the 552 response + RSET.
			if err := c.drainUntilTerminator(); err != nil {
				return nil, err
			}
			return nil, ErrMessageTooLarge
		}
		body.Write(unstuffed)
		body.WriteString("\r\n")
	}
}

func (c *Conn) drainUntilTerminator() error {
	for {
		line, err := c.Wire.ReadLine(maxDataLine)
		if err != nil {
			return err
		}
		if line == "." {
			return nil
		}
	}
}

// WriteDataBlock writes body (CRLF-delimited lines) dot-stuffed and
// terminated, for the client side of a DATA transaction (relay
// package).
func (c *Conn) WriteDataBlock(body []byte) error {
	lines := bytes.Split(bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n")), []byte("\n"))
	var out bytes.Buffer
	for i, line := range lines {
		if i == len(lines)-1 && len(line) == 0 {
			// Trailing empty element from a final CRLF; skip it, the
			// terminator line supplies the last CRLF.
			continue
		}
		out.Write(StuffLine(line))
		out.WriteString("\r\n")
	}
	out.WriteString(".\r\n")
	return c.Wire.Write(out.Bytes())
}
