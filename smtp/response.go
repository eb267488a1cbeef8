package smtp

import (
	"fmt"
	"strconv"
	"strings"
)

// Response is a (possibly multi-line) SMTP reply: "<code><SP|->text\r\n"
// per line, '-' continuing on every line but the last (spec.md §4.7).
type Response struct {
	Code  int
	Lines []string
}

// Reply builds a single-line response.
func Reply(code int, text string) Response {
	return Response{Code: code, Lines: []string{text}}
}

// MultiReply builds a multi-line response, e.g. the EHLO capability
// list.
func MultiReply(code int, lines ...string) Response {
	return Response{Code: code, Lines: lines}
}

// String renders the response in wire format.
func (r Response) String() string {
	if len(r.Lines) == 0 {
		r.Lines = []string{""}
	}
	var b strings.Builder
	for i, line := range r.Lines {
		sep := '-'
		if i == len(r.Lines)-1 {
			sep = ' '
		}
		b.WriteString(codeString(r.Code))
		b.WriteRune(sep)
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// parseResponseLine splits one reply line into its code, continuation
// marker, and text, used by the client side (relay package) to read a
// server's (possibly multi-line) reply.
func parseResponseLine(line string) (code int, last bool, text string, err error) {
	if len(line) < 4 {
		return 0, false, "", fmt.Errorf("smtp: malformed response line %q", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil {
		return 0, false, "", fmt.Errorf("smtp: malformed response code in %q: %w", line, err)
	}
	switch line[3] {
	case ' ':
		last = true
	case '-':
		last = false
	default:
		return 0, false, "", fmt.Errorf("smtp: malformed response separator in %q", line)
	}
	return code, last, line[4:], nil
}

func codeString(code int) string {
	digits := [3]byte{'0', '0', '0'}
	for i := 2; i >= 0 && code > 0; i-- {
		digits[i] = byte('0' + code%10)
		code /= 10
	}
	return string(digits[:])
}

// ResultKind tags what the driver loop should do after a command
// handler runs (Design Notes: tagged result replacing exception control
// flow for per-command protocol errors).
type ResultKind int

const (
	KindContinue ResultKind = iota
	KindRespond
	KindClose
)

// Result is returned by every command handler.
type Result struct {
	Kind     ResultKind
	Response Response
}

// Continue signals the handler already wrote its own response (e.g.
// mid-DATA streaming) and the driver loop should just read the next
// line.
func Continue() Result { return Result{Kind: KindContinue} }

// Respond signals the driver loop should write resp and keep the
// session open.
func Respond(resp Response) Result { return Result{Kind: KindRespond, Response: resp} }

// CloseWith signals the driver loop should write resp and then close
// the connection (used by QUIT and fatal-session errors).
func CloseWith(resp Response) Result { return Result{Kind: KindClose, Response: resp} }
