package smtp

import "fmt"

// Capabilities is the set of EHLO keywords a listener advertises
// (spec.md §6's per-listener capability table).
type Capabilities struct {
	AuthPlain          bool
	StartTLS           bool
	SMTPUTF8           bool
	MaxMessageSize     int
	EnhancedStatusCode bool
	SU                 bool
	FCAPA              bool
}

// EHLOResponse builds the multi-line 250 response for greeting, listing
// one capability per line and terminating per spec.md §4.7/§8 ("an EHLO
// response of exactly one capability line and one terminator line is
// parsed identically to a multi-capability response").
func EHLOResponse(domain string, caps Capabilities) Response {
	lines := []string{domain}
	if caps.AuthPlain {
		lines = append(lines, "AUTH PLAIN")
	}
	if caps.StartTLS {
		lines = append(lines, "STARTTLS")
	}
	if caps.SMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if caps.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", caps.MaxMessageSize))
	}
	if caps.EnhancedStatusCode {
		lines = append(lines, "ENHANCEDSTATUSCODES")
	}
	if caps.SU {
		lines = append(lines, "SU")
	}
	if caps.FCAPA {
		lines = append(lines, "FCAPA")
	}
	return MultiReply(250, lines...)
}
