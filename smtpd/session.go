// Package smtpd implements the ESMTP server session state machine
// (spec.md §4.8) and the SU extension (§4.9): per-connection command
// dispatch, TLS upgrade, AUTH, MAIL/RCPT/DATA handling, authentication
// pipeline invocation, and handoff to the storage/relay workers. It is
// adapted from the teacher's daemon/smtpd/smtpd.go Daemon/Session shape,
// generalized onto the smtp package's codec and onto FMTA's own
// authentication and mail-store semantics.
package smtpd

import (
	"time"

	"github.com/google/uuid"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/mime"
	"github.com/fannst/fmta/smtp"
)

// RecipientKind classifies one RCPT TO target (spec.md §3 Session,
// "ordered list of RCPT targets each tagged local or remote").
type RecipientKind int

const (
	RecipientLocal RecipientKind = iota
	RecipientRemote
)

// Recipient is one accepted RCPT TO target. OwnerUUID is only populated
// for a RecipientLocal target, resolved via AccountLookup at RCPT time.
type Recipient struct {
	Address   addr.Address
	Kind      RecipientKind
	OwnerUUID uuid.UUID
}

// XFannstFlags is the parsed X-Fannst-Flags header (spec.md §6).
type XFannstFlags struct {
	// NoStore skips the "Sent" mailbox copy for an authenticated sender
	// (db=nstore).
	NoStore bool
	// NoErrorMail suppresses the relay-failure bounce (mailer=nerror).
	NoErrorMail bool
}

// ParseXFannstFlags parses the colon/semicolon-delimited header value
// described in spec.md §6. Unrecognized subvalues are ignored rather
// than rejected, since the header is advisory.
func ParseXFannstFlags(raw string) XFannstFlags {
	var flags XFannstFlags
	for _, group := range splitTrim(raw, ';') {
		parts := splitTrim(group, '=')
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		for _, sub := range splitTrim(value, ':') {
			switch key + "=" + sub {
			case "db=nstore":
				flags.NoStore = true
			case "mailer=nerror":
				flags.NoErrorMail = true
			}
		}
	}
	return flags
}

func splitTrim(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	var filtered []string
	for _, v := range out {
		if v != "" {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// Session is the per-connection state spec.md §3 describes. It is
// owned exclusively by the goroutine running Serve; no other goroutine
// reads or writes its fields (spec.md §5).
type Session struct {
	// Connection identity.
	PeerIP        string
	PeerIsIPv6    bool
	ReverseDNS    string
	ListenerPort  int
	IsImplicitTLS bool

	// State machine.
	State smtp.State

	// Capability flags (spec.md §3 "capability flags set").
	ESMTP           bool
	STARTTLSOffered bool
	Authenticated   bool
	SUGranted       bool

	// Action-taken flags (spec.md §3 "actions-taken set").
	DidHELO     bool
	DidSTARTTLS bool
	DidAUTH     bool

	HeloDomain    string
	AuthAccountID string

	// Transaction state, cleared by RSET.
	MailFrom   addr.Address
	Recipients []Recipient

	// Populated at DATA-end.
	RawMessage   []byte
	ParsedMIME   *mime.Message
	PossiblySpam bool
	Flags        XFannstFlags

	MessageID uuid.UUID
	StartedAt time.Time
}

// Reset clears per-transaction state on RSET, keeping HELO/AUTH/TLS
// state intact (spec.md §4.8 "any -> RSET: clear sender/rcpts, keep
// Helloed").
func (s *Session) Reset() {
	s.MailFrom = addr.Address{}
	s.Recipients = nil
	s.RawMessage = nil
	s.ParsedMIME = nil
	s.PossiblySpam = false
	s.Flags = XFannstFlags{}
	if s.State > smtp.StateHelloed {
		s.State = smtp.StateHelloed
	}
}

// HasLocalRecipient reports whether any accepted RCPT target is local.
func (s *Session) HasLocalRecipient() bool {
	for _, r := range s.Recipients {
		if r.Kind == RecipientLocal {
			return true
		}
	}
	return false
}

// HasRemoteRecipient reports whether any accepted RCPT target is
// remote (i.e. requires relay).
func (s *Session) HasRemoteRecipient() bool {
	for _, r := range s.Recipients {
		if r.Kind == RecipientRemote {
			return true
		}
	}
	return false
}
