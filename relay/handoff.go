// Package relay implements the outbound SMTP client session (spec.md
// §4.10): per-target conversation, MX-based target resolution, bounce
// generation, and the DMARC-strict-sender workaround. It is a rewrite
// of the teacher's deleted inet/mail_client.go onto the smtp package's
// codec, generalized from a single hardcoded relay path to arbitrary
// per-recipient targets grouped by destination host.
package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/dkim"
	"github.com/fannst/fmta/dmarc"
	"github.com/fannst/fmta/spf"
)

// StorageTarget is one local mailbox a handoff's message must be
// persisted into (spec.md §6 MessageShortcut row key).
type StorageTarget struct {
	Domain    string
	Mailbox   string // e.g. "INBOX" or "Sent"
	OwnerUUID uuid.UUID
}

// AuthenticationResults summarizes the inbound authentication pipeline
// (spec.md §4.8 "authentication-results summary") for a handoff: one
// entry per mechanism, consumed when rendering the
// Authentication-Results-style header and when deciding accept/reject.
type AuthenticationResults struct {
	SPF   spf.Result
	DKIM  dkim.Result
	DMARC dmarc.Decision
	SU    bool
	Auth  bool
}

// SessionHandoff is the immutable envelope produced at DATA-end (spec.md
// §3 SessionHandoff) and enqueued to the storage and/or relay worker.
type SessionHandoff struct {
	MessageID  uuid.UUID
	ReceivedAt time.Time
	Raw        []byte
	Sender     addr.Address

	StorageTargets []StorageTarget
	RelayTargets   []addr.Address

	AuthResults AuthenticationResults
	SpamFlag    bool

	// StoreSentCopy records whether a "Sent" mailbox copy was requested
	// for an authenticated sender (spec.md §6 X-Fannst-Flags db=nstore
	// inverted: true unless the sender suppressed it). smtpd adds that
	// copy to StorageTargets itself when the sender's account is found.
	StoreSentCopy bool
	// SuppressErrorMail mirrors X-Fannst-Flags mailer=nerror: when set,
	// the relay worker never generates a bounce for this handoff.
	SuppressErrorMail bool
}
