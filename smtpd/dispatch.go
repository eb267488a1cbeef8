package smtpd

import (
	"context"
	"net"
	"strings"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/dmarc"
	"github.com/fannst/fmta/mailstore"
	"github.com/fannst/fmta/mime"
	"github.com/fannst/fmta/relay"
	"github.com/fannst/fmta/smtp"
	"github.com/fannst/fmta/spf"
)

// dispatch routes one parsed command to its handler. It is a plain
// function rather than a method table, matching the teacher's
// switch-driven HandleConnection loop, generalized onto this package's
// state machine and tagged Result (Design Notes: tagged result
// replacing exception control flow).
func (d *Daemon) dispatch(ctx context.Context, sess *Session, cmd smtp.Command) smtp.Result {
	switch cmd.Verb {
	case smtp.VerbHELO, smtp.VerbEHLO:
		return d.handleHello(sess, cmd)
	case smtp.VerbSTARTTLS:
		return d.handleStartTLS(sess)
	case smtp.VerbAUTH:
		return d.handleAuth(sess, cmd)
	case smtp.VerbMAIL:
		return d.handleMail(ctx, sess, cmd)
	case smtp.VerbRCPT:
		return d.handleRcpt(ctx, sess, cmd)
	case smtp.VerbDATA:
		if !smtp.CanData(sess.State, len(sess.Recipients)) {
			return smtp.Respond(smtp.Reply(503, "MAIL FROM and at least one RCPT TO required before DATA"))
		}
		return smtp.Respond(smtp.Reply(354, "go ahead"))
	case smtp.VerbRSET:
		sess.Reset()
		return smtp.Respond(smtp.Reply(250, "OK"))
	case smtp.VerbNOOP:
		return smtp.Respond(smtp.Reply(250, "OK"))
	case smtp.VerbHELP:
		return smtp.Respond(smtp.Reply(214, "see https://tools.ietf.org/html/rfc5321"))
	case smtp.VerbSU:
		return d.handleSU(ctx, sess, cmd)
	case smtp.VerbFCAPA:
		return smtp.Respond(smtp.MultiReply(250, "FCAPA SU", "FCAPA XFANNSTFLAGS"))
	case smtp.VerbQUIT:
		sess.State = smtp.StateQuit
		return smtp.CloseWith(smtp.Reply(221, d.Config.ServerDomain+" closing connection"))
	default:
		return smtp.Respond(smtp.Reply(500, "unrecognized command"))
	}
}

func (d *Daemon) capabilities(sess *Session) smtp.Capabilities {
	return smtp.Capabilities{
		AuthPlain:          true,
		StartTLS:           d.TLSConfig != nil && !sess.DidSTARTTLS && !sess.IsImplicitTLS,
		SMTPUTF8:           true,
		MaxMessageSize:     d.Config.MaxMessageSize,
		EnhancedStatusCode: true,
		SU:                 true,
		FCAPA:              true,
	}
}

func (d *Daemon) handleHello(sess *Session, cmd smtp.Command) smtp.Result {
	if cmd.Arg == "" {
		return smtp.Respond(smtp.Reply(501, "HELO/EHLO requires a domain argument"))
	}
	sess.HeloDomain = cmd.Arg
	sess.DidHELO = true
	sess.State = smtp.StateHelloed
	if cmd.Verb == smtp.VerbEHLO {
		sess.ESMTP = true
		return smtp.Respond(smtp.EHLOResponse(d.Config.ServerDomain, d.capabilities(sess)))
	}
	return smtp.Respond(smtp.Reply(250, d.Config.ServerDomain))
}

func (d *Daemon) handleStartTLS(sess *Session) smtp.Result {
	if !smtp.CanStartTLS(sess.State, sess.DidSTARTTLS || sess.IsImplicitTLS) {
		return smtp.Respond(smtp.Reply(503, "STARTTLS not permitted in this state"))
	}
	sess.State = smtp.StateTLSHandshaking
	return smtp.Respond(smtp.Reply(220, "ready to start TLS"))
}

func (d *Daemon) handleAuth(sess *Session, cmd smtp.Command) smtp.Result {
	if !sess.DidSTARTTLS && !sess.IsImplicitTLS && !d.Config.AllowPlaintextAuth {
		return smtp.Respond(smtp.Reply(538, "encryption required for requested authentication mechanism"))
	}
	mechanism, initial := smtp.ParseAuth(cmd.Arg)
	if mechanism != "PLAIN" {
		return smtp.Respond(smtp.Reply(504, "unrecognized authentication mechanism"))
	}
	if initial == "" {
		return smtp.Respond(smtp.Reply(501, "AUTH PLAIN requires an initial response"))
	}
	accountID, err := smtp.AuthPlain(initial, d.authenticate)
	if err != nil {
		return smtp.Respond(smtp.Reply(535, "authentication failed"))
	}
	sess.Authenticated = true
	sess.DidAUTH = true
	sess.AuthAccountID = accountID
	return smtp.Respond(smtp.Reply(235, "authentication successful"))
}

// handleSU validates SU by evaluating this server's own domain's SPF
// record against the connecting peer IP (spec.md §4.9 self-SPF check):
// a Pass means the peer is authorized to send as this server's domain,
// i.e. is one of "our" servers, regardless of what it claimed in HELO.
func (d *Daemon) handleSU(ctx context.Context, sess *Session, cmd smtp.Command) smtp.Result {
	if !sess.DidHELO {
		return smtp.Respond(smtp.Reply(503, "HELO/EHLO required before SU"))
	}
	if cmd.Arg != d.Config.ServerDomain {
		return smtp.Respond(smtp.Reply(550, "SU requires the argument to equal this server's own domain"))
	}
	if d.AuthPipeline == nil || d.AuthPipeline.SPF == nil {
		return smtp.Respond(smtp.Reply(550, "SU unavailable"))
	}
	peerIP := net.ParseIP(sess.PeerIP)
	if peerIP == nil {
		return smtp.Respond(smtp.Reply(550, "SU requires a resolvable peer address"))
	}
	result, _ := d.AuthPipeline.SPF.Evaluate(ctx, d.Config.ServerDomain, peerIP)
	if result != spf.Pass {
		return smtp.Respond(smtp.Reply(550, "SU requires a passing SPF check against this server's domain"))
	}
	sess.SUGranted = true
	return smtp.Respond(smtp.Reply(250, "SU granted"))
}

func (d *Daemon) handleMail(ctx context.Context, sess *Session, cmd smtp.Command) smtp.Result {
	if !smtp.CanMail(sess.State) {
		return smtp.Respond(smtp.Reply(503, "HELO/EHLO required before MAIL"))
	}
	mailbox, _, err := smtp.ParseMailbox(cmd.Arg, "FROM")
	if err != nil {
		return smtp.Respond(smtp.Reply(501, "malformed MAIL FROM argument"))
	}
	var parsed addr.Address
	if mailbox != "" {
		parsed, err = addr.Parse(mailbox)
		if err != nil {
			return smtp.Respond(smtp.Reply(553, "malformed sender address"))
		}
		if !sess.Authenticated && !sess.SUGranted && d.isLocalDomain(ctx, parsed.Domain) {
			return smtp.Respond(smtp.Reply(530, "authentication required for local sender"))
		}
	}
	sess.MailFrom = parsed
	sess.State = smtp.StateMailReceived
	return smtp.Respond(smtp.Reply(250, "OK"))
}

func (d *Daemon) handleRcpt(ctx context.Context, sess *Session, cmd smtp.Command) smtp.Result {
	if !smtp.CanRcpt(sess.State) {
		return smtp.Respond(smtp.Reply(503, "MAIL FROM required before RCPT TO"))
	}
	mailbox, _, err := smtp.ParseMailbox(cmd.Arg, "TO")
	if err != nil {
		return smtp.Respond(smtp.Reply(501, "malformed RCPT TO argument"))
	}
	rcpt, err := addr.Parse(mailbox)
	if err != nil {
		return smtp.Respond(smtp.Reply(553, "malformed recipient address"))
	}
	recipient := Recipient{Address: rcpt, Kind: RecipientRemote}
	if d.isLocalDomain(ctx, rcpt.Domain) {
		recipient.Kind = RecipientLocal
		if account, ok := d.lookupAccount(ctx, rcpt.Domain, rcpt.Local); ok {
			recipient.OwnerUUID = account.OwnerUUID
		} else {
			return smtp.Respond(smtp.Reply(550, "mailbox unavailable"))
		}
	} else if !sess.Authenticated && !sess.SUGranted {
		return smtp.Respond(smtp.Reply(554, "relay not permitted"))
	}
	sess.Recipients = append(sess.Recipients, recipient)
	sess.State = smtp.StateRcptReceived
	return smtp.Respond(smtp.Reply(250, "OK"))
}

// lookupAccount resolves a mailbox login via the cache first (spec.md
// §4.11 read-through), falling back to Store and seeding the cache on a
// cache miss.
func (d *Daemon) lookupAccount(ctx context.Context, domain, username string) (mailstore.AccountShortcut, bool) {
	if d.Cache != nil {
		if account, err := d.Cache.AccountLookup(ctx, domain, username); err == nil {
			return account, true
		}
	}
	if d.Store == nil {
		return mailstore.AccountShortcut{}, false
	}
	account, ok, err := d.Store.AccountLookup(ctx, domain, username)
	if err != nil || !ok {
		return mailstore.AccountShortcut{}, false
	}
	if d.Cache != nil {
		_ = d.Cache.AccountLookupPut(ctx, account)
	}
	return account, true
}

func (d *Daemon) isLocalDomain(ctx context.Context, domain string) bool {
	domain = strings.ToLower(domain)
	if d.Cache != nil {
		local, err := d.Cache.IsLocalDomain(ctx, domain)
		if err == nil {
			return local
		}
	}
	if d.Store != nil {
		local, err := d.Store.IsLocalDomain(ctx, domain)
		if err == nil {
			return local
		}
	}
	return false
}

// finishData runs once DATA's trailing "." has been read: parses the
// message, runs the authentication pipeline, classifies spam, and
// enqueues the handoff for the workers (spec.md §4.8 end-of-DATA
// behavior).
func (d *Daemon) finishData(ctx context.Context, sess *Session, raw []byte) smtp.Result {
	if !smtp.CanData(sess.State, len(sess.Recipients)) {
		return smtp.Respond(smtp.Reply(503, "MAIL FROM and at least one RCPT TO required before DATA"))
	}
	sess.RawMessage = raw
	sess.MessageID = newMessageID()

	msg, err := mime.Parse(raw, maxMIMEDepth)
	if err != nil {
		sess.ParsedMIME = nil
	} else {
		sess.ParsedMIME = msg
	}
	sess.Flags = ParseXFannstFlags(headerValueOrEmpty(msg, "X-Fannst-Flags"))

	if d.Blacklist != nil && IsClientIPBlacklisted(ctx, d.Blacklist, sess.PeerIP) {
		sess.PossiblySpam = true
	}

	var authResults relay.AuthenticationResults
	if d.AuthPipeline != nil {
		authResults = d.AuthPipeline.Evaluate(ctx, net.ParseIP(sess.PeerIP), sess.MailFrom.Domain, sess.ParsedMIME)
	}

	if authResults.DMARC.AppliedPolicy == dmarc.PolicyReject && !authResults.DMARC.Pass {
		return smtp.Respond(smtp.Reply(550, "message rejected by DMARC policy"))
	}

	handoff := d.buildHandoff(sess, authResults)
	if d.Enqueue != nil {
		if err := d.Enqueue(ctx, handoff); err != nil {
			return smtp.Respond(smtp.Reply(451, "temporarily unable to accept message, try again later"))
		}
	}
	sess.State = smtp.StateDataComplete
	return smtp.Respond(smtp.Reply(250, "message accepted: "+sess.MessageID.String()))
}

func headerValueOrEmpty(msg *mime.Message, name string) string {
	if msg == nil {
		return ""
	}
	return msg.Header(name)
}

const maxMIMEDepth = 16

func reverseDNSOrPeerIP(sess *Session) string {
	if sess.ReverseDNS != "" {
		return sess.ReverseDNS
	}
	return sess.PeerIP
}
