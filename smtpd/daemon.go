package smtpd

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/google/uuid"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/config"
	"github.com/fannst/fmta/lalog"
	"github.com/fannst/fmta/mailstore"
	"github.com/fannst/fmta/metrics"
	"github.com/fannst/fmta/relay"
	"github.com/fannst/fmta/smtp"
	"github.com/fannst/fmta/wire"
)

// newMessageID generates each accepted message's ID: a random v4 UUID.
var newMessageID = uuid.New

// Daemon drives one ESMTP session end to end (spec.md §4.8) and
// implements wire.App. Every dependency is constructed explicitly and
// passed in (Design Notes: no package-level global state) rather than
// read from a singleton, generalizing the teacher's single
// forward-only Daemon into one that authenticates, classifies, and
// enqueues to the storage/relay workers.
type Daemon struct {
	Config       *config.Config
	Logger       *lalog.Logger
	Metrics      *metrics.Registry
	Store        mailstore.Store
	Cache        mailstore.SessionCache
	AuthPipeline *AuthPipeline
	Blacklist    BlacklistResolver
	TLSConfig    *tls.Config

	// Authenticate validates AUTH PLAIN credentials against the account
	// store; nil rejects every AUTH attempt.
	Authenticate smtp.Authenticator

	// Enqueue hands a completed SessionHandoff to the storage/relay
	// workers; an error means backpressure (spec.md §5) and causes a
	// 451 response instead of a 250.
	Enqueue func(ctx context.Context, handoff relay.SessionHandoff) error

	// ListenerPort identifies which listener (plain or implicit-TLS)
	// accepted the connection, recorded on the Session for logging.
	ListenerPort int
}

func (d *Daemon) logger() *lalog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return lalog.DefaultLogger
}

func (d *Daemon) authenticate(identity, username, password string) (string, error) {
	if d.Authenticate == nil {
		return "", smtp.ErrAuthMechanismUnsupported
	}
	return d.Authenticate(identity, username, password)
}

// Serve implements wire.App: it greets, then loops reading commands
// until QUIT, a fatal protocol error, or the connection drops.
func (d *Daemon) Serve(conn *wire.Conn, clientIP string) {
	sess := &Session{
		PeerIP:        clientIP,
		ListenerPort:  d.ListenerPort,
		IsImplicitTLS: d.TLSConfig != nil && isTLSAlready(conn),
		StartedAt:     time.Now(),
		State:         smtp.StateGreeting,
	}
	if d.Metrics != nil {
		d.Metrics.IncConnections(listenerLabel(d.ListenerPort))
	}

	sc := smtp.NewConn(conn)
	greeting := d.Config.ServerDomain
	if greeting == "" {
		greeting = "fmta"
	}
	if err := sc.WriteResponse(smtp.Reply(220, greeting+" ESMTP ready")); err != nil {
		return
	}

	ctx := context.Background()
	for {
		cmd, err := sc.ReadCommand()
		if err != nil {
			return
		}
		start := time.Now()

		var result smtp.Result
		if cmd.Verb == smtp.VerbDATA {
			result = d.dispatch(ctx, sess, cmd)
			if result.Kind == smtp.KindRespond && result.Response.Code == 354 {
				if err := sc.WriteResponse(result.Response); err != nil {
					return
				}
				raw, err := sc.ReadDataBlock(d.maxMessageSize())
				if err != nil {
					if err == smtp.ErrMessageTooLarge {
						_ = sc.WriteResponse(smtp.Reply(552, "message exceeds maximum size"))
						sess.Reset()
						continue
					}
					return
				}
				result = d.finishData(ctx, sess, raw)
			}
		} else {
			result = d.dispatch(ctx, sess, cmd)
		}

		if d.Metrics != nil {
			d.Metrics.ObserveCommand(string(cmd.Verb), time.Since(start).Seconds())
		}

		switch result.Kind {
		case smtp.KindContinue:
		case smtp.KindRespond:
			if err := sc.WriteResponse(result.Response); err != nil {
				return
			}
		case smtp.KindClose:
			_ = sc.WriteResponse(result.Response)
			return
		}

		if cmd.Verb == smtp.VerbSTARTTLS && sess.State == smtp.StateTLSHandshaking {
			if err := conn.UpgradeServer(d.TLSConfig); err != nil {
				d.logger().Warning(clientIP, err, "STARTTLS handshake failed")
				return
			}
			sess.DidSTARTTLS = true
			sess.State = smtp.StateHelloed
			sess.DidHELO = false
		}
	}
}

func (d *Daemon) maxMessageSize() int {
	if d.Config != nil && d.Config.MaxMessageSize > 0 {
		return d.Config.MaxMessageSize
	}
	return 25 * 1024 * 1024
}

func (d *Daemon) buildHandoff(sess *Session, authResults relay.AuthenticationResults) relay.SessionHandoff {
	raw := sess.RawMessage
	if d.Config != nil {
		received := BuildReceivedHeader(d.Config.ServerDomain, sess.PeerIP, sess.HeloDomain, reverseDNSOrPeerIP(sess), sess.StartedAt)
		authHeader := BuildAuthenticationResultsHeader(d.Config.ServerDomain, authResults)
		raw = append([]byte("Received: "+received+"\r\nAuthentication-Results: "+authHeader+"\r\n"), raw...)
	}

	var storageTargets []relay.StorageTarget
	var relayTargets []addr.Address
	for _, r := range sess.Recipients {
		if r.Kind == RecipientLocal {
			storageTargets = append(storageTargets, relay.StorageTarget{Domain: r.Address.Domain, Mailbox: "INBOX", OwnerUUID: r.OwnerUUID})
		} else {
			relayTargets = append(relayTargets, r.Address)
		}
	}
	storeSent := sess.Authenticated && !sess.Flags.NoStore
	if storeSent {
		if account, ok := d.lookupAccount(context.Background(), sess.MailFrom.Domain, sess.MailFrom.Local); ok {
			storageTargets = append(storageTargets, relay.StorageTarget{Domain: sess.MailFrom.Domain, Mailbox: "Sent", OwnerUUID: account.OwnerUUID})
		}
	}

	return relay.SessionHandoff{
		MessageID:         sess.MessageID,
		ReceivedAt:        time.Now(),
		Raw:               raw,
		Sender:            sess.MailFrom,
		StorageTargets:    storageTargets,
		RelayTargets:      relayTargets,
		AuthResults:       authResults,
		SpamFlag:          sess.PossiblySpam,
		StoreSentCopy:     storeSent,
		SuppressErrorMail: sess.Flags.NoErrorMail,
	}
}

func listenerLabel(port int) string {
	switch port {
	case 25:
		return "plain"
	case 465:
		return "implicit-tls"
	default:
		return "unknown"
	}
}

func isTLSAlready(conn *wire.Conn) bool {
	_, ok := conn.TLSState()
	return ok
}
