package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/lalog"
	"github.com/fannst/fmta/metrics"
	"github.com/fannst/fmta/smtp"
	"github.com/fannst/fmta/wire"
)

// DefaultDialTimeout bounds a single TCP connect attempt.
const DefaultDialTimeout = 30 * time.Second

// smtpPort is the standard MTA-to-MTA port; FMTA always relays over
// plain SMTP with opportunistic STARTTLS, never implicit TLS, matching
// how every other MTA on the Internet expects to be dialed.
const smtpPort = 25

// DeliveryError captures one failed target for the per-session error
// log spec.md §4.10 describes.
type DeliveryError struct {
	Target     addr.Address
	Diagnostic string
	Err        error
}

// Client drives the outbound SMTP conversation (spec.md §4.10). A
// Client has no mutable state shared between calls to Relay, so one
// instance may be reused concurrently across workers.
type Client struct {
	Resolver    DNSResolver
	TLSConfig   *tls.Config
	HELODomain  string
	Logger      *lalog.Logger
	Metrics     *metrics.Registry
	DialTimeout time.Duration
	// Signer attaches a DKIM-Signature header to every outbound
	// message before delivery. Nil disables outbound signing.
	Signer *Signer
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

func (c *Client) logger() *lalog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return lalog.DefaultLogger
}

// Relay delivers raw to every recipient, grouping recipients by
// destination domain so each domain gets one delivery pass (spec.md
// §4.11), in which its MX hosts and their addresses are tried in turn
// until one accepts. It returns one DeliveryError per recipient that could not be
// delivered; the caller continues regardless (per-target error
// capture, spec.md §4.10).
func (c *Client) Relay(ctx context.Context, from addr.Address, recipients []addr.Address, raw []byte) []DeliveryError {
	if signed, err := c.Signer.Sign(raw); err == nil {
		raw = signed
	} else {
		c.logger().Warning(from.String(), err, "DKIM-signing outbound message failed, relaying unsigned")
	}

	byDomain := make(map[string][]addr.Address)
	var order []string
	for _, r := range recipients {
		if _, seen := byDomain[r.Domain]; !seen {
			order = append(order, r.Domain)
		}
		byDomain[r.Domain] = append(byDomain[r.Domain], r)
	}

	var errs []DeliveryError
	for _, domain := range order {
		rcpts := byDomain[domain]
		if err := c.deliverDomain(ctx, domain, from, rcpts, raw); err != nil {
			if c.Metrics != nil {
				c.Metrics.IncRelayAttempt("failure")
			}
			for _, r := range rcpts {
				errs = append(errs, DeliveryError{Target: r, Diagnostic: err.Error(), Err: err})
			}
			continue
		}
		if c.Metrics != nil {
			c.Metrics.IncRelayAttempt("success")
			c.Metrics.IncRelayed()
		}
	}
	return errs
}

func (c *Client) deliverDomain(ctx context.Context, domain string, from addr.Address, rcpts []addr.Address, raw []byte) error {
	hosts, err := ResolveMailHosts(ctx, c.Resolver, domain)
	if err != nil {
		return fmt.Errorf("relay: resolve MX for %s: %w", domain, err)
	}
	var lastErr error
	for _, host := range hosts {
		if err := c.deliverHost(ctx, host, from, rcpts, raw); err != nil {
			lastErr = err
			c.logger().Warning(domain, err, "delivery to %s failed, trying next host", host)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("relay: no usable MX host for %s", domain)
	}
	return lastErr
}

func (c *Client) deliverHost(ctx context.Context, host string, from addr.Address, rcpts []addr.Address, raw []byte) error {
	addrs, err := ResolveHostAddrs(ctx, c.Resolver, host)
	if err != nil {
		return fmt.Errorf("relay: resolve %s: %w", host, err)
	}
	var lastErr error
	for _, ip := range addrs {
		if err := c.deliverAddr(ctx, host, ip, from, rcpts, raw); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Client) deliverAddr(ctx context.Context, host string, ip net.IP, from addr.Address, rcpts []addr.Address, raw []byte) error {
	dialer := net.Dialer{Timeout: c.dialTimeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), fmt.Sprintf("%d", smtpPort)))
	if err != nil {
		return fmt.Errorf("relay: dial %s (%s): %w", host, ip, err)
	}
	defer netConn.Close()
	conn := smtp.NewConn(wire.NewConn(netConn))
	return c.converse(conn, host, from, rcpts, raw)
}

// converse drives one complete conversation per spec.md §4.10's state
// diagram: Connect -> Banner -> EHLO -> STARTTLS? -> MAIL -> RCPT(s) ->
// DATA -> QUIT.
func (c *Client) converse(conn *smtp.Conn, host string, from addr.Address, rcpts []addr.Address, raw []byte) error {
	if _, err := conn.ReadResponse(); err != nil {
		return fmt.Errorf("relay: banner from %s: %w", host, err)
	}

	ehlo, err := c.ehlo(conn)
	if err != nil {
		return err
	}

	if strings.Contains(ehlo, "STARTTLS") && c.TLSConfig != nil {
		if err := conn.Wire.WriteLine("STARTTLS"); err != nil {
			return err
		}
		resp, err := conn.ReadResponse()
		if err != nil {
			return err
		}
		if resp.Code == 220 {
			cfg := c.TLSConfig.Clone()
			cfg.ServerName = host
			if err := conn.Wire.UpgradeClient(cfg); err != nil {
				return fmt.Errorf("relay: STARTTLS handshake with %s: %w", host, err)
			}
			if _, err := c.ehlo(conn); err != nil {
				return err
			}
		}
	}

	if err := requireReply(conn, "MAIL FROM:<"+from.Mailbox()+">", 250); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := requireReply(conn, "RCPT TO:<"+rcpt.Mailbox()+">", 250); err != nil {
			return err
		}
	}
	if err := requireReply(conn, "DATA", 354); err != nil {
		return err
	}
	if err := conn.WriteDataBlock(raw); err != nil {
		return err
	}
	resp, err := conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp.Code/100 != 2 {
		return fmt.Errorf("relay: %s rejected message: %d %s", host, resp.Code, strings.Join(resp.Lines, "; "))
	}
	_ = conn.Wire.WriteLine("QUIT")
	_, _ = conn.ReadResponse()
	return nil
}

func (c *Client) ehlo(conn *smtp.Conn) (string, error) {
	domain := c.HELODomain
	if domain == "" {
		domain = "localhost"
	}
	if err := conn.Wire.WriteLine("EHLO " + domain); err != nil {
		return "", err
	}
	resp, err := conn.ReadResponse()
	if err != nil {
		return "", err
	}
	if resp.Code/100 != 2 {
		return "", fmt.Errorf("relay: EHLO rejected: %d %s", resp.Code, strings.Join(resp.Lines, "; "))
	}
	return strings.Join(resp.Lines, "\n"), nil
}

func requireReply(conn *smtp.Conn, line string, wantCode int) error {
	if err := conn.Wire.WriteLine(line); err != nil {
		return err
	}
	resp, err := conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp.Code != wantCode {
		return fmt.Errorf("relay: %q got %d %s, wanted %d", line, resp.Code, strings.Join(resp.Lines, "; "), wantCode)
	}
	return nil
}
