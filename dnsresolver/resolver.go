// Package dnsresolver implements the stub DNS queries email
// authentication needs: MX, A, AAAA, TXT, and PTR lookups against a
// configured set of recursive resolvers, using github.com/miekg/dns
// directly rather than net.Resolver so that SPF/DKIM/DMARC can
// distinguish ServFail/NXDomain/Timeout, which the stdlib resolver
// collapses into one error type.
package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/fannst/fmta/metrics"
)

// Outcome classifies a failed lookup the way SPF/DKIM/DMARC need to
// distinguish them (see spec.md §4.2).
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeServFail
	OutcomeNXDomain
	OutcomeTimeout
)

// Error wraps a DNS failure with its Outcome classification.
type Error struct {
	Outcome Outcome
	Name    string
	Qtype   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dnsresolver: %s %s: %v", e.Qtype, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MXRecord is one answer from query_mx, sorted ascending by preference.
type MXRecord struct {
	Preference uint16
	Host       string
}

// Resolver issues stub queries against a fixed list of upstream
// recursive resolvers. It holds no mutable state shared between queries
// (a fresh dns.Client and a fresh connection are used per call), matching
// Design Notes' "thread-safe resolver handle per call" requirement.
type Resolver struct {
	Upstreams []string // host:port, e.g. "1.1.1.1:53"
	Timeout   time.Duration
	Metrics   *metrics.Registry
}

// NewResolver builds a Resolver from a list of upstream "ip:port"
// addresses. If none are given, the system's /etc/resolv.conf servers are
// used.
func NewResolver(upstreams []string, m *metrics.Registry) *Resolver {
	if len(upstreams) == 0 {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range conf.Servers {
				upstreams = append(upstreams, net.JoinHostPort(s, conf.Port))
			}
		}
	}
	return &Resolver{Upstreams: upstreams, Timeout: 5 * time.Second, Metrics: m}
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if len(r.Upstreams) == 0 {
		return nil, errors.New("dnsresolver: no upstream resolvers configured")
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	var lastErr error
	for _, upstream := range r.Upstreams {
		deadline, cancel := context.WithTimeout(ctx, r.timeout())
		resp, _, err := client.ExchangeContext(deadline, m, upstream)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return 5 * time.Second
	}
	return r.Timeout
}

func classify(name, qtype string, resp *dns.Msg, err error) error {
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return &Error{Outcome: OutcomeTimeout, Name: name, Qtype: qtype, Err: err}
		}
		return &Error{Outcome: OutcomeServFail, Name: name, Qtype: qtype, Err: err}
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		return nil
	case dns.RcodeNameError:
		return &Error{Outcome: OutcomeNXDomain, Name: name, Qtype: qtype, Err: errors.New("NXDOMAIN")}
	default:
		return &Error{Outcome: OutcomeServFail, Name: name, Qtype: qtype, Err: fmt.Errorf("rcode %d", resp.Rcode)}
	}
}

func (r *Resolver) observe(qtype string, err error) {
	if r.Metrics == nil {
		return
	}
	outcome := "ok"
	var derr *Error
	if errors.As(err, &derr) {
		switch derr.Outcome {
		case OutcomeNXDomain:
			outcome = "nxdomain"
		case OutcomeTimeout:
			outcome = "timeout"
		default:
			outcome = "servfail"
		}
	}
	r.Metrics.IncDNSLookup(qtype, outcome)
}

// QueryMX returns the MX records for name, sorted ascending by preference.
func (r *Resolver) QueryMX(ctx context.Context, name string) ([]MXRecord, error) {
	resp, err := r.exchange(ctx, name, dns.TypeMX)
	if cerr := classify(name, "MX", resp, err); cerr != nil {
		r.observe("MX", cerr)
		return nil, cerr
	}
	r.observe("MX", nil)
	var out []MXRecord
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MXRecord{Preference: mx.Preference, Host: strings.TrimSuffix(mx.Mx, ".")})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Preference < out[j].Preference })
	return out, nil
}

// QueryA returns the IPv4 addresses for name.
func (r *Resolver) QueryA(ctx context.Context, name string) ([]net.IP, error) {
	resp, err := r.exchange(ctx, name, dns.TypeA)
	if cerr := classify(name, "A", resp, err); cerr != nil {
		r.observe("A", cerr)
		return nil, cerr
	}
	r.observe("A", nil)
	var out []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A)
		}
	}
	return out, nil
}

// QueryAAAA returns the IPv6 addresses for name.
func (r *Resolver) QueryAAAA(ctx context.Context, name string) ([]net.IP, error) {
	resp, err := r.exchange(ctx, name, dns.TypeAAAA)
	if cerr := classify(name, "AAAA", resp, err); cerr != nil {
		r.observe("AAAA", cerr)
		return nil, cerr
	}
	r.observe("AAAA", nil)
	var out []net.IP
	for _, rr := range resp.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			out = append(out, aaaa.AAAA)
		}
	}
	return out, nil
}

// QueryTXT returns each TXT record's decoded strings, printable-ASCII
// filtered (control bytes introduced by on-wire chunking are stripped).
func (r *Resolver) QueryTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.exchange(ctx, name, dns.TypeTXT)
	if cerr := classify(name, "TXT", resp, err); cerr != nil {
		r.observe("TXT", cerr)
		return nil, cerr
	}
	r.observe("TXT", nil)
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, filterPrintable(strings.Join(txt.Txt, "")))
		}
	}
	return out, nil
}

// ErrNotFound is returned by ReverseLookup when the answer holds no PTR record.
var ErrNotFound = errors.New("dnsresolver: no PTR record found")

// ReverseLookup resolves the PTR record for ip, returning the first name.
func (r *Resolver) ReverseLookup(ctx context.Context, ip net.IP) (string, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", &Error{Outcome: OutcomeServFail, Name: ip.String(), Qtype: "PTR", Err: err}
	}
	resp, rerr := r.exchange(ctx, arpa, dns.TypePTR)
	if cerr := classify(arpa, "PTR", resp, rerr); cerr != nil {
		r.observe("PTR", cerr)
		return "", cerr
	}
	r.observe("PTR", nil)
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", ErrNotFound
}

func filterPrintable(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	return b.String()
}
