package smtpd

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/dkim"
	"github.com/fannst/fmta/dmarc"
	"github.com/fannst/fmta/mime"
	"github.com/fannst/fmta/relay"
	"github.com/fannst/fmta/spf"
)

// AuthPipeline runs the inbound SPF/DKIM/DMARC checks spec.md §4.8
// requires at DATA-end, in that order, since DMARC alignment consumes
// both the SPF and DKIM outcomes.
type AuthPipeline struct {
	SPF   *spf.Evaluator
	DKIM  *dkim.Verifier
	DMARC *dmarc.Evaluator
}

// Evaluate runs the full pipeline against the envelope MAIL FROM domain,
// the peer's connecting IP, and the parsed message, returning the
// summary a SessionHandoff carries (spec.md §3 "authentication-results
// summary").
func (p *AuthPipeline) Evaluate(ctx context.Context, peerIP net.IP, mailFromDomain string, msg *mime.Message) relay.AuthenticationResults {
	var results relay.AuthenticationResults

	if p.SPF != nil {
		results.SPF, _ = p.SPF.Evaluate(ctx, mailFromDomain, peerIP)
	}
	if p.DKIM != nil && msg != nil {
		results.DKIM = p.DKIM.Verify(ctx, msg)
	}
	if p.DMARC != nil {
		fromDomain := headerDomain(msg, "From")
		if fromDomain != "" {
			dkimDomains := dkimSignerDomains(ctx, p.DKIM, msg)
			decision, err := p.DMARC.Evaluate(ctx, fromDomain, mailFromDomain, results.SPF, dkimDomains)
			if err == nil {
				results.DMARC = decision
			}
		}
	}
	return results
}

// headerDomain extracts the domain half of a header's mailbox value
// ("From" or similar), returning "" if the header is absent or
// unparseable.
func headerDomain(msg *mime.Message, header string) string {
	if msg == nil {
		return ""
	}
	value := msg.Header(header)
	if value == "" {
		return ""
	}
	a, err := addr.FromHeaderMailbox(value)
	if err != nil {
		return ""
	}
	return a.Domain
}

// dkimSignerDomains collects the "d=" domain of every DKIM-Signature
// header that verifies Pass on its own, for DMARC's DKIM-alignment
// comparison.
func dkimSignerDomains(ctx context.Context, verifier *dkim.Verifier, msg *mime.Message) []string {
	if msg == nil || verifier == nil {
		return nil
	}
	var domains []string
	for _, raw := range msg.Headers.GetAll("DKIM-Signature") {
		sig, err := dkim.Parse(raw)
		if err != nil {
			continue
		}
		single := *msg
		single.Headers = nil
		for _, h := range msg.Headers {
			if !strings.EqualFold(h.Key, "DKIM-Signature") || h.Value == raw {
				single.Headers = append(single.Headers, h)
			}
		}
		if verifier.Verify(ctx, &single) == dkim.Pass {
			domains = append(domains, sig.Domain)
		}
	}
	return domains
}

// BuildAuthenticationResultsHeader renders the summary as a single
// Authentication-Results header value (RFC 8601), prepended to the
// message ahead of storage/relay handoff per spec.md §4.8.
func BuildAuthenticationResultsHeader(serverDomain string, results relay.AuthenticationResults) string {
	return fmt.Sprintf("%s; spf=%s; dkim=%s; dmarc=%s",
		serverDomain, results.SPF.String(), results.DKIM.String(), dmarcResultString(results.DMARC))
}

func dmarcResultString(d dmarc.Decision) string {
	if d.Pass {
		return "pass"
	}
	if d.Record.Policy == "" && d.AppliedPolicy == "" {
		return "none"
	}
	return "fail"
}

// BuildReceivedHeader renders the Received: trace header spec.md §4.8
// prepends to every accepted message.
func BuildReceivedHeader(serverDomain, peerIP, heloDomain, reverseDNS string, when time.Time) string {
	fromClause := heloDomain
	if reverseDNS != "" {
		fromClause = fmt.Sprintf("%s (%s [%s])", heloDomain, reverseDNS, peerIP)
	} else {
		fromClause = fmt.Sprintf("%s [%s]", heloDomain, peerIP)
	}
	return fmt.Sprintf("from %s by %s; %s", fromClause, serverDomain, when.UTC().Format(time.RFC1123Z))
}
