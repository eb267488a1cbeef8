// Package dmarc implements RFC 7489 DMARC record parsing and the
// alignment/policy decision spec.md §4.6 describes: SPF and DKIM
// alignment via organizational-domain comparison (strict or relaxed),
// then a pass/fail decision that applies p= or sp= and pct= downgrade.
package dmarc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/spf"
)

// Alignment mode for adkim=/aspf=.
type Alignment string

const (
	AlignRelaxed Alignment = "r"
	AlignStrict  Alignment = "s"
)

// Policy is the requested disposition, p=/sp=.
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Record is a parsed DMARC TXT record at _dmarc.<domain> (spec.md §3
// DmarcRecord).
type Record struct {
	Version      string
	Policy       Policy // p=
	SubPolicy    Policy // sp=, defaults to Policy when absent
	DKIMAlign    Alignment
	SPFAlign     Alignment
	Percent      int // pct=, default 100
	ReportURIAgg string
	ReportURIFor string
	FailOptions  string // fo=
}

// Decision is the outcome of evaluating a message against its domain's
// DMARC record.
type Decision struct {
	Record       Record
	SPFAligned   bool
	DKIMAligned  bool
	Pass         bool
	AppliedPolicy Policy // the policy actually applied after sp=/pct= downgrade
}

var ErrNoRecord = fmt.Errorf("dmarc: no DMARC record published")

// DNSResolver is the narrow TXT-lookup surface DMARC needs.
type DNSResolver interface {
	QueryTXT(ctx context.Context, name string) ([]string, error)
}

// Evaluator fetches and applies DMARC policy.
type Evaluator struct {
	Resolver DNSResolver
	// RandFraction, when set, supplies a value in [0,100) for pct=
	// downgrade decisions instead of a real random draw, so evaluation
	// stays deterministic in tests. A nil value is treated as "always
	// apply the full policy" (100% enforcement), the conservative
	// default.
	RandFraction func() int
}

// FetchRecord retrieves and parses the DMARC record for domain.
func (e *Evaluator) FetchRecord(ctx context.Context, domain string) (Record, error) {
	txts, err := e.Resolver.QueryTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrNoRecord, err)
	}
	for _, txt := range txts {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(txt)), "v=dmarc1") {
			return Parse(txt)
		}
	}
	return Record{}, ErrNoRecord
}

// Parse parses a raw DMARC TXT record value.
func Parse(raw string) (Record, error) {
	tags := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx == -1 {
			continue
		}
		tags[strings.ToLower(strings.TrimSpace(part[:idx]))] = strings.TrimSpace(part[idx+1:])
	}
	if !strings.EqualFold(tags["v"], "DMARC1") {
		return Record{}, fmt.Errorf("dmarc: record does not begin with v=DMARC1")
	}
	rec := Record{
		Version:      tags["v"],
		Policy:       parsePolicy(tags["p"]),
		DKIMAlign:    parseAlignment(tags["adkim"]),
		SPFAlign:     parseAlignment(tags["aspf"]),
		Percent:      100,
		ReportURIAgg: tags["rua"],
		ReportURIFor: tags["ruf"],
		FailOptions:  tags["fo"],
	}
	if rec.Policy == "" {
		return Record{}, fmt.Errorf("dmarc: missing required p= tag")
	}
	for _, tag := range []string{"adkim", "aspf"} {
		if v, ok := tags[tag]; ok && !strings.EqualFold(v, "r") && !strings.EqualFold(v, "s") {
			return Record{}, fmt.Errorf("dmarc: unknown %s= value %q", tag, v)
		}
	}
	if sp, ok := tags["sp"]; ok {
		rec.SubPolicy = parsePolicy(sp)
		if rec.SubPolicy == "" {
			return Record{}, fmt.Errorf("dmarc: unknown sp= value %q", sp)
		}
	} else {
		rec.SubPolicy = rec.Policy
	}
	if pct, ok := tags["pct"]; ok {
		if n, err := strconv.Atoi(pct); err == nil && n >= 0 && n <= 100 {
			rec.Percent = n
		}
	}
	return rec, nil
}

func parsePolicy(s string) Policy {
	switch strings.ToLower(s) {
	case "none":
		return PolicyNone
	case "quarantine":
		return PolicyQuarantine
	case "reject":
		return PolicyReject
	default:
		return ""
	}
}

func parseAlignment(s string) Alignment {
	if strings.EqualFold(s, "s") {
		return AlignStrict
	}
	return AlignRelaxed
}

// aligned reports whether base and candidate satisfy the given alignment
// mode: strict requires an exact domain match, relaxed requires only the
// same organizational domain (spec.md §4.6 point 2/3).
func aligned(mode Alignment, base, candidate string) bool {
	if mode == AlignStrict {
		return strings.EqualFold(normalize(base), normalize(candidate))
	}
	return addr.SameOrganization(base, candidate)
}

func normalize(domain string) string {
	if n, err := addr.NormalizeDomain(domain); err == nil {
		return n
	}
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

// Evaluate applies spec.md §4.6's alignment and policy logic:
// fromDomain is the From: header's domain; mailFromDomain is the
// envelope MAIL FROM domain (used for SPF alignment); dkimDomains is
// every d= of a DKIM signature that verified Pass.
func (e *Evaluator) Evaluate(ctx context.Context, fromDomain, mailFromDomain string, spfResult spf.Result, dkimDomains []string) (Decision, error) {
	rec, err := e.FetchRecord(ctx, addr.OrganizationalDomain(fromDomain))
	if err != nil {
		return Decision{}, err
	}

	spfAligned := mailFromDomain != "" && aligned(rec.SPFAlign, fromDomain, mailFromDomain)
	dkimAligned := false
	for _, d := range dkimDomains {
		if aligned(rec.DKIMAlign, fromDomain, d) {
			dkimAligned = true
			break
		}
	}

	pass := (spfAligned && spfResult == spf.Pass) || dkimAligned
	decision := Decision{Record: rec, SPFAligned: spfAligned, DKIMAligned: dkimAligned, Pass: pass}

	if pass {
		decision.AppliedPolicy = PolicyNone
		return decision, nil
	}

	policy := rec.Policy
	if addr.OrganizationalDomain(fromDomain) != normalize(fromDomain) {
		policy = rec.SubPolicy
	}
	decision.AppliedPolicy = downgrade(policy, rec.Percent, e.fraction())
	return decision, nil
}

func (e *Evaluator) fraction() int {
	if e.RandFraction != nil {
		return e.RandFraction()
	}
	return 0
}

// downgrade applies pct= (spec.md §4.6 point 4): a draw at or above pct
// downgrades reject to quarantine, and quarantine to none. "none" never
// downgrades further.
func downgrade(policy Policy, pct, draw int) Policy {
	if draw < pct {
		return policy
	}
	switch policy {
	case PolicyReject:
		return PolicyQuarantine
	case PolicyQuarantine:
		return PolicyNone
	default:
		return policy
	}
}
