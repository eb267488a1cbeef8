// Package spf implements RFC 7208 SPF record parsing and evaluation:
// mechanism matching against a peer IP, CIDR comparison, and
// include/redirect recursion bounded by a fixed DNS-lookup budget. This
// deliberately departs from original_source's unbounded bitmask-flag
// recursion (see DESIGN.md / SPEC_FULL.md Open Question 4) and instead
// threads a budget counter through every recursive call.
package spf

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fannst/fmta/dnsresolver"
	"github.com/fannst/fmta/metrics"
)

// Result is the outcome of an SPF evaluation (RFC 7208 §2.6).
type Result int

const (
	None Result = iota
	Pass
	Fail
	SoftFail
	Neutral
	TempError
	PermError
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case SoftFail:
		return "softfail"
	case Neutral:
		return "neutral"
	case TempError:
		return "temperror"
	case PermError:
		return "permerror"
	default:
		return "none"
	}
}

// Qualifier is the leading character of a mechanism; default is Plus.
type Qualifier byte

const (
	Plus     Qualifier = '+'
	Minus    Qualifier = '-'
	Tilde    Qualifier = '~'
	Question Qualifier = '?'
)

func (q Qualifier) Result() Result {
	switch q {
	case Minus:
		return Fail
	case Tilde:
		return SoftFail
	case Question:
		return Neutral
	default:
		return Pass
	}
}

// MechanismKind enumerates the mechanism kinds spec.md §3/§4.4 define.
type MechanismKind int

const (
	KindAll MechanismKind = iota
	KindIP4
	KindIP6
	KindA
	KindMX
	KindPTR
	KindInclude
	KindExists
	KindRedirect
)

// Mechanism is one parsed SPF directive.
type Mechanism struct {
	Qualifier Qualifier
	Kind      MechanismKind
	Domain    string // for a/mx/ptr/include/exists/redirect; "" means the evaluated domain itself
	CIDR      string // for ip4/ip6
	Mask      int    // for a/mx optional "/mask"; -1 when absent
}

// Record is a parsed SPF record: an ordered mechanism list plus an
// optional redirect modifier.
type Record struct {
	Mechanisms []Mechanism
	Redirect   string
}

// maxDNSLookups bounds the number of DNS-requiring mechanisms/modifiers
// per evaluation, per RFC 7208 §4.6.4 and SPEC_FULL.md Open Question 4.
const maxDNSLookups = 10

// maxPTRorMXHosts bounds how many hosts an mx/ptr mechanism will examine.
const maxPTRorMXHosts = 10

// DNSResolver is the subset of *dnsresolver.Resolver that SPF evaluation
// needs. Defining it here, at the consumer, lets tests supply a fake
// without touching the network.
type DNSResolver interface {
	QueryMX(ctx context.Context, name string) ([]dnsresolver.MXRecord, error)
	QueryA(ctx context.Context, name string) ([]net.IP, error)
	QueryAAAA(ctx context.Context, name string) ([]net.IP, error)
	QueryTXT(ctx context.Context, name string) ([]string, error)
	ReverseLookup(ctx context.Context, ip net.IP) (string, error)
}

// Evaluator resolves SPF records and mechanisms against DNS.
type Evaluator struct {
	Resolver DNSResolver
	Metrics  *metrics.Registry
}

// Evaluate performs the top-level SPF check for a sender domain and peer
// IP, per spec.md §4.4. The HELO identity is not checked.
func (e *Evaluator) Evaluate(ctx context.Context, domain string, ip net.IP) (Result, string) {
	budget := maxDNSLookups
	return e.evaluate(ctx, domain, ip, &budget)
}

func (e *Evaluator) evaluate(ctx context.Context, domain string, ip net.IP, budget *int) (Result, string) {
	record, err := e.fetchRecord(ctx, domain)
	if err != nil {
		if derr, ok := asDNSError(err); ok {
			if derr == dnsresolver.OutcomeNXDomain {
				return None, "no SPF record"
			}
			return TempError, err.Error()
		}
		// Not a DNS-layer failure: malformed record, or more than one
		// v=spf1 TXT record published (RFC 7208 §4.5).
		return PermError, err.Error()
	}
	if record == nil {
		return None, "no SPF record"
	}

	for _, mech := range record.Mechanisms {
		matched, result, explanation, err := e.evalMechanism(ctx, mech, domain, ip, budget)
		if err != nil {
			return PermError, err.Error()
		}
		if matched {
			e.observe(result)
			return result, explanation
		}
	}

	if record.Redirect != "" {
		if *budget <= 0 {
			return PermError, "SPF lookup budget exhausted on redirect"
		}
		*budget--
		return e.evaluate(ctx, record.Redirect, ip, budget)
	}
	return Neutral, "no mechanism matched"
}

func (e *Evaluator) observe(r Result) {
	if e.Metrics != nil {
		e.Metrics.IncAuthResult("spf", r.String())
	}
}

func asDNSError(err error) (dnsresolver.Outcome, bool) {
	var derr *dnsresolver.Error
	if de, ok := err.(*dnsresolver.Error); ok {
		derr = de
	}
	if derr == nil {
		return 0, false
	}
	return derr.Outcome, true
}

// fetchRecord retrieves and selects the single v=spf1 TXT record.
// Multiple such records is a PermError; no record is None (nil, nil).
func (e *Evaluator) fetchRecord(ctx context.Context, domain string) (*Record, error) {
	txts, err := e.Resolver.QueryTXT(ctx, domain)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for _, txt := range txts {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(txt)), "v=spf1") {
			candidates = append(candidates, txt)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > 1 {
		return nil, fmt.Errorf("spf: multiple v=spf1 records found for %s", domain)
	}
	return Parse(candidates[0])
}

// Parse parses a raw SPF TXT record string into a Record.
func Parse(raw string) (*Record, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "v=spf1") {
		return nil, fmt.Errorf("spf: record does not begin with v=spf1")
	}
	rec := &Record{}
	for _, tok := range fields[1:] {
		if strings.HasPrefix(strings.ToLower(tok), "redirect=") {
			rec.Redirect = tok[len("redirect="):]
			continue
		}
		if strings.Contains(tok, "=") && !isKnownMechanismPrefix(tok) {
			// Unknown modifier (e.g. exp=): spec requires explicit
			// rejection rather than silent drop is NOT mandated for
			// modifiers other than redirect; RFC 7208 says unrecognized
			// modifiers are ignored.
			continue
		}
		mech, err := parseMechanism(tok)
		if err != nil {
			return nil, err
		}
		rec.Mechanisms = append(rec.Mechanisms, mech)
	}
	return rec, nil
}

func isKnownMechanismPrefix(tok string) bool {
	body := tok
	if len(body) > 0 && isQualifierByte(body[0]) {
		body = body[1:]
	}
	for _, prefix := range []string{"all", "ip4", "ip6", "a", "mx", "ptr", "include", "exists"} {
		if body == prefix || strings.HasPrefix(body, prefix+":") || strings.HasPrefix(body, prefix+"/") {
			return true
		}
	}
	return false
}

func isQualifierByte(b byte) bool {
	return b == '+' || b == '-' || b == '~' || b == '?'
}

func parseMechanism(tok string) (Mechanism, error) {
	q := Qualifier(Plus)
	if len(tok) > 0 && isQualifierByte(tok[0]) {
		q = Qualifier(tok[0])
		tok = tok[1:]
	}

	var kind MechanismKind
	var domain, cidr string
	mask := -1

	splitColon := func(s, prefix string) (domainPart string) {
		if strings.HasPrefix(s, prefix+":") {
			return s[len(prefix)+1:]
		}
		return ""
	}

	switch {
	case tok == "all":
		kind = KindAll
	case strings.HasPrefix(tok, "ip4:"):
		kind = KindIP4
		cidr = tok[len("ip4:"):]
	case strings.HasPrefix(tok, "ip6:"):
		kind = KindIP6
		cidr = tok[len("ip6:"):]
	case tok == "a" || strings.HasPrefix(tok, "a:") || strings.HasPrefix(tok, "a/"):
		kind = KindA
		domain, mask = splitDomainMask(tok, "a")
	case tok == "mx" || strings.HasPrefix(tok, "mx:") || strings.HasPrefix(tok, "mx/"):
		kind = KindMX
		domain, mask = splitDomainMask(tok, "mx")
	case tok == "ptr" || strings.HasPrefix(tok, "ptr:"):
		kind = KindPTR
		domain = splitColon(tok, "ptr")
	case strings.HasPrefix(tok, "include:"):
		kind = KindInclude
		domain = tok[len("include:"):]
		if domain == "" {
			return Mechanism{}, fmt.Errorf("spf: include with empty domain")
		}
	case strings.HasPrefix(tok, "exists:"):
		kind = KindExists
		domain = tok[len("exists:"):]
	default:
		return Mechanism{}, fmt.Errorf("spf: unrecognized mechanism %q", tok)
	}

	return Mechanism{Qualifier: q, Kind: kind, Domain: domain, CIDR: cidr, Mask: mask}, nil
}

func splitDomainMask(tok, prefix string) (domain string, mask int) {
	mask = -1
	rest := strings.TrimPrefix(tok, prefix)
	if rest == "" {
		return "", -1
	}
	if rest[0] == ':' {
		rest = rest[1:]
		if idx := strings.IndexByte(rest, '/'); idx != -1 {
			domain = rest[:idx]
			mask = parseMaskOrDefault(rest[idx+1:])
		} else {
			domain = rest
		}
	} else if rest[0] == '/' {
		mask = parseMaskOrDefault(rest[1:])
	}
	return domain, mask
}

func parseMaskOrDefault(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// evalMechanism reports whether mech matches the peer IP in the context
// of evalDomain (the domain whose record is currently being evaluated),
// and if so, the Result it yields.
func (e *Evaluator) evalMechanism(ctx context.Context, mech Mechanism, evalDomain string, ip net.IP, budget *int) (matched bool, result Result, explanation string, err error) {
	switch mech.Kind {
	case KindAll:
		return true, mech.Qualifier.Result(), "all", nil

	case KindIP4, KindIP6:
		ok, cerr := cidrContains(mech.CIDR, ip)
		if cerr != nil {
			return false, 0, "", cerr
		}
		return ok, mech.Qualifier.Result(), mech.CIDR, nil

	case KindA:
		if err := consumeBudget(budget); err != nil {
			return false, 0, "", err
		}
		target := mech.Domain
		if target == "" {
			target = evalDomain
		}
		ok, err := e.matchA(ctx, target, ip, mech.Mask)
		if err != nil {
			return false, 0, "", err
		}
		return ok, mech.Qualifier.Result(), "a:" + target, nil

	case KindMX:
		if err := consumeBudget(budget); err != nil {
			return false, 0, "", err
		}
		target := mech.Domain
		if target == "" {
			target = evalDomain
		}
		ok, err := e.matchMX(ctx, target, ip, mech.Mask)
		if err != nil {
			return false, 0, "", err
		}
		return ok, mech.Qualifier.Result(), "mx:" + target, nil

	case KindPTR:
		if err := consumeBudget(budget); err != nil {
			return false, 0, "", err
		}
		target := mech.Domain
		if target == "" {
			target = evalDomain
		}
		ok, err := e.matchPTR(ctx, target, ip)
		if err != nil {
			return false, 0, "", err
		}
		return ok, mech.Qualifier.Result(), "ptr:" + target, nil

	case KindInclude:
		if err := consumeBudget(budget); err != nil {
			return false, 0, "", err
		}
		innerResult, explanation := e.evaluate(ctx, mech.Domain, ip, budget)
		switch innerResult {
		case Pass:
			return true, mech.Qualifier.Result(), explanation, nil
		case TempError:
			return false, 0, "", fmt.Errorf("spf: include:%s temerror: %s", mech.Domain, explanation)
		case PermError:
			return false, 0, "", fmt.Errorf("spf: include:%s permerror: %s", mech.Domain, explanation)
		default:
			// Fail/SoftFail/Neutral/None: include does not match.
			return false, 0, "", nil
		}

	case KindExists:
		if err := consumeBudget(budget); err != nil {
			return false, 0, "", err
		}
		addrs, err := e.Resolver.QueryA(ctx, mech.Domain)
		if err != nil {
			if outcome, ok := asDNSError(err); ok && outcome == dnsresolver.OutcomeNXDomain {
				return false, 0, "", nil
			}
			return false, 0, "", err
		}
		return len(addrs) > 0, mech.Qualifier.Result(), "exists:" + mech.Domain, nil

	default:
		return false, 0, "", fmt.Errorf("spf: unhandled mechanism kind %d", mech.Kind)
	}
}

func consumeBudget(budget *int) error {
	if *budget <= 0 {
		return fmt.Errorf("spf: DNS lookup budget of %d exceeded", maxDNSLookups)
	}
	*budget--
	return nil
}

func (e *Evaluator) matchA(ctx context.Context, domain string, ip net.IP, mask int) (bool, error) {
	var addrs []net.IP
	if ip.To4() != nil {
		a, err := e.Resolver.QueryA(ctx, domain)
		if err != nil {
			if outcome, ok := asDNSError(err); ok && outcome == dnsresolver.OutcomeNXDomain {
				return false, nil
			}
			return false, err
		}
		addrs = a
	} else {
		a, err := e.Resolver.QueryAAAA(ctx, domain)
		if err != nil {
			if outcome, ok := asDNSError(err); ok && outcome == dnsresolver.OutcomeNXDomain {
				return false, nil
			}
			return false, err
		}
		addrs = a
	}
	for _, a := range addrs {
		if ipMatches(a, ip, mask) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) matchMX(ctx context.Context, domain string, ip net.IP, mask int) (bool, error) {
	mxs, err := e.Resolver.QueryMX(ctx, domain)
	if err != nil {
		if outcome, ok := asDNSError(err); ok && outcome == dnsresolver.OutcomeNXDomain {
			return false, nil
		}
		return false, err
	}
	if len(mxs) > maxPTRorMXHosts {
		mxs = mxs[:maxPTRorMXHosts]
	}
	for _, mx := range mxs {
		ok, err := e.matchA(ctx, mx.Host, ip, mask)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) matchPTR(ctx context.Context, domain string, ip net.IP) (bool, error) {
	name, err := e.Resolver.ReverseLookup(ctx, ip)
	if err != nil {
		return false, nil
	}
	names := []string{name}
	if len(names) > maxPTRorMXHosts {
		names = names[:maxPTRorMXHosts]
	}
	for _, n := range names {
		if n == domain || strings.HasSuffix(n, "."+domain) {
			// Forward-confirm: the name must resolve back to the peer IP.
			addrs, err := e.Resolver.QueryA(ctx, n)
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if a.Equal(ip) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// cidrContains reports whether ip falls within cidr. IPv4 masks are 0..32,
// IPv6 masks are 0..128; comparison is by prefix-bit equality on the
// integer form of the address, matching family to family (an IPv4
// mechanism never matches an IPv6 peer and vice versa).
func cidrContains(cidr string, ip net.IP) (bool, error) {
	if !strings.Contains(cidr, "/") {
		addr := net.ParseIP(cidr)
		if addr == nil {
			return false, fmt.Errorf("spf: invalid address %q", cidr)
		}
		return sameFamily(addr, ip) && addr.Equal(ip), nil
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("spf: invalid CIDR %q: %w", cidr, err)
	}
	if !sameFamily(network.IP, ip) {
		return false, nil
	}
	return network.Contains(ip), nil
}

func sameFamily(a, b net.IP) bool {
	return (a.To4() != nil) == (b.To4() != nil)
}

func ipMatches(candidate, peer net.IP, mask int) bool {
	if mask < 0 {
		return sameFamily(candidate, peer) && candidate.Equal(peer)
	}
	cidr := fmt.Sprintf("%s/%d", candidate.String(), mask)
	ok, err := cidrContains(cidr, peer)
	return err == nil && ok
}
