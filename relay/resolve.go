package relay

import (
	"context"
	"net"
	"sort"

	"github.com/fannst/fmta/dnsresolver"
)

// DNSResolver is the narrow surface target resolution needs: MX lookup
// plus the A/AAAA fallback used both for implicit-MX domains and for
// resolving each MX hostname to an address.
type DNSResolver interface {
	QueryMX(ctx context.Context, name string) ([]dnsresolver.MXRecord, error)
	QueryA(ctx context.Context, name string) ([]net.IP, error)
	QueryAAAA(ctx context.Context, name string) ([]net.IP, error)
}

var _ DNSResolver = (*dnsresolver.Resolver)(nil)

// ResolveMailHosts returns the ordered list of mail exchanger hostnames
// for domain, per spec.md §4.10: MX preference-sorted, falling back to
// the domain itself (implicit MX) when no MX record exists.
func ResolveMailHosts(ctx context.Context, resolver DNSResolver, domain string) ([]string, error) {
	records, err := resolver.QueryMX(ctx, domain)
	if err != nil {
		if derr, ok := err.(*dnsresolver.Error); ok && derr.Outcome == dnsresolver.OutcomeNXDomain {
			return []string{domain}, nil
		}
		return nil, err
	}
	if len(records) == 0 {
		return []string{domain}, nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Preference < records[j].Preference
	})
	hosts := make([]string, len(records))
	for i, r := range records {
		hosts[i] = r.Host
	}
	return hosts, nil
}

// ResolveHostAddrs resolves host to its IPv4 and IPv6 addresses, tried
// in that order (a plausible dial order; spec.md does not mandate a
// preference).
func ResolveHostAddrs(ctx context.Context, resolver DNSResolver, host string) ([]net.IP, error) {
	var addrs []net.IP
	if v4, err := resolver.QueryA(ctx, host); err == nil {
		addrs = append(addrs, v4...)
	}
	if v6, err := resolver.QueryAAAA(ctx, host); err == nil {
		addrs = append(addrs, v6...)
	}
	if len(addrs) == 0 {
		return nil, &dnsresolver.Error{Outcome: dnsresolver.OutcomeNXDomain, Name: host}
	}
	return addrs, nil
}
