package relay

import (
	"context"
	"fmt"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/dmarc"
)

// DmarcWorkaroundDomainPrefix is prepended to an envelope From address
// when its domain enforces DMARC, adapted verbatim from the teacher's
// daemon/smtpd/dmarc_workaround.go constant of the same name.
const DmarcWorkaroundDomainPrefix = "fmta-nodmarc"

// IsDmarcPolicyEnforcing reports whether domain's (or its organizational
// domain's) DMARC policy demands quarantine or reject, using dmarc's
// own record fetch/parse instead of the teacher's hand-rolled
// substring scan over raw TXT records.
func IsDmarcPolicyEnforcing(ctx context.Context, evaluator *dmarc.Evaluator, domain string) bool {
	record, err := evaluator.FetchRecord(ctx, domain)
	if err == nil {
		return record.Policy == dmarc.PolicyQuarantine || record.Policy == dmarc.PolicyReject
	}
	org := addr.OrganizationalDomain(domain)
	if org != "" && org != domain {
		return IsDmarcPolicyEnforcing(ctx, evaluator, org)
	}
	return false
}

// RewriteFromForDmarcWorkaround returns from with its domain replaced
// by a prefixed pseudo-domain when its real domain enforces DMARC,
// adapted from the teacher's GetFromAddressWithDmarcWorkaround. This
// only matters once FMTA forwards mail on behalf of a third party
// (config.RelayDmarcWorkaround gates it off by default — see
// DESIGN.md), since a DMARC check performed by the next hop would
// otherwise fail on a message FMTA itself did not originate.
func RewriteFromForDmarcWorkaround(ctx context.Context, evaluator *dmarc.Evaluator, from addr.Address, disambiguator int) addr.Address {
	if !IsDmarcPolicyEnforcing(ctx, evaluator, from.Domain) {
		return from
	}
	rewritten := from
	rewritten.Domain = fmt.Sprintf("%s-%d.%s", DmarcWorkaroundDomainPrefix, disambiguator, from.Domain)
	return rewritten
}
