package smtpd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fannst/fmta/dnsresolver"
)

// SpamBlacklistLookupServers are DNSBL zones consulted for every
// accepted connection (SPEC_FULL.md §4.x, adapted from the teacher's
// daemon/smtpd/blacklist.go of the same name). A successful A-record
// resolution of the reversed-IP lookup name means the peer is listed.
var SpamBlacklistLookupServers = []string{"dnsbl.sorbs.net", "bl.spamcop.net"}

// BlacklistResolver is the narrow DNS surface the blacklist check
// needs.
type BlacklistResolver interface {
	QueryA(ctx context.Context, name string) ([]net.IP, error)
}

var _ BlacklistResolver = (*dnsresolver.Resolver)(nil)

// GetBlacklistLookupName builds the reversed-IP DNSBL query name, e.g.
// suspect IP 1.2.3.4 against bl.spamcop.net becomes
// "4.3.2.1.bl.spamcop.net".
func GetBlacklistLookupName(suspectIP, blLookupDomain string) (string, error) {
	suspectIPv4 := net.ParseIP(suspectIP).To4()
	if suspectIPv4 == nil || len(suspectIPv4) < 4 {
		return "", fmt.Errorf("smtpd: suspect IP %s does not appear to be a valid IPv4 address", suspectIP)
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", suspectIPv4[3], suspectIPv4[2], suspectIPv4[1], suspectIPv4[0], blLookupDomain), nil
}

// IsClientIPBlacklisted consults every configured DNSBL zone and
// reports true if any lists suspectIP. Unlike the teacher's version
// (whose unbuffered select only ever inspected the first lookup to
// finish, silently ignoring the rest), every zone's result is
// collected before deciding; a zone that times out or errors is
// treated as inconclusive (not blacklisted), matching the teacher's
// "cannot determine => false" policy.
func IsClientIPBlacklisted(ctx context.Context, resolver BlacklistResolver, suspectIP string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	blacklisted := false
	for _, lookupDomain := range SpamBlacklistLookupServers {
		lookupName, err := GetBlacklistLookupName(suspectIP, lookupDomain)
		if err != nil {
			return false
		}
		wg.Add(1)
		go func(lookupName string) {
			defer wg.Done()
			if ips, err := resolver.QueryA(ctx, lookupName); err == nil && len(ips) > 0 {
				mu.Lock()
				blacklisted = true
				mu.Unlock()
			}
		}(lookupName)
	}
	wg.Wait()
	return blacklisted
}
