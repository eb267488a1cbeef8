// Package addr implements the email address model: parsing and
// serializing "Name <local@domain>" forms, splitting local/domain
// parts, and normalizing domains for DNS lookups and DMARC alignment.
package addr

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// Address is a display name paired with a local@domain mailbox address.
type Address struct {
	DisplayName string
	Local       string
	Domain      string
}

var (
	// ErrNoAtSign is returned when an address does not contain exactly one '@'.
	ErrNoAtSign = errors.New("addr: address must contain exactly one '@'")
	// ErrUnbalancedBrackets is returned when angle brackets around an address are not balanced.
	ErrUnbalancedBrackets = errors.New("addr: unbalanced angle brackets")
)

// String reassembles the address into "Name <local@domain>" form, or
// bare "local@domain" when there is no display name.
func (a Address) String() string {
	mailbox := a.Local + "@" + a.Domain
	if a.DisplayName == "" {
		return mailbox
	}
	return fmt.Sprintf("%q <%s>", a.DisplayName, mailbox)
}

// Mailbox returns "local@domain" without any display name.
func (a Address) Mailbox() string {
	return a.Local + "@" + a.Domain
}

// Parse accepts `"Name" <local@domain>`, `Name <local@domain>`, or a bare
// `local@domain`, and returns the decomposed Address. Brackets must be
// balanced or entirely absent.
func Parse(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)

	open := strings.IndexByte(raw, '<')
	closeB := strings.IndexByte(raw, '>')
	var displayName, mailbox string
	switch {
	case open == -1 && closeB == -1:
		mailbox = raw
	case open != -1 && closeB != -1 && closeB > open:
		displayName = strings.TrimSpace(raw[:open])
		displayName = strings.Trim(displayName, `"`)
		mailbox = strings.TrimSpace(raw[open+1 : closeB])
	default:
		return Address{}, ErrUnbalancedBrackets
	}

	local, domain, err := Split(mailbox)
	if err != nil {
		return Address{}, err
	}
	return Address{DisplayName: displayName, Local: local, Domain: domain}, nil
}

// Split divides "local@domain" into its two components. Exactly one '@'
// must be present.
func Split(mailbox string) (local, domain string, err error) {
	idx := strings.IndexByte(mailbox, '@')
	if idx == -1 || idx != strings.LastIndexByte(mailbox, '@') {
		return "", "", ErrNoAtSign
	}
	local = mailbox[:idx]
	domain = mailbox[idx+1:]
	if local == "" || domain == "" {
		return "", "", ErrNoAtSign
	}
	return local, domain, nil
}

// List is an ordered collection of addresses, as found in comma-separated
// header values such as To/Cc.
type List []Address

// ParseList splits a comma-separated address list and parses each entry.
// Commas inside a quoted display name or inside angle brackets do not
// split the entry.
func ParseList(raw string) (List, error) {
	parts, err := splitAddressList(raw)
	if err != nil {
		return nil, err
	}
	out := make(List, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// String serializes the list back to comma-separated form, preserving
// order and membership.
func (l List) String() string {
	parts := make([]string, len(l))
	for i, a := range l {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func splitAddressList(raw string) ([]string, error) {
	var parts []string
	var buf strings.Builder
	depth := 0
	quoted := false
	for _, r := range raw {
		switch {
		case r == '"':
			quoted = !quoted
			buf.WriteRune(r)
		case r == '<' && !quoted:
			depth++
			buf.WriteRune(r)
		case r == '>' && !quoted:
			depth--
			if depth < 0 {
				return nil, ErrUnbalancedBrackets
			}
			buf.WriteRune(r)
		case r == ',' && !quoted && depth == 0:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, ErrUnbalancedBrackets
	}
	if strings.TrimSpace(buf.String()) != "" {
		parts = append(parts, buf.String())
	}
	return parts, nil
}

// OrganizationalDomain returns the registrable domain (the "organizational
// domain" in DMARC terminology) for a fully-qualified domain name. Lacking
// a public-suffix list, this uses the common two-label heuristic
// (example.com, example.co.uk) which the DMARC engine's alignment check
// applies consistently on both sides of the comparison.
func OrganizationalDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	// Treat a known two-label public suffix (e.g. co.uk, com.au) as part of
	// the suffix, so the organizational domain keeps three labels there.
	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if twoLabelPublicSuffixes[lastTwo] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// twoLabelPublicSuffixes lists the handful of common two-label public
// suffixes FMTA recognizes without vendoring a full public-suffix list.
var twoLabelPublicSuffixes = map[string]bool{
	"co.uk": true, "org.uk": true, "ac.uk": true,
	"com.au": true, "net.au": true, "org.au": true,
	"co.jp": true, "co.nz": true, "co.za": true,
}

// NormalizeDomain lowercases and converts a domain to its ASCII
// (punycode) form for DNS lookups, per IDNA. Domains that are already
// ASCII pass through unchanged.
func NormalizeDomain(domain string) (string, error) {
	return idna.ToASCII(strings.ToLower(strings.TrimSuffix(domain, ".")))
}

// SameOrganization reports whether two domains share an organizational
// domain, per DMARC relaxed alignment.
func SameOrganization(a, b string) bool {
	return OrganizationalDomain(a) == OrganizationalDomain(b)
}

// FromHeaderMailbox extracts the first mailbox address out of a raw
// From/Reply-To header value, tolerating the same lenient forms RFC 5322
// permits. It delegates to net/mail for address-list tokenizing, which is
// the idiomatic stdlib primitive for this, and re-derives the
// DisplayName/Local/Domain triple FMTA's own Address type needs.
func FromHeaderMailbox(headerValue string) (Address, error) {
	parsed, err := mail.ParseAddress(headerValue)
	if err != nil {
		return Address{}, err
	}
	local, domain, err := Split(parsed.Address)
	if err != nil {
		return Address{}, err
	}
	return Address{DisplayName: parsed.Name, Local: local, Domain: domain}, nil
}
