// Package dkim implements RFC 6376 DKIM signature building and
// verification: simple/relaxed canonicalization of headers and body,
// SHA-1/SHA-256 body hashing, RSA signing/verification, and DNS public
// key fetch. Both the "v1" and "v2" canonicalization code paths the
// original C++ implementation duplicated (see SPEC_FULL.md Design Notes)
// collapse into one function parameterized by Canon, per mode.
package dkim

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fannst/fmta/dnsresolver"
	"github.com/fannst/fmta/mime"
)

// Algorithm is the signing algorithm named in a=.
type Algorithm string

const (
	AlgorithmRSASHA1   Algorithm = "rsa-sha1"
	AlgorithmRSASHA256 Algorithm = "rsa-sha256"
)

// Canon is one canonicalization mode, independently selectable for
// headers and body.
type Canon string

const (
	CanonSimple  Canon = "simple"
	CanonRelaxed Canon = "relaxed"
)

// Result is the outcome of verifying a single DKIM-Signature header.
type Result int

const (
	None Result = iota
	Pass
	Fail
	Neutral
	SystemError
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Neutral:
		return "neutral"
	case SystemError:
		return "systemerror"
	default:
		return "none"
	}
}

// Signature is a parsed or to-be-built DKIM-Signature header value
// (spec.md §3 DkimSignature).
type Signature struct {
	Version       string
	Algorithm     Algorithm
	HeaderCanon   Canon
	BodyCanon     Canon
	Domain        string
	Selector      string
	SignedHeaders []string // h=, lowercase, in signer-chosen order
	BodyHash      string   // bh=, base64
	Signature     string   // b=, base64
	Timestamp     int64    // t=, 0 if absent
	Expiration    int64    // x=, 0 if absent
}

// Record is the DNS-published public key record at
// <selector>._domainkey.<domain>.
type Record struct {
	Version    string
	KeyType    string // k=, default "rsa"
	HashAlgos  string // h=, allowed hash algorithms, optional
	ServiceTyp string // s=, default "*"
	PublicKey  []byte // p=, decoded
	Testing    bool   // t=y
	Strict     bool   // t=s
}

var (
	ErrNoSignature     = errors.New("dkim: no DKIM-Signature header found")
	ErrMalformed       = errors.New("dkim: malformed DKIM-Signature header")
	ErrRecordNotFound  = errors.New("dkim: public key record not found")
	ErrBodyHashInvalid = errors.New("dkim: body hash mismatch")
)

// canonicalizeHeader renders one header's contribution to the hash
// stream under the given mode. value must not include the trailing
// CRLF; canonicalizeHeader appends it.
func canonicalizeHeader(name, value string, c Canon) string {
	if c == CanonSimple {
		return name + ": " + value + "\r\n"
	}
	lowerName := strings.ToLower(strings.TrimSpace(name))
	unfolded := strings.Join(strings.Fields(value), " ")
	return lowerName + ":" + strings.TrimSpace(unfolded) + "\r\n"
}

// canonicalizeBody applies simple or relaxed body canonicalization per
// spec.md §4.5.
func canonicalizeBody(body []byte, c Canon) []byte {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	if c == CanonRelaxed {
		for i, line := range lines {
			lines[i] = strings.TrimRight(collapseWSP(line), " \t")
		}
	}
	// Strip trailing empty lines.
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	lines = lines[:end]
	if len(lines) == 0 {
		return []byte("\r\n")
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func collapseWSP(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if !lastWasSpace {
				b.WriteByte(' ')
			}
			lastWasSpace = true
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func hashFunc(alg Algorithm) (crypto.Hash, error) {
	switch alg {
	case AlgorithmRSASHA1:
		return crypto.SHA1, nil
	case AlgorithmRSASHA256:
		return crypto.SHA256, nil
	default:
		return 0, fmt.Errorf("dkim: unsupported algorithm %q", alg)
	}
}

func sumBody(body []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgorithmRSASHA1:
		sum := sha1.Sum(body)
		return sum[:], nil
	case AlgorithmRSASHA256:
		sum := sha256.Sum256(body)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("dkim: unsupported algorithm %q", alg)
	}
}

// bodyHash computes bh= for msg under sig's body canonicalization and
// algorithm. RFC 6376 hashes the body exactly as transmitted on the
// wire, not its transfer-decoded content, so interoperates with
// externally signed mail whose signature was computed the same way.
func bodyHash(msg *mime.Message, sig Signature) (string, error) {
	var body []byte
	if msg.Kind == mime.KindLeaf {
		body = msg.Raw
	} else {
		full := msg.Serialize()
		body = full[len(msg.Headers.Serialize())+2:]
	}
	canon := canonicalizeBody(body, sig.BodyCanon)
	sum, err := sumBody(canon, sig.Algorithm)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

// headerStream rebuilds the canonical header byte sequence that is
// signed: the h=-named headers in order, followed by the
// DKIM-Signature header itself with b= emptied.
func headerStream(headers mime.HeaderList, sig Signature, dkimHeaderValue string) []byte {
	var buf strings.Builder
	used := map[string]int{}
	for _, name := range sig.SignedHeaders {
		key := strings.ToLower(name)
		occurrences := headersNamed(headers, key)
		idx := used[key]
		used[key] = idx + 1
		// "duplicate header names refer to successive instances
		// bottom-up" (spec.md §4.5): the first h= occurrence of a
		// repeated name binds to the last instance in the message.
		pos := len(occurrences) - 1 - idx
		if pos < 0 || pos >= len(occurrences) {
			continue
		}
		buf.WriteString(canonicalizeHeader(name, occurrences[pos], sig.HeaderCanon))
	}
	buf.WriteString(canonicalizeHeader("DKIM-Signature", dkimHeaderValue, sig.HeaderCanon))
	return []byte(strings.TrimSuffix(buf.String(), "\r\n"))
}

func headersNamed(headers mime.HeaderList, name string) []string {
	var out []string
	for _, h := range headers {
		if strings.EqualFold(h.Key, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Sign builds a DKIM-Signature header value for msg, signed with key
// under domain/selector using the given canonicalization and algorithm.
func Sign(msg *mime.Message, domain, selector string, headerNames []string, headerCanon, bodyCanon Canon, alg Algorithm, key *rsa.PrivateKey) (string, error) {
	sig := Signature{
		Version:       "1",
		Algorithm:     alg,
		HeaderCanon:   headerCanon,
		BodyCanon:     bodyCanon,
		Domain:        domain,
		Selector:      selector,
		SignedHeaders: lowercaseAll(headerNames),
	}
	bh, err := bodyHash(msg, sig)
	if err != nil {
		return "", err
	}
	sig.BodyHash = bh

	unsigned := serialize(sig, "")
	stream := headerStream(msg.Headers, sig, unsigned)

	hash, err := hashFunc(alg)
	if err != nil {
		return "", err
	}
	digest, err := digestOf(stream, hash)
	if err != nil {
		return "", err
	}
	signed, err := rsa.SignPKCS1v15(rand.Reader, key, hash, digest)
	if err != nil {
		return "", fmt.Errorf("dkim: sign: %w", err)
	}
	sig.Signature = base64.StdEncoding.EncodeToString(signed)
	return serialize(sig, sig.Signature), nil
}

func digestOf(data []byte, h crypto.Hash) ([]byte, error) {
	hasher := h.New()
	if _, err := hasher.Write(data); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func lowercaseAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}

func serialize(sig Signature, bValue string) string {
	var b strings.Builder
	b.WriteString("v=1; a=" + string(sig.Algorithm))
	b.WriteString("; c=" + string(sig.HeaderCanon) + "/" + string(sig.BodyCanon))
	b.WriteString("; d=" + sig.Domain)
	b.WriteString("; s=" + sig.Selector)
	b.WriteString("; h=" + strings.Join(sig.SignedHeaders, ":"))
	b.WriteString("; bh=" + sig.BodyHash)
	if sig.Timestamp != 0 {
		b.WriteString("; t=" + strconv.FormatInt(sig.Timestamp, 10))
	}
	if sig.Expiration != 0 {
		b.WriteString("; x=" + strconv.FormatInt(sig.Expiration, 10))
	}
	b.WriteString("; b=" + bValue)
	return b.String()
}

// parseTagList parses a "tag=value; tag=value" header body (used by both
// DKIM-Signature and DKIM DNS key records) into a lowercase-keyed map.
// Unlike mime.ParseParams, every segment here is a tag=value pair — there
// is no leading bare value the way Content-Type has a media type before
// its parameters.
func parseTagList(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx == -1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:idx]))
		val := strings.TrimSpace(part[idx+1:])
		out[key] = val
	}
	return out
}

// Parse parses a raw DKIM-Signature header value into a Signature.
func Parse(raw string) (Signature, error) {
	tags := parseTagList(raw)
	if tags["v"] != "1" {
		return Signature{}, fmt.Errorf("%w: unsupported version %q", ErrMalformed, tags["v"])
	}
	canons := strings.SplitN(tags["c"], "/", 2)
	headerCanon, bodyCanon := CanonSimple, CanonSimple
	if len(canons) > 0 && canons[0] != "" {
		headerCanon = Canon(canons[0])
	}
	if len(canons) > 1 {
		bodyCanon = Canon(canons[1])
	}
	for _, c := range []Canon{headerCanon, bodyCanon} {
		if c != CanonSimple && c != CanonRelaxed {
			return Signature{}, fmt.Errorf("%w: unsupported canonicalization %q", ErrMalformed, tags["c"])
		}
	}
	if _, err := hashFunc(Algorithm(tags["a"])); err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	sig := Signature{
		Version:       tags["v"],
		Algorithm:     Algorithm(tags["a"]),
		HeaderCanon:   headerCanon,
		BodyCanon:     bodyCanon,
		Domain:        tags["d"],
		Selector:      tags["s"],
		SignedHeaders: splitColonList(tags["h"]),
		BodyHash:      tags["bh"],
		Signature:     tags["b"],
	}
	if sig.Domain == "" || sig.Selector == "" || sig.BodyHash == "" || sig.Signature == "" {
		return Signature{}, ErrMalformed
	}
	if t, err := strconv.ParseInt(tags["t"], 10, 64); err == nil {
		sig.Timestamp = t
	}
	if x, err := strconv.ParseInt(tags["x"], 10, 64); err == nil {
		sig.Expiration = x
	}
	return sig, nil
}

// emptyBTag returns raw with its b= tag's value erased (tag kept, value
// empty), exactly the form that was signed (RFC 6376 §3.5/§3.7): the
// signature itself cannot be part of what it signs.
func emptyBTag(raw string) string {
	segments := strings.Split(raw, ";")
	for i, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if strings.HasPrefix(trimmed, "b=") || strings.HasPrefix(trimmed, "b =") {
			leading := seg[:len(seg)-len(strings.TrimLeft(seg, " \t"))]
			segments[i] = leading + "b="
			break
		}
	}
	return strings.Join(segments, ";")
}

func splitColonList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ":") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// ParseRecord parses a DNS TXT record at <selector>._domainkey.<domain>.
func ParseRecord(raw string) (Record, error) {
	tags := parseTagList(raw)
	rec := Record{
		Version:    tags["v"],
		KeyType:    tags["k"],
		HashAlgos:  tags["h"],
		ServiceTyp: tags["s"],
	}
	if rec.KeyType == "" {
		rec.KeyType = "rsa"
	}
	if rec.ServiceTyp == "" {
		rec.ServiceTyp = "*"
	}
	if p := tags["p"]; p != "" {
		key, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return Record{}, fmt.Errorf("dkim: invalid public key encoding: %w", err)
		}
		rec.PublicKey = key
	}
	for _, flag := range strings.Split(tags["t"], ":") {
		switch strings.TrimSpace(flag) {
		case "y":
			rec.Testing = true
		case "s":
			rec.Strict = true
		}
	}
	return rec, nil
}

// Verifier fetches DKIM public keys from DNS and verifies signatures.
type Verifier struct {
	Resolver DNSResolver
}

// DNSResolver is the narrow TXT-lookup surface verification needs.
type DNSResolver interface {
	QueryTXT(ctx context.Context, name string) ([]string, error)
}

var _ DNSResolver = (*dnsresolver.Resolver)(nil)

// Verify checks every DKIM-Signature header on msg and returns Pass as
// soon as one verifies cleanly (spec.md §4.5 point 5).
func (v *Verifier) Verify(ctx context.Context, msg *mime.Message) Result {
	rawSigs := headersNamed(msg.Headers, "dkim-signature")
	if len(rawSigs) == 0 {
		return None
	}
	sawSystemError, sawNeutral := false, false
	for _, raw := range rawSigs {
		result := v.verifyOne(ctx, msg, raw)
		if result == Pass {
			return Pass
		}
		if result == SystemError {
			sawSystemError = true
		}
		if result == Neutral {
			sawNeutral = true
		}
	}
	if sawSystemError {
		return SystemError
	}
	if sawNeutral {
		return Neutral
	}
	return Fail
}

func (v *Verifier) verifyOne(ctx context.Context, msg *mime.Message, raw string) Result {
	sig, err := Parse(raw)
	if err != nil {
		return Fail
	}
	hash, err := hashFunc(sig.Algorithm)
	if err != nil {
		return Fail
	}

	expectedBH, err := bodyHash(msg, sig)
	if err != nil {
		return SystemError
	}
	if expectedBH != sig.BodyHash {
		return Fail
	}

	emptied := emptyBTag(raw)

	rec, err := v.fetchRecord(ctx, sig.Selector, sig.Domain)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Neutral
		}
		return SystemError
	}
	if len(rec.PublicKey) == 0 {
		// p= present but empty: key revoked (RFC 6376 §3.6.1).
		return Fail
	}
	pub, err := parsePublicKey(rec.PublicKey)
	if err != nil {
		return SystemError
	}

	stream := headerStream(msg.Headers, sig, emptied)
	digest, err := digestOf(stream, hash)
	if err != nil {
		return SystemError
	}
	signature, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return Fail
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, signature); err != nil {
		return Fail
	}
	return Pass
}

func (v *Verifier) fetchRecord(ctx context.Context, selector, domain string) (Record, error) {
	name := selector + "._domainkey." + domain
	txts, err := v.Resolver.QueryTXT(ctx, name)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRecordNotFound, err)
	}
	for _, txt := range txts {
		if strings.Contains(txt, "p=") {
			return ParseRecord(txt)
		}
	}
	return Record{}, ErrRecordNotFound
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	return parsePKIXOrPKCS1(der)
}
