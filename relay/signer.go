package relay

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/fannst/fmta/dkim"
	"github.com/fannst/fmta/mime"
)

// defaultSignedHeaders is the minimal set of headers DKIM signing
// covers when the caller does not ask for more; these are the headers
// every mail client and most receiving MTAs rely on for display and
// threading, matching common outbound-signing practice.
var defaultSignedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID"}

// Signer attaches a DKIM-Signature header to outbound mail before it
// is handed to Client.Relay (spec.md §4.5 "signing"; the selector and
// key come from config.DKIMSelector/DKIMPrivateKeyFile). A nil *Signer
// is a valid no-op, matching how every other optional Client
// collaborator behaves.
type Signer struct {
	Domain   string
	Selector string
	Key      *rsa.PrivateKey
}

// LoadSigner reads a PEM-encoded PKCS#1 or PKCS#8 RSA private key from
// keyFile and returns a Signer for domain/selector. A blank keyFile
// means DKIM signing is disabled; callers get a nil *Signer back.
func LoadSigner(domain, selector, keyFile string) (*Signer, error) {
	if keyFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("relay: reading DKIM key %s: %w", keyFile, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("relay: %s is not PEM-encoded", keyFile)
	}
	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("relay: parsing DKIM key %s: %w", keyFile, err)
	}
	return &Signer{Domain: domain, Selector: selector, Key: key}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return key, nil
}

// Sign parses raw, computes a DKIM-Signature header over it with
// relaxed/relaxed canonicalization and rsa-sha256 (the combination
// every modern signing guide recommends over simple/simple), and
// returns the re-serialized message with the signature prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	if s == nil || s.Key == nil {
		return raw, nil
	}
	msg, err := mime.Parse(raw, 16)
	if err != nil {
		return raw, nil
	}
	value, err := dkim.Sign(msg, s.Domain, s.Selector, defaultSignedHeaders, dkim.CanonRelaxed, dkim.CanonRelaxed, dkim.AlgorithmRSASHA256, s.Key)
	if err != nil {
		return nil, fmt.Errorf("relay: signing message: %w", err)
	}
	msg.Headers = append(mime.HeaderList{{Key: "DKIM-Signature", Value: value}}, msg.Headers...)
	return msg.Serialize(), nil
}
