package relay

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessageBytes() []byte {
	return []byte("From: alice@example.com\r\n" +
		"To: bob@example.net\r\n" +
		"Subject: hello\r\n" +
		"Date: Mon, 01 Jan 2024 00:00:00 +0000\r\n" +
		"Message-ID: <1@example.com>\r\n" +
		"\r\n" +
		"hi there\r\n")
}

func TestSignerSignPrependsDKIMHeader(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	s := &Signer{Domain: "example.com", Selector: "fmta", Key: key}

	signed, err := s.Sign(testMessageBytes())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))
	assert.Contains(t, string(signed), "d=example.com")
	assert.Contains(t, string(signed), "s=fmta")
}

func TestSignerNilIsNoop(t *testing.T) {
	var s *Signer
	raw := testMessageBytes()
	out, err := s.Sign(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestLoadSignerBlankKeyFileDisablesSigning(t *testing.T) {
	s, err := LoadSigner("example.com", "fmta", "")
	require.NoError(t, err)
	assert.Nil(t, s)
}
