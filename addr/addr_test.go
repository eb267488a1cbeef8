package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse(`"Bob Smith" <bob@example.com>`)
	require.NoError(t, err)
	assert.Equal(t, "Bob Smith", a.DisplayName)
	assert.Equal(t, "bob", a.Local)
	assert.Equal(t, "example.com", a.Domain)

	a, err = Parse("bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "", a.DisplayName)
	assert.Equal(t, "bob@example.com", a.Mailbox())

	a, err = Parse("Bob Smith <bob@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "Bob Smith", a.DisplayName)

	_, err = Parse("not-an-address")
	assert.ErrorIs(t, err, ErrNoAtSign)

	_, err = Parse("Bob <bob@example.com")
	assert.ErrorIs(t, err, ErrUnbalancedBrackets)
}

func TestParseList(t *testing.T) {
	list, err := ParseList(`"Bob, Jr" <bob@example.com>, alice@example.com`)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].Local)
	assert.Equal(t, "alice", list[1].Local)
}

func TestOrganizationalDomain(t *testing.T) {
	assert.Equal(t, "example.com", OrganizationalDomain("mail.example.com"))
	assert.Equal(t, "example.com", OrganizationalDomain("example.com"))
	assert.Equal(t, "example.co.uk", OrganizationalDomain("mail.example.co.uk"))
}

func TestSameOrganization(t *testing.T) {
	assert.True(t, SameOrganization("mail.example.com", "example.com"))
	assert.False(t, SameOrganization("example.com", "example.org"))
}

func TestSplit(t *testing.T) {
	local, domain, err := Split("bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", local)
	assert.Equal(t, "example.com", domain)

	_, _, err = Split("bob@@example.com")
	assert.Error(t, err)
}
