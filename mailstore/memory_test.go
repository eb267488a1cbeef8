package mailstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketOfIsStableWindow(t *testing.T) {
	a := BucketOf(mustParseTime(t, "2026-01-01T00:00:00Z"))
	b := BucketOf(mustParseTime(t, "2026-01-01T00:00:01Z"))
	assert.Equal(t, a, b)
}

func TestMemoryCacheIsLocalDomainEmptyQuery(t *testing.T) {
	c := NewMemoryCache()
	_, err := c.IsLocalDomain(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	require.NoError(t, c.LocalDomainPut(context.Background(), "example.com"))
	local, err := c.IsLocalDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.True(t, local)
}

func TestMemoryCacheAccountLookupMissThenHit(t *testing.T) {
	c := NewMemoryCache()
	_, err := c.AccountLookup(context.Background(), "example.com", "alice")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	owner := uuid.New()
	require.NoError(t, c.AccountLookupPut(context.Background(), AccountShortcut{Domain: "example.com", Username: "alice", OwnerUUID: owner}))
	account, err := c.AccountLookup(context.Background(), "example.com", "alice")
	require.NoError(t, err)
	assert.Equal(t, owner, account.OwnerUUID)
}

func TestMemoryCacheNextUIDMonotonicAfterSeed(t *testing.T) {
	c := NewMemoryCache()
	owner := uuid.New()
	require.NoError(t, c.SeedNextUID(context.Background(), "example.com", owner, "INBOX", 41))

	first, err := c.NextUID(context.Background(), "example.com", owner, "INBOX")
	require.NoError(t, err)
	second, err := c.NextUID(context.Background(), "example.com", owner, "INBOX")
	require.NoError(t, err)

	assert.Equal(t, uint32(42), first)
	assert.Equal(t, uint32(43), second)
	assert.Less(t, first, second)
}

func TestMemoryCacheMailboxStatusIncrementKeepsInvariants(t *testing.T) {
	c := NewMemoryCache()
	owner := uuid.New()
	status, err := c.MailboxStatusIncrement(context.Background(), 0, "example.com", owner, "INBOX", 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Unseen)
	assert.Equal(t, 1, status.Recent)

	status, err = c.MailboxStatusIncrement(context.Background(), 0, "example.com", owner, "INBOX", 1, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Unseen)
	assert.Equal(t, 0, status.Recent)
	assert.LessOrEqual(t, status.Recent, status.Total)
	assert.LessOrEqual(t, status.Unseen, status.Total)
}

func TestMemoryStoreHighestUIDRecoversFromStatuses(t *testing.T) {
	store := NewMemoryStore()
	owner := uuid.New()
	_, err := store.MailboxStatusUpdate(context.Background(), 0, "example.com", owner, "INBOX", func(s MailboxStatus) MailboxStatus {
		s.NextUID = 7
		return s
	})
	require.NoError(t, err)

	highest, err := store.HighestUID(context.Background(), "example.com", owner, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), highest)
}

func TestMemoryStoreAccountLookupRoundTrips(t *testing.T) {
	store := NewMemoryStore()
	owner := uuid.New()
	store.PutAccount(AccountShortcut{Domain: "example.com", Username: "bob", OwnerUUID: owner})

	account, ok, err := store.AccountLookup(context.Background(), "example.com", "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, owner, account.OwnerUUID)

	_, ok, err = store.AccountLookup(context.Background(), "example.com", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}
