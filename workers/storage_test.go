package workers

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/mailstore"
	"github.com/fannst/fmta/relay"
)

func testMessage(subject, body string) []byte {
	return []byte(strings.Join([]string{
		"Subject: " + subject,
		"Content-Type: text/plain; charset=us-ascii",
		"",
		body,
	}, "\r\n"))
}

func TestStorageWorkerHandlePersistsEveryTarget(t *testing.T) {
	store := mailstore.NewMemoryStore()
	cache := mailstore.NewMemoryCache()
	w := &StorageWorker{Store: store, Cache: cache}

	owner := uuid.New()
	sender, err := addr.Parse("alice@example.net")
	require.NoError(t, err)

	handoff := relay.SessionHandoff{
		MessageID: uuid.New(),
		Raw:       testMessage("hello", "just saying hi"),
		Sender:    sender,
		StorageTargets: []relay.StorageTarget{
			{Domain: "example.com", Mailbox: "INBOX", OwnerUUID: owner},
		},
	}

	w.Handle(context.Background(), handoff)

	shortcuts := store.Shortcuts()
	require.Len(t, shortcuts, 1)
	assert.Equal(t, "hello", shortcuts[0].Subject)
	assert.Contains(t, shortcuts[0].Preview, "just saying hi")
	assert.Equal(t, uint32(1), shortcuts[0].UID)
	assert.Equal(t, owner, shortcuts[0].OwnerUUID)
}

func TestStorageWorkerHandleAllocatesIncreasingUIDs(t *testing.T) {
	store := mailstore.NewMemoryStore()
	cache := mailstore.NewMemoryCache()
	w := &StorageWorker{Store: store, Cache: cache}

	owner := uuid.New()
	target := relay.StorageTarget{Domain: "example.com", Mailbox: "INBOX", OwnerUUID: owner}

	for i := 0; i < 3; i++ {
		w.Handle(context.Background(), relay.SessionHandoff{
			MessageID:      uuid.New(),
			Raw:            testMessage("msg", "body"),
			StorageTargets: []relay.StorageTarget{target},
		})
	}

	shortcuts := store.Shortcuts()
	require.Len(t, shortcuts, 3)
	assert.Equal(t, uint32(1), shortcuts[0].UID)
	assert.Equal(t, uint32(2), shortcuts[1].UID)
	assert.Equal(t, uint32(3), shortcuts[2].UID)
}

func TestStorageWorkerHandleStoresEachTargetIndependently(t *testing.T) {
	store := mailstore.NewMemoryStore()
	cache := mailstore.NewMemoryCache()
	w := &StorageWorker{Store: store, Cache: cache}

	handoff := relay.SessionHandoff{
		MessageID: uuid.New(),
		Raw:       testMessage("subj", "body"),
		StorageTargets: []relay.StorageTarget{
			{Domain: "example.com", Mailbox: "INBOX", OwnerUUID: uuid.New()},
			{Domain: "example.org", Mailbox: "INBOX", OwnerUUID: uuid.New()},
		},
	}

	assert.NotPanics(t, func() {
		w.Handle(context.Background(), handoff)
	})
	assert.Len(t, store.Shortcuts(), 2)
}

func TestStorageWorkerHandleNoTargetsIsNoop(t *testing.T) {
	store := mailstore.NewMemoryStore()
	cache := mailstore.NewMemoryCache()
	w := &StorageWorker{Store: store, Cache: cache}
	w.Handle(context.Background(), relay.SessionHandoff{MessageID: uuid.New()})
	assert.Empty(t, store.Shortcuts())
}
