// Package mailstore defines the persistence interfaces FMTA's ESMTP
// session and background workers depend on (spec.md §3, §6): MailStore
// is the authoritative Cassandra-backed store, SessionCache is the
// Redis-backed read-through cache in front of it. Neither driver is in
// scope (spec.md §1 Non-goals) — this package ships only the
// interfaces, the plain value types they exchange, and an in-memory
// fake of each for tests.
package mailstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Bucket is the coarse time-window partition key spec.md §6 defines as
// unix_millis / 10^9, bounding row width in the persistence layer.
type Bucket int64

// BucketOf computes the bucket for t.
func BucketOf(t time.Time) Bucket {
	return Bucket(t.UnixMilli() / 1_000_000_000)
}

// ErrEmptyQuery is returned by SessionCache lookups that found nothing,
// distinct from a transient cache error. Per spec.md §4.8, an EmptyQuery
// on IsLocalDomain means "treat the domain as not local".
var ErrEmptyQuery = errors.New("mailstore: no matching entry")

// RawMessageKey addresses one stored message body (spec.md §6
// RawMessage row).
type RawMessageKey struct {
	Bucket    Bucket
	Domain    string
	OwnerUUID uuid.UUID
	EmailUUID uuid.UUID
}

// MessageShortcut is the per-mailbox summary row (spec.md §6
// MessageShortcut row) used to render a mailbox listing without
// fetching the raw message.
type MessageShortcut struct {
	Domain        string
	Mailbox       string
	OwnerUUID     uuid.UUID
	EmailUUID     uuid.UUID
	Subject       string
	Preview       string
	Size          int
	UID           uint32
	Flags         []string
	SenderDisplay string
}

// MailboxStatus holds the per-mailbox counters spec.md §3 describes.
// Invariants (enforced by Store/SessionCache implementations, not by
// the struct): 0 <= Recent <= Total, 0 <= Unseen <= Total, NextUID
// strictly monotone.
type MailboxStatus struct {
	Bucket          Bucket
	Domain          string
	OwnerUUID       uuid.UUID
	MailboxPath     string
	Total           int
	Unseen          int
	Recent          int
	NextUID         uint32
	SessionFlags    []string
	PermanentFlags  []string
}

// AccountShortcut resolves a (domain, username) mailbox login to the
// account's owner UUID and storage bucket (spec.md §3 AccountShortcut).
type AccountShortcut struct {
	Domain    string
	Username  string
	OwnerUUID uuid.UUID
	Bucket    Bucket
}

// Store is the authoritative persistence layer (Cassandra in
// production; spec.md §6's RawMessage/MessageShortcut/MailboxStatus/
// AccountShortcut/LocalDomain rows). Every method takes ctx so a
// blocking RPC can be cancelled per spec.md §5.
type Store interface {
	// AccountLookup resolves a mailbox login, authoritatively (bypassing
	// any cache). ok is false and err is nil when the account does not
	// exist.
	AccountLookup(ctx context.Context, domain, username string) (account AccountShortcut, ok bool, err error)
	// RawMessagePut persists the raw message bytes under key.
	RawMessagePut(ctx context.Context, key RawMessageKey, raw []byte) error
	// MessageShortcutPut persists one mailbox listing row.
	MessageShortcutPut(ctx context.Context, shortcut MessageShortcut) error
	// MailboxStatusUpdate reads the current status (zero value if
	// absent), applies mutate, and persists the result atomically with
	// respect to other callers for the same key.
	MailboxStatusUpdate(ctx context.Context, bucket Bucket, domain string, owner uuid.UUID, mailboxPath string, mutate func(MailboxStatus) MailboxStatus) (MailboxStatus, error)
	// HighestUID recovers the largest UID ever assigned in mailboxPath,
	// used by SessionCache to repopulate NextUID after a cache miss
	// (spec.md §4.11 "on cache miss the largest existing UID is
	// recovered from the store").
	HighestUID(ctx context.Context, domain string, owner uuid.UUID, mailboxPath string) (uint32, error)
	// IsLocalDomain authoritatively reports whether domain terminates at
	// this MTA.
	IsLocalDomain(ctx context.Context, domain string) (bool, error)
}

// SessionCache is the read-through cache in front of Store (Redis in
// production): local-domain membership, account lookups, and mailbox
// status with atomic UID/counter increments, all consulted before
// falling back to Store (spec.md §4.8, §4.11).
type SessionCache interface {
	// IsLocalDomain reports local-domain membership from the cache.
	// Returns ErrEmptyQuery on a cache miss; the caller (spec.md §4.8)
	// treats EmptyQuery as "not local" without necessarily consulting
	// Store, since the cache is expected to be warmed from the full
	// domain list at startup.
	IsLocalDomain(ctx context.Context, domain string) (bool, error)
	// LocalDomainPut warms the cache with a known-local domain.
	LocalDomainPut(ctx context.Context, domain string) error

	// AccountLookup resolves a mailbox login from the cache, falling
	// through to ErrEmptyQuery on a miss (the caller then consults Store
	// and calls AccountLookupPut).
	AccountLookup(ctx context.Context, domain, username string) (AccountShortcut, error)
	AccountLookupPut(ctx context.Context, account AccountShortcut) error

	// NextUID atomically allocates and returns the next UID for
	// mailboxPath. On first use for a mailbox the cache has no counter
	// seeded; the caller must call SeedNextUID once with the value
	// recovered from Store.HighestUID before relying on NextUID.
	NextUID(ctx context.Context, domain string, owner uuid.UUID, mailboxPath string) (uint32, error)
	SeedNextUID(ctx context.Context, domain string, owner uuid.UUID, mailboxPath string, uid uint32) error

	// MailboxStatusIncrement atomically applies delta to the cached
	// status's Total/Unseen/Recent counters, creating the row on first
	// use.
	MailboxStatusIncrement(ctx context.Context, bucket Bucket, domain string, owner uuid.UUID, mailboxPath string, totalDelta, unseenDelta, recentDelta int) (MailboxStatus, error)
}
