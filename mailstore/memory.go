package mailstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

var (
	_ Store        = (*MemoryStore)(nil)
	_ SessionCache = (*MemoryCache)(nil)
)

// MemoryStore is an in-process Store used by tests and by cmd/fmtad,
// which has no persistent driver to wire in (Cassandra is out of scope,
// spec.md §1); its contents are lost when the process exits.
type MemoryStore struct {
	mu             sync.Mutex
	rawMessages    map[RawMessageKey][]byte
	shortcuts      []MessageShortcut
	statuses       map[statusKey]MailboxStatus
	localDomains   map[string]bool
	accounts       map[accountKey]AccountShortcut
}

type statusKey struct {
	Bucket      Bucket
	Domain      string
	Owner       uuid.UUID
	MailboxPath string
}

type accountKey struct {
	Domain   string
	Username string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rawMessages:  make(map[RawMessageKey][]byte),
		statuses:     make(map[statusKey]MailboxStatus),
		localDomains: make(map[string]bool),
		accounts:     make(map[accountKey]AccountShortcut),
	}
}

func (s *MemoryStore) AccountLookup(_ context.Context, domain, username string) (AccountShortcut, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountKey{domain, username}]
	return account, ok, nil
}

// PutAccount seeds an account, for test setup.
func (s *MemoryStore) PutAccount(account AccountShortcut) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey{account.Domain, account.Username}] = account
}

func (s *MemoryStore) RawMessagePut(_ context.Context, key RawMessageKey, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.rawMessages[key] = cp
	return nil
}

// RawMessage retrieves a previously stored message, for test assertions.
func (s *MemoryStore) RawMessage(key RawMessageKey) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.rawMessages[key]
	return raw, ok
}

func (s *MemoryStore) MessageShortcutPut(_ context.Context, shortcut MessageShortcut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortcuts = append(s.shortcuts, shortcut)
	return nil
}

// Shortcuts returns every stored MessageShortcut, for test assertions.
func (s *MemoryStore) Shortcuts() []MessageShortcut {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageShortcut, len(s.shortcuts))
	copy(out, s.shortcuts)
	return out
}

func (s *MemoryStore) MailboxStatusUpdate(_ context.Context, bucket Bucket, domain string, owner uuid.UUID, mailboxPath string, mutate func(MailboxStatus) MailboxStatus) (MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statusKey{bucket, domain, owner, mailboxPath}
	current := s.statuses[key]
	if current.MailboxPath == "" {
		current = MailboxStatus{Bucket: bucket, Domain: domain, OwnerUUID: owner, MailboxPath: mailboxPath}
	}
	updated := mutate(current)
	s.statuses[key] = updated
	return updated, nil
}

func (s *MemoryStore) HighestUID(_ context.Context, domain string, owner uuid.UUID, mailboxPath string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var highest uint32
	for key, status := range s.statuses {
		if key.Domain == domain && key.Owner == owner && key.MailboxPath == mailboxPath {
			if status.NextUID > highest {
				highest = status.NextUID
			}
		}
	}
	return highest, nil
}

func (s *MemoryStore) IsLocalDomain(_ context.Context, domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDomains[domain], nil
}

// PutLocalDomain seeds a local domain, for test setup.
func (s *MemoryStore) PutLocalDomain(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDomains[domain] = true
}

// MemoryCache is an in-process SessionCache, standing in for Redis in
// tests and in single-process deployments that accept losing the cache
// on restart.
type MemoryCache struct {
	mu           sync.Mutex
	localDomains map[string]bool
	accounts     map[accountKey]AccountShortcut
	nextUID      map[statusKey]uint32
	statuses     map[statusKey]MailboxStatus
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		localDomains: make(map[string]bool),
		accounts:     make(map[accountKey]AccountShortcut),
		nextUID:      make(map[statusKey]uint32),
		statuses:     make(map[statusKey]MailboxStatus),
	}
}

func (c *MemoryCache) IsLocalDomain(_ context.Context, domain string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	local, ok := c.localDomains[domain]
	if !ok {
		return false, ErrEmptyQuery
	}
	return local, nil
}

func (c *MemoryCache) LocalDomainPut(_ context.Context, domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDomains[domain] = true
	return nil
}

func (c *MemoryCache) AccountLookup(_ context.Context, domain, username string) (AccountShortcut, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	account, ok := c.accounts[accountKey{domain, username}]
	if !ok {
		return AccountShortcut{}, ErrEmptyQuery
	}
	return account, nil
}

func (c *MemoryCache) AccountLookupPut(_ context.Context, account AccountShortcut) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[accountKey{account.Domain, account.Username}] = account
	return nil
}

func (c *MemoryCache) NextUID(_ context.Context, domain string, owner uuid.UUID, mailboxPath string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := statusKey{Domain: domain, Owner: owner, MailboxPath: mailboxPath}
	c.nextUID[key]++
	return c.nextUID[key], nil
}

func (c *MemoryCache) SeedNextUID(_ context.Context, domain string, owner uuid.UUID, mailboxPath string, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := statusKey{Domain: domain, Owner: owner, MailboxPath: mailboxPath}
	c.nextUID[key] = uid
	return nil
}

func (c *MemoryCache) MailboxStatusIncrement(_ context.Context, bucket Bucket, domain string, owner uuid.UUID, mailboxPath string, totalDelta, unseenDelta, recentDelta int) (MailboxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := statusKey{bucket, domain, owner, mailboxPath}
	status := c.statuses[key]
	if status.MailboxPath == "" {
		status = MailboxStatus{Bucket: bucket, Domain: domain, OwnerUUID: owner, MailboxPath: mailboxPath}
	}
	status.Total += totalDelta
	status.Unseen += unseenDelta
	status.Recent += recentDelta
	c.statuses[key] = status
	return status, nil
}
