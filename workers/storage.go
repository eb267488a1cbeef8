package workers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fannst/fmta/lalog"
	"github.com/fannst/fmta/mailstore"
	"github.com/fannst/fmta/metrics"
	"github.com/fannst/fmta/mime"
	"github.com/fannst/fmta/relay"
)

const previewSnippetLen = 200

// StorageWorker persists a SessionHandoff's local storage targets
// (spec.md §4.11 storage worker). Each target is an independent
// attempt: one target's failure never prevents the others from being
// written.
type StorageWorker struct {
	Store   mailstore.Store
	Cache   mailstore.SessionCache
	Logger  *lalog.Logger
	Metrics *metrics.Registry
}

func (w *StorageWorker) logger() *lalog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return lalog.DefaultLogger
}

// Handle satisfies Loop[relay.SessionHandoff].Handle.
func (w *StorageWorker) Handle(ctx context.Context, handoff relay.SessionHandoff) {
	if len(handoff.StorageTargets) == 0 {
		return
	}
	var subject, preview string
	if msg, err := mime.Parse(handoff.Raw, 16); err == nil {
		subject = msg.Header("Subject")
		preview = mime.PreviewSnippet(msg, previewSnippetLen)
	}
	flags := storageFlags(handoff)

	for _, target := range handoff.StorageTargets {
		if err := w.storeOne(ctx, handoff, target, subject, preview, flags); err != nil {
			w.logger().Warning(target.Domain, err, "storing message %s into %s/%s failed", handoff.MessageID, target.Domain, target.Mailbox)
			if w.Metrics != nil {
				w.Metrics.IncStorageFailure()
			}
			continue
		}
		if w.Metrics != nil {
			w.Metrics.IncStored()
		}
	}
}

func (w *StorageWorker) storeOne(ctx context.Context, handoff relay.SessionHandoff, target relay.StorageTarget, subject, preview string, flags []string) error {
	receivedAt := handoff.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	bucket := mailstore.BucketOf(receivedAt)
	emailUUID := uuid.New()
	key := mailstore.RawMessageKey{
		Bucket:    bucket,
		Domain:    target.Domain,
		OwnerUUID: target.OwnerUUID,
		EmailUUID: emailUUID,
	}
	if err := w.Store.RawMessagePut(ctx, key, handoff.Raw); err != nil {
		return err
	}

	uid, err := w.allocateUID(ctx, target.Domain, target.OwnerUUID, target.Mailbox)
	if err != nil {
		return err
	}

	shortcut := mailstore.MessageShortcut{
		Domain:        target.Domain,
		Mailbox:       target.Mailbox,
		OwnerUUID:     target.OwnerUUID,
		EmailUUID:     emailUUID,
		Subject:       subject,
		Preview:       preview,
		Size:          len(handoff.Raw),
		UID:           uid,
		Flags:         flags,
		SenderDisplay: handoff.Sender.Mailbox(),
	}
	if err := w.Store.MessageShortcutPut(ctx, shortcut); err != nil {
		return err
	}

	unseenDelta := 1
	recentDelta := 1
	if _, err := w.Cache.MailboxStatusIncrement(ctx, bucket, target.Domain, target.OwnerUUID, target.Mailbox, 1, unseenDelta, recentDelta); err != nil {
		return err
	}
	return nil
}

// allocateUID implements spec.md §4.11's "UID allocation is atomic per
// mailbox via SessionCache increment; on cache miss the largest
// existing UID is recovered from the store": NextUID is tried first,
// and only on a cache-miss error is the counter seeded from
// Store.HighestUID before retrying.
func (w *StorageWorker) allocateUID(ctx context.Context, domain string, owner uuid.UUID, mailbox string) (uint32, error) {
	uid, err := w.Cache.NextUID(ctx, domain, owner, mailbox)
	if err == nil {
		return uid, nil
	}
	highest, hErr := w.Store.HighestUID(ctx, domain, owner, mailbox)
	if hErr != nil {
		return 0, hErr
	}
	if sErr := w.Cache.SeedNextUID(ctx, domain, owner, mailbox, highest); sErr != nil {
		return 0, sErr
	}
	return w.Cache.NextUID(ctx, domain, owner, mailbox)
}

func storageFlags(handoff relay.SessionHandoff) []string {
	if handoff.SpamFlag {
		return []string{"\\Spam"}
	}
	return nil
}
