// Package boardstore defines the message record and the storage contract that
// every backend implements. The store is the only shared mutable resource in
// the system: it owns record identity (monotonic ids) and the visibility of
// deletes. Everything above it operates on messages by value.
package boardstore

import (
	"context"
	"time"
)

const (
	// Every message lives for exactly this long after insertion, after which
	// it becomes eligible for deletion and invisible to ordinary reads.
	MessageTTL = 10 * time.Hour
)

type Message struct {
	ID            int64
	Text          string
	SenderName    string
	SenderAddress string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the message is past its expiry as of now. Expired
// messages are candidates for deletion and must never reach ordinary readers.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

type Store interface {
	// Insert stores a new message and assigns its ID. Timestamps are expected
	// to have been computed by the caller; the store never touches them.
	Insert(ctx context.Context, message *Message) error

	// Latest returns up to limit non-expired messages ordered by creation
	// time descending (most recent first).
	Latest(ctx context.Context, limit int) ([]*Message, error)

	// LatestBySender returns the most recent message for the exact sender
	// address, expired or not, or nil when the sender has none. The cooldown
	// check cares only about this single record.
	LatestBySender(ctx context.Context, senderAddress string) (*Message, error)

	// RandomExcluding returns one non-expired message selected uniformly at
	// random among those whose sender address differs from the given one, or
	// nil when no message qualifies.
	RandomExcluding(ctx context.Context, senderAddress string) (*Message, error)

	// PurgeExpired deletes every expired message and returns the number
	// deleted. Idempotent; safe to call before every read.
	PurgeExpired(ctx context.Context) (int, error)

	// All returns every stored message ordered by creation time descending,
	// including stale-but-unpurged ones. Admin export only.
	All(ctx context.Context) ([]*Message, error)
}
