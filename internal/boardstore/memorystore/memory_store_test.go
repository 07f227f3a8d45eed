package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/driftboard/driftboard/internal/boardstore"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

func newMessage(text, senderAddress string, createdAt time.Time) *boardstore.Message {
	return &boardstore.Message{
		Text:          text,
		SenderName:    "bob",
		SenderAddress: senderAddress,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(boardstore.MessageTTL),
	}
}

func TestMemoryStoreInsert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	first := newMessage("first", "1.2.3.4", stableTime)
	require.NoError(t, store.Insert(ctx, first))
	require.Equal(t, int64(1), first.ID)

	second := newMessage("second", "1.2.3.4", stableTime)
	require.NoError(t, store.Insert(ctx, second))
	require.Equal(t, int64(2), second.ID)

	// Mutating the inserted value after the fact doesn't touch the store's
	// own record.
	first.Text = "mutated"
	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "second", all[0].Text)
	require.Equal(t, "first", all[1].Text)
}

func TestMemoryStoreLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	require.NoError(t, store.Insert(ctx, newMessage("oldest", "1.2.3.4", stableTime.Add(-2*time.Hour))))
	require.NoError(t, store.Insert(ctx, newMessage("newest", "5.6.7.8", stableTime)))
	require.NoError(t, store.Insert(ctx, newMessage("middle", "9.9.9.9", stableTime.Add(-1*time.Hour))))

	latest, err := store.Latest(ctx, 50)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	require.Equal(t, "newest", latest[0].Text)
	require.Equal(t, "middle", latest[1].Text)
	require.Equal(t, "oldest", latest[2].Text)

	// Limit truncates after ordering.
	latest, err = store.Latest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "newest", latest[0].Text)

	// Even without a purge, expired messages are filtered out of the view.
	store.SetTimeNow(func() time.Time { return stableTime.Add(boardstore.MessageTTL).Add(-30 * time.Minute) })
	latest, err = store.Latest(ctx, 50)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "newest", latest[0].Text)
}

func TestMemoryStoreLatestBySender(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	message, err := store.LatestBySender(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.Nil(t, message)

	require.NoError(t, store.Insert(ctx, newMessage("older", "1.2.3.4", stableTime.Add(-time.Hour))))
	require.NoError(t, store.Insert(ctx, newMessage("newer", "1.2.3.4", stableTime)))
	require.NoError(t, store.Insert(ctx, newMessage("other sender", "5.6.7.8", stableTime)))

	message, err = store.LatestBySender(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, message)
	require.Equal(t, "newer", message.Text)

	// Expired messages still count: only recency matters for the cooldown.
	store.SetTimeNow(func() time.Time { return stableTime.Add(boardstore.MessageTTL).Add(time.Hour) })
	message, err = store.LatestBySender(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, message)
	require.Equal(t, "newer", message.Text)
}

func TestMemoryStoreRandomExcluding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	// Empty board.
	message, err := store.RandomExcluding(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.Nil(t, message)

	require.NoError(t, store.Insert(ctx, newMessage("mine", "1.2.3.4", stableTime)))

	// Only the caller's own messages.
	message, err = store.RandomExcluding(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.Nil(t, message)

	require.NoError(t, store.Insert(ctx, newMessage("theirs", "5.6.7.8", stableTime)))

	// Exactly one candidate makes selection deterministic.
	for i := 0; i < 10; i++ {
		message, err = store.RandomExcluding(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.NotNil(t, message)
		require.Equal(t, "theirs", message.Text)
	}
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	require.NoError(t, store.Insert(ctx, newMessage("doomed", "1.2.3.4", stableTime.Add(-boardstore.MessageTTL))))
	require.NoError(t, store.Insert(ctx, newMessage("alive", "5.6.7.8", stableTime)))

	numPurged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, numPurged)

	// Idempotent: a second sweep with no intervening insert deletes nothing.
	numPurged, err = store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, numPurged)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "alive", all[0].Text)
}

func TestMemoryStoreAllIncludesStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	require.NoError(t, store.Insert(ctx, newMessage("stale", "1.2.3.4", stableTime.Add(-boardstore.MessageTTL).Add(-time.Minute))))

	latest, err := store.Latest(ctx, 50)
	require.NoError(t, err)
	require.Empty(t, latest)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "stale", all[0].Text)
}

func TestMemoryStoreReapLoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger)
	store.SetTimeNow(func() time.Time { return stableTime })

	require.NoError(t, store.Insert(ctx, newMessage("doomed", "1.2.3.4", stableTime.Add(-boardstore.MessageTTL))))

	shutdown := make(chan struct{})
	close(shutdown)

	// We pre-closed the shutdown channel, so this should run once, notice the
	// shutdown, and exit.
	store.ReapLoop(ctx, shutdown)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
