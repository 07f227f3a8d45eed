package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/driftboard/driftboard/internal/boardstore"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

// Exercises the real SQL against a live database. Set TEST_DATABASE_URL to a
// disposable database to run; the table is truncated at the start of the
// test.
func TestPGStore(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database tests")
	}

	ctx := context.Background()

	store, err := NewPGStore(ctx, logger, databaseURL)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	_, err = store.pool.Exec(ctx, "TRUNCATE messages RESTART IDENTITY")
	require.NoError(t, err)

	store.timeNow = func() time.Time { return stableTime }

	newMessage := func(text, senderAddress string, createdAt time.Time) *boardstore.Message {
		return &boardstore.Message{
			Text:          text,
			SenderName:    "bob",
			SenderAddress: senderAddress,
			CreatedAt:     createdAt,
			ExpiresAt:     createdAt.Add(boardstore.MessageTTL),
		}
	}

	// Insert assigns increasing ids.
	first := newMessage("first", "1.2.3.4", stableTime.Add(-2*time.Hour))
	require.NoError(t, store.Insert(ctx, first))
	second := newMessage("second", "5.6.7.8", stableTime.Add(-1*time.Hour))
	require.NoError(t, store.Insert(ctx, second))
	expired := newMessage("expired", "9.9.9.9", stableTime.Add(-boardstore.MessageTTL).Add(-time.Minute))
	require.NoError(t, store.Insert(ctx, expired))
	require.Greater(t, second.ID, first.ID)

	// Latest: newest first, expired filtered out.
	{
		latest, err := store.Latest(ctx, 50)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		require.Equal(t, "second", latest[0].Text)
		require.Equal(t, "first", latest[1].Text)

		latest, err = store.Latest(ctx, 1)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		require.Equal(t, "second", latest[0].Text)
	}

	// LatestBySender: exact address match, nil when the sender has nothing.
	{
		message, err := store.LatestBySender(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.NotNil(t, message)
		require.Equal(t, "first", message.Text)

		message, err = store.LatestBySender(ctx, "4.4.4.4")
		require.NoError(t, err)
		require.Nil(t, message)
	}

	// RandomExcluding: never the caller's own message, nil when nothing
	// qualifies.
	{
		message, err := store.RandomExcluding(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.NotNil(t, message)
		require.Equal(t, "second", message.Text)

		message, err = store.RandomExcluding(ctx, "5.6.7.8")
		require.NoError(t, err)
		require.NotNil(t, message)
		require.Equal(t, "first", message.Text)
	}

	// All includes the stale row; PurgeExpired removes it, and a second
	// sweep deletes nothing further.
	{
		all, err := store.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)

		numPurged, err := store.PurgeExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, numPurged)

		numPurged, err = store.PurgeExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, numPurged)

		all, err = store.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
	}
}
