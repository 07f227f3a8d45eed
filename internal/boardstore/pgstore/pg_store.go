// Package pgstore implements boardstore's `Store` interface on top of
// Postgres via pgx. The single `messages` table is the entire persisted state
// layout; expiry is enforced in queries and by `PurgeExpired` rather than by
// any database-side job, so a restarted server picks up exactly where it left
// off.
package pgstore

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/driftboard/driftboard/internal/boardstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	text TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	sender_ip TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_created_at_idx ON messages (created_at DESC);
CREATE INDEX IF NOT EXISTS messages_expires_at_idx ON messages (expires_at);
CREATE INDEX IF NOT EXISTS messages_sender_ip_created_at_idx ON messages (sender_ip, created_at DESC);
`

type PGStore struct {
	logger          *logrus.Logger
	name            string
	pool            *pgxpool.Pool
	reapLoopStarted bool
	timeNow         func() time.Time
}

func NewPGStore(ctx context.Context, logger *logrus.Logger, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, xerrors.Errorf("error creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, xerrors.Errorf("error pinging database: %w", err)
	}

	return &PGStore{
		logger:  logger,
		name:    reflect.TypeOf(PGStore{}).Name(),
		pool:    pool,
		timeNow: time.Now,
	}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

// Migrate creates the messages table and its indexes if they don't exist yet.
// Run once on startup before serving.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return xerrors.Errorf("error running schema migration: %w", err)
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, message *boardstore.Message) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (text, sender_name, sender_ip, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, message.Text, message.SenderName, message.SenderAddress, message.CreatedAt, message.ExpiresAt).
		Scan(&message.ID)
	if err != nil {
		return xerrors.Errorf("error inserting message: %w", err)
	}

	return nil
}

func (s *PGStore) Latest(ctx context.Context, limit int) ([]*boardstore.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, sender_name, sender_ip, created_at, expires_at
		FROM messages
		WHERE expires_at > $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, s.timeNow(), limit)
	if err != nil {
		return nil, xerrors.Errorf("error querying latest messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PGStore) LatestBySender(ctx context.Context, senderAddress string) (*boardstore.Message, error) {
	message, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT id, text, sender_name, sender_ip, created_at, expires_at
		FROM messages
		WHERE sender_ip = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, senderAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Errorf("error querying latest message for sender: %w", err)
	}

	return message, nil
}

func (s *PGStore) RandomExcluding(ctx context.Context, senderAddress string) (*boardstore.Message, error) {
	// `ORDER BY random()` is a full sort of the candidate set, but the board
	// holds at most a few hours of short messages, so the set stays small.
	message, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT id, text, sender_name, sender_ip, created_at, expires_at
		FROM messages
		WHERE expires_at > $1 AND sender_ip <> $2
		ORDER BY random()
		LIMIT 1
	`, s.timeNow(), senderAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Errorf("error querying random message: %w", err)
	}

	return message, nil
}

func (s *PGStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE expires_at <= $1
	`, s.timeNow())
	if err != nil {
		return 0, xerrors.Errorf("error purging expired messages: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

func (s *PGStore) All(ctx context.Context) ([]*boardstore.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, sender_name, sender_ip, created_at, expires_at
		FROM messages
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, xerrors.Errorf("error querying all messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ReapLoop runs a background sweep of expired messages every sweep interval
// until a shutdown signal is received.
func (s *PGStore) ReapLoop(ctx context.Context, shutdown <-chan struct{}) {
	if s.reapLoopStarted {
		panic("ReapLoop already started -- should only be run once")
	}

	s.reapLoopStarted = true

	for {
		numPurged, err := s.PurgeExpired(ctx)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"error": err,
			}).Errorf(s.name + ": Error purging expired messages")
		} else {
			s.logger.WithFields(logrus.Fields{
				"num_purged": numPurged,
			}).Infof(s.name+": Purged %d message(s)", numPurged)
		}

		select {
		case <-shutdown:
			s.logger.Infof(s.name + ": Received shutdown signal")
			return

		case <-time.After(1 * time.Minute):
		}
	}
}

func scanMessage(row pgx.Row) (*boardstore.Message, error) {
	var message boardstore.Message
	err := row.Scan(&message.ID, &message.Text, &message.SenderName,
		&message.SenderAddress, &message.CreatedAt, &message.ExpiresAt)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return &message, nil
}

func scanMessages(rows pgx.Rows) ([]*boardstore.Message, error) {
	var messages []*boardstore.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, xerrors.Errorf("error scanning message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}
