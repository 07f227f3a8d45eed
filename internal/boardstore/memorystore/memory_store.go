// Package memorystore implements boardstore's `Store` interface in process
// memory. The default backend when no database is configured; everything is
// lost on restart, which is an acceptable failure mode for data that's
// designed to evaporate within hours anyway.
package memorystore

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/driftboard/driftboard/internal/boardstore"
	"github.com/driftboard/driftboard/internal/util/randutil"
)

type MemoryStore struct {
	logger          *logrus.Logger
	messages        []*boardstore.Message
	mut             sync.RWMutex
	name            string
	nextID          int64
	reapLoopStarted bool
	timeNow         func() time.Time
}

func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		name:    reflect.TypeOf(MemoryStore{}).Name(),
		nextID:  1,
		timeNow: time.Now,
	}
}

func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

func (s *MemoryStore) Insert(_ context.Context, message *boardstore.Message) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	message.ID = s.nextID
	s.nextID++

	// Copy on the way in so that no caller holds a reference into the store's
	// own records.
	stored := *message
	s.messages = append(s.messages, &stored)

	return nil
}

func (s *MemoryStore) Latest(_ context.Context, limit int) ([]*boardstore.Message, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	now := s.timeNow()

	// Just in case the reaper is behind, aggressively filter possibly stale
	// records.
	var latest []*boardstore.Message
	for _, message := range s.messages {
		if message.Expired(now) {
			continue
		}
		copied := *message
		latest = append(latest, &copied)
	}

	slices.SortFunc(latest, func(a, b *boardstore.Message) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if len(latest) > limit {
		latest = latest[:limit]
	}

	return latest, nil
}

func (s *MemoryStore) LatestBySender(_ context.Context, senderAddress string) (*boardstore.Message, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	var newest *boardstore.Message
	for _, message := range s.messages {
		if message.SenderAddress != senderAddress {
			continue
		}
		if newest == nil || message.CreatedAt.After(newest.CreatedAt) {
			newest = message
		}
	}

	if newest == nil {
		return nil, nil
	}

	copied := *newest
	return &copied, nil
}

func (s *MemoryStore) RandomExcluding(_ context.Context, senderAddress string) (*boardstore.Message, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	now := s.timeNow()

	var candidates []*boardstore.Message
	for _, message := range s.messages {
		if message.Expired(now) || message.SenderAddress == senderAddress {
			continue
		}
		candidates = append(candidates, message)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	copied := *candidates[randutil.Intn(int64(len(candidates)))]
	return &copied, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	return s.purge(), nil
}

func (s *MemoryStore) All(_ context.Context) ([]*boardstore.Message, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	all := make([]*boardstore.Message, 0, len(s.messages))
	for _, message := range s.messages {
		copied := *message
		all = append(all, &copied)
	}

	slices.SortFunc(all, func(a, b *boardstore.Message) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	return all, nil
}

// ReapLoop runs a background sweep of expired messages every sweep interval
// until a shutdown signal is received. Ordinary reads purge on their own, so
// the loop exists to keep memory bounded on a quiet board.
func (s *MemoryStore) ReapLoop(ctx context.Context, shutdown <-chan struct{}) {
	if s.reapLoopStarted {
		panic("ReapLoop already started -- should only be run once")
	}

	s.reapLoopStarted = true

	for {
		numPurged, _ := s.PurgeExpired(ctx)
		s.logger.WithFields(logrus.Fields{
			"num_purged": numPurged,
		}).Infof(s.name+": Purged %d message(s)", numPurged)

		select {
		case <-shutdown:
			s.logger.Infof(s.name + ": Received shutdown signal")
			return

		case <-time.After(1 * time.Minute):
		}
	}
}

func (s *MemoryStore) purge() int {
	now := s.timeNow()

	var kept []*boardstore.Message
	for _, message := range s.messages {
		if !message.Expired(now) {
			kept = append(kept, message)
		}
	}

	numPurged := len(s.messages) - len(kept)
	s.messages = kept

	return numPurged
}
