package board

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/driftboard/driftboard/internal/boardstore"
	"github.com/driftboard/driftboard/internal/moderation"
)

// Service composes the admission pipeline and the retrieval views on top of a
// message store. Within one submission the stages run strictly in order:
// validation, deny list, cooldown, moderation, insert -- an insert is only
// issued if every prior stage passed.
type Service struct {
	denyList DenyList
	gate     moderation.Gate
	logger   *logrus.Logger
	store    boardstore.Store
	timeNow  func() time.Time
}

func NewService(logger *logrus.Logger, store boardstore.Store, gate moderation.Gate, denyList DenyList) *Service {
	return &Service{
		denyList: denyList,
		gate:     gate,
		logger:   logger,
		store:    store,
		timeNow:  time.Now,
	}
}

func (s *Service) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

// Submit runs a submission through the full admission pipeline and stores it
// on success. Validation and policy errors come back as the package's typed
// errors; anything else is a dependency failure and means nothing was
// inserted.
func (s *Service) Submit(ctx context.Context, text, rawSenderName, senderAddress string) (*boardstore.Message, error) {
	senderName, err := ValidateSubmission(text, rawSenderName, senderAddress)
	if err != nil {
		return nil, err
	}

	if s.denyList.Contains(senderAddress) {
		return nil, ErrSenderDenied
	}

	// The cooldown check and the insert below are not atomic, so two
	// near-simultaneous sends from one address can both slip through. That's
	// acceptable for ephemeral abuse protection; the data is low stakes.
	if err := s.checkCooldown(ctx, senderAddress); err != nil {
		return nil, err
	}

	// Both the text and the (possibly default) sender name get classified. A
	// gate failure fails the send closed: better to refuse a message than to
	// store one that was never classified.
	for _, input := range []string{text, senderName} {
		flagged, err := s.gate.Check(ctx, input)
		if err != nil {
			return nil, xerrors.Errorf("error checking content with moderation gate: %w", err)
		}
		if flagged {
			return nil, ErrModerationRejected
		}
	}

	now := s.timeNow()
	message := &boardstore.Message{
		Text:          text,
		SenderName:    senderName,
		SenderAddress: senderAddress,
		CreatedAt:     now,
		ExpiresAt:     now.Add(boardstore.MessageTTL),
	}

	if err := s.store.Insert(ctx, message); err != nil {
		return nil, xerrors.Errorf("error inserting message: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":  message.ID,
		"sender_name": message.SenderName,
	}).Infof("Stored message %d", message.ID)

	return message, nil
}

// Latest purges expired messages and returns up to LatestLimit non-expired
// ones, most recent first.
func (s *Service) Latest(ctx context.Context) ([]*boardstore.Message, error) {
	if err := s.purge(ctx); err != nil {
		return nil, err
	}

	messages, err := s.store.Latest(ctx, LatestLimit)
	if err != nil {
		return nil, xerrors.Errorf("error getting latest messages: %w", err)
	}

	return messages, nil
}

// RandomExcluding purges expired messages, then returns one non-expired
// message picked uniformly at random among those not sent from the given
// address. Returns nil with no error when no message qualifies.
func (s *Service) RandomExcluding(ctx context.Context, senderAddress string) (*boardstore.Message, error) {
	if err := s.purge(ctx); err != nil {
		return nil, err
	}

	message, err := s.store.RandomExcluding(ctx, senderAddress)
	if err != nil {
		return nil, xerrors.Errorf("error getting random message: %w", err)
	}

	return message, nil
}

// ExportAll returns every stored message including stale-but-unpurged ones,
// most recent first. Deliberately does not purge: the export is the one view
// allowed to observe rows that are past expiry but not yet swept.
func (s *Service) ExportAll(ctx context.Context) ([]*boardstore.Message, error) {
	messages, err := s.store.All(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error exporting messages: %w", err)
	}

	return messages, nil
}

// ExpiresIn computes the whole seconds a message has left before expiry,
// clamped at zero.
func ExpiresIn(message *boardstore.Message, now time.Time) int {
	seconds := int(math.Floor(message.ExpiresAt.Sub(now).Seconds()))
	if seconds < 0 {
		return 0
	}
	return seconds
}

func (s *Service) checkCooldown(ctx context.Context, senderAddress string) error {
	last, err := s.store.LatestBySender(ctx, senderAddress)
	if err != nil {
		return xerrors.Errorf("error getting latest message for sender: %w", err)
	}
	if last == nil {
		return nil
	}

	elapsed := s.timeNow().Sub(last.CreatedAt)
	if elapsed < CooldownPeriod {
		return &CooldownError{
			SecondsRemaining: int(math.Ceil((CooldownPeriod - elapsed).Seconds())),
		}
	}

	return nil
}

func (s *Service) purge(ctx context.Context) error {
	numPurged, err := s.store.PurgeExpired(ctx)
	if err != nil {
		return xerrors.Errorf("error purging expired messages: %w", err)
	}

	if numPurged > 0 {
		s.logger.WithFields(logrus.Fields{
			"num_purged": numPurged,
		}).Infof("Purged %d expired message(s) before read", numPurged)
	}

	return nil
}
