// Package board implements the message admission and lifecycle pipeline: pure
// validation of text and display name, the per-address posting cooldown, the
// moderation gate, and the retrieval views that compose expiry purging with
// store queries.
package board

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Display name recorded when the sender doesn't provide one. Exempt from
	// the character-set check so that the default always passes validation.
	AnonymousName = "Anonymous"

	// Minimum interval between two accepted messages from the same sender
	// address.
	CooldownPeriod = 60 * time.Second

	// Most messages the latest view will ever return.
	LatestLimit = 50

	MaxNameLength = 16
	MaxTextLength = 300
)

var senderNameRE = regexp.MustCompile(`^[A-Za-z0-9 ]{1,16}$`)

var (
	ErrInvalidSenderName    = errors.New("sender name must be 1-16 characters of letters, digits, and spaces")
	ErrMissingTextOrAddress = errors.New("message text and sender address are both required")
	ErrModerationRejected   = errors.New("message was rejected by moderation")
	ErrSenderDenied         = errors.New("sender address is denied")
	ErrTextTooLong          = errors.New("message text is longer than the maximum allowed length")
)

// CooldownError is a send rejected because the sender's previous accepted
// message is too recent.
type CooldownError struct {
	SecondsRemaining int
}

func (e *CooldownError) Error() string {
	return "cooldown active"
}

// ValidateSubmission runs the pure admission checks on a submission and
// returns the normalized sender name. No side effects, no I/O.
func ValidateSubmission(text, rawSenderName, senderAddress string) (string, error) {
	if text == "" || senderAddress == "" {
		return "", ErrMissingTextOrAddress
	}

	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrTextTooLong
	}

	senderName := strings.TrimSpace(rawSenderName)
	if senderName == "" {
		senderName = AnonymousName
	}

	if senderName != AnonymousName && !senderNameRE.MatchString(senderName) {
		return "", ErrInvalidSenderName
	}

	return senderName, nil
}

// DenyList answers whether a sender address is banned from posting.
type DenyList interface {
	Contains(senderAddress string) bool
}
