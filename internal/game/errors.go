package game

import (
	"errors"
	"fmt"
)

// ValidationError is a user-facing rejection with a specific reason.
// It is returned synchronously and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err should be shown to the player as-is.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrBettingClosed rejects a bet after the betting window elapsed.
	ErrBettingClosed = &ValidationError{Reason: "Betting is closed for this round"}

	// ErrRoundEnded rejects an operation against a finished round.
	ErrRoundEnded = &ValidationError{Reason: "Round has already ended"}

	// ErrClockSkew rejects a bet whose client timestamp is too far from
	// server time.
	ErrClockSkew = &ValidationError{Reason: "Client clock is out of sync, please retry"}

	// ErrTryAgain masks transient backend trouble from the player.
	ErrTryAgain = &ValidationError{Reason: "Something went wrong, please try again"}
)
