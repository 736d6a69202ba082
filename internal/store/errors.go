package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInsufficientFunds rejects a debit larger than the account balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateBet rejects a second bet for the same (player, round).
	ErrDuplicateBet = errors.New("bet already placed for this round")

	// ErrOverrideExists rejects a second color override for a round.
	ErrOverrideExists = errors.New("color override already set for this round")

	// ErrAlreadyApplied rejects a ledger movement that was already written
	// for the same bet and entry type.
	ErrAlreadyApplied = errors.New("ledger movement already applied")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
