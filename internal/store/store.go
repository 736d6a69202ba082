// Package store persists rounds, bets, ledger entries and color overrides
// in postgres. Repositories are bound either to the pool or to a single
// transaction; WithTx bundles transaction-scoped repositories so a whole
// settlement commits or rolls back as one unit.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"colorspin/internal/database"
	"colorspin/internal/models"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type RoundStore interface {
	Create(ctx context.Context, round *models.Round) error
	ActiveByRoom(ctx context.Context, room string) (*models.Round, error)
	GetByID(ctx context.Context, id string) (*models.Round, error)
	// Finish marks the round ended with its result. Returns false when the
	// round was already ended (settlement raced, idempotent no-op).
	Finish(ctx context.Context, id string, number int, color models.Color) (bool, error)
	ListStuck(ctx context.Context, startedBefore time.Time) ([]*models.Round, error)
}

type BetStore interface {
	// Create inserts the bet; the (player, round) uniqueness constraint
	// rejects a concurrent duplicate with ErrDuplicateBet.
	Create(ctx context.Context, bet *models.Bet) error
	ListByRound(ctx context.Context, roundID string) ([]*models.Bet, error)
	ListUnsettledByRound(ctx context.Context, roundID string) ([]*models.Bet, error)
	Settle(ctx context.Context, id string, won bool, payout int64) error
	// DailyTotals returns total wagered across all bets and net amount lost
	// across settled bets since the given time.
	DailyTotals(ctx context.Context, playerID string, since time.Time) (wagered, lost int64, err error)
	ListUnledgered(ctx context.Context, createdBefore time.Time) ([]*models.Bet, error)
}

type LedgerStore interface {
	Debit(ctx context.Context, accountID string, amount int64, entryType models.EntryType, refBetID *string) (*models.LedgerEntry, error)
	Credit(ctx context.Context, accountID string, amount int64, entryType models.EntryType, refBetID *string) (*models.LedgerEntry, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	ListOrphaned(ctx context.Context) ([]*models.LedgerEntry, error)
	RecordAdjustment(ctx context.Context, accountID string, delta int64, note string) (*models.LedgerEntry, error)
	// ResyncBalance resets the cached account balance to the sum of its
	// ledger entries and returns the correction that was applied.
	ResyncBalance(ctx context.Context, accountID string) (int64, error)
	EnsureAccount(ctx context.Context, accountID string, initialBalance int64) error
}

type OverrideStore interface {
	// Create inserts the override; the second writer for a round gets
	// ErrOverrideExists (first writer wins).
	Create(ctx context.Context, override *models.ColorOverride) error
	GetByRound(ctx context.Context, roundID string) (*models.ColorOverride, error)
}

// Tx is the repository bundle visible inside one atomic unit.
type Tx interface {
	Rounds() RoundStore
	Bets() BetStore
	Ledger() LedgerStore
	Overrides() OverrideStore
}

// Store is the durable source of truth for money and rounds.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type postgresStore struct {
	db database.Service
}

// New creates the postgres-backed store.
func New(db database.Service) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) Rounds() RoundStore {
	return &RoundRepository{q: s.db.Pool()}
}

func (s *postgresStore) Bets() BetStore {
	return &BetRepository{q: s.db.Pool()}
}

func (s *postgresStore) Ledger() LedgerStore {
	return &LedgerRepository{q: s.db.Pool(), db: s.db}
}

func (s *postgresStore) Overrides() OverrideStore {
	return &OverrideRepository{q: s.db.Pool()}
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&txBundle{tx: tx})
	})
}

type txBundle struct {
	tx pgx.Tx
}

func (b *txBundle) Rounds() RoundStore       { return &RoundRepository{q: b.tx} }
func (b *txBundle) Bets() BetStore           { return &BetRepository{q: b.tx} }
func (b *txBundle) Ledger() LedgerStore      { return &LedgerRepository{q: b.tx} }
func (b *txBundle) Overrides() OverrideStore { return &OverrideRepository{q: b.tx} }
