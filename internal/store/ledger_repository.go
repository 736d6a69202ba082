package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"colorspin/internal/database"
	"colorspin/internal/models"
)

// LedgerRepository is the money-movement layer. Every debit or credit
// locks the account row, checks funds, updates the cached balance and
// appends the immutable entry in one transaction, so the invariant
// balance(account) == sum(entries.amount) holds at all times.
type LedgerRepository struct {
	q queryable
	// db is set on the pool-bound repository so standalone movements run
	// inside their own transaction; nil when already inside one.
	db database.Service
}

func (r *LedgerRepository) Debit(ctx context.Context, accountID string, amount int64, entryType models.EntryType, refBetID *string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return r.apply(ctx, accountID, -amount, entryType, refBetID, "")
}

func (r *LedgerRepository) Credit(ctx context.Context, accountID string, amount int64, entryType models.EntryType, refBetID *string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return r.apply(ctx, accountID, amount, entryType, refBetID, "")
}

func (r *LedgerRepository) RecordAdjustment(ctx context.Context, accountID string, delta int64, note string) (*models.LedgerEntry, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjustment delta must be non-zero")
	}
	return r.apply(ctx, accountID, delta, models.EntryTypeAdjustment, nil, note)
}

// apply writes one signed movement. Run within a transaction so the row
// lock serializes concurrent movements against the same account.
func (r *LedgerRepository) apply(ctx context.Context, accountID string, signed int64, entryType models.EntryType, refBetID *string, note string) (*models.LedgerEntry, error) {
	if r.db != nil {
		var entry *models.LedgerEntry
		err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
			var innerErr error
			entry, innerErr = applyEntry(ctx, tx, accountID, signed, entryType, refBetID, note)
			return innerErr
		})
		return entry, err
	}
	return applyEntry(ctx, r.q, accountID, signed, entryType, refBetID, note)
}

func applyEntry(ctx context.Context, q queryable, accountID string, signed int64, entryType models.EntryType, refBetID *string, note string) (*models.LedgerEntry, error) {
	var balanceBefore int64
	err := q.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balanceBefore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, err)
	}

	balanceAfter := balanceBefore + signed
	// Adjustments may push a drifted balance in either direction; all
	// other debits must clear the funds check.
	if balanceAfter < 0 && entryType != models.EntryTypeAdjustment {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrInsufficientFunds)
	}

	if _, err := q.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE id = $1`, accountID, balanceAfter); err != nil {
		return nil, fmt.Errorf("failed to update balance for account %s: %w", accountID, err)
	}

	entry := &models.LedgerEntry{
		AccountID:     accountID,
		Type:          entryType,
		Amount:        signed,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		RefBetID:      refBetID,
		Note:          note,
	}
	err = q.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, type, amount, balance_before, balance_after, ref_bet_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, accountID, string(entryType), signed, balanceBefore, balanceAfter, refBetID, note).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyApplied
		}
		return nil, fmt.Errorf("failed to append ledger entry for account %s: %w", accountID, err)
	}
	return entry, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.q.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for account %s: %w", accountID, err)
	}
	return balance, nil
}

func (r *LedgerRepository) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1
	`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries for account %s: %w", accountID, err)
	}
	return sum, nil
}

func (r *LedgerRepository) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOrphaned returns entries referencing a bet that no longer exists.
// These are flagged for review, never deleted.
func (r *LedgerRepository) ListOrphaned(ctx context.Context) ([]*models.LedgerEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT le.id, le.account_id, le.type, le.amount, le.balance_before, le.balance_after, le.ref_bet_id, le.note, le.created_at
		FROM ledger_entries le
		WHERE le.ref_bet_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM bets b WHERE b.id = le.ref_bet_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var entryType string
		err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entryType,
			&entry.Amount,
			&entry.BalanceBefore,
			&entry.BalanceAfter,
			&entry.RefBetID,
			&entry.Note,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.Type = models.EntryType(entryType)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ResyncBalance recomputes the cached balance from the entries, which
// are the source of truth. A repaired drift leaves a zero-amount
// adjustment entry behind so the fix is auditable in the ledger without
// disturbing balance == sum(entries).
func (r *LedgerRepository) ResyncBalance(ctx context.Context, accountID string) (int64, error) {
	var correction int64
	err := r.q.QueryRow(ctx, `
		UPDATE accounts a
		SET balance = s.total, updated_at = now()
		FROM (
			SELECT COALESCE(SUM(amount), 0) AS total
			FROM ledger_entries WHERE account_id = $1
		) s, accounts prev
		WHERE a.id = $1 AND prev.id = a.id
		RETURNING s.total - prev.balance
	`, accountID).Scan(&correction)
	if err != nil {
		return 0, fmt.Errorf("failed to resync balance for %s: %w", accountID, err)
	}
	if correction != 0 {
		note := fmt.Sprintf("balance resync, correction %+d", correction)
		if _, err := r.apply(ctx, accountID, 0, models.EntryTypeAdjustment, nil, note); err != nil {
			return correction, fmt.Errorf("failed to record resync marker for %s: %w", accountID, err)
		}
	}
	return correction, nil
}

func (r *LedgerRepository) EnsureAccount(ctx context.Context, accountID string, initialBalance int64) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to ensure account %s: %w", accountID, err)
	}
	if initialBalance > 0 {
		balance, err := r.Balance(ctx, accountID)
		if err != nil {
			return err
		}
		if balance == 0 {
			sum, err := r.SumEntries(ctx, accountID)
			if err != nil {
				return err
			}
			// Seed only brand-new accounts, never ones that drained to zero.
			if sum == 0 {
				if _, err := r.apply(ctx, accountID, initialBalance, models.EntryTypeDeposit, nil, "initial balance"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
