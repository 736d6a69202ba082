package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"colorspin/internal/models"
)

// BetRepository persists bets.
type BetRepository struct {
	q queryable
}

func (r *BetRepository) Create(ctx context.Context, bet *models.Bet) error {
	query := `
		INSERT INTO bets (id, player_id, round_id, kind, color, number, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	var color *string
	if bet.Color != nil {
		c := string(*bet.Color)
		color = &c
	}
	err := r.q.QueryRow(ctx, query,
		bet.ID,
		bet.PlayerID,
		bet.RoundID,
		string(bet.Kind),
		color,
		bet.Number,
		bet.Amount,
	).Scan(&bet.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBet
		}
		return fmt.Errorf("failed to create bet for player %s: %w", bet.PlayerID, err)
	}
	return nil
}

func (r *BetRepository) ListByRound(ctx context.Context, roundID string) ([]*models.Bet, error) {
	query := betSelect + ` WHERE round_id = $1 ORDER BY created_at`
	return r.list(ctx, query, roundID)
}

func (r *BetRepository) ListUnsettledByRound(ctx context.Context, roundID string) ([]*models.Bet, error) {
	// FOR UPDATE so settlement serializes against concurrent placement
	// commits touching the same rows.
	query := betSelect + ` WHERE round_id = $1 AND NOT settled ORDER BY created_at FOR UPDATE`
	return r.list(ctx, query, roundID)
}

func (r *BetRepository) Settle(ctx context.Context, id string, won bool, payout int64) error {
	query := `
		UPDATE bets
		SET settled = TRUE, won = $2, payout = $3
		WHERE id = $1 AND NOT settled
	`
	tag, err := r.q.Exec(ctx, query, id, won, payout)
	if err != nil {
		return fmt.Errorf("failed to settle bet %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *BetRepository) DailyTotals(ctx context.Context, playerID string, since time.Time) (int64, int64, error) {
	query := `
		SELECT
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(amount - payout) FILTER (WHERE settled), 0)
		FROM bets
		WHERE player_id = $1 AND created_at >= $2
	`
	var wagered, lost int64
	err := r.q.QueryRow(ctx, query, playerID, since).Scan(&wagered, &lost)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get daily totals for player %s: %w", playerID, err)
	}
	if lost < 0 {
		lost = 0
	}
	return wagered, lost, nil
}

func (r *BetRepository) ListUnledgered(ctx context.Context, createdBefore time.Time) ([]*models.Bet, error) {
	query := betSelect + `
		WHERE created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries le
			WHERE le.ref_bet_id = bets.id AND le.type = 'bet'
		  )
		ORDER BY created_at
	`
	return r.list(ctx, query, createdBefore)
}

const betSelect = `
	SELECT id, player_id, round_id, kind, color, number, amount, settled, won, payout, created_at
	FROM bets`

func (r *BetRepository) list(ctx context.Context, query string, args ...any) ([]*models.Bet, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets: %w", err)
	}
	defer rows.Close()

	var bets []*models.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		bets = append(bets, bet)
	}
	return bets, rows.Err()
}

func scanBet(row pgx.Row) (*models.Bet, error) {
	var bet models.Bet
	var kind string
	var color *string
	err := row.Scan(
		&bet.ID,
		&bet.PlayerID,
		&bet.RoundID,
		&kind,
		&color,
		&bet.Number,
		&bet.Amount,
		&bet.Settled,
		&bet.Won,
		&bet.Payout,
		&bet.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	bet.Kind = models.BetKind(kind)
	if color != nil {
		c := models.Color(*color)
		bet.Color = &c
	}
	return &bet, nil
}
