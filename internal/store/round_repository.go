package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"colorspin/internal/models"
)

// RoundRepository persists rounds.
type RoundRepository struct {
	q queryable
}

func (r *RoundRepository) Create(ctx context.Context, round *models.Round) error {
	query := `
		INSERT INTO rounds (id, room, start_time, ended)
		VALUES ($1, $2, $3, FALSE)
		RETURNING created_at
	`
	err := r.q.QueryRow(ctx, query, round.ID, round.Room, round.StartTime).Scan(&round.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create round for room %s: %w", round.Room, err)
	}
	return nil
}

func (r *RoundRepository) ActiveByRoom(ctx context.Context, room string) (*models.Round, error) {
	query := `
		SELECT id, room, start_time, ended, result_number, result_color, created_at
		FROM rounds
		WHERE room = $1 AND NOT ended
	`
	round, err := scanRound(r.q.QueryRow(ctx, query, room))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active round for room %s: %w", room, err)
	}
	return round, nil
}

func (r *RoundRepository) GetByID(ctx context.Context, id string) (*models.Round, error) {
	query := `
		SELECT id, room, start_time, ended, result_number, result_color, created_at
		FROM rounds
		WHERE id = $1
	`
	round, err := scanRound(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round %s: %w", id, err)
	}
	return round, nil
}

func (r *RoundRepository) Finish(ctx context.Context, id string, number int, color models.Color) (bool, error) {
	query := `
		UPDATE rounds
		SET ended = TRUE, result_number = $2, result_color = $3
		WHERE id = $1 AND NOT ended
	`
	tag, err := r.q.Exec(ctx, query, id, number, string(color))
	if err != nil {
		return false, fmt.Errorf("failed to finish round %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RoundRepository) ListStuck(ctx context.Context, startedBefore time.Time) ([]*models.Round, error) {
	query := `
		SELECT id, room, start_time, ended, result_number, result_color, created_at
		FROM rounds
		WHERE NOT ended AND start_time < $1
		ORDER BY start_time
	`
	rows, err := r.q.Query(ctx, query, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*models.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck round: %w", err)
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}

func scanRound(row pgx.Row) (*models.Round, error) {
	var round models.Round
	var resultColor *string
	err := row.Scan(
		&round.ID,
		&round.Room,
		&round.StartTime,
		&round.Ended,
		&round.ResultNumber,
		&resultColor,
		&round.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if resultColor != nil {
		c := models.Color(*resultColor)
		round.ResultColor = &c
	}
	return &round, nil
}
