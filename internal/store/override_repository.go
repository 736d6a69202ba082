package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"colorspin/internal/models"
)

// OverrideRepository persists per-round color overrides.
type OverrideRepository struct {
	q queryable
}

func (r *OverrideRepository) Create(ctx context.Context, override *models.ColorOverride) error {
	query := `
		INSERT INTO color_overrides (round_id, color, chosen_by, result_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	err := r.q.QueryRow(ctx, query,
		override.RoundID,
		string(override.Color),
		string(override.ChosenBy),
		override.ResultHash,
	).Scan(&override.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOverrideExists
		}
		return fmt.Errorf("failed to create color override for round %s: %w", override.RoundID, err)
	}
	return nil
}

func (r *OverrideRepository) GetByRound(ctx context.Context, roundID string) (*models.ColorOverride, error) {
	query := `
		SELECT round_id, color, chosen_by, result_hash, created_at
		FROM color_overrides
		WHERE round_id = $1
	`
	var override models.ColorOverride
	var color, chosenBy string
	err := r.q.QueryRow(ctx, query, roundID).Scan(
		&override.RoundID,
		&color,
		&chosenBy,
		&override.ResultHash,
		&override.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get color override for round %s: %w", roundID, err)
	}
	override.Color = models.Color(color)
	override.ChosenBy = models.OverrideSource(chosenBy)
	return &override, nil
}
