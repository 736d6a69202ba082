package models

import "time"

// OverrideSource records who pre-selected a round result color.
type OverrideSource string

const (
	OverrideByAdmin OverrideSource = "admin"
	OverrideByAuto  OverrideSource = "auto"
)

// ColorOverride pins the result color for a round before settlement.
// At most one exists per round; the first writer wins and the row is
// immutable afterwards.
type ColorOverride struct {
	RoundID    string         `db:"round_id"`
	Color      Color          `db:"color"`
	ChosenBy   OverrideSource `db:"chosen_by"`
	ResultHash string         `db:"result_hash"`
	CreatedAt  time.Time      `db:"created_at"`
}
