package models

import "time"

// Color is one of the four betting colors. Each color owns a fixed set of
// numbers in 0-9; together the sets cover the full range exactly once.
type Color string

const (
	ColorGreen  Color = "green"
	ColorRed    Color = "red"
	ColorViolet Color = "violet"
	ColorBlue   Color = "blue"
)

// ColorNumbers maps each color to the numbers that resolve to it.
var ColorNumbers = map[Color][]int{
	ColorGreen:  {1, 3, 7, 9},
	ColorRed:    {2, 8},
	ColorViolet: {0, 5},
	ColorBlue:   {4, 6},
}

// NumberColor returns the color a result number belongs to.
func NumberColor(n int) (Color, bool) {
	for color, numbers := range ColorNumbers {
		for _, num := range numbers {
			if num == n {
				return color, true
			}
		}
	}
	return "", false
}

// ValidColor reports whether c is a known betting color.
func ValidColor(c Color) bool {
	_, ok := ColorNumbers[c]
	return ok
}

// BetKind selects what a bet is placed on.
type BetKind string

const (
	BetKindColor  BetKind = "color"
	BetKindNumber BetKind = "number"
)

// Bet is one player's stake on one round. At most one bet exists per
// (player, round); the bet is mutated exactly once, at settlement.
type Bet struct {
	ID        string    `db:"id"`
	PlayerID  string    `db:"player_id"`
	RoundID   string    `db:"round_id"`
	Kind      BetKind   `db:"kind"`
	Color     *Color    `db:"color"`
	Number    *int      `db:"number"`
	Amount    int64     `db:"amount"`
	Settled   bool      `db:"settled"`
	Won       bool      `db:"won"`
	Payout    int64     `db:"payout"`
	CreatedAt time.Time `db:"created_at"`
}

// WinsAgainst reports whether the bet wins for the given result.
func (b *Bet) WinsAgainst(resultNumber int, resultColor Color) bool {
	switch b.Kind {
	case BetKindColor:
		return b.Color != nil && *b.Color == resultColor
	case BetKindNumber:
		return b.Number != nil && *b.Number == resultNumber
	}
	return false
}

// WinPayout computes the payout for a winning bet: 2.5x (floored) for a
// color hit, 9x for a number hit.
func (b *Bet) WinPayout() int64 {
	switch b.Kind {
	case BetKindColor:
		return b.Amount * 5 / 2
	case BetKindNumber:
		return b.Amount * 9
	}
	return 0
}
