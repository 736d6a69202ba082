package models

import "time"

// RoundPhase is derived from elapsed time, never stored.
type RoundPhase string

const (
	PhaseBetting RoundPhase = "betting"
	PhaseResult  RoundPhase = "result"
	PhaseEnded   RoundPhase = "ended"
)

// Round is one timed betting cycle for a room. At most one unended round
// exists per room; a round is immutable once Ended is set.
type Round struct {
	ID            string        `db:"id"`
	Room          string        `db:"room"`
	StartTime     time.Time     `db:"start_time"`
	Duration      time.Duration `db:"-"`
	BettingWindow time.Duration `db:"-"`
	Ended         bool          `db:"ended"`
	ResultNumber  *int          `db:"result_number"`
	ResultColor   *Color        `db:"result_color"`
	CreatedAt     time.Time     `db:"created_at"`
}

// Elapsed returns time since the round started, clamped at zero.
func (r *Round) Elapsed(now time.Time) time.Duration {
	d := now.Sub(r.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Phase derives the round phase purely from now - StartTime so a missed
// tick or restart cannot desynchronize it from durable state.
func (r *Round) Phase(now time.Time) RoundPhase {
	if r.Ended {
		return PhaseEnded
	}
	elapsed := r.Elapsed(now)
	switch {
	case elapsed < r.BettingWindow:
		return PhaseBetting
	case elapsed < r.Duration:
		return PhaseResult
	default:
		return PhaseEnded
	}
}

// Remaining returns seconds left in the current phase, never negative.
func (r *Round) Remaining(now time.Time) time.Duration {
	elapsed := r.Elapsed(now)
	var left time.Duration
	switch r.Phase(now) {
	case PhaseBetting:
		left = r.BettingWindow - elapsed
	case PhaseResult:
		left = r.Duration - elapsed
	default:
		left = 0
	}
	if left < 0 {
		left = 0
	}
	return left
}
