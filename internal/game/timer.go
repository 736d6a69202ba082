package game

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"colorspin/internal/models"
)

const tickInterval = 1 * time.Second

// TimerCallbacks are invoked from the tick loop. Both must tolerate the
// round having already been settled by another path.
type TimerCallbacks struct {
	OnPhaseChange func(room string, round *models.Round, from, to models.RoundPhase)
	OnTick        func(room string, round *models.Round, remaining time.Duration, phase models.RoundPhase)
}

// RoundTimer is the single authoritative clock per active round. Phase is
// always derived from now minus the round's start time, never from
// accumulated ticks, so a missed tick or restart cannot desynchronize it
// from durable state.
type RoundTimer struct {
	clock     quartz.Clock
	tolerance time.Duration
	callbacks TimerCallbacks

	mu    sync.RWMutex
	rooms map[string]*timerState
}

type timerState struct {
	round     *models.Round
	lastPhase models.RoundPhase
}

func NewRoundTimer(clock quartz.Clock, tolerance time.Duration, callbacks TimerCallbacks) *RoundTimer {
	return &RoundTimer{
		clock:     clock,
		tolerance: tolerance,
		callbacks: callbacks,
		rooms:     make(map[string]*timerState),
	}
}

// Start tracks a round for a room, replacing any previous round.
func (t *RoundTimer) Start(room string, round *models.Round) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[room] = &timerState{
		round:     round,
		lastPhase: round.Phase(t.clock.Now()),
	}
}

// Stop forgets a room's timer state.
func (t *RoundTimer) Stop(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, room)
}

// Remaining reports seconds left in the current phase for a room.
func (t *RoundTimer) Remaining(room string) (time.Duration, models.RoundPhase, bool) {
	t.mu.RLock()
	state, ok := t.rooms[room]
	t.mu.RUnlock()
	if !ok {
		return 0, models.PhaseEnded, false
	}
	now := t.clock.Now()
	return state.round.Remaining(now), state.round.Phase(now), true
}

// IsBettingOpen reports whether the room currently accepts bets.
func (t *RoundTimer) IsBettingOpen(room string) bool {
	_, phase, ok := t.Remaining(room)
	return ok && phase == models.PhaseBetting
}

// ValidateTiming rejects placements outside the betting window and, when
// a client timestamp is supplied, placements whose clock skews beyond the
// tolerance. The client-reported time is never trusted for phase.
func (t *RoundTimer) ValidateTiming(room string, clientTimestamp time.Time) error {
	t.mu.RLock()
	state, ok := t.rooms[room]
	t.mu.RUnlock()
	if !ok {
		return ErrRoundEnded
	}

	now := t.clock.Now()
	if state.round.Phase(now) != models.PhaseBetting {
		return ErrBettingClosed
	}

	if !clientTimestamp.IsZero() {
		skew := now.Sub(clientTimestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > t.tolerance {
			return ErrClockSkew
		}
	}
	return nil
}

// Run drives the background tick until the context is cancelled. Each
// tick recomputes every room's phase, fires the phase-change callback
// exactly once per transition, and the tick callback every time.
func (t *RoundTimer) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *RoundTimer) tick() {
	now := t.clock.Now()

	type transition struct {
		room      string
		round     *models.Round
		from, to  models.RoundPhase
		remaining time.Duration
	}
	var fired []transition

	t.mu.Lock()
	for room, state := range t.rooms {
		phase := state.round.Phase(now)
		tr := transition{
			room:      room,
			round:     state.round,
			from:      state.lastPhase,
			to:        phase,
			remaining: state.round.Remaining(now),
		}
		if phase != state.lastPhase {
			state.lastPhase = phase
		}
		fired = append(fired, tr)
	}
	t.mu.Unlock()

	// Callbacks run outside the lock; they may call back into the timer.
	for _, tr := range fired {
		if tr.from != tr.to && t.callbacks.OnPhaseChange != nil {
			t.callbacks.OnPhaseChange(tr.room, tr.round, tr.from, tr.to)
		}
		if t.callbacks.OnTick != nil {
			t.callbacks.OnTick(tr.room, tr.round, tr.remaining, tr.to)
		}
	}
}
