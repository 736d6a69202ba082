package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/config"
	"colorspin/internal/models"
	"colorspin/internal/store"
)

// SnapshotCache publishes the live round state for cheap reads. Best
// effort: the durable store stays the source of truth.
type SnapshotCache interface {
	PublishState(ctx context.Context, room string, update *TimerUpdate)
}

// Engine orchestrates the round lifecycle for every room: it accepts
// bets, closes betting, obtains a fair result, settles atomically and
// rolls into the next round.
type Engine struct {
	cfg       *config.Config
	clock     quartz.Clock
	store     store.Store
	gen       *ResultGenerator
	guard     *Guard
	delivery  *Delivery
	notifier  Notifier
	snapshots SnapshotCache
	timer     *RoundTimer

	ctx context.Context

	// Coarse lock guards the registry; each room carries its own fine
	// lock for the hot path.
	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	mu sync.Mutex

	// released marks a state evicted from the registry. A goroutine
	// that waited on a stale pointer must re-fetch instead of running
	// under a lock no one else can see.
	released bool
}

func NewEngine(cfg *config.Config, clock quartz.Clock, st store.Store, gen *ResultGenerator, guard *Guard, delivery *Delivery, notifier Notifier, snapshots SnapshotCache) *Engine {
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		store:     st,
		gen:       gen,
		guard:     guard,
		delivery:  delivery,
		notifier:  notifier,
		snapshots: snapshots,
		ctx:       context.Background(),
		rooms:     make(map[string]*roomState),
	}
	e.timer = NewRoundTimer(clock, cfg.ClockTolerance, TimerCallbacks{
		OnPhaseChange: e.onPhaseChange,
		OnTick:        e.onTick,
	})
	return e
}

// Timer exposes the engine's round timer for the background task group.
func (e *Engine) Timer() *RoundTimer {
	return e.timer
}

// Start binds the engine's background context.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
}

func (e *Engine) roomState(room string) *roomState {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[room]
	if !ok {
		rs = &roomState{}
		e.rooms[room] = rs
	}
	return rs
}

// lockRoom acquires the room's fine lock, retrying past states that
// were released while this goroutine waited on them.
func (e *Engine) lockRoom(room string) *roomState {
	for {
		rs := e.roomState(room)
		rs.mu.Lock()
		if !rs.released {
			return rs
		}
		rs.mu.Unlock()
	}
}

// withWindows hydrates a stored round with the configured timing.
func (e *Engine) withWindows(round *models.Round) *models.Round {
	round.Duration = e.cfg.TotalWindow
	round.BettingWindow = e.cfg.BettingWindow
	return round
}

// EnsureActiveRound returns the room's live round, creating one when
// none exists and settling-then-replacing one that has run past its
// total window.
func (e *Engine) EnsureActiveRound(ctx context.Context, room string) (*models.Round, error) {
	rs := e.lockRoom(room)
	defer rs.mu.Unlock()
	return e.ensureActiveRoundLocked(ctx, room)
}

func (e *Engine) ensureActiveRoundLocked(ctx context.Context, room string) (*models.Round, error) {
	round, err := e.store.Rounds().ActiveByRoom(ctx, room)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if round != nil {
		e.withWindows(round)
		if round.Elapsed(now) < round.Duration {
			e.timer.Start(room, round)
			return round, nil
		}
		// Expired while nobody was watching. Settle it before rolling on;
		// its bets must not be left hanging.
		if err := e.settleLocked(ctx, room, round.ID); err != nil {
			log.WithError(err).WithField("round", round.ID).Error("failed to settle expired round, leaving for recovery")
		}
	}

	round = e.withWindows(&models.Round{
		ID:        uuid.NewString(),
		Room:      room,
		StartTime: e.clock.Now(),
	})
	if err := e.store.Rounds().Create(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to create round for room %s: %w", room, err)
	}
	e.timer.Start(room, round)
	log.WithFields(log.Fields{"room": room, "round": round.ID}).Info("round started")
	return round, nil
}

// PlaceBet validates and persists one bet, debiting the player's wallet
// in the same transaction as the insert.
func (e *Engine) PlaceBet(ctx context.Context, room string, req BetRequest) (*models.Bet, int64, error) {
	rs := e.lockRoom(room)
	defer rs.mu.Unlock()

	round, err := e.ensureActiveRoundLocked(ctx, room)
	if err != nil {
		return nil, 0, ErrTryAgain
	}
	if req.RoundID != "" && req.RoundID != round.ID {
		return nil, 0, ErrRoundEnded
	}
	if err := e.timer.ValidateTiming(room, req.ClientTimestamp); err != nil {
		return nil, 0, err
	}
	if err := validateSelection(req); err != nil {
		return nil, 0, err
	}
	if err := e.guard.ValidateBet(ctx, req.PlayerID, req.Amount); err != nil {
		if IsValidation(err) {
			return nil, 0, err
		}
		log.WithError(err).WithField("player", req.PlayerID).Error("guard check failed")
		return nil, 0, ErrTryAgain
	}

	bet := &models.Bet{
		ID:       uuid.NewString(),
		PlayerID: req.PlayerID,
		RoundID:  round.ID,
		Kind:     req.Kind,
		Amount:   req.Amount,
	}
	if req.Kind == models.BetKindColor {
		color := req.Color
		bet.Color = &color
	} else {
		number := req.Number
		bet.Number = &number
	}

	var balance int64
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		entry, err := tx.Ledger().Debit(ctx, req.PlayerID, req.Amount, models.EntryTypeBet, &bet.ID)
		if err != nil {
			return err
		}
		balance = entry.BalanceAfter
		return tx.Bets().Create(ctx, bet)
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateBet):
			return nil, 0, &ValidationError{Reason: "You already placed a bet this round"}
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, 0, &ValidationError{Reason: "Insufficient balance"}
		case errors.Is(err, store.ErrNotFound):
			return nil, 0, &ValidationError{Reason: "Wallet not found"}
		}
		log.WithError(err).WithField("player", req.PlayerID).Error("bet placement failed")
		return nil, 0, ErrTryAgain
	}

	public := BetPublic{
		PlayerID:  bet.PlayerID,
		Kind:      string(bet.Kind),
		Selection: betSelection(bet),
		Amount:    bet.Amount,
	}
	e.delivery.Send(Target{Room: room}, Event{Type: EventBetPlaced, Data: public}, SendOptions{})
	e.delivery.Send(Target{Admin: true}, Event{Type: EventBetPlacedAdmin, Data: public}, SendOptions{})

	if balance < e.cfg.MinBetAmount && e.notifier != nil {
		e.notifier.Notify(ctx, bet.PlayerID, "low_balance", "Your balance is running low")
	}

	log.WithFields(log.Fields{
		"player": bet.PlayerID,
		"round":  round.ID,
		"amount": bet.Amount,
		"kind":   bet.Kind,
	}).Info("bet placed")
	return bet, balance, nil
}

func validateSelection(req BetRequest) error {
	if req.Amount <= 0 {
		return &ValidationError{Reason: "Bet amount must be positive"}
	}
	switch req.Kind {
	case models.BetKindColor:
		if !models.ValidColor(req.Color) {
			return validationErrorf("Unknown color %q", string(req.Color))
		}
	case models.BetKindNumber:
		if req.Number < 0 || req.Number > 9 {
			return validationErrorf("Number must be between 0 and 9")
		}
	default:
		return validationErrorf("Unknown bet kind %q", string(req.Kind))
	}
	return nil
}

func betSelection(bet *models.Bet) string {
	if bet.Kind == models.BetKindColor && bet.Color != nil {
		return string(*bet.Color)
	}
	if bet.Number != nil {
		return fmt.Sprintf("%d", *bet.Number)
	}
	return ""
}

// SettleRound settles a round: result selection, per-bet payouts, house
// earnings and the round's final state commit as one atomic unit.
// Settling an already-ended round is a no-op.
func (e *Engine) SettleRound(ctx context.Context, room, roundID string) error {
	rs := e.lockRoom(room)
	defer rs.mu.Unlock()
	return e.settleLocked(ctx, room, roundID)
}

func (e *Engine) settleLocked(ctx context.Context, room, roundID string) error {
	var (
		result  Result
		results []BetResult
		settled []*models.Bet
	)

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		round, err := tx.Rounds().GetByID(ctx, roundID)
		if err != nil {
			return err
		}
		bets, err := tx.Bets().ListUnsettledByRound(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Ended && len(bets) == 0 {
			return errAlreadySettled
		}

		if round.Ended && round.ResultNumber != nil && round.ResultColor != nil {
			// Bets left behind by a partial failure settle against the
			// outcome the round already recorded. The proof hash went
			// out with the original broadcast.
			result = Result{Number: *round.ResultNumber, Color: *round.ResultColor}
		} else {
			result, err = e.pickResult(ctx, tx, roundID, bets)
			if err != nil {
				return err
			}
		}

		results = results[:0]
		settled = settled[:0]
		for _, bet := range bets {
			won := bet.WinsAgainst(result.Number, result.Color)
			var payout int64
			if won {
				payout = bet.WinPayout()
			}
			if err := tx.Bets().Settle(ctx, bet.ID, won, payout); err != nil {
				return err
			}
			if won {
				if _, err := tx.Ledger().Credit(ctx, bet.PlayerID, payout, models.EntryTypeWin, &bet.ID); err != nil {
					return err
				}
			} else {
				if _, err := tx.Ledger().Credit(ctx, models.HouseAccountID, bet.Amount, models.EntryTypeHouseEarning, &bet.ID); err != nil {
					return err
				}
			}
			bet.Settled, bet.Won, bet.Payout = true, won, payout
			settled = append(settled, bet)
			results = append(results, BetResult{
				BetID:    bet.ID,
				PlayerID: bet.PlayerID,
				Won:      won,
				Payout:   payout,
			})
		}

		if _, err := tx.Rounds().Finish(ctx, roundID, result.Number, result.Color); err != nil {
			return err
		}
		return nil
	})

	if errors.Is(err, errAlreadySettled) {
		return nil
	}
	if err != nil {
		log.WithError(err).WithField("round", roundID).Error("settlement failed, broadcasting fallback result")
		e.broadcastFallback(room, roundID)
		return fmt.Errorf("failed to settle round %s: %w", roundID, err)
	}

	e.delivery.Send(Target{Room: room}, Event{Type: EventRoundEnded, Data: RoundEnded{
		RoundID:      roundID,
		ResultColor:  result.Color,
		ResultNumber: result.Number,
		Results:      results,
		ProofHash:    result.ProofHash,
	}}, SendOptions{Critical: true})

	for _, bet := range settled {
		e.guard.RecordOutcome(ctx, bet.PlayerID, bet.Amount, bet.Won, bet.Payout)
		if e.notifier != nil {
			if bet.Won {
				e.notifier.Notify(ctx, bet.PlayerID, "bet_won", fmt.Sprintf("You won %d!", bet.Payout))
			} else {
				e.notifier.Notify(ctx, bet.PlayerID, "bet_lost", "Better luck next round")
			}
		}
	}

	log.WithFields(log.Fields{
		"round":  roundID,
		"number": result.Number,
		"color":  result.Color,
		"bets":   len(results),
		"proof":  result.ProofHash,
	}).Info("round settled")
	return nil
}

var errAlreadySettled = errors.New("round already settled")

// pickResult honors a color override when present; otherwise it selects
// the color carrying the minimum total staked amount.
func (e *Engine) pickResult(ctx context.Context, tx store.Tx, roundID string, bets []*models.Bet) (Result, error) {
	override, err := tx.Overrides().GetByRound(ctx, roundID)
	if err != nil {
		return Result{}, err
	}
	if override != nil {
		return e.gen.NumberForColor(roundID, override.Color), nil
	}

	stakes := make(map[models.Color]int64)
	for _, bet := range bets {
		if bet.Kind == models.BetKindColor && bet.Color != nil {
			stakes[*bet.Color] += bet.Amount
		}
	}
	return e.gen.SelectMinimumStakeColor(roundID, stakes), nil
}

// broadcastFallback emits a safe round_ended so clients are never left
// waiting; the recovery monitor repairs the round asynchronously.
func (e *Engine) broadcastFallback(room, roundID string) {
	fallback := e.gen.Number(roundID, 0, 9)
	e.delivery.Send(Target{Room: room}, Event{Type: EventRoundEnded, Data: RoundEnded{
		RoundID:      roundID,
		ResultColor:  fallback.Color,
		ResultNumber: fallback.Number,
		ProofHash:    fallback.ProofHash,
		Fallback:     true,
	}}, SendOptions{Critical: true})
}

// SetColorOverride publishes an operator override for the room's active
// round. The first writer wins.
func (e *Engine) SetColorOverride(ctx context.Context, room string, color models.Color, source models.OverrideSource) (*models.ColorOverride, error) {
	if !models.ValidColor(color) {
		return nil, validationErrorf("Unknown color %q", string(color))
	}
	round, err := e.EnsureActiveRound(ctx, room)
	if err != nil {
		return nil, err
	}
	preview := e.gen.NumberForColor(round.ID, color)
	override := &models.ColorOverride{
		RoundID:    round.ID,
		Color:      color,
		ChosenBy:   source,
		ResultHash: preview.ProofHash,
	}
	if err := e.store.Overrides().Create(ctx, override); err != nil {
		return nil, err
	}
	return override, nil
}

// GameState builds the idempotent room snapshot for one player.
func (e *Engine) GameState(ctx context.Context, room, playerID string) (*GameState, error) {
	round, err := e.EnsureActiveRound(ctx, room)
	if err != nil {
		return nil, err
	}
	remaining, phase, _ := e.timer.Remaining(room)

	bets, err := e.store.Bets().ListByRound(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	public := make([]BetPublic, 0, len(bets))
	for _, bet := range bets {
		public = append(public, BetPublic{
			PlayerID:  bet.PlayerID,
			Kind:      string(bet.Kind),
			Selection: betSelection(bet),
			Amount:    bet.Amount,
		})
	}

	balance, err := e.store.Ledger().Balance(ctx, playerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return &GameState{
		RoundID:       round.ID,
		Phase:         phase,
		TimeRemaining: remaining.Seconds(),
		ExistingBets:  public,
		PlayerBalance: balance,
	}, nil
}

// ReleaseRoom tears a room down after its last viewer departs, but only
// when no round is in flight: an in-progress round must survive losing
// every viewer so its bets still settle.
func (e *Engine) ReleaseRoom(ctx context.Context, room string) bool {
	rs := e.lockRoom(room)
	defer rs.mu.Unlock()

	round, err := e.store.Rounds().ActiveByRoom(ctx, room)
	if err != nil || round != nil {
		return false
	}
	e.timer.Stop(room)
	rs.released = true
	e.mu.Lock()
	delete(e.rooms, room)
	e.mu.Unlock()
	return true
}

func (e *Engine) onPhaseChange(room string, round *models.Round, from, to models.RoundPhase) {
	switch to {
	case models.PhaseResult:
		go func() {
			if err := e.SettleRound(e.ctx, room, round.ID); err != nil {
				log.WithError(err).WithField("round", round.ID).Error("timer-driven settlement failed")
			}
		}()
	case models.PhaseEnded:
		go func() {
			if _, err := e.EnsureActiveRound(e.ctx, room); err != nil {
				log.WithError(err).WithField("room", room).Error("failed to start next round")
			}
		}()
	}
}

func (e *Engine) onTick(room string, round *models.Round, remaining time.Duration, phase models.RoundPhase) {
	update := TimerUpdate{
		RoundID:         round.ID,
		TimeRemaining:   remaining.Seconds(),
		Phase:           phase,
		ServerTimestamp: e.clock.Now().UnixMilli(),
	}
	e.delivery.Send(Target{Room: room}, Event{Type: EventTimerUpdate, Data: update}, SendOptions{MaxRetries: 1})
	e.delivery.Send(Target{Admin: true}, Event{Type: EventTimerSyncAdmin, Data: update}, SendOptions{MaxRetries: 1})
	if e.snapshots != nil {
		e.snapshots.PublishState(e.ctx, room, &update)
	}
}
