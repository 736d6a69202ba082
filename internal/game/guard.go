package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/config"
)

// Notifier delivers fire-and-forget player notifications. Failures are
// logged and never affect game progression or settlement.
type Notifier interface {
	Notify(ctx context.Context, playerID, kind, message string)
}

// DailyStats looks up a player's durable bet history totals.
type DailyStats interface {
	DailyTotals(ctx context.Context, playerID string, since time.Time) (wagered, lost int64, err error)
}

// SessionMirror persists transient guard sessions so they survive a
// process restart. Best effort: a lost session never corrupts money.
type SessionMirror interface {
	SaveSession(ctx context.Context, session *PlayerSession)
	LoadSession(ctx context.Context, playerID string) (*PlayerSession, bool)
}

// PlayerSession tracks one player's in-memory gambling session.
type PlayerSession struct {
	PlayerID        string    `json:"player_id"`
	SessionStart    time.Time `json:"session_start"`
	TotalWagered    int64     `json:"total_wagered"`
	TotalLost       int64     `json:"total_lost"`
	WarningsSent    int       `json:"warnings_sent"`
	CoolingOffUntil time.Time `json:"cooling_off_until"`
}

var warningThresholds = []float64{0.5, 0.75, 0.9}

// Guard validates every bet against per-player gambling limits and
// tracks session state and cooling-off locks.
type Guard struct {
	cfg      *config.Config
	clock    quartz.Clock
	stats    DailyStats
	notifier Notifier
	mirror   SessionMirror

	mu       sync.Mutex
	sessions map[string]*PlayerSession
}

func NewGuard(cfg *config.Config, clock quartz.Clock, stats DailyStats, notifier Notifier, mirror SessionMirror) *Guard {
	return &Guard{
		cfg:      cfg,
		clock:    clock,
		stats:    stats,
		notifier: notifier,
		mirror:   mirror,
		sessions: make(map[string]*PlayerSession),
	}
}

// ValidateBet checks amount bounds, cooling-off, daily totals and session
// totals, rejecting with a human-readable reason on the first violated
// limit.
func (g *Guard) ValidateBet(ctx context.Context, playerID string, amount int64) error {
	now := g.clock.Now()
	session := g.session(ctx, playerID, now)

	// Session fields are mutated by RecordOutcome under g.mu; a player
	// settling in one room while betting in another must not observe a
	// half-written session.
	g.mu.Lock()
	coolingOffUntil := session.CoolingOffUntil
	sessionLost := session.TotalLost
	g.mu.Unlock()

	if coolingOffUntil.After(now) {
		return validationErrorf("You are in a cooling-off period until %s",
			coolingOffUntil.UTC().Format(time.RFC3339))
	}

	if amount < g.cfg.MinBetAmount {
		return validationErrorf("Minimum bet is %d", g.cfg.MinBetAmount)
	}
	if amount > g.cfg.MaxBetAmount {
		return validationErrorf("Maximum bet is %d", g.cfg.MaxBetAmount)
	}

	wagered, lost, err := g.stats.DailyTotals(ctx, playerID, startOfDay(now))
	if err != nil {
		return err
	}
	if wagered+amount > g.cfg.DailyBetLimit {
		return validationErrorf("Daily bet limit of %d reached", g.cfg.DailyBetLimit)
	}
	if lost+amount > g.cfg.DailyLossLimit {
		return validationErrorf("Daily loss limit of %d would be exceeded", g.cfg.DailyLossLimit)
	}
	if sessionLost+amount > g.cfg.SessionLossLimit {
		return validationErrorf("Session loss limit of %d would be exceeded", g.cfg.SessionLossLimit)
	}
	return nil
}

// RecordOutcome updates session totals after settlement, sends staged
// warnings, and applies a cooling-off lock when a hard limit is crossed.
// Losses are reduced by net winnings.
func (g *Guard) RecordOutcome(ctx context.Context, playerID string, amount int64, won bool, payout int64) {
	now := g.clock.Now()
	session := g.session(ctx, playerID, now)

	g.mu.Lock()
	session.TotalWagered += amount
	session.TotalLost += amount - payout
	if session.TotalLost < 0 {
		session.TotalLost = 0
	}
	lost := session.TotalLost

	level := warningLevel(lost, g.cfg.SessionLossLimit)
	notifyWarning := level > session.WarningsSent
	if notifyWarning {
		session.WarningsSent = level
	}

	coolOff := lost >= g.cfg.SessionLossLimit
	if coolOff {
		session.CoolingOffUntil = now.Add(g.cfg.CoolingOff)
	}
	snapshot := *session
	g.mu.Unlock()

	if g.mirror != nil {
		g.mirror.SaveSession(ctx, &snapshot)
	}

	if notifyWarning && g.notifier != nil {
		g.notifier.Notify(ctx, playerID, "limit_warning",
			fmt.Sprintf("You have reached %d%% of your session loss limit", int(warningThresholds[level-1]*100)))
	}
	if coolOff {
		log.WithFields(log.Fields{
			"player": playerID,
			"until":  snapshot.CoolingOffUntil,
		}).Warn("session loss limit exceeded, cooling-off applied")
		if g.notifier != nil {
			g.notifier.Notify(ctx, playerID, "cooling_off",
				"Session loss limit reached. Betting is locked for your protection.")
		}
	}
}

// session returns the player's active session, starting or resetting one
// as needed.
func (g *Guard) session(ctx context.Context, playerID string, now time.Time) *PlayerSession {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[playerID]
	if !ok && g.mirror != nil {
		if restored, found := g.mirror.LoadSession(ctx, playerID); found {
			session, ok = restored, true
			g.sessions[playerID] = session
		}
	}

	if ok && now.Sub(session.SessionStart) > g.cfg.SessionDuration && !session.CoolingOffUntil.After(now) {
		ok = false
	}
	if !ok {
		session = &PlayerSession{PlayerID: playerID, SessionStart: now}
		g.sessions[playerID] = session
	}
	return session
}

func warningLevel(lost, limit int64) int {
	if limit <= 0 {
		return 0
	}
	ratio := float64(lost) / float64(limit)
	level := 0
	for i, threshold := range warningThresholds {
		if ratio >= threshold {
			level = i + 1
		}
	}
	return level
}

func startOfDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
