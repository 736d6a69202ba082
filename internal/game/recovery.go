package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/config"
	"colorspin/internal/models"
	"colorspin/internal/store"
)

// Settler is the slice of the engine the monitor needs to repair a
// stuck round.
type Settler interface {
	SettleRound(ctx context.Context, room, roundID string) error
}

// Monitor periodically sweeps the durable state for inconsistencies the
// happy path can leave behind: rounds that never settled, bets that
// never hit the ledger, ledger entries pointing at deleted bets, and
// cached balances that drifted from their entries. Each issue is
// retried a bounded number of times before it is escalated.
type Monitor struct {
	cfg     *config.Config
	clock   quartz.Clock
	store   store.Store
	settler Settler

	mu        sync.Mutex
	attempts  map[string]int
	escalated map[string]bool
}

func NewMonitor(cfg *config.Config, clock quartz.Clock, st store.Store, settler Settler) *Monitor {
	return &Monitor{
		cfg:       cfg,
		clock:     clock,
		store:     st,
		settler:   settler,
		attempts:  make(map[string]int),
		escalated: make(map[string]bool),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan runs one full sweep. Exported so ops endpoints and tests can
// trigger it on demand.
func (m *Monitor) Scan(ctx context.Context) {
	m.scanStuckRounds(ctx)
	m.scanUnledgeredBets(ctx)
	m.scanOrphanedEntries(ctx)
	m.scanBalanceDrift(ctx)
}

// shouldAttempt bumps the retry counter for an issue and reports
// whether another repair attempt is allowed. Past the limit the issue
// is escalated exactly once.
func (m *Monitor) shouldAttempt(key, detail string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key]++
	if m.attempts[key] <= m.cfg.RecoveryMaxRetries {
		return true
	}
	if !m.escalated[key] {
		m.escalated[key] = true
		log.WithFields(log.Fields{"issue": key, "attempts": m.attempts[key] - 1}).
			Error("[RECOVERY] giving up, operator intervention required: " + detail)
	}
	return false
}

func (m *Monitor) resolve(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
	delete(m.escalated, key)
}

func (m *Monitor) scanStuckRounds(ctx context.Context) {
	cutoff := m.clock.Now().Add(-m.cfg.StuckRoundAfter)
	rounds, err := m.store.Rounds().ListStuck(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("[RECOVERY] stuck round scan failed")
		return
	}
	for _, round := range rounds {
		key := "stuck_round:" + round.ID
		if !m.shouldAttempt(key, fmt.Sprintf("round %s in room %s stuck since %s", round.ID, round.Room, round.StartTime.Format(time.RFC3339))) {
			continue
		}
		log.WithFields(log.Fields{"round": round.ID, "room": round.Room}).Warn("[RECOVERY] force-settling stuck round")
		if err := m.settler.SettleRound(ctx, round.Room, round.ID); err != nil {
			log.WithError(err).WithField("round", round.ID).Error("[RECOVERY] force settle failed")
			continue
		}
		m.resolve(key)
	}
}

// scanUnledgeredBets backfills the missing debit for bets that were
// persisted without their wallet movement. The partial unique index on
// (ref_bet_id, type) makes the repair idempotent.
func (m *Monitor) scanUnledgeredBets(ctx context.Context) {
	cutoff := m.clock.Now().Add(-m.cfg.LedgerGracePeriod)
	bets, err := m.store.Bets().ListUnledgered(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("[RECOVERY] unledgered bet scan failed")
		return
	}
	for _, bet := range bets {
		key := "unledgered_bet:" + bet.ID
		if !m.shouldAttempt(key, fmt.Sprintf("bet %s by %s has no ledger debit", bet.ID, bet.PlayerID)) {
			continue
		}
		betID := bet.ID
		_, err := m.store.Ledger().Debit(ctx, bet.PlayerID, bet.Amount, models.EntryTypeBet, &betID)
		if err != nil && !errors.Is(err, store.ErrAlreadyApplied) {
			log.WithError(err).WithField("bet", bet.ID).Error("[RECOVERY] debit backfill failed")
			continue
		}
		log.WithFields(log.Fields{"bet": bet.ID, "player": bet.PlayerID, "amount": bet.Amount}).
			Warn("[RECOVERY] backfilled missing bet debit")
		m.resolve(key)
	}
}

// Orphaned entries are never auto-corrected: money already moved on the
// strength of a bet that no longer exists, and unwinding that is an
// operator decision.
func (m *Monitor) scanOrphanedEntries(ctx context.Context) {
	entries, err := m.store.Ledger().ListOrphaned(ctx)
	if err != nil {
		log.WithError(err).Error("[RECOVERY] orphaned entry scan failed")
		return
	}
	for _, entry := range entries {
		key := fmt.Sprintf("orphaned_entry:%d", entry.ID)
		m.mu.Lock()
		seen := m.escalated[key]
		m.escalated[key] = true
		m.mu.Unlock()
		if seen {
			continue
		}
		log.WithFields(log.Fields{
			"entry":   entry.ID,
			"account": entry.AccountID,
			"type":    entry.Type,
			"amount":  entry.Amount,
		}).Error("[RECOVERY] ledger entry references missing bet, flagged for review")
	}
}

func (m *Monitor) scanBalanceDrift(ctx context.Context) {
	accounts, err := m.store.Ledger().ListAccountIDs(ctx)
	if err != nil {
		log.WithError(err).Error("[RECOVERY] account scan failed")
		return
	}
	for _, accountID := range accounts {
		balance, err := m.store.Ledger().Balance(ctx, accountID)
		if err != nil {
			continue
		}
		sum, err := m.store.Ledger().SumEntries(ctx, accountID)
		if err != nil {
			continue
		}
		if balance == sum {
			continue
		}
		key := "balance_drift:" + accountID
		if !m.shouldAttempt(key, fmt.Sprintf("account %s balance %d but entries sum to %d", accountID, balance, sum)) {
			continue
		}
		correction, err := m.store.Ledger().ResyncBalance(ctx, accountID)
		if err != nil {
			log.WithError(err).WithField("account", accountID).Error("[RECOVERY] balance resync failed")
			continue
		}
		log.WithFields(log.Fields{"account": accountID, "correction": correction}).
			Warn("[RECOVERY] resynced drifted balance from ledger entries")
		m.resolve(key)
	}
}
