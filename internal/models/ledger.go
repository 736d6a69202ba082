package models

import "time"

// EntryType classifies a ledger movement.
type EntryType string

const (
	EntryTypeBet          EntryType = "bet"
	EntryTypeWin          EntryType = "win"
	EntryTypeHouseEarning EntryType = "house_earning"
	EntryTypeDeposit      EntryType = "deposit"
	EntryTypeAdjustment   EntryType = "adjustment"
)

// HouseAccountID is the platform master wallet. Losing stakes accumulate
// here; winning payouts and withdrawals drain it.
const HouseAccountID = "house:main"

// LedgerEntry is an immutable signed movement against one account.
// The account balance is, at all times, the sum of its entry amounts.
type LedgerEntry struct {
	ID            int64     `db:"id"`
	AccountID     string    `db:"account_id"`
	Type          EntryType `db:"type"`
	Amount        int64     `db:"amount"`
	BalanceBefore int64     `db:"balance_before"`
	BalanceAfter  int64     `db:"balance_after"`
	RefBetID      *string   `db:"ref_bet_id"`
	Note          string    `db:"note"`
	CreatedAt     time.Time `db:"created_at"`
}

// Account is the cached balance row for a player wallet or the house.
type Account struct {
	ID        string    `db:"id"`
	Balance   int64     `db:"balance"`
	UpdatedAt time.Time `db:"updated_at"`
}
