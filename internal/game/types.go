package game

import (
	"time"

	"colorspin/internal/models"
)

// InboundKind is the closed set of message kinds a client may send.
type InboundKind string

const (
	InboundPlaceBet     InboundKind = "place_bet"
	InboundGetGameState InboundKind = "get_game_state"
	InboundAck          InboundKind = "ack"
	InboundPing         InboundKind = "ping"
)

// InboundMessage is the websocket envelope from a client.
type InboundMessage struct {
	Type            InboundKind `json:"type"`
	RoundID         string      `json:"round_id,omitempty"`
	Kind            string      `json:"kind,omitempty"`
	Color           string      `json:"color,omitempty"`
	Number          *int        `json:"number,omitempty"`
	Amount          int64       `json:"amount,omitempty"`
	ClientTimestamp int64       `json:"client_timestamp,omitempty"`
	MessageID       string      `json:"message_id,omitempty"`
}

// BetRequest carries one bet placement into the engine.
type BetRequest struct {
	PlayerID        string
	RoundID         string
	Kind            models.BetKind
	Color           models.Color
	Number          int
	Amount          int64
	ClientTimestamp time.Time
}

// BetResponse is returned synchronously to the placing client.
type BetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	BetID   string `json:"bet_id,omitempty"`
	Balance int64  `json:"balance,omitempty"`
}

// GameState is the full idempotent snapshot sent on connect and on
// get_game_state.
type GameState struct {
	RoundID       string            `json:"round_id"`
	Phase         models.RoundPhase `json:"phase"`
	TimeRemaining float64           `json:"time_remaining"`
	ExistingBets  []BetPublic       `json:"existing_bets"`
	PlayerBalance int64             `json:"player_balance"`
}

// BetPublic is the viewer-visible projection of a bet.
type BetPublic struct {
	PlayerID  string `json:"player_id"`
	Kind      string `json:"kind"`
	Selection string `json:"selection"`
	Amount    int64  `json:"amount"`
}

// TimerUpdate is broadcast every tick; consumers treat it as a state
// snapshot, not a delta.
type TimerUpdate struct {
	RoundID         string            `json:"round_id"`
	TimeRemaining   float64           `json:"time_remaining"`
	Phase           models.RoundPhase `json:"phase"`
	ServerTimestamp int64             `json:"server_timestamp"`
}

// BetResult is one bet's outcome inside a round_ended broadcast.
type BetResult struct {
	BetID    string `json:"bet_id"`
	PlayerID string `json:"player_id"`
	Won      bool   `json:"won"`
	Payout   int64  `json:"payout"`
}

// RoundEnded is the critical end-of-round broadcast, including the
// truncated proof hash for post-hoc verification.
type RoundEnded struct {
	RoundID      string       `json:"round_id"`
	ResultColor  models.Color `json:"result_color"`
	ResultNumber int          `json:"result_number"`
	Results      []BetResult  `json:"results"`
	ProofHash    string       `json:"proof_hash"`
	Fallback     bool         `json:"fallback,omitempty"`
}

// Event is the outbound websocket envelope. MessageID is set by the
// delivery layer on messages that expect an ack.
type Event struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

const (
	EventGameState      = "game_state"
	EventTimerUpdate    = "timer_update"
	EventBetPlaced      = "bet_placed"
	EventRoundEnded     = "round_ended"
	EventBetPlacedAdmin = "bet_placed_admin_update"
	EventTimerSyncAdmin = "timer_sync_update"
)
