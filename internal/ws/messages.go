// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines the client protocol: inbound command frames and all
// message structs broadcast to connected clients.
package ws

import (
	"time"

	"github.com/evetabi/crash/internal/domain"
	"github.com/shopspring/decimal"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	// Inbound (client → server).
	MsgTypePlaceBet       MsgType = "place_bet"
	MsgTypeCashout        MsgType = "cashout"
	MsgTypeGetGameHistory MsgType = "get_game_history"
	MsgTypeGetUserStats   MsgType = "get_user_stats"
	MsgTypePing           MsgType = "ping"

	// Outbound (server → client).
	MsgTypeGameState        MsgType = "game_state"
	MsgTypeNewRound         MsgType = "new_round"
	MsgTypeGameStarted      MsgType = "game_started"
	MsgTypeMultiplierUpdate MsgType = "multiplier_update"
	MsgTypeBetPlaced        MsgType = "bet_placed"
	MsgTypePlayerCashout    MsgType = "player_cashout"
	MsgTypeGameCrashed      MsgType = "game_crashed"
	MsgTypeRoundAborted     MsgType = "round_aborted"
	MsgTypeGameHistory      MsgType = "game_history"
	MsgTypeUserStats        MsgType = "user_stats"
	MsgTypePong             MsgType = "pong"
	MsgTypeError            MsgType = "error"
)

// ──────────────────────────────────────────────────────────────────────────────
// Inbound frame — one union struct covers every client command.
// ──────────────────────────────────────────────────────────────────────────────

// inboundFrame is the envelope clients send.  Only the fields relevant to
// the given type are read; the rest stay at their zero values.
type inboundFrame struct {
	Type        MsgType          `json:"type"`
	USDAmount   decimal.Decimal  `json:"usd_amount"`    // place_bet
	Currency    domain.Currency  `json:"currency"`      // place_bet
	AutoCashOut *decimal.Decimal `json:"auto_cash_out"` // place_bet, optional
	Limit       int              `json:"limit"`         // get_game_history, optional
}

// ──────────────────────────────────────────────────────────────────────────────
// GameStateMessage — sent once to a freshly connected client.
// ──────────────────────────────────────────────────────────────────────────────

// GameStateMessage carries the full public view of the current round so a
// new client can render immediately.
type GameStateMessage struct {
	Type      MsgType              `json:"type"`
	Round     domain.RoundSnapshot `json:"round"`
	Timestamp time.Time            `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// NewRoundMessage — broadcast when the betting window opens.
// ──────────────────────────────────────────────────────────────────────────────

// NewRoundMessage announces a fresh round.  The hash commits to the seed;
// the seed itself stays secret until the crash.
type NewRoundMessage struct {
	Type        MsgType   `json:"type"`
	RoundID     string    `json:"round_id"`
	RoundNumber int64     `json:"round_number"`
	Hash        string    `json:"hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// GameStartedMessage — broadcast when the multiplier begins climbing.
// ──────────────────────────────────────────────────────────────────────────────

// GameStartedMessage closes the betting window and starts the flight.
type GameStartedMessage struct {
	Type      MsgType   `json:"type"`
	RoundID   string    `json:"round_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// MultiplierUpdateMessage — broadcast on every tick while the round runs.
// ──────────────────────────────────────────────────────────────────────────────

// MultiplierUpdateMessage carries the current multiplier.
type MultiplierUpdateMessage struct {
	Type       MsgType         `json:"type"`
	RoundID    string          `json:"round_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// BetPlacedMessage — broadcast after a bet is accepted.
// ──────────────────────────────────────────────────────────────────────────────

// BetPlacedMessage notifies all clients of a newly accepted wager.
type BetPlacedMessage struct {
	Type        MsgType          `json:"type"`
	RoundID     string           `json:"round_id"`
	Username    string           `json:"username"`
	USDAmount   decimal.Decimal  `json:"usd_amount"`
	Currency    domain.Currency  `json:"currency"`
	AutoCashOut *decimal.Decimal `json:"auto_cash_out,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// PlayerCashoutMessage — broadcast when a bet settles as a win.
// ──────────────────────────────────────────────────────────────────────────────

// PlayerCashoutMessage reports a successful cashout, manual or automatic.
type PlayerCashoutMessage struct {
	Type       MsgType         `json:"type"`
	RoundID    string          `json:"round_id"`
	Username   string          `json:"username"`
	Multiplier decimal.Decimal `json:"multiplier"`
	USDPayout  decimal.Decimal `json:"usd_payout"`
	Profit     decimal.Decimal `json:"profit"`
	IsAuto     bool            `json:"is_auto"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// GameCrashedMessage — broadcast when the round ends; reveals the seed.
// ──────────────────────────────────────────────────────────────────────────────

// GameCrashedMessage closes the round and publishes the fairness proof.
type GameCrashedMessage struct {
	Type       MsgType         `json:"type"`
	RoundID    string          `json:"round_id"`
	CrashPoint decimal.Decimal `json:"crash_point"`
	Seed       string          `json:"seed"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// RoundAbortedMessage — broadcast when a round cannot be carried through.
// ──────────────────────────────────────────────────────────────────────────────

// RoundAbortedMessage reports a voided round; stakes have been refunded.
type RoundAbortedMessage struct {
	Type      MsgType   `json:"type"`
	RoundID   string    `json:"round_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// GameHistoryMessage — sent to the requesting client only.
// ──────────────────────────────────────────────────────────────────────────────

// GameHistoryMessage answers a get_game_history request with recent
// finished rounds, newest first.
type GameHistoryMessage struct {
	Type      MsgType                `json:"type"`
	Rounds    []domain.RoundSnapshot `json:"rounds"`
	Timestamp time.Time              `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// UserStatsMessage — sent to the requesting client only.
// ──────────────────────────────────────────────────────────────────────────────

// UserStatsMessage answers a get_user_stats request with lifetime
// aggregates and per-currency balances.
type UserStatsMessage struct {
	Type      MsgType          `json:"type"`
	Stats     domain.UserStats `json:"stats"`
	Timestamp time.Time        `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// PongMessage — reply to a client ping.
// ──────────────────────────────────────────────────────────────────────────────

// PongMessage is sent directly to the pinging client.
type PongMessage struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// ErrorMessage — sent to a single client on a non-fatal error.
// ──────────────────────────────────────────────────────────────────────────────

// ErrorMessage is sent directly to one client (not broadcast).
type ErrorMessage struct {
	Type    MsgType `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}
