// Package domain defines the core business entities and types for the
// crash wagering game server.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// RoundStatus represents the lifecycle state of a round.
type RoundStatus string

const (
	StatusWaiting  RoundStatus = "WAITING"  // created, accepting bets
	StatusRunning  RoundStatus = "RUNNING"  // multiplier climbing, cashouts open
	StatusCrashed  RoundStatus = "CRASHED"  // crash point reached, settled
	StatusDegraded RoundStatus = "DEGRADED" // settlement persistence ultimately failed
)

// Currency identifies one of the supported internal crypto ledgers.
type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyETH Currency = "ETH"
	CurrencyLTC Currency = "LTC"
	CurrencyADA Currency = "ADA"
	CurrencyDOT Currency = "DOT"
)

// Currencies lists every supported currency in a stable order.
var Currencies = []Currency{CurrencyBTC, CurrencyETH, CurrencyLTC, CurrencyADA, CurrencyDOT}

// IsValid returns true if the currency is one of the supported ledgers.
func (c Currency) IsValid() bool {
	for _, v := range Currencies {
		if c == v {
			return true
		}
	}
	return false
}

// Bet amount bounds in USD.
var (
	MinBetUSD = decimal.NewFromFloat(0.01)
	MaxBetUSD = decimal.NewFromInt(10000)
)

// Auto-cashout bounds: exclusive lower, inclusive upper.
var (
	MinAutoCashout = decimal.NewFromInt(1)
	MaxAutoCashout = decimal.NewFromInt(1000)
)

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet represents a single user wager inside a Round.  Bets are embedded in
// the round document; acceptance order is the slice order.
type Bet struct {
	ID           uuid.UUID        `json:"id"`
	UserID       uuid.UUID        `json:"user_id"`
	Username     string           `json:"username"`
	USDAmount    decimal.Decimal  `json:"usd_amount"`
	Currency     Currency         `json:"currency"`
	PriceAtTime  decimal.Decimal  `json:"price_at_time"` // USD per unit at acceptance
	CryptoAmount decimal.Decimal  `json:"crypto_amount"` // usd_amount / price_at_time
	AutoCashOut  *decimal.Decimal `json:"auto_cash_out,omitempty"`
	CashedOut    bool             `json:"cashed_out"`
	CashedOutAt  *decimal.Decimal `json:"cashed_out_at,omitempty"` // multiplier
	PayoutUSD    *decimal.Decimal `json:"payout_usd,omitempty"`
	ProfitUSD    *decimal.Decimal `json:"profit_usd,omitempty"`
	PlacedAt     time.Time        `json:"placed_at"`
}

// Settle marks the bet cashed out at multiplier m and fills the payout and
// profit fields.  Payout is crypto_amount × m converted back to USD at the
// entry price; profit is payout minus the stake.
func (b *Bet) Settle(m decimal.Decimal) {
	b.CashedOut = true
	mCopy := m
	b.CashedOutAt = &mCopy
	payout := b.CryptoAmount.Mul(m).Mul(b.PriceAtTime).RoundDown(2)
	profit := payout.Sub(b.USDAmount)
	b.PayoutUSD = &payout
	b.ProfitUSD = &profit
}

// Lose stamps a crashed (non-cashed) bet with the full stake as loss.
func (b *Bet) Lose() {
	loss := b.USDAmount.Neg()
	b.ProfitUSD = &loss
}

// CryptoPayout returns the crypto credited at multiplier m.
func (b *Bet) CryptoPayout(m decimal.Decimal) decimal.Decimal {
	return b.CryptoAmount.Mul(m)
}

// ──────────────────────────────────────────────────────────────────────────────
// Round
// ──────────────────────────────────────────────────────────────────────────────

// Round represents one game cycle from WAITING through CRASHED.
// The seed stays secret until the round crashes; only the hash is public.
type Round struct {
	ID                string          `json:"round_id"     db:"round_id"`
	RoundNumber       int64           `json:"round_number" db:"round_number"`
	Seed              string          `json:"seed"         db:"seed"` // hex, revealed on crash
	Hash              string          `json:"hash"         db:"hash"` // SHA-256(seed), published at creation
	CrashPoint        decimal.Decimal `json:"crash_point"  db:"crash_point"`
	Status            RoundStatus     `json:"status"       db:"status"`
	CurrentMultiplier decimal.Decimal `json:"current_multiplier" db:"current_multiplier"`
	Bets              []*Bet          `json:"bets"         db:"-"`
	CreatedAt         time.Time       `json:"created_at"   db:"created_at"`
	StartedAt         *time.Time      `json:"started_at"   db:"started_at"`
	CrashedAt         *time.Time      `json:"crashed_at"   db:"crashed_at"`
}

// IsWaiting returns true while the round is accepting bets.
func (r *Round) IsWaiting() bool { return r.Status == StatusWaiting }

// IsRunning returns true while cashouts are open.
func (r *Round) IsRunning() bool { return r.Status == StatusRunning }

// BetFor returns the bet placed by userID in this round, or nil.
func (r *Round) BetFor(userID uuid.UUID) *Bet {
	for _, b := range r.Bets {
		if b.UserID == userID {
			return b
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Snapshot — read model sent to a freshly connected client
// ──────────────────────────────────────────────────────────────────────────────

// RoundSnapshot is the public view of the current round.  The seed is
// included only after the round has crashed.
type RoundSnapshot struct {
	RoundID           string          `json:"round_id"`
	RoundNumber       int64           `json:"round_number"`
	Hash              string          `json:"hash"`
	Seed              string          `json:"seed,omitempty"`
	CrashPoint        decimal.Decimal `json:"crash_point,omitempty"`
	Status            RoundStatus     `json:"status"`
	CurrentMultiplier decimal.Decimal `json:"current_multiplier"`
	Bets              []*Bet          `json:"bets"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CrashedAt         *time.Time      `json:"crashed_at,omitempty"`
}

// ToSnapshot builds a client-safe RoundSnapshot, withholding the seed and
// crash point until the round is over.
func (r *Round) ToSnapshot() RoundSnapshot {
	s := RoundSnapshot{
		RoundID:           r.ID,
		RoundNumber:       r.RoundNumber,
		Hash:              r.Hash,
		Status:            r.Status,
		CurrentMultiplier: r.CurrentMultiplier,
		Bets:              r.Bets,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		CrashedAt:         r.CrashedAt,
	}
	if r.Status == StatusCrashed || r.Status == StatusDegraded {
		s.Seed = r.Seed
		s.CrashPoint = r.CrashPoint
	}
	return s
}
