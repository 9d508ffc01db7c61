package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User is the domain entity for registered accounts.  Lifetime aggregates
// are updated once per settled bet (win or loss).
type User struct {
	ID           uuid.UUID       `json:"id"           db:"id"`
	Email        string          `json:"email"        db:"email"`
	Username     string          `json:"username"     db:"username"`
	PasswordHash string          `json:"-"            db:"password_hash"` // never serialised
	TotalBets    int64           `json:"total_bets"   db:"total_bets"`
	TotalWins    int64           `json:"total_wins"   db:"total_wins"`
	TotalProfit  decimal.Decimal `json:"total_profit" db:"total_profit"`
	IsActive     bool            `json:"is_active"    db:"is_active"`
	CreatedAt    time.Time       `json:"created_at"   db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"   db:"updated_at"`
}

// PublicProfile returns a user view safe to expose via API (no password hash).
type PublicProfile struct {
	ID          uuid.UUID       `json:"id"`
	Email       string          `json:"email"`
	Username    string          `json:"username"`
	TotalBets   int64           `json:"total_bets"`
	TotalWins   int64           `json:"total_wins"`
	TotalProfit decimal.Decimal `json:"total_profit"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ToPublicProfile converts a User to its public-safe representation.
func (u *User) ToPublicProfile() PublicProfile {
	return PublicProfile{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		TotalBets:   u.TotalBets,
		TotalWins:   u.TotalWins,
		TotalProfit: u.TotalProfit,
		CreatedAt:   u.CreatedAt,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Wallet
// ──────────────────────────────────────────────────────────────────────────────

// Wallet holds one user's balance in a single currency.  Balances are
// internal scalar ledgers; nothing is settled on-chain.
type Wallet struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	UserID    uuid.UUID       `json:"user_id"    db:"user_id"`
	Currency  Currency        `json:"currency"   db:"currency"`
	Balance   decimal.Decimal `json:"balance"    db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// StarterBalances seeds new accounts.  Keys cover every supported currency.
var StarterBalances = map[Currency]decimal.Decimal{
	CurrencyBTC: decimal.NewFromFloat(0.001),
	CurrencyETH: decimal.NewFromFloat(0.01),
	CurrencyLTC: decimal.NewFromInt(1),
	CurrencyADA: decimal.NewFromInt(1),
	CurrencyDOT: decimal.NewFromInt(1),
}

// WalletView pairs a balance with its advisory USD value for the stats event.
type WalletView struct {
	Currency Currency        `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	USDValue decimal.Decimal `json:"usd_value"`
}

// UserStats is the payload answered to a get_user_stats request.
type UserStats struct {
	UserID      uuid.UUID       `json:"user_id"`
	Username    string          `json:"username"`
	Wallets     []WalletView    `json:"wallets"`
	TotalBets   int64           `json:"total_bets"`
	TotalWins   int64           `json:"total_wins"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}
