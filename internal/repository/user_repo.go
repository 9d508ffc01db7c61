// Package repository contains the PostgreSQL persistence layer.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// UserRepository handles all database operations for users and their wallets.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────────────────────────────────

// Create inserts a new user row.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (id, email, username, password_hash, total_bets, total_wins, total_profit, is_active, created_at, updated_at)
		VALUES (:id, :email, :username, :password_hash, :total_bets, :total_wins, :total_profit, :is_active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, u); err != nil {
		// Detect unique constraint violations and surface as domain errors
		if isPgUniqueViolation(err, "users_email_key") {
			return domain.ErrEmailTaken
		}
		if isPgUniqueViolation(err, "users_username_key") {
			return domain.ErrUsernameTaken
		}
		return fmt.Errorf("user_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByID: %w", err)
	}
	return &u, nil
}

// GetByEmail fetches a user by email address (used for login).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByEmail: %w", err)
	}
	return &u, nil
}

// GetByUsername fetches a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = $1`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByUsername: %w", err)
	}
	return &u, nil
}

// IncrementStats bumps a user's lifetime aggregates after a settled bet.
// wins is 0 or 1; profit may be negative for a losing bet.
func (r *UserRepository) IncrementStats(ctx context.Context, userID uuid.UUID, wins int, profit decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET total_bets = total_bets + 1,
		    total_wins = total_wins + $1,
		    total_profit = total_profit + $2,
		    updated_at = now()
		WHERE id = $3`,
		wins, profit, userID)
	if err != nil {
		return fmt.Errorf("user_repo.IncrementStats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Wallets
// ──────────────────────────────────────────────────────────────────────────────

// GetWallet fetches one user's wallet for a single currency.
func (r *UserRepository) GetWallet(ctx context.Context, userID uuid.UUID, cur domain.Currency) (*domain.Wallet, error) {
	var w domain.Wallet
	err := r.db.GetContext(ctx, &w,
		`SELECT * FROM wallets WHERE user_id = $1 AND currency = $2`, userID, cur)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, fmt.Errorf("user_repo.GetWallet: %w", err)
	}
	return &w, nil
}

// GetWallets fetches all of a user's wallets in stable currency order.
func (r *UserRepository) GetWallets(ctx context.Context, userID uuid.UUID) ([]*domain.Wallet, error) {
	var ws []*domain.Wallet
	err := r.db.SelectContext(ctx, &ws,
		`SELECT * FROM wallets WHERE user_id = $1 ORDER BY currency`, userID)
	if err != nil {
		return nil, fmt.Errorf("user_repo.GetWallets: %w", err)
	}
	return ws, nil
}

// AdjustBalance applies a signed delta to a wallet balance as one atomic
// statement.  The WHERE clause rejects any debit that would leave the
// balance negative, so a concurrent double-spend loses the race cleanly.
func (r *UserRepository) AdjustBalance(ctx context.Context, userID uuid.UUID, cur domain.Currency, delta decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2 AND currency = $3 AND balance + $1 >= 0`,
		delta, userID, cur)
	if err != nil {
		return fmt.Errorf("user_repo.AdjustBalance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the wallet does not exist or the debit would overdraw.
		if _, gerr := r.GetWallet(ctx, userID, cur); gerr != nil {
			return gerr
		}
		return domain.ErrInsufficientBalance
	}
	return nil
}

// isPgUniqueViolation checks whether err is a PostgreSQL unique constraint
// violation for the given constraint name.
func isPgUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "unique constraint") &&
		strings.Contains(err.Error(), constraintName)
}
