// Package ledger mediates every wallet balance movement.  It serialises
// operations per user so a burst of socket frames cannot interleave two
// debits against the same balance check.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// opTimeout bounds every store round-trip so a hung database surfaces as
// ErrStoreTimeout instead of a stuck round.
const opTimeout = 2 * time.Second

// WalletStore is the subset of the user repository the ledger needs.
type WalletStore interface {
	GetWallet(ctx context.Context, userID uuid.UUID, cur domain.Currency) (*domain.Wallet, error)
	GetWallets(ctx context.Context, userID uuid.UUID) ([]*domain.Wallet, error)
	AdjustBalance(ctx context.Context, userID uuid.UUID, cur domain.Currency, delta decimal.Decimal) error
	IncrementStats(ctx context.Context, userID uuid.UUID, wins int, profit decimal.Decimal) error
}

// Ledger owns all balance movements.  One mutex per user keeps a user's
// operations sequential while letting unrelated users proceed in parallel.
type Ledger struct {
	store WalletStore
	log   *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New constructs a Ledger over the given wallet store.
func New(store WalletStore, log *slog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log.With("component", "ledger"),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// userLock returns the mutex serialising operations for one user,
// creating it on first use.  Locks are never evicted; the map grows with
// the active user set, which is bounded in practice.
func (l *Ledger) userLock(userID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// withTimeout derives the bounded context every store call runs under.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// mapStoreErr converts infrastructure failures into the retryable
// taxonomy; domain errors pass through untouched.
func mapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case domain.IsValidation(err), domain.IsNotFound(err),
		errors.Is(err, domain.ErrInsufficientBalance):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("ledger.%s: %w", op, domain.ErrStoreTimeout)
	default:
		return fmt.Errorf("ledger.%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────────────────────────────────

// Debit withdraws amount from the user's wallet.  Returns
// ErrInsufficientBalance when the wallet cannot cover it; the balance is
// left untouched in that case.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cctx, cancel := withTimeout(ctx)
	defer cancel()

	return mapStoreErr("Debit", l.store.AdjustBalance(cctx, userID, cur, amount.Neg()))
}

// Credit deposits amount into the user's wallet.  Used for cashout payouts
// and for refunds when a bet fails after its stake was taken.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cctx, cancel := withTimeout(ctx)
	defer cancel()

	return mapStoreErr("Credit", l.store.AdjustBalance(cctx, userID, cur, amount))
}

// RecordSettlement bumps the user's lifetime aggregates for one settled
// bet.  A win passes the USD payout profit; a loss passes the negated
// stake.  Each bet is counted exactly once.
func (l *Ledger) RecordSettlement(ctx context.Context, userID uuid.UUID, won bool, profitUSD decimal.Decimal) error {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cctx, cancel := withTimeout(ctx)
	defer cancel()

	wins := 0
	if won {
		wins = 1
	}
	return mapStoreErr("RecordSettlement", l.store.IncrementStats(cctx, userID, wins, profitUSD))
}

// Balances returns the user's wallets in stable currency order.
func (l *Ledger) Balances(ctx context.Context, userID uuid.UUID) ([]*domain.Wallet, error) {
	cctx, cancel := withTimeout(ctx)
	defer cancel()

	ws, err := l.store.GetWallets(cctx, userID)
	if err != nil {
		return nil, mapStoreErr("Balances", err)
	}
	return ws, nil
}

// Balance returns a single wallet.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID, cur domain.Currency) (*domain.Wallet, error) {
	cctx, cancel := withTimeout(ctx)
	defer cancel()

	w, err := l.store.GetWallet(cctx, userID, cur)
	if err != nil {
		return nil, mapStoreErr("Balance", err)
	}
	return w, nil
}
