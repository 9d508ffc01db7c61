package service

import (
	"context"
	"fmt"

	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/quote"
	"github.com/evetabi/crash/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// StatsService
// ──────────────────────────────────────────────────────────────────────────────

// StatsService assembles the user_stats payload: lifetime aggregates from
// the user row plus every wallet balance with an advisory USD value.
type StatsService struct {
	userRepo *repository.UserRepository
	ledger   *ledger.Ledger
	quotes   *quote.Service
}

// NewStatsService creates a StatsService.
func NewStatsService(userRepo *repository.UserRepository, ledger *ledger.Ledger, quotes *quote.Service) *StatsService {
	return &StatsService{
		userRepo: userRepo,
		ledger:   ledger,
		quotes:   quotes,
	}
}

// Stats returns the aggregates and balances for one user.  USD values come
// from the cached quotes; a missing quote degrades that wallet's USD value
// to zero rather than failing the whole request.
func (s *StatsService) Stats(ctx context.Context, userID uuid.UUID) (domain.UserStats, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("stats_service.Stats: %w", err)
	}

	wallets, err := s.ledger.Balances(ctx, userID)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("stats_service.Stats: %w", err)
	}

	views := make([]domain.WalletView, 0, len(wallets))
	for _, w := range wallets {
		usd := decimal.Zero
		if price, perr := s.quotes.GetPrice(ctx, w.Currency); perr == nil {
			usd = quote.CryptoToUsd(w.Balance, price)
		}
		views = append(views, domain.WalletView{
			Currency: w.Currency,
			Balance:  w.Balance,
			USDValue: usd,
		})
	}

	return domain.UserStats{
		UserID:      user.ID,
		Username:    user.Username,
		Wallets:     views,
		TotalBets:   user.TotalBets,
		TotalWins:   user.TotalWins,
		TotalProfit: user.TotalProfit,
	}, nil
}
