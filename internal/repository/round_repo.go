package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/evetabi/crash/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Recent-history limits for the game_history query.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RoundRepository handles all database operations for rounds.  Bets are
// stored inline as a JSONB column since they are only ever read back as
// part of their round.
type RoundRepository struct {
	db *sqlx.DB
}

// NewRoundRepository creates a new RoundRepository.
func NewRoundRepository(db *sqlx.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// roundRow is the flat DB representation of a domain.Round.
type roundRow struct {
	domain.Round
	BetsJSON []byte `db:"bets"`
}

func (rr *roundRow) toDomain() (*domain.Round, error) {
	round := rr.Round
	round.Bets = []*domain.Bet{}
	if len(rr.BetsJSON) > 0 {
		if err := json.Unmarshal(rr.BetsJSON, &round.Bets); err != nil {
			return nil, fmt.Errorf("decode bets: %w", err)
		}
	}
	return &round, nil
}

// Save upserts a round keyed by round_id.  Calling it again with the same
// round overwrites the previous row, so settlement retries are idempotent.
func (r *RoundRepository) Save(ctx context.Context, round *domain.Round) error {
	bets, err := json.Marshal(round.Bets)
	if err != nil {
		return fmt.Errorf("round_repo.Save: encode bets: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rounds (round_id, round_number, seed, hash, crash_point, status, bets, created_at, started_at, crashed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (round_id) DO UPDATE SET
			status     = EXCLUDED.status,
			seed       = EXCLUDED.seed,
			bets       = EXCLUDED.bets,
			started_at = EXCLUDED.started_at,
			crashed_at = EXCLUDED.crashed_at`,
		round.ID, round.RoundNumber, round.Seed, round.Hash, round.CrashPoint,
		round.Status, bets, round.CreatedAt, round.StartedAt, round.CrashedAt)
	if err != nil {
		return fmt.Errorf("round_repo.Save: %w", err)
	}
	return nil
}

// Recent returns the most recently crashed rounds, newest first.  A limit
// of zero or less falls back to the default; anything above the cap is
// clamped.
func (r *RoundRepository) Recent(ctx context.Context, limit int) ([]*domain.Round, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var rows []roundRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT round_id, round_number, seed, hash, crash_point, status, bets, created_at, started_at, crashed_at
		FROM rounds
		WHERE status IN ('CRASHED', 'DEGRADED')
		ORDER BY crashed_at DESC NULLS LAST, created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("round_repo.Recent: %w", err)
	}

	rounds := make([]*domain.Round, 0, len(rows))
	for i := range rows {
		round, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("round_repo.Recent: %w", err)
		}
		rounds = append(rounds, round)
	}
	return rounds, nil
}

// LastRoundNumber returns the highest round number persisted so far, or 0
// when the table is empty.  The engine resumes numbering from here at boot.
func (r *RoundRepository) LastRoundNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COALESCE(MAX(round_number), 0) FROM rounds`)
	if err != nil {
		return 0, fmt.Errorf("round_repo.LastRoundNumber: %w", err)
	}
	return n, nil
}
