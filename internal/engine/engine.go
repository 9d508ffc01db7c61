// Package engine drives the round lifecycle: WAITING → RUNNING → CRASHED,
// bet acceptance, cashouts, auto-cashout triggers, and crash settlement.
//
// All round state is owned by a single goroutine (the run loop).  Callers
// reach it through a command channel, so there is no lock around the round
// and every state transition is atomic with respect to bets and cashouts.
// Slow work (price lookups, wallet writes) happens off the owner goroutine
// and re-validates the round state on re-entry.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/fair"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// growthK is the exponential multiplier growth constant per elapsed
// millisecond: μ = exp(growthK · Δt_ms).  Reaches 2.00× around 11.6s.
const growthK = 0.00006

// Settlement persistence retry policy.
const (
	persistAttempts = 5
	persistBaseWait = 100 * time.Millisecond
)

// ──────────────────────────────────────────────────────────────────────────────
// Dependencies
// ──────────────────────────────────────────────────────────────────────────────

// QuoteSource supplies USD prices for stake conversion.
type QuoteSource interface {
	GetPrice(ctx context.Context, cur domain.Currency) (decimal.Decimal, error)
}

// ProofSource mints the provably-fair commitment for each round.
// *fair.Generator is the production implementation.
type ProofSource interface {
	NewRound(roundNumber int64) (fair.Proof, error)
}

// BetLedger moves wallet balances and lifetime stats.
type BetLedger interface {
	Debit(ctx context.Context, userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) error
	Credit(ctx context.Context, userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) error
	RecordSettlement(ctx context.Context, userID uuid.UUID, won bool, profitUSD decimal.Decimal) error
}

// RoundStore persists finished rounds and answers history queries.
type RoundStore interface {
	Save(ctx context.Context, round *domain.Round) error
	Recent(ctx context.Context, limit int) ([]*domain.Round, error)
	LastRoundNumber(ctx context.Context) (int64, error)
}

// EventSink receives every externally visible game event.  The WebSocket
// hub implements this; tests plug in a recorder.
type EventSink interface {
	RoundCreated(s domain.RoundSnapshot)
	RoundStarted(s domain.RoundSnapshot)
	MultiplierTick(roundID string, multiplier decimal.Decimal)
	BetPlaced(roundID string, bet *domain.Bet)
	CashedOut(roundID string, bet *domain.Bet, isAuto bool)
	RoundCrashed(s domain.RoundSnapshot)
	RoundAborted(s domain.RoundSnapshot)
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine
// ──────────────────────────────────────────────────────────────────────────────

// Engine runs the perpetual round loop.
type Engine struct {
	cfg    *config.GameConfig
	gen    ProofSource
	ledger BetLedger
	store  RoundStore
	quotes QuoteSource
	sink   EventSink
	log    *slog.Logger

	cmds     chan func()
	settleCh chan settleJob

	// Owner-goroutine state.  Touched only from the run loop.
	round       *domain.Round
	roundNumber int64
	pending     map[uuid.UUID]bool // users with a debit in flight
}

// New constructs an Engine.  Call Run to start the round loop.
func New(cfg *config.Config, gen ProofSource, ledger BetLedger, store RoundStore, quotes QuoteSource, sink EventSink, log *slog.Logger) *Engine {
	return &Engine{
		cfg:      &cfg.Game,
		gen:      gen,
		ledger:   ledger,
		store:    store,
		quotes:   quotes,
		sink:     sink,
		log:      log.With("component", "engine"),
		cmds:     make(chan func()),
		settleCh: make(chan settleJob, 256),
		pending:  make(map[uuid.UUID]bool),
	}
}

// Run executes rounds until ctx is cancelled.  It owns all round state;
// every public method funnels through the command channel.
func (e *Engine) Run(ctx context.Context) error {
	n, err := e.store.LastRoundNumber(ctx)
	if err != nil {
		return fmt.Errorf("engine.Run: resume round number: %w", err)
	}
	e.roundNumber = n

	go e.settleWorker(ctx)

	for {
		if err := e.runCycle(ctx); err != nil {
			return err
		}
	}
}

// runCycle executes one full round: create, wait, run, crash, cool down.
func (e *Engine) runCycle(ctx context.Context) error {
	// ── Create ────────────────────────────────────────────────────────────────
	e.roundNumber++
	proof, err := e.gen.NewRound(e.roundNumber)
	if err != nil {
		return fmt.Errorf("engine.runCycle: %w", err)
	}
	e.round = &domain.Round{
		ID:                proof.RoundID,
		RoundNumber:       proof.RoundNumber,
		Seed:              proof.Seed,
		Hash:              proof.Hash,
		CrashPoint:        proof.CrashPoint,
		Status:            domain.StatusWaiting,
		CurrentMultiplier: decimal.NewFromInt(1),
		Bets:              []*domain.Bet{},
		CreatedAt:         time.Now(),
	}
	if err := e.store.Save(ctx, e.round); err != nil {
		// The crash-time upsert rewrites this row anyway.
		e.log.Warn("waiting snapshot save failed", "round_id", e.round.ID, "error", err)
	}
	e.sink.RoundCreated(e.round.ToSnapshot())
	e.log.Info("round created",
		"round_id", e.round.ID, "round_number", e.round.RoundNumber, "hash", e.round.Hash)

	// ── Betting window ────────────────────────────────────────────────────────
	if !e.servePhase(ctx, e.cfg.WaitDuration) {
		return ctx.Err()
	}

	// ── Launch ────────────────────────────────────────────────────────────────
	now := time.Now()
	e.round.Status = domain.StatusRunning
	e.round.StartedAt = &now
	if err := e.store.Save(ctx, e.round); err != nil {
		// A round that cannot be recorded as started does not fly.
		e.abortRound(err)
		return nil
	}
	e.sink.RoundStarted(e.round.ToSnapshot())

	if !e.runFlight(ctx, now) {
		return ctx.Err()
	}

	// ── Cool down: crash display plus a short gap before the next round ───────
	if !e.servePhase(ctx, e.cfg.PostCrash+time.Second) {
		return ctx.Err()
	}
	return nil
}

// abortRound cancels a round whose launch could not be persisted: every
// accepted stake is refunded and the abort is announced.  The round number
// still advances, so the next round's commitment is fresh.
func (e *Engine) abortRound(cause error) {
	e.round.Status = domain.StatusDegraded
	e.log.Error("round aborted at launch", "round_id", e.round.ID, "error", cause)

	for _, b := range e.round.Bets {
		e.settleCh <- settleJob{
			userID:   b.UserID,
			currency: b.Currency,
			credit:   b.CryptoAmount,
			refund:   true,
		}
	}
	e.sink.RoundAborted(e.round.ToSnapshot())
}

// servePhase answers commands for d, then returns true.  Returns false
// when ctx is cancelled.
func (e *Engine) servePhase(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-e.cmds:
			cmd()
		case <-timer.C:
			return true
		}
	}
}

// runFlight drives the RUNNING phase tick loop until the crash point is
// reached.  Returns false when ctx is cancelled.
func (e *Engine) runFlight(ctx context.Context, startedAt time.Time) bool {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-e.cmds:
			cmd()
		case <-ticker.C:
			m := MultiplierAt(time.Since(startedAt))
			// The displayed multiplier never exceeds the committed crash
			// point; a tick overshooting it settles at the crash point.
			settleAt := m
			if settleAt.GreaterThan(e.round.CrashPoint) {
				settleAt = e.round.CrashPoint
			}
			e.round.CurrentMultiplier = settleAt

			// Auto-cashouts are evaluated before the crash condition, so a
			// target at or below the crash point always wins.
			e.fireAutoCashouts(settleAt)

			if m.GreaterThanOrEqual(e.round.CrashPoint) {
				e.crash(ctx)
				return true
			}
			e.sink.MultiplierTick(e.round.ID, settleAt)
		}
	}
}

// MultiplierAt computes the displayed multiplier for elapsed flight time,
// truncated to 2 decimal places.
func MultiplierAt(elapsed time.Duration) decimal.Decimal {
	m := math.Exp(growthK * float64(elapsed.Milliseconds()))
	return decimal.NewFromFloat(m).Truncate(2)
}

// fireAutoCashouts settles, in bet-acceptance order, every live bet whose
// auto target is at or below the tick-observed multiplier m.  Each winner
// receives m itself, so the realized multiplier may marginally exceed the
// player's target.
func (e *Engine) fireAutoCashouts(m decimal.Decimal) {
	for _, b := range e.round.Bets {
		if b.CashedOut || b.AutoCashOut == nil {
			continue
		}
		if b.AutoCashOut.LessThanOrEqual(m) {
			e.settleWin(b, m, true)
		}
	}
}

// settleWin marks the bet won at multiplier m, announces it, and queues
// the wallet credit.  Owner goroutine only.
func (e *Engine) settleWin(b *domain.Bet, m decimal.Decimal, isAuto bool) {
	b.Settle(m)
	e.sink.CashedOut(e.round.ID, b, isAuto)
	e.settleCh <- settleJob{
		userID:    b.UserID,
		currency:  b.Currency,
		credit:    b.CryptoPayout(m),
		won:       true,
		profitUSD: *b.ProfitUSD,
	}
}

// crash freezes the round and settles it.  Runs on the owner goroutine,
// so the status flip and the cashout cutoff are a single atomic step: any
// cashout command arriving after this point sees CRASHED and is rejected.
func (e *Engine) crash(ctx context.Context) {
	now := time.Now()
	e.round.Status = domain.StatusCrashed
	e.round.CurrentMultiplier = e.round.CrashPoint
	e.round.CrashedAt = &now

	// Losses are recorded after the winners queued above; the settlement
	// worker preserves submission order.
	for _, b := range e.round.Bets {
		if b.CashedOut {
			continue
		}
		b.Lose()
		e.settleCh <- settleJob{
			userID:    b.UserID,
			won:       false,
			profitUSD: *b.ProfitUSD,
		}
	}

	// The crash broadcast waits for the round to be persisted, so every
	// revealed seed is verifiable against a stored round.
	if err := e.persistWithRetry(ctx, e.round); err != nil {
		e.round.Status = domain.StatusDegraded
		e.sink.RoundAborted(e.round.ToSnapshot())
		e.log.Error("round settlement persistence failed, round degraded",
			"round_id", e.round.ID, "error", err)
		return
	}

	e.sink.RoundCrashed(e.round.ToSnapshot())
	e.log.Info("round crashed",
		"round_id", e.round.ID, "crash_point", e.round.CrashPoint.String(),
		"bets", len(e.round.Bets))
}

// persistWithRetry saves the round with exponential backoff.
func (e *Engine) persistWithRetry(ctx context.Context, round *domain.Round) error {
	var lastErr error
	wait := persistBaseWait
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if lastErr = e.store.Save(ctx, round); lastErr == nil {
			return nil
		}
		e.log.Warn("round save failed",
			"round_id", round.ID, "attempt", attempt, "error", lastErr)
		if attempt == persistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement worker
// ──────────────────────────────────────────────────────────────────────────────

// settleJob is one wallet credit and/or stats bump for a settled bet.
// Refund jobs return a stake without touching lifetime stats.
type settleJob struct {
	userID    uuid.UUID
	currency  domain.Currency
	credit    decimal.Decimal // zero for a loss
	won       bool
	profitUSD decimal.Decimal
	refund    bool
}

// settleWorker applies settlement jobs in submission order so two cashouts
// by the same user cannot race each other in the store.
func (e *Engine) settleWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.settleCh:
			e.applySettlement(ctx, job)
		}
	}
}

func (e *Engine) applySettlement(ctx context.Context, job settleJob) {
	run := func() error {
		if job.credit.Sign() > 0 {
			if err := e.ledger.Credit(ctx, job.userID, job.currency, job.credit); err != nil {
				return err
			}
			// Credit landed; do not repeat it if the stats write fails.
			job.credit = decimal.Zero
		}
		if job.refund {
			return nil
		}
		return e.ledger.RecordSettlement(ctx, job.userID, job.won, job.profitUSD)
	}

	wait := persistBaseWait
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = run(); err == nil {
			return
		}
		if !domain.IsRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
	e.log.Error("bet settlement failed",
		"user_id", job.userID, "won", job.won, "error", err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Public operations
// ──────────────────────────────────────────────────────────────────────────────

// do runs fn on the owner goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// PlaceBet validates, debits, and registers a bet for the current round.
//
// The stake conversion and wallet debit run off the owner goroutine; the
// round is re-checked when the bet is applied, and the stake is refunded
// if the betting window closed in the meantime.
func (e *Engine) PlaceBet(ctx context.Context, userID uuid.UUID, username string, usdAmount decimal.Decimal, cur domain.Currency, autoCashOut *decimal.Decimal) (*domain.Bet, error) {
	if usdAmount.LessThan(decimal.NewFromFloat(e.cfg.MinBetUSD)) ||
		usdAmount.GreaterThan(decimal.NewFromFloat(e.cfg.MaxBetUSD)) {
		return nil, domain.ErrInvalidAmount
	}
	if !cur.IsValid() {
		return nil, domain.ErrUnsupportedCurrency
	}
	if autoCashOut != nil &&
		(autoCashOut.LessThanOrEqual(domain.MinAutoCashout) || autoCashOut.GreaterThan(domain.MaxAutoCashout)) {
		return nil, domain.ErrInvalidAutoCashout
	}

	// Phase one: reserve the user's slot while the round is open.
	var roundID string
	var reserveErr error
	err := e.do(ctx, func() {
		switch {
		case e.round == nil || !e.round.IsWaiting():
			reserveErr = domain.ErrRoundNotOpen
		case e.round.BetFor(userID) != nil || e.pending[userID]:
			reserveErr = domain.ErrAlreadyBet
		default:
			e.pending[userID] = true
			roundID = e.round.ID
		}
	})
	if err != nil {
		return nil, err
	}
	if reserveErr != nil {
		return nil, reserveErr
	}

	// Slow path: price lookup and debit, off the owner goroutine.
	bet, debitErr := e.fundBet(ctx, userID, username, usdAmount, cur, autoCashOut)

	// Phase two: apply under the owner, re-validating the round.
	var applyErr error
	err = e.do(context.Background(), func() {
		delete(e.pending, userID)
		if debitErr != nil {
			applyErr = debitErr
			return
		}
		if e.round == nil || !e.round.IsWaiting() || e.round.ID != roundID {
			applyErr = domain.ErrRoundNotOpen
			return
		}
		e.round.Bets = append(e.round.Bets, bet)
		e.sink.BetPlaced(e.round.ID, bet)
	})
	if err != nil {
		return nil, err
	}
	if applyErr != nil {
		// Refund a debited stake that missed the window.
		if debitErr == nil {
			if cerr := e.ledger.Credit(context.Background(), userID, cur, bet.CryptoAmount); cerr != nil {
				e.log.Error("refund failed after missed betting window",
					"user_id", userID, "amount", bet.CryptoAmount.String(), "error", cerr)
			}
		}
		return nil, applyErr
	}
	return bet, nil
}

// fundBet converts the USD stake at the current price and debits it.
func (e *Engine) fundBet(ctx context.Context, userID uuid.UUID, username string, usdAmount decimal.Decimal, cur domain.Currency, autoCashOut *decimal.Decimal) (*domain.Bet, error) {
	price, err := e.quotes.GetPrice(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("engine.fundBet: quote: %w", err)
	}
	cryptoAmount := usdAmount.Div(price).Truncate(8)
	if cryptoAmount.Sign() <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if err := e.ledger.Debit(ctx, userID, cur, cryptoAmount); err != nil {
		return nil, err
	}
	return &domain.Bet{
		ID:           uuid.New(),
		UserID:       userID,
		Username:     username,
		USDAmount:    usdAmount,
		Currency:     cur,
		PriceAtTime:  price,
		CryptoAmount: cryptoAmount,
		AutoCashOut:  autoCashOut,
		PlacedAt:     time.Now(),
	}, nil
}

// Cashout settles the caller's live bet at the current multiplier.
func (e *Engine) Cashout(ctx context.Context, userID uuid.UUID) (*domain.Bet, error) {
	var bet *domain.Bet
	var opErr error
	err := e.do(ctx, func() {
		if e.round == nil || !e.round.IsRunning() {
			opErr = domain.ErrRoundNotRunning
			return
		}
		b := e.round.BetFor(userID)
		if b == nil || b.CashedOut {
			opErr = domain.ErrNoActiveBet
			return
		}
		e.settleWin(b, e.round.CurrentMultiplier, false)
		bet = b
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return bet, nil
}

// Snapshot returns the public view of the current round for a freshly
// connected client.
func (e *Engine) Snapshot(ctx context.Context) (domain.RoundSnapshot, error) {
	var s domain.RoundSnapshot
	err := e.do(ctx, func() {
		if e.round != nil {
			s = e.round.ToSnapshot()
		}
	})
	return s, err
}

// History returns recently finished rounds, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]*domain.Round, error) {
	return e.store.Recent(ctx, limit)
}
