package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/fair"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

// fixedProofs mints rounds with a predetermined crash point.
type fixedProofs struct {
	crashPoint decimal.Decimal
}

func (f *fixedProofs) NewRound(n int64) (fair.Proof, error) {
	seed := strings.Repeat("ab", 32)
	return fair.Proof{
		RoundID:     fmt.Sprintf("%d%d", time.Now().UnixMilli(), n),
		RoundNumber: n,
		Seed:        seed,
		Hash:        fair.HashSeed(seed),
		CrashPoint:  f.crashPoint,
	}, nil
}

type settleRecord struct {
	userID uuid.UUID
	won    bool
	profit decimal.Decimal
}

// fakeLedger is an in-memory BetLedger.  Credits can be made to fail a set
// number of times with the retryable error the real ledger maps store
// failures to.
type fakeLedger struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal // userID|currency
	settled     []settleRecord
	failCredits int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]decimal.Decimal)}
}

func key(userID uuid.UUID, cur domain.Currency) string {
	return userID.String() + "|" + string(cur)
}

func (f *fakeLedger) fund(userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[key(userID, cur)] = amount
}

func (f *fakeLedger) balance(userID uuid.UUID, cur domain.Currency) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[key(userID, cur)]
}

func (f *fakeLedger) Debit(_ context.Context, userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(userID, cur)
	next := f.balances[k].Sub(amount)
	if next.Sign() < 0 {
		return domain.ErrInsufficientBalance
	}
	f.balances[k] = next
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, userID uuid.UUID, cur domain.Currency, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCredits > 0 {
		f.failCredits--
		return fmt.Errorf("ledger.Credit: %w: connection reset", domain.ErrStoreUnavailable)
	}
	k := key(userID, cur)
	f.balances[k] = f.balances[k].Add(amount)
	return nil
}

func (f *fakeLedger) RecordSettlement(_ context.Context, userID uuid.UUID, won bool, profit decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, settleRecord{userID: userID, won: won, profit: profit})
	return nil
}

func (f *fakeLedger) settlements() []settleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]settleRecord, len(f.settled))
	copy(out, f.settled)
	return out
}

// fakeRounds is an in-memory upserting RoundStore.  Saves of RUNNING or
// CRASHED rounds can be made to fail a set number of times.
type fakeRounds struct {
	mu          sync.Mutex
	rounds      map[string]*domain.Round
	failRunning int
	failCrashed int
}

func newFakeRounds() *fakeRounds {
	return &fakeRounds{rounds: make(map[string]*domain.Round)}
}

func (f *fakeRounds) Save(_ context.Context, r *domain.Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Status == domain.StatusRunning && f.failRunning > 0 {
		f.failRunning--
		return domain.ErrStoreUnavailable
	}
	if r.Status == domain.StatusCrashed && f.failCrashed > 0 {
		f.failCrashed--
		return domain.ErrStoreUnavailable
	}
	cp := *r
	f.rounds[r.ID] = &cp
	return nil
}

func (f *fakeRounds) get(roundID string) *domain.Round {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds[roundID]
}

func (f *fakeRounds) Recent(_ context.Context, limit int) ([]*domain.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Round
	for _, r := range f.rounds {
		if r.Status == domain.StatusCrashed || r.Status == domain.StatusDegraded {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRounds) LastRoundNumber(_ context.Context) (int64, error) { return 0, nil }

// fakeQuotes serves fixed prices.
type fakeQuotes struct{}

func (fakeQuotes) GetPrice(_ context.Context, cur domain.Currency) (decimal.Decimal, error) {
	if cur == domain.CurrencyBTC {
		return decimal.NewFromInt(45000), nil
	}
	return decimal.NewFromInt(100), nil
}

// recorderSink captures every event on a channel for the test to await.
type sinkEvent struct {
	kind string
	snap domain.RoundSnapshot
	bet  *domain.Bet
	mult decimal.Decimal
	auto bool
}

type recorderSink struct{ ch chan sinkEvent }

func newRecorderSink() *recorderSink {
	return &recorderSink{ch: make(chan sinkEvent, 4096)}
}

func (s *recorderSink) RoundCreated(snap domain.RoundSnapshot) {
	s.ch <- sinkEvent{kind: "created", snap: snap}
}
func (s *recorderSink) RoundStarted(snap domain.RoundSnapshot) {
	s.ch <- sinkEvent{kind: "started", snap: snap}
}
func (s *recorderSink) MultiplierTick(_ string, m decimal.Decimal) {
	s.ch <- sinkEvent{kind: "tick", mult: m}
}
func (s *recorderSink) BetPlaced(_ string, b *domain.Bet) {
	s.ch <- sinkEvent{kind: "bet", bet: b}
}
func (s *recorderSink) CashedOut(_ string, b *domain.Bet, isAuto bool) {
	s.ch <- sinkEvent{kind: "cashout", bet: b, auto: isAuto}
}
func (s *recorderSink) RoundCrashed(snap domain.RoundSnapshot) {
	s.ch <- sinkEvent{kind: "crashed", snap: snap}
}
func (s *recorderSink) RoundAborted(snap domain.RoundSnapshot) {
	s.ch <- sinkEvent{kind: "aborted", snap: snap}
}

// waitFor blocks until an event of the given kind arrives.
func waitFor(t *testing.T, sink *recorderSink, kind string) sinkEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sink.ch:
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Game = config.GameConfig{
		HouseEdge:    0.04,
		TickInterval: 5 * time.Millisecond,
		WaitDuration: 80 * time.Millisecond,
		PostCrash:    30 * time.Millisecond,
		MinBetUSD:    0.01,
		MaxBetUSD:    1000,
	}
	return cfg
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// startEngine boots an engine with a fixed crash point and returns its
// collaborators.  The engine stops when the test finishes.
func startEngine(t *testing.T, crashPoint decimal.Decimal, store *fakeRounds, ledger *fakeLedger) (*Engine, *recorderSink) {
	t.Helper()
	sink := newRecorderSink()
	e := New(testConfig(), &fixedProofs{crashPoint: crashPoint}, ledger, store, fakeQuotes{}, sink, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e, sink
}

// ──────────────────────────────────────────────────────────────────────────────
// Multiplier curve
// ──────────────────────────────────────────────────────────────────────────────

func TestMultiplierAt(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "1"},
		{6800 * time.Millisecond, "1.5"},
		{11600 * time.Millisecond, "2"},
		{11700 * time.Millisecond, "2.01"},
	}
	for _, tc := range cases {
		got := MultiplierAt(tc.elapsed)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("MultiplierAt(%s) = %s, want %s", tc.elapsed, got, tc.want)
		}
	}
}

func TestMultiplierAt_Monotonic(t *testing.T) {
	prev := decimal.Zero
	for ms := 0; ms <= 20000; ms += 100 {
		m := MultiplierAt(time.Duration(ms) * time.Millisecond)
		if m.LessThan(prev) {
			t.Fatalf("multiplier decreased at %dms: %s < %s", ms, m, prev)
		}
		prev = m
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func TestRound_Lifecycle(t *testing.T) {
	store := newFakeRounds()
	_, sink := startEngine(t, decimal.RequireFromString("1.01"), store, newFakeLedger())

	created := waitFor(t, sink, "created")
	if created.snap.Status != domain.StatusWaiting {
		t.Errorf("created status = %s, want WAITING", created.snap.Status)
	}
	if created.snap.Seed != "" {
		t.Error("seed must not be revealed at creation")
	}
	if created.snap.Hash == "" {
		t.Error("hash must be published at creation")
	}

	started := waitFor(t, sink, "started")
	if started.snap.Status != domain.StatusRunning {
		t.Errorf("started status = %s, want RUNNING", started.snap.Status)
	}

	crashed := waitFor(t, sink, "crashed")
	if crashed.snap.Status != domain.StatusCrashed {
		t.Errorf("crashed status = %s, want CRASHED", crashed.snap.Status)
	}
	if crashed.snap.Seed == "" {
		t.Error("seed must be revealed on crash")
	}
	if !crashed.snap.CrashPoint.Equal(decimal.RequireFromString("1.01")) {
		t.Errorf("crash point = %s, want 1.01", crashed.snap.CrashPoint)
	}

	// The broadcast follows persistence, so the store already holds the
	// CRASHED round by the time clients hear about it.
	if r := store.get(crashed.snap.RoundID); r == nil || r.Status != domain.StatusCrashed {
		t.Fatal("game_crashed broadcast before the round was persisted as CRASHED")
	}

	// A new round follows on its own.
	next := waitFor(t, sink, "created")
	if next.snap.RoundNumber != crashed.snap.RoundNumber+1 {
		t.Errorf("next round number = %d, want %d", next.snap.RoundNumber, crashed.snap.RoundNumber+1)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Betting
// ──────────────────────────────────────────────────────────────────────────────

func TestPlaceBet_Validation(t *testing.T) {
	e := New(testConfig(), &fixedProofs{crashPoint: decimal.NewFromInt(2)},
		newFakeLedger(), newFakeRounds(), fakeQuotes{}, newRecorderSink(), quietLog())
	ctx := context.Background()
	userID := uuid.New()

	_, err := e.PlaceBet(ctx, userID, "ada", decimal.Zero, domain.CurrencyBTC, nil)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v, want ErrInvalidAmount", err)
	}

	_, err = e.PlaceBet(ctx, userID, "ada", decimal.NewFromInt(5000), domain.CurrencyBTC, nil)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("over max: err = %v, want ErrInvalidAmount", err)
	}

	_, err = e.PlaceBet(ctx, userID, "ada", decimal.NewFromInt(10), domain.Currency("DOGE"), nil)
	if !errors.Is(err, domain.ErrUnsupportedCurrency) {
		t.Errorf("bad currency: err = %v, want ErrUnsupportedCurrency", err)
	}

	one := decimal.NewFromInt(1)
	_, err = e.PlaceBet(ctx, userID, "ada", decimal.NewFromInt(10), domain.CurrencyBTC, &one)
	if !errors.Is(err, domain.ErrInvalidAutoCashout) {
		t.Errorf("auto at 1.00: err = %v, want ErrInvalidAutoCashout", err)
	}

	big := decimal.NewFromInt(1001)
	_, err = e.PlaceBet(ctx, userID, "ada", decimal.NewFromInt(10), domain.CurrencyBTC, &big)
	if !errors.Is(err, domain.ErrInvalidAutoCashout) {
		t.Errorf("auto over 1000: err = %v, want ErrInvalidAutoCashout", err)
	}
}

func TestPlaceBet_LoserSettledOnce(t *testing.T) {
	ledger := newFakeLedger()
	store := newFakeRounds()
	e, sink := startEngine(t, decimal.RequireFromString("1.01"), store, ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	bet, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, nil)
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if !bet.CryptoAmount.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("crypto stake = %s, want 0.1 (10 USD at 100)", bet.CryptoAmount)
	}
	// Stake debited immediately.
	if !ledger.balance(userID, domain.CurrencyLTC).Equal(decimal.RequireFromString("0.9")) {
		t.Errorf("balance after bet = %s, want 0.9", ledger.balance(userID, domain.CurrencyLTC))
	}

	crashed := waitFor(t, sink, "crashed")
	if len(crashed.snap.Bets) != 1 {
		t.Fatalf("crashed snapshot holds %d bets, want 1", len(crashed.snap.Bets))
	}
	lost := crashed.snap.Bets[0]
	if lost.CashedOut {
		t.Error("losing bet marked cashed out")
	}
	if lost.ProfitUSD == nil || !lost.ProfitUSD.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("loss profit = %v, want -10", lost.ProfitUSD)
	}

	// Exactly one settlement record, a loss, and no payout credit.
	deadline := time.Now().Add(2 * time.Second)
	for len(ledger.settlements()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	recs := ledger.settlements()
	if len(recs) != 1 {
		t.Fatalf("%d settlement records, want 1", len(recs))
	}
	if recs[0].won || !recs[0].profit.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("settlement = %+v, want loss of 10", recs[0])
	}
	if !ledger.balance(userID, domain.CurrencyLTC).Equal(decimal.RequireFromString("0.9")) {
		t.Error("loser balance changed after crash")
	}
}

func TestPlaceBet_AutoCashout(t *testing.T) {
	ledger := newFakeLedger()
	e, sink := startEngine(t, decimal.RequireFromString("1.03"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	auto := decimal.RequireFromString("1.01")
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, &auto); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	ev := waitFor(t, sink, "cashout")
	if !ev.bet.CashedOut || ev.bet.CashedOutAt == nil {
		t.Fatal("auto-cashed bet not marked cashed out")
	}
	if !ev.auto {
		t.Error("auto cashout not flagged as automatic")
	}
	// Settled at the tick-observed multiplier: at or above the target, never
	// beyond the crash point.
	m := *ev.bet.CashedOutAt
	if m.LessThan(auto) || m.GreaterThan(decimal.RequireFromString("1.03")) {
		t.Errorf("cashed out at %s, want within [1.01, 1.03]", m)
	}

	waitFor(t, sink, "crashed")

	// Payout credited: 0.1 LTC × m on top of the 0.9 remainder.
	deadline := time.Now().Add(2 * time.Second)
	want := decimal.RequireFromString("0.9").Add(decimal.RequireFromString("0.1").Mul(m))
	for !ledger.balance(userID, domain.CurrencyLTC).Equal(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ledger.balance(userID, domain.CurrencyLTC); !got.Equal(want) {
		t.Errorf("balance after auto cashout = %s, want %s", got, want)
	}

	recs := ledger.settlements()
	if len(recs) != 1 || !recs[0].won {
		t.Fatalf("settlements = %+v, want one win", recs)
	}
}

// An auto target equal to the crash point wins: the crash tick fires the
// auto-cashout at the clamped multiplier before evaluating the crash, and a
// manual cashout arriving after the transition is rejected.
func TestAutoCashoutAtCrashPoint_WinsCrashTick(t *testing.T) {
	ledger := newFakeLedger()
	crashPoint := decimal.RequireFromString("1.02")
	e, sink := startEngine(t, crashPoint, newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	auto := crashPoint
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, &auto); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	ev := waitFor(t, sink, "cashout")
	if !ev.auto {
		t.Error("crash-tick cashout not flagged as automatic")
	}
	// The tick that reaches the crash point settles at the crash point
	// itself, never beyond it.
	if ev.bet.CashedOutAt == nil || !ev.bet.CashedOutAt.Equal(crashPoint) {
		t.Errorf("cashed out at %v, want exactly %s", ev.bet.CashedOutAt, crashPoint)
	}

	crashed := waitFor(t, sink, "crashed")
	if len(crashed.snap.Bets) != 1 || !crashed.snap.Bets[0].CashedOut {
		t.Fatal("winner recorded as a loser on the crash tick")
	}

	// Past the transition the round no longer accepts cashouts.
	if _, err := e.Cashout(context.Background(), userID); !errors.Is(err, domain.ErrRoundNotRunning) {
		t.Errorf("post-crash cashout: err = %v, want ErrRoundNotRunning", err)
	}

	// One win settlement, no loss for the same bet.
	deadline := time.Now().Add(2 * time.Second)
	for len(ledger.settlements()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	recs := ledger.settlements()
	if len(recs) != 1 || !recs[0].won {
		t.Fatalf("settlements = %+v, want exactly one win", recs)
	}
}

func TestPlaceBet_Duplicate(t *testing.T) {
	ledger := newFakeLedger()
	e, sink := startEngine(t, decimal.RequireFromString("1.01"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(1), domain.CurrencyLTC, nil); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	_, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(1), domain.CurrencyLTC, nil)
	if !errors.Is(err, domain.ErrAlreadyBet) {
		t.Errorf("second bet: err = %v, want ErrAlreadyBet", err)
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	ledger := newFakeLedger()
	e, sink := startEngine(t, decimal.RequireFromString("1.01"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.RequireFromString("0.05"))

	waitFor(t, sink, "created")
	_, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, nil)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	// Nothing registered, balance untouched.
	if !ledger.balance(userID, domain.CurrencyLTC).Equal(decimal.RequireFromString("0.05")) {
		t.Error("balance changed on rejected bet")
	}
	snap, _ := e.Snapshot(context.Background())
	if len(snap.Bets) != 0 {
		t.Errorf("%d bets registered, want 0", len(snap.Bets))
	}
}

func TestPlaceBet_RejectedWhileRunning(t *testing.T) {
	ledger := newFakeLedger()
	e, sink := startEngine(t, decimal.RequireFromString("1.02"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "started")
	_, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(1), domain.CurrencyLTC, nil)
	if !errors.Is(err, domain.ErrRoundNotOpen) {
		t.Errorf("err = %v, want ErrRoundNotOpen", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Cashout
// ──────────────────────────────────────────────────────────────────────────────

func TestCashout_Manual(t *testing.T) {
	ledger := newFakeLedger()
	// Far crash point so the flight lasts long enough to cash out into.
	e, sink := startEngine(t, decimal.RequireFromString("1.20"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, nil); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	waitFor(t, sink, "started")
	waitFor(t, sink, "tick")

	bet, err := e.Cashout(context.Background(), userID)
	if err != nil {
		t.Fatalf("Cashout: %v", err)
	}
	if !bet.CashedOut || bet.CashedOutAt == nil {
		t.Fatal("bet not settled by cashout")
	}
	if bet.CashedOutAt.LessThan(decimal.NewFromInt(1)) || bet.CashedOutAt.GreaterThan(decimal.RequireFromString("1.20")) {
		t.Errorf("cashed out at %s, outside (1.00, 1.20]", bet.CashedOutAt)
	}

	// A second cashout finds no live bet.
	if _, err := e.Cashout(context.Background(), userID); !errors.Is(err, domain.ErrNoActiveBet) {
		t.Errorf("second cashout: err = %v, want ErrNoActiveBet", err)
	}
}

func TestCashout_AfterCrash(t *testing.T) {
	ledger := newFakeLedger()
	e, sink := startEngine(t, decimal.RequireFromString("1.01"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(1), domain.CurrencyLTC, nil); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	waitFor(t, sink, "crashed")
	_, err := e.Cashout(context.Background(), userID)
	if !errors.Is(err, domain.ErrRoundNotRunning) && !errors.Is(err, domain.ErrNoActiveBet) {
		t.Errorf("cashout after crash: err = %v, want a state rejection", err)
	}
}

func TestCashout_WithoutBet(t *testing.T) {
	e, sink := startEngine(t, decimal.RequireFromString("1.05"), newFakeRounds(), newFakeLedger())

	waitFor(t, sink, "started")
	_, err := e.Cashout(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrNoActiveBet) {
		t.Errorf("err = %v, want ErrNoActiveBet", err)
	}
}

func TestCashout_PayoutRetriesTransientStoreFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failCredits = 1
	e, sink := startEngine(t, decimal.RequireFromString("1.03"), newFakeRounds(), ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	auto := decimal.RequireFromString("1.01")
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, &auto); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	ev := waitFor(t, sink, "cashout")
	m := *ev.bet.CashedOutAt

	// The first credit fails; the settlement worker must retry until the
	// payout lands rather than drop it.
	want := decimal.RequireFromString("0.9").Add(decimal.RequireFromString("0.1").Mul(m))
	deadline := time.Now().Add(3 * time.Second)
	for !ledger.balance(userID, domain.CurrencyLTC).Equal(want) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ledger.balance(userID, domain.CurrencyLTC); !got.Equal(want) {
		t.Fatalf("balance after transient credit failure = %s, want %s", got, want)
	}
	recs := ledger.settlements()
	if len(recs) != 1 || !recs[0].won {
		t.Errorf("settlements = %+v, want exactly one win", recs)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Degraded settlement
// ──────────────────────────────────────────────────────────────────────────────

func TestCrash_PersistFailureDegradesRound(t *testing.T) {
	store := newFakeRounds()
	store.failCrashed = persistAttempts // every attempt fails
	_, sink := startEngine(t, decimal.RequireFromString("1.01"), store, newFakeLedger())

	// No game_crashed broadcast without a persisted round; the clients see
	// only the abort.
	var aborted sinkEvent
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev := <-sink.ch:
			switch ev.kind {
			case "crashed":
				t.Fatal("game_crashed broadcast for a round that was never persisted")
			case "aborted":
				aborted = ev
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for abort broadcast")
		}
	}
	if aborted.snap.Status != domain.StatusDegraded {
		t.Errorf("abort broadcast status = %s, want DEGRADED", aborted.snap.Status)
	}
	if aborted.snap.Seed == "" {
		t.Error("degraded broadcast must still reveal the seed")
	}
}

func TestCrash_PersistRetrySucceeds(t *testing.T) {
	store := newFakeRounds()
	store.failCrashed = 2
	_, sink := startEngine(t, decimal.RequireFromString("1.01"), store, newFakeLedger())

	crashed := waitFor(t, sink, "crashed")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if r := store.get(crashed.snap.RoundID); r != nil && r.Status == domain.StatusCrashed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("round never persisted despite retries")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLaunch_PersistFailureAbortsAndRefunds(t *testing.T) {
	ledger := newFakeLedger()
	store := newFakeRounds()
	store.failRunning = 1
	e, sink := startEngine(t, decimal.RequireFromString("1.50"), store, ledger)

	userID := uuid.New()
	ledger.fund(userID, domain.CurrencyLTC, decimal.NewFromInt(1))

	waitFor(t, sink, "created")
	if _, err := e.PlaceBet(context.Background(), userID, "ada", decimal.NewFromInt(10), domain.CurrencyLTC, nil); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	aborted := waitFor(t, sink, "aborted")
	if aborted.snap.Status != domain.StatusDegraded {
		t.Errorf("abort status = %s, want DEGRADED", aborted.snap.Status)
	}

	// Stake refunded, no stats recorded.
	deadline := time.Now().Add(2 * time.Second)
	want := decimal.NewFromInt(1)
	for !ledger.balance(userID, domain.CurrencyLTC).Equal(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ledger.balance(userID, domain.CurrencyLTC); !got.Equal(want) {
		t.Errorf("balance after abort = %s, want full refund to 1", got)
	}
	if n := len(ledger.settlements()); n != 0 {
		t.Errorf("%d settlement records after abort, want 0", n)
	}

	// The next round starts on its own.
	next := waitFor(t, sink, "created")
	if next.snap.RoundNumber != aborted.snap.RoundNumber+1 {
		t.Errorf("next round number = %d, want %d", next.snap.RoundNumber, aborted.snap.RoundNumber+1)
	}
}
