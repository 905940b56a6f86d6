package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"bybit-basis-sim/internal/config"
	"bybit-basis-sim/internal/market"

	"go.uber.org/zap"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Symbol:              "BTCUSDT",
		StartCashUSD:        100,
		AllocFraction:       0.70,
		EntryBasisPct:       0.60,
		ExitBasisPct:        0.10,
		CompressionFraction: 0.25,
		TakeProfitUSD:       1.0,
		StopLossUSD:         2.0,
		TrendTau:            30 * time.Second,
		TrendSlopeMax:       0.05,
		MinFundingRate:      0.0001,
		StdMultiplier:       1.5,
		SafetyBufferPct:     0.05,
		BasisWindow:         10 * time.Minute,
		MaxHold:             6 * time.Hour,
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{Leverage: 5, MaintenanceMarginPct: 0.50, PnLWindowTrades: 5}
}

// newTestEngine uses zero fees and slippage so price math is exact.
func newTestEngine(strat config.StrategyConfig) *Engine {
	return New(strat, config.FeeConfig{}, testRiskConfig(), nil, nil, zap.NewNop())
}

// q builds a two-sided quote with bid == ask == last.
func q(px float64) market.Quote {
	return market.Quote{Bid: px, Ask: px, Last: px, HasBid: true, HasAsk: true, HasLast: true}
}

func qFunding(px, rate float64, next time.Time) market.Quote {
	quote := q(px)
	quote.FundingRate = rate
	quote.HasFunding = true
	quote.NextFunding = next
	quote.HasNextFunding = true
	return quote
}

func enterLongBasis(t *testing.T, eng *Engine) {
	t.Helper()
	res := eng.Tick(context.Background(), t0, q(100), qFunding(101, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionEnterLong {
		t.Fatalf("expected entry, got %s (%s)", res.Action, res.Reason)
	}
}

func TestEnterLongBasis(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	enterLongBasis(t, eng)

	st := eng.Status()
	if st.State != StateOpenLongBasis {
		t.Fatalf("expected OPEN_LONG_BASIS, got %s", st.State)
	}
	if st.Account.Base <= 0 {
		t.Fatalf("long basis must hold spot inventory, got %f", st.Account.Base)
	}
	if st.Account.Perp.Qty >= 0 {
		t.Fatalf("long basis must short the perp, got %f", st.Account.Perp.Qty)
	}
	if st.EntryBasis != 1.0 {
		t.Fatalf("expected entry basis 1.0, got %f", st.EntryBasis)
	}
}

func TestEnterShortBasis(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	res := eng.Tick(context.Background(), t0, q(100), qFunding(99, -0.001, t0.Add(8*time.Hour)))
	if res.Action != ActionEnterShort {
		t.Fatalf("expected short-basis entry, got %s (%s)", res.Action, res.Reason)
	}
	st := eng.Status()
	if st.State != StateOpenShortBasis {
		t.Fatalf("expected OPEN_SHORT_BASIS, got %s", st.State)
	}
	if st.Account.Base >= 0 {
		t.Fatalf("short basis must carry negative spot inventory, got %f", st.Account.Base)
	}
	if st.Account.Perp.Qty <= 0 {
		t.Fatalf("short basis must hold a long perp, got %f", st.Account.Perp.Qty)
	}
	if st.Account.SpotMargin <= 0 {
		t.Fatalf("short proceeds must be posted as margin, got %f", st.Account.SpotMargin)
	}
}

func TestRoundTripConservesEquityWithZeroCosts(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	enterLongBasis(t, eng)

	st := eng.Status()
	if math.Abs(st.EntryEquity-100) > 1e-9 {
		t.Fatalf("entry with zero costs must not change equity, got %f", st.EntryEquity)
	}

	// Basis compresses to 0.05%: below the exit threshold.
	spot, perp := q(100), qFunding(100.05, 0.0001, t0.Add(8*time.Hour))
	res := eng.Tick(context.Background(), t0.Add(time.Second), spot, perp)
	if res.Action != ActionExit || res.Reason != ReasonBasisConvergence {
		t.Fatalf("expected convergence exit, got %s (%s)", res.Action, res.Reason)
	}

	st = eng.Status()
	if st.State != StateFlat {
		t.Fatalf("expected FLAT after exit, got %s", st.State)
	}
	// Short perp from 101 to 100.05 on 0.7 qty: +0.665, nothing else moved.
	want := 100 + 0.7*(101-100.05)
	got := st.Account.Equity(100, 100.05)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected equity %f, got %f", want, got)
	}
	if st.Account.Base != 0 {
		t.Fatalf("spot inventory must be flat after exit, got %f", st.Account.Base)
	}
	if st.Account.Perp.IsOpen() {
		t.Fatalf("perp must be flat after exit")
	}
}

func TestInsufficientCashLeavesLedgerUntouched(t *testing.T) {
	strat := testStrategyConfig()
	strat.AllocFraction = 0.95
	eng := New(strat, config.FeeConfig{}, config.RiskConfig{Leverage: 3, MaintenanceMarginPct: 0.50, PnLWindowTrades: 5}, nil, nil, zap.NewNop())

	// spend 95 plus perp margin ~31.7 exceeds the 100 seed.
	res := eng.Tick(context.Background(), t0, q(100), qFunding(101, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionBlocked || res.Reason != ReasonInsufficientCash {
		t.Fatalf("expected insufficient-cash block, got %s (%s)", res.Action, res.Reason)
	}
	st := eng.Status()
	if st.State != StateFlat {
		t.Fatalf("rejected entry must not change state, got %s", st.State)
	}
	if st.Account.Cash != 100 || st.Account.Base != 0 || st.Account.Perp.IsOpen() {
		t.Fatalf("rejected entry must not mutate the ledger: %+v", st.Account)
	}
	if st.Account.Trades != 0 {
		t.Fatalf("rejected entry must not count as a trade, got %d", st.Account.Trades)
	}
}

func TestUndefinedMidSkipsTick(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	res := eng.Tick(context.Background(), t0, market.Quote{}, qFunding(101, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionSkip || res.Reason != ReasonMissingData {
		t.Fatalf("expected skip on missing spot mid, got %s (%s)", res.Action, res.Reason)
	}
	st := eng.Status()
	if st.State != StateFlat || st.Account.Cash != 100 {
		t.Fatalf("skipped tick must not mutate anything: %+v", st.Account)
	}
}

func TestBasisBelowMinBlocks(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	res := eng.Tick(context.Background(), t0, q(100), qFunding(100.3, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionBlocked || res.Reason != ReasonBasisBelowMin {
		t.Fatalf("expected basis-below-min block, got %s (%s)", res.Action, res.Reason)
	}
}

func TestFundingFloorBlocks(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	res := eng.Tick(context.Background(), t0, q(100), qFunding(101, 0.00001, t0.Add(8*time.Hour)))
	if res.Action != ActionBlocked || res.Reason != ReasonFundingFloor {
		t.Fatalf("expected funding-floor block, got %s (%s)", res.Action, res.Reason)
	}
}

func TestDirectionMismatchBlocksNeverFlips(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	// Basis says long (perp rich) but funding says short: block, do not flip.
	res := eng.Tick(context.Background(), t0, q(100), qFunding(101, -0.001, t0.Add(8*time.Hour)))
	if res.Action != ActionBlocked || res.Reason != ReasonDirectionMismatch {
		t.Fatalf("expected direction-mismatch block, got %s (%s)", res.Action, res.Reason)
	}
	if st := eng.Status(); st.State != StateFlat {
		t.Fatalf("mismatch must leave the machine flat, got %s", st.State)
	}
}

func TestTrendFilterBlocks(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	// First tick only seeds the EMA; funding is absent so no entry.
	res := eng.Tick(context.Background(), t0, q(100), q(101))
	if res.Action != ActionBlocked || res.Reason != ReasonFundingFloor {
		t.Fatalf("expected funding block on seed tick, got %s (%s)", res.Action, res.Reason)
	}
	// A 10% jump in one second produces a slope far above the cap.
	res = eng.Tick(context.Background(), t0.Add(time.Second), q(110), qFunding(111.1, 0.001, t0.Add(8*time.Hour)))
	if res.Action != ActionBlocked || res.Reason != ReasonTrendFilter {
		t.Fatalf("expected trend-filter block, got %s (%s)", res.Action, res.Reason)
	}
}

func TestStopLossExitEngagesKillSwitch(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	enterLongBasis(t, eng)

	// Perp rallies against the short: -0.7 * 3 = -2.1, past the 2.0 stop.
	res := eng.Tick(context.Background(), t0.Add(time.Second), q(100), qFunding(104, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionExit || res.Reason != ReasonStopLoss {
		t.Fatalf("expected stop-loss exit, got %s (%s)", res.Action, res.Reason)
	}
	st := eng.Status()
	if !st.KillSwitch {
		t.Fatalf("losing rolling window must engage the kill switch")
	}

	// A perfectly good setup is now blocked.
	res = eng.Tick(context.Background(), t0.Add(2*time.Second), q(100), qFunding(101, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionBlocked || res.Reason != ReasonKillSwitch {
		t.Fatalf("expected kill-switch block, got %s (%s)", res.Action, res.Reason)
	}
}

func TestTakeProfitExit(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	enterLongBasis(t, eng)

	// Spot +3 on 0.7 qty, perp short -0.35: net +1.75, past the 1.0 target.
	res := eng.Tick(context.Background(), t0.Add(time.Second), q(103), qFunding(101.5, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionExit || res.Reason != ReasonTakeProfit {
		t.Fatalf("expected take-profit exit, got %s (%s)", res.Action, res.Reason)
	}
	st := eng.Status()
	if st.KillSwitch {
		t.Fatalf("profitable trade must not engage the kill switch")
	}
	got := st.Account.Equity(103, 101.5)
	if math.Abs(got-101.75) > 1e-9 {
		t.Fatalf("expected equity 101.75, got %f", got)
	}
}

func TestLiqGaugeExit(t *testing.T) {
	strat := testStrategyConfig()
	strat.TakeProfitUSD = 0
	strat.StopLossUSD = 0
	eng := newTestEngine(strat)
	enterLongBasis(t, eng)

	// Short entry 101, lev 5, mmr 0.5% => liq gauge ~120.7. 125 breaches it;
	// basis is 25% so convergence stays silent.
	res := eng.Tick(context.Background(), t0.Add(time.Second), q(100), qFunding(125, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionExit || res.Reason != ReasonLiqGauge {
		t.Fatalf("expected liq-gauge exit, got %s (%s)", res.Action, res.Reason)
	}
}

func TestMaxHoldExit(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	enterLongBasis(t, eng)

	res := eng.Tick(context.Background(), t0.Add(7*time.Hour), q(100), qFunding(101, 0.0001, t0.Add(16*time.Hour)))
	if res.Action != ActionExit || res.Reason != ReasonMaxHold {
		t.Fatalf("expected max-hold exit, got %s (%s)", res.Action, res.Reason)
	}
}

func TestConvergenceThresholdIsDirectional(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	enterLongBasis(t, eng)

	// Entry basis 1.0%, compression 0.25 => threshold 0.25%. Basis 0.5% is
	// still open edge for a long basis.
	res := eng.Tick(context.Background(), t0.Add(time.Second), q(100), qFunding(100.5, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionHold {
		t.Fatalf("basis above threshold must hold, got %s (%s)", res.Action, res.Reason)
	}
	// 0.2% is inside the threshold.
	res = eng.Tick(context.Background(), t0.Add(2*time.Second), q(100), qFunding(100.2, 0.0001, t0.Add(8*time.Hour)))
	if res.Action != ActionExit || res.Reason != ReasonBasisConvergence {
		t.Fatalf("expected convergence exit, got %s (%s)", res.Action, res.Reason)
	}
}

func TestFundingSettlesExactlyOnce(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	due := t0.Add(time.Hour)
	res := eng.Tick(context.Background(), t0, q(100), qFunding(101, 0.0001, due))
	if res.Action != ActionEnterLong {
		t.Fatalf("expected entry, got %s (%s)", res.Action, res.Reason)
	}

	before := eng.Status().Account.FundingNet
	if before != 0 {
		t.Fatalf("no funding should settle before the due time, got %f", before)
	}

	// Past the due time the short perp collects notional * rate.
	eng.Tick(context.Background(), due, q(100), qFunding(101, 0.0001, due))
	st := eng.Status()
	want := 0.7 * 101 * 0.0001
	if math.Abs(st.Account.FundingNet-want) > 1e-12 {
		t.Fatalf("expected funding %f, got %f", want, st.Account.FundingNet)
	}

	// The feed still reports the stale due time; nothing settles again.
	eng.Tick(context.Background(), due.Add(time.Second), q(100), qFunding(101, 0.0001, due))
	st = eng.Status()
	if math.Abs(st.Account.FundingNet-want) > 1e-12 {
		t.Fatalf("same due time settled twice: %f", st.Account.FundingNet)
	}
}

func TestLongPerpPaysPositiveFunding(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	due := t0.Add(time.Hour)
	// Short basis: long perp.
	res := eng.Tick(context.Background(), t0, q(100), qFunding(99, -0.001, due))
	if res.Action != ActionEnterShort {
		t.Fatalf("expected short-basis entry, got %s (%s)", res.Action, res.Reason)
	}
	// Negative funding pays the long.
	eng.Tick(context.Background(), due, q(100), qFunding(99, -0.001, due))
	st := eng.Status()
	if st.Account.FundingNet <= 0 {
		t.Fatalf("long perp must receive negative funding, got %f", st.Account.FundingNet)
	}
}

func TestFundingSkippedWhileFlat(t *testing.T) {
	eng := newTestEngine(testStrategyConfig())
	due := t0.Add(-time.Hour)
	// Due time already passed but there is no position: nothing settles.
	eng.Tick(context.Background(), t0, q(100), qFunding(100.3, 0.0001, due))
	if got := eng.Status().Account.FundingNet; got != 0 {
		t.Fatalf("flat account must not settle funding, got %f", got)
	}
}
