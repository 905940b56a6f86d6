package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"bybit-basis-sim/internal/config"
	"bybit-basis-sim/internal/fill"
	"bybit-basis-sim/internal/market"
	"bybit-basis-sim/internal/metrics"
	"bybit-basis-sim/internal/paper"
	"bybit-basis-sim/internal/risk"
	"bybit-basis-sim/internal/signal"
	"bybit-basis-sim/internal/tradelog"

	"go.uber.org/zap"
)

const (
	// Local placeholder used to advance the funding due-time until the
	// feed supplies a fresher value.
	fundingInterval = 8 * time.Hour

	cashEpsilon = 1e-9
	minSpendUSD = 1e-6
)

// Engine turns signal outputs plus the account state into one decision per
// tick and books the economic effects of every simulated fill. All ledger
// mutations happen inside Tick under one lock, so observers never see a
// half-applied transition.
type Engine struct {
	mu sync.Mutex

	strat   config.StrategyConfig
	fees    config.FeeConfig
	riskCfg config.RiskConfig

	acct     *paper.Account
	signals  *signal.Engine
	window   *risk.PnLWindow
	recorder tradelog.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger

	state       State
	entryBasis  float64
	entryEquity float64
	entryTime   time.Time

	lastSettledFunding time.Time
	killEngaged        bool

	lastSignal signal.Snapshot
	hasSignal  bool
	lastNote   string
}

func New(strat config.StrategyConfig, fees config.FeeConfig, riskCfg config.RiskConfig, recorder tradelog.Recorder, m *metrics.Metrics, log *zap.Logger) *Engine {
	if recorder == nil {
		recorder = tradelog.NewNoop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		strat:    strat,
		fees:     fees,
		riskCfg:  riskCfg,
		acct:     paper.NewAccount(strat.StartCashUSD),
		signals:  signal.New(strat.TrendTau, strat.BasisWindow),
		window:   risk.NewPnLWindow(riskCfg.PnLWindowTrades),
		recorder: recorder,
		metrics:  m,
		log:      log,
		state:    StateFlat,
	}
}

// Tick evaluates one control-loop step against the latest quote snapshots.
// Quotes may be stale or partially unknown; an undefined mid skips the tick
// rather than substituting a default.
func (e *Engine) Tick(ctx context.Context, now time.Time, spot, perp market.Quote) TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	perpMid, perpOK := perp.Mid()

	// Funding settles whenever the position is open and the perp mark is
	// known, even while the spot feed is down.
	if perpOK {
		e.settleFunding(now, perp, perpMid)
	}

	spotMid, spotOK := spot.Mid()
	if !spotOK || !perpOK {
		e.metrics.TicksSkipped.Inc()
		return e.finish(TickResult{Action: ActionSkip, Reason: ReasonMissingData})
	}

	sig := e.signals.Update(now, spotMid, perpMid)
	e.lastSignal = sig
	e.hasSignal = true
	e.metrics.BasisPct.Set(sig.Basis)
	e.metrics.BasisStdDev.Set(sig.StdDev)
	e.metrics.TrendSlope.Set(sig.Slope)
	e.metrics.Equity.Set(e.acct.Equity(spotMid, perpMid))

	if e.state == StateFlat {
		return e.finish(e.tryEnter(ctx, now, spot, perp, spotMid, perpMid, sig))
	}
	return e.finish(e.tryExit(ctx, now, spot, perp, spotMid, perpMid, sig))
}

func (e *Engine) finish(res TickResult) TickResult {
	if res.Note != "" {
		e.lastNote = res.Note
	}
	return res
}

// tryEnter runs the entry gates in order: kill switch, trend filter,
// funding floor and direction, dynamic minimum basis, direction agreement.
func (e *Engine) tryEnter(ctx context.Context, now time.Time, spot, perp market.Quote, spotMid, perpMid float64, sig signal.Snapshot) TickResult {
	if e.window.Engaged() {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{
			Action: ActionBlocked,
			Reason: ReasonKillSwitch,
			Note:   fmt.Sprintf("kill switch engaged: rolling pnl %+.4f over last %d trades", e.window.Sum(), e.window.Count()),
		}
	}
	if e.strat.TrendSlopeMax > 0 && math.Abs(sig.Slope) > e.strat.TrendSlopeMax {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{Action: ActionBlocked, Reason: ReasonTrendFilter}
	}
	if !perp.HasFunding || math.Abs(perp.FundingRate) < e.strat.MinFundingRate {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{Action: ActionBlocked, Reason: ReasonFundingFloor}
	}
	// Positive funding makes a long perp costly to hold, so the strategy
	// shorts the perp and buys spot; negative funding is the mirror.
	wantLong := perp.FundingRate > 0

	minBasis := e.minEntryBasis(sig.StdDev)
	if math.Abs(sig.Basis) < minBasis {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{
			Action: ActionBlocked,
			Reason: ReasonBasisBelowMin,
			Note:   fmt.Sprintf("basis %+.4f%% below required %.4f%%", sig.Basis, minBasis),
		}
	}
	if (sig.Basis > 0) != wantLong {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{Action: ActionBlocked, Reason: ReasonDirectionMismatch}
	}

	if wantLong {
		return e.enterLong(ctx, now, spot, perp, spotMid, perpMid, sig)
	}
	return e.enterShort(ctx, now, spot, perp, spotMid, perpMid, sig)
}

// minEntryBasis is the dynamic edge requirement: it grows with round-trip
// execution cost and with recent basis volatility, floored at the static
// entry threshold.
func (e *Engine) minEntryBasis(stdDev float64) float64 {
	cost := signal.MinViableBasisPct(
		e.fees.SpotTakerPct, e.fees.PerpTakerPct,
		e.fees.SpotSlippageBps, e.fees.PerpSlippageBps,
		e.strat.SafetyBufferPct,
	)
	min := math.Max(cost, e.strat.EntryBasisPct)
	return math.Max(min, stdDev*e.strat.StdMultiplier)
}

// enterLong buys spot at the ask and shorts the perp at the bid, both as
// takers with slippage on the unfavorable side.
func (e *Engine) enterLong(ctx context.Context, now time.Time, spot, perp market.Quote, spotMid, perpMid float64, sig signal.Snapshot) TickResult {
	if !spot.HasAsk || !perp.HasBid {
		e.metrics.TicksSkipped.Inc()
		return TickResult{Action: ActionSkip, Reason: ReasonMissingData}
	}
	spend := e.acct.Cash * e.strat.AllocFraction
	if spend <= minSpendUSD {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{Action: ActionBlocked, Reason: ReasonInsufficientCash}
	}
	spotFillPx := fill.Slip(spot.Ask, e.fees.SpotSlippageBps, fill.Buy)
	spotFee := fill.Fee(spend, e.fees.SpotTakerPct)
	qty := (spend - spotFee) / spotFillPx
	if qty <= 0 {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{Action: ActionBlocked, Reason: ReasonInsufficientCash}
	}
	perpFillPx := fill.Slip(perp.Bid, e.fees.PerpSlippageBps, fill.Sell)
	perpNotional := qty * perpFillPx
	perpFee := fill.Fee(perpNotional, e.fees.PerpTakerPct)
	perpMargin := perpNotional / math.Max(e.riskCfg.Leverage, 1e-9)

	required := spend + perpFee + perpMargin
	if required > e.acct.Cash+cashEpsilon {
		e.metrics.EntriesBlocked.Inc()
		e.log.Warn("entry rejected: insufficient cash",
			zap.Float64("required", required),
			zap.Float64("cash", e.acct.Cash),
		)
		return TickResult{
			Action: ActionBlocked,
			Reason: ReasonInsufficientCash,
			Note:   fmt.Sprintf("required %.4f exceeds cash %.4f", required, e.acct.Cash),
		}
	}

	e.acct.Cash -= spend
	e.acct.FeesPaid += spotFee
	e.acct.Base += qty
	e.acct.Cash -= perpFee
	e.acct.FeesPaid += perpFee
	e.acct.Cash -= perpMargin
	e.acct.Perp = paper.Position{
		Qty:      -qty,
		Entry:    perpFillPx,
		Margin:   perpMargin,
		Realized: e.acct.Perp.Realized,
	}
	e.acct.Trades++
	e.acct.LastAction = fmt.Sprintf("ENTER: buy spot %.6f @ %.6f, short perp %.6f @ %.6f", qty, spotFillPx, qty, perpFillPx)

	e.state = StateOpenLongBasis
	e.entryBasis = sig.Basis
	e.entryTime = now
	e.entryEquity = e.acct.Equity(spotMid, perpMid)

	e.appendTrade(ctx, tradelog.Record{
		Time:        now,
		Action:      string(ActionEnterLong),
		Reason:      ReasonBasisEntry,
		BasisPct:    sig.Basis,
		SpotFill:    spotFillPx,
		PerpFill:    perpFillPx,
		Qty:         qty,
		Fees:        spotFee + perpFee,
		CashAfter:   e.acct.Cash,
		BaseAfter:   e.acct.Base,
		EquityAfter: e.entryEquity,
	})
	e.metrics.EntriesTotal.Inc()
	e.log.Info("entered long basis",
		zap.Float64("basis_pct", sig.Basis),
		zap.Float64("qty", qty),
		zap.Float64("spot_fill", spotFillPx),
		zap.Float64("perp_fill", perpFillPx),
	)
	return TickResult{Action: ActionEnterLong, Reason: ReasonBasisEntry, Note: e.acct.LastAction}
}

// enterShort sells the spot leg short (proceeds posted back as margin) and
// buys the perp at the ask.
func (e *Engine) enterShort(ctx context.Context, now time.Time, spot, perp market.Quote, spotMid, perpMid float64, sig signal.Snapshot) TickResult {
	if !spot.HasBid || !perp.HasAsk {
		e.metrics.TicksSkipped.Inc()
		return TickResult{Action: ActionSkip, Reason: ReasonMissingData}
	}
	budget := e.acct.Cash * e.strat.AllocFraction
	if budget <= minSpendUSD {
		e.metrics.EntriesBlocked.Inc()
		return TickResult{Action: ActionBlocked, Reason: ReasonInsufficientCash}
	}
	spotFillPx := fill.Slip(spot.Bid, e.fees.SpotSlippageBps, fill.Sell)
	qty := budget / spotFillPx
	proceeds := qty * spotFillPx
	spotFee := fill.Fee(proceeds, e.fees.SpotTakerPct)
	perpFillPx := fill.Slip(perp.Ask, e.fees.PerpSlippageBps, fill.Buy)
	perpNotional := qty * perpFillPx
	perpFee := fill.Fee(perpNotional, e.fees.PerpTakerPct)
	perpMargin := perpNotional / math.Max(e.riskCfg.Leverage, 1e-9)

	// Short proceeds fund the posted spot margin, so only fees and the
	// perp margin draw on cash.
	required := spotFee + perpFee + perpMargin
	if required > e.acct.Cash+cashEpsilon {
		e.metrics.EntriesBlocked.Inc()
		e.log.Warn("entry rejected: insufficient cash",
			zap.Float64("required", required),
			zap.Float64("cash", e.acct.Cash),
		)
		return TickResult{
			Action: ActionBlocked,
			Reason: ReasonInsufficientCash,
			Note:   fmt.Sprintf("required %.4f exceeds cash %.4f", required, e.acct.Cash),
		}
	}

	e.acct.Base -= qty
	e.acct.SpotMargin = proceeds
	e.acct.Cash -= spotFee
	e.acct.FeesPaid += spotFee
	e.acct.Cash -= perpFee
	e.acct.FeesPaid += perpFee
	e.acct.Cash -= perpMargin
	e.acct.Perp = paper.Position{
		Qty:      qty,
		Entry:    perpFillPx,
		Margin:   perpMargin,
		Realized: e.acct.Perp.Realized,
	}
	e.acct.Trades++
	e.acct.LastAction = fmt.Sprintf("ENTER: short spot %.6f @ %.6f, long perp %.6f @ %.6f", qty, spotFillPx, qty, perpFillPx)

	e.state = StateOpenShortBasis
	e.entryBasis = sig.Basis
	e.entryTime = now
	e.entryEquity = e.acct.Equity(spotMid, perpMid)

	e.appendTrade(ctx, tradelog.Record{
		Time:        now,
		Action:      string(ActionEnterShort),
		Reason:      ReasonBasisEntry,
		BasisPct:    sig.Basis,
		SpotFill:    spotFillPx,
		PerpFill:    perpFillPx,
		Qty:         qty,
		Fees:        spotFee + perpFee,
		CashAfter:   e.acct.Cash,
		BaseAfter:   e.acct.Base,
		EquityAfter: e.entryEquity,
	})
	e.metrics.EntriesTotal.Inc()
	e.log.Info("entered short basis",
		zap.Float64("basis_pct", sig.Basis),
		zap.Float64("qty", qty),
		zap.Float64("spot_fill", spotFillPx),
		zap.Float64("perp_fill", perpFillPx),
	)
	return TickResult{Action: ActionEnterShort, Reason: ReasonBasisEntry, Note: e.acct.LastAction}
}

// tryExit checks the exit conditions in priority order; any single trigger
// closes the full position.
func (e *Engine) tryExit(ctx context.Context, now time.Time, spot, perp market.Quote, spotMid, perpMid float64, sig signal.Snapshot) TickResult {
	if !e.acct.Perp.IsOpen() {
		// State says open but the ledger is flat; resync rather than
		// corrupt the books.
		e.state = StateFlat
		return TickResult{Action: ActionHold}
	}
	equity := e.acct.Equity(spotMid, perpMid)
	gain := equity - e.entryEquity

	var reason string
	switch {
	case e.strat.TakeProfitUSD > 0 && gain >= e.strat.TakeProfitUSD:
		reason = ReasonTakeProfit
	case e.strat.StopLossUSD > 0 && gain <= -e.strat.StopLossUSD:
		reason = ReasonStopLoss
	case e.converged(sig.Basis):
		reason = ReasonBasisConvergence
	case e.liqBreached(perpMid):
		reason = ReasonLiqGauge
	case e.strat.MaxHold > 0 && now.Sub(e.entryTime) >= e.strat.MaxHold:
		reason = ReasonMaxHold
	default:
		return TickResult{Action: ActionHold, Reason: ReasonNoEdge}
	}
	return e.exit(ctx, now, spot, perp, spotMid, perpMid, sig, reason)
}

// converged compares basis against the larger of the static exit threshold
// and the entry basis compressed by the configured fraction, toward zero in
// the direction the position was opened.
func (e *Engine) converged(basis float64) bool {
	threshold := math.Max(e.strat.ExitBasisPct, math.Abs(e.entryBasis)*e.strat.CompressionFraction)
	if e.state == StateOpenLongBasis {
		return basis <= threshold
	}
	return basis >= -threshold
}

func (e *Engine) liqBreached(perpMid float64) bool {
	if e.state == StateOpenLongBasis {
		liq := risk.LiqPriceShort(e.acct.Perp.Entry, e.riskCfg.Leverage, e.riskCfg.MaintenanceMarginPct)
		return perpMid >= liq
	}
	liq := risk.LiqPriceLong(e.acct.Perp.Entry, e.riskCfg.Leverage, e.riskCfg.MaintenanceMarginPct)
	return perpMid <= liq
}

// exit closes both legs at the opposing side's executable price, realizes
// PnL, releases margin, and feeds the kill-switch window.
func (e *Engine) exit(ctx context.Context, now time.Time, spot, perp market.Quote, spotMid, perpMid float64, sig signal.Snapshot, reason string) TickResult {
	qty := math.Abs(e.acct.Perp.Qty)
	var spotFillPx, perpFillPx, totalFees float64

	if e.state == StateOpenLongBasis {
		if !spot.HasBid || !perp.HasAsk {
			e.metrics.TicksSkipped.Inc()
			return TickResult{Action: ActionSkip, Reason: ReasonMissingData}
		}
		perpFillPx = fill.Slip(perp.Ask, e.fees.PerpSlippageBps, fill.Buy)
		perpFee := fill.Fee(qty*perpFillPx, e.fees.PerpTakerPct)
		perpRealized := e.acct.Perp.Qty * (perpFillPx - e.acct.Perp.Entry)
		spotFillPx = fill.Slip(spot.Bid, e.fees.SpotSlippageBps, fill.Sell)
		gross := e.acct.Base * spotFillPx
		spotFee := fill.Fee(gross, e.fees.SpotTakerPct)

		if e.acct.Cash+e.acct.Perp.Margin+gross < perpFee+spotFee-cashEpsilon {
			e.metrics.EntriesBlocked.Inc()
			e.log.Warn("exit rejected: insufficient cash", zap.String("reason", reason))
			return TickResult{Action: ActionBlocked, Reason: ReasonInsufficientCash}
		}

		e.acct.Cash += e.acct.Perp.Margin
		e.acct.Cash -= perpFee
		e.acct.FeesPaid += perpFee
		e.acct.Perp = paper.Position{Realized: e.acct.Perp.Realized + perpRealized}
		e.acct.Cash += gross - spotFee
		e.acct.FeesPaid += spotFee
		e.acct.Base = 0
		totalFees = spotFee + perpFee
	} else {
		if !spot.HasAsk || !perp.HasBid {
			e.metrics.TicksSkipped.Inc()
			return TickResult{Action: ActionSkip, Reason: ReasonMissingData}
		}
		perpFillPx = fill.Slip(perp.Bid, e.fees.PerpSlippageBps, fill.Sell)
		perpFee := fill.Fee(qty*perpFillPx, e.fees.PerpTakerPct)
		perpRealized := e.acct.Perp.Qty * (perpFillPx - e.acct.Perp.Entry)
		spotFillPx = fill.Slip(spot.Ask, e.fees.SpotSlippageBps, fill.Buy)
		buyQty := math.Abs(e.acct.Base)
		cost := buyQty * spotFillPx
		spotFee := fill.Fee(cost, e.fees.SpotTakerPct)

		if e.acct.Cash+e.acct.SpotMargin+e.acct.Perp.Margin < cost+spotFee+perpFee-cashEpsilon {
			e.metrics.EntriesBlocked.Inc()
			e.log.Warn("exit rejected: insufficient cash", zap.String("reason", reason))
			return TickResult{Action: ActionBlocked, Reason: ReasonInsufficientCash}
		}

		e.acct.Cash += e.acct.SpotMargin
		e.acct.SpotMargin = 0
		e.acct.Cash -= cost + spotFee
		e.acct.FeesPaid += spotFee
		e.acct.Base = 0
		e.acct.Cash += e.acct.Perp.Margin
		e.acct.Cash -= perpFee
		e.acct.FeesPaid += perpFee
		e.acct.Perp = paper.Position{Realized: e.acct.Perp.Realized + perpRealized}
		totalFees = spotFee + perpFee
	}

	equityAfter := e.acct.Equity(spotMid, perpMid)
	tradePnL := equityAfter - e.entryEquity

	e.acct.Trades++
	e.acct.LastAction = fmt.Sprintf("EXIT(%s): spot @ %.6f, perp @ %.6f, realized %+.4f", reason, spotFillPx, perpFillPx, tradePnL)

	e.window.Push(tradePnL)
	e.updateKillSwitch()

	e.state = StateFlat
	e.entryBasis = 0
	e.entryEquity = 0
	e.entryTime = time.Time{}

	e.appendTrade(ctx, tradelog.Record{
		Time:        now,
		Action:      string(ActionExit),
		Reason:      reason,
		BasisPct:    sig.Basis,
		SpotFill:    spotFillPx,
		PerpFill:    perpFillPx,
		Qty:         qty,
		Fees:        totalFees,
		RealizedPnL: tradePnL,
		CashAfter:   e.acct.Cash,
		BaseAfter:   e.acct.Base,
		EquityAfter: equityAfter,
	})
	e.metrics.ExitsTotal.Inc()
	e.log.Info("exited position",
		zap.String("reason", reason),
		zap.Float64("realized_pnl", tradePnL),
		zap.Float64("equity", equityAfter),
	)
	return TickResult{Action: ActionExit, Reason: reason, Note: e.acct.LastAction}
}

// settleFunding applies exactly one funding payment when the clock passes
// the due-time. After settling, the due-time is advanced locally by one
// funding interval until the feed reports a fresher one, so the same
// due-time can never settle twice.
func (e *Engine) settleFunding(now time.Time, perp market.Quote, perpMid float64) {
	if !e.acct.Perp.IsOpen() {
		return
	}
	if !perp.HasFunding || !perp.HasNextFunding {
		return
	}
	due := perp.NextFunding
	if !e.lastSettledFunding.IsZero() && !due.After(e.lastSettledFunding) {
		due = e.lastSettledFunding.Add(fundingInterval)
	}
	if now.Before(due) {
		return
	}

	notional := e.acct.Perp.Notional(perpMid)
	payment := notional * perp.FundingRate
	if e.acct.Perp.Qty > 0 {
		// A long perp pays positive funding; a short receives it.
		payment = -payment
	}
	e.acct.Cash += payment
	e.acct.FundingNet += payment
	e.lastSettledFunding = due

	e.metrics.FundingEvents.Inc()
	note := fmt.Sprintf("FUNDING: %+.4f%% on notional %.2f => %+.4f", perp.FundingRate*100, notional, payment)
	e.lastNote = note
	e.log.Info("funding settled",
		zap.Float64("rate", perp.FundingRate),
		zap.Float64("notional", notional),
		zap.Float64("payment", payment),
		zap.Time("due", due),
	)
}

func (e *Engine) updateKillSwitch() {
	engaged := e.window.Engaged()
	if engaged && !e.killEngaged {
		e.killEngaged = true
		e.metrics.KillSwitchEngaged.Inc()
		e.log.Warn("kill switch engaged", zap.Float64("rolling_pnl", e.window.Sum()))
	} else if !engaged && e.killEngaged {
		e.killEngaged = false
		e.metrics.KillSwitchRestored.Inc()
		e.log.Info("kill switch released", zap.Float64("rolling_pnl", e.window.Sum()))
	}
}

func (e *Engine) appendTrade(ctx context.Context, rec tradelog.Record) {
	if err := e.recorder.Append(ctx, rec); err != nil {
		e.log.Warn("trade record append failed", zap.Error(err))
	}
}
