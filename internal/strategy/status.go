package strategy

import (
	"time"

	"bybit-basis-sim/internal/paper"
	"bybit-basis-sim/internal/risk"
	"bybit-basis-sim/internal/signal"
)

// Status is a consistent point-in-time view of the engine for the console
// renderer, telemetry writer, and snapshot persistence.
type Status struct {
	State   State
	Account paper.Account

	Signal    signal.Snapshot
	HasSignal bool

	EntryBasis  float64
	EntryEquity float64
	EntryTime   time.Time

	LiqPrice float64
	HasLiq   bool

	KillSwitch   bool
	RollingPnL   float64
	ClosedTrades int

	LastNote string
}

// Status copies the engine state under the decision lock, so callers never
// observe a half-applied transition.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:        e.state,
		Account:      *e.acct,
		Signal:       e.lastSignal,
		HasSignal:    e.hasSignal,
		EntryBasis:   e.entryBasis,
		EntryEquity:  e.entryEquity,
		EntryTime:    e.entryTime,
		KillSwitch:   e.killEngaged,
		RollingPnL:   e.window.Sum(),
		ClosedTrades: e.window.Count(),
		LastNote:     e.lastNote,
	}
	if e.acct.Perp.IsOpen() {
		st.HasLiq = true
		if e.state == StateOpenLongBasis {
			st.LiqPrice = risk.LiqPriceShort(e.acct.Perp.Entry, e.riskCfg.Leverage, e.riskCfg.MaintenanceMarginPct)
		} else {
			st.LiqPrice = risk.LiqPriceLong(e.acct.Perp.Entry, e.riskCfg.Leverage, e.riskCfg.MaintenanceMarginPct)
		}
	}
	return st
}
