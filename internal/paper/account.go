// Package paper holds the simulated account: cash, base-asset inventory,
// and the derivative position, with the bookkeeping math the decision
// engine relies on.
package paper

import "math"

const flatEpsilon = 1e-12

// Position is one linear perpetual position. Qty is signed, negative for a
// short. Margin is the isolated collateral posted for it; both are zero
// whenever the position is flat.
type Position struct {
	Qty      float64
	Entry    float64
	Margin   float64
	Realized float64
}

func (p Position) IsOpen() bool {
	return math.Abs(p.Qty) > flatEpsilon
}

// Unrealized is qty * (mark - entry); a short profits as mark drops.
func (p Position) Unrealized(mark float64) float64 {
	if !p.IsOpen() {
		return 0
	}
	return p.Qty * (mark - p.Entry)
}

func (p Position) Notional(mark float64) float64 {
	return math.Abs(p.Qty) * mark
}

// Account is the full paper ledger. Base is signed base-asset inventory
// (negative while a simulated spot short is open) and SpotMargin is the
// collateral posted against that short.
type Account struct {
	Cash       float64
	Base       float64
	SpotMargin float64
	Perp       Position

	FeesPaid   float64
	FundingNet float64
	Trades     int
	LastAction string
}

func NewAccount(startCash float64) *Account {
	return &Account{Cash: startCash, LastAction: "INIT"}
}

// Equity marks the whole account to market. Posted margin is tracked
// outside cash, so it is added back here; bookkeeping alone must never
// create or destroy value.
func (a *Account) Equity(spotMark, perpMark float64) float64 {
	return a.Cash +
		a.Base*spotMark +
		a.SpotMargin +
		a.Perp.Margin +
		a.Perp.Realized +
		a.Perp.Unrealized(perpMark)
}
