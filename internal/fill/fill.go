// Package fill converts reference prices and notionals into the prices and
// fees a taker execution would actually have produced.
package fill

// Side is the direction of the simulated order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Fee returns the taker fee charged on a quote-currency notional.
func Fee(notional, feePct float64) float64 {
	return notional * feePct / 100
}

// Slip moves a reference price against the order: a buy pays more, a sell
// receives less. bps is in basis points (1 bp = 0.01%).
func Slip(price, bps float64, side Side) float64 {
	adj := bps / 10000
	if side == Buy {
		return price * (1 + adj)
	}
	return price * (1 - adj)
}
