// Package risk carries the fragility gauges: a crude isolated-liquidation
// estimate and the rolling-PnL kill switch that halts entries after a
// losing streak.
package risk

import "math"

// LiqPriceShort estimates where posted margin on a short is exhausted:
//
//	bump = max(1/leverage - mmrPct/100, 0)
//	liq  = entry * (1 + bump)
//
// This is a monitoring approximation, not an exchange liquidation price.
func LiqPriceShort(entry, leverage, mmrPct float64) float64 {
	return entry * (1 + liqBump(leverage, mmrPct))
}

// LiqPriceLong is the symmetric gauge for a long: entry * (1 - bump).
func LiqPriceLong(entry, leverage, mmrPct float64) float64 {
	return entry * (1 - liqBump(leverage, mmrPct))
}

func liqBump(leverage, mmrPct float64) float64 {
	imr := 1 / math.Max(leverage, 1e-9)
	mmr := math.Max(mmrPct/100, 0)
	return math.Max(imr-mmr, 0)
}

// PnLWindow is a bounded ring of the realized PnL of the most recent closed
// trades. Once the rolling sum goes negative the kill switch engages and
// stays engaged until enough profit brings the sum back to >= 0; it is
// never cleared by time.
type PnLWindow struct {
	buf  []float64
	next int
	size int
}

func NewPnLWindow(n int) *PnLWindow {
	if n < 1 {
		n = 1
	}
	return &PnLWindow{buf: make([]float64, n)}
}

// Push records one closed trade, evicting the oldest beyond capacity.
func (w *PnLWindow) Push(realized float64) {
	w.buf[w.next] = realized
	w.next = (w.next + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

func (w *PnLWindow) Sum() float64 {
	var sum float64
	for i := 0; i < w.size; i++ {
		sum += w.buf[i]
	}
	return sum
}

func (w *PnLWindow) Count() int {
	return w.size
}

// Engaged reports whether new entries are blocked.
func (w *PnLWindow) Engaged() bool {
	return w.size > 0 && w.Sum() < 0
}
