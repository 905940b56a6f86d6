// Package signal derives the basis, a time-constant EMA trend of the fused
// mid price, and the rolling dispersion of basis over a trailing window.
package signal

import (
	"math"
	"time"
)

// BasisPct is the percentage gap between perp and spot mids, normalized by
// spot. Callers must not invoke it with an undefined mid.
func BasisPct(spotMid, perpMid float64) float64 {
	return (perpMid - spotMid) / spotMid * 100
}

// MinViableBasisPct is the round-trip cost floor below which no edge
// exists: both legs pay taker fees twice plus slippage, plus a buffer.
func MinViableBasisPct(spotFeePct, perpFeePct, spotSlipBps, perpSlipBps, bufferPct float64) float64 {
	return 2*(spotFeePct+perpFeePct) + (spotSlipBps+perpSlipBps)/100 + bufferPct
}

type basisSample struct {
	at    time.Time
	basis float64
}

// Snapshot is what one engine update hands to the decision engine.
type Snapshot struct {
	Basis    float64
	FusedMid float64
	EMA      float64
	Slope    float64
	StdDev   float64
	Samples  int
	At       time.Time
}

// Engine is single-writer state owned by the control loop.
type Engine struct {
	tau    time.Duration
	window time.Duration

	ema        float64
	seeded     bool
	lastUpdate time.Time
	samples    []basisSample
}

func New(tau, window time.Duration) *Engine {
	return &Engine{tau: tau, window: window}
}

// Update folds one tick of defined spot/perp mids into the engine. The
// first sample seeds the EMA at the fused mid and reports a zero slope.
func (e *Engine) Update(now time.Time, spotMid, perpMid float64) Snapshot {
	fused := (spotMid + perpMid) / 2
	basis := BasisPct(spotMid, perpMid)

	slope := 0.0
	if !e.seeded {
		e.ema = fused
		e.seeded = true
	} else {
		dt := now.Sub(e.lastUpdate).Seconds()
		if dt > 0 {
			alpha := 1 - math.Exp(-dt/e.tau.Seconds())
			prev := e.ema
			e.ema = prev + alpha*(fused-prev)
			slope = (e.ema - prev) / dt
		}
	}
	e.lastUpdate = now

	e.samples = append(e.samples, basisSample{at: now, basis: basis})
	e.evict(now)

	return Snapshot{
		Basis:    basis,
		FusedMid: fused,
		EMA:      e.ema,
		Slope:    slope,
		StdDev:   e.stdDev(),
		Samples:  len(e.samples),
		At:       now,
	}
}

// evict drops samples older than the trailing window, FIFO by time.
func (e *Engine) evict(now time.Time) {
	cutoff := now.Add(-e.window)
	idx := 0
	for idx < len(e.samples) && !e.samples[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.samples = append(e.samples[:0], e.samples[idx:]...)
	}
}

// stdDev is the population standard deviation of the retained basis
// samples, zero when fewer than two are present.
func (e *Engine) stdDev() float64 {
	n := len(e.samples)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, s := range e.samples {
		sum += s.basis
	}
	mean := sum / float64(n)
	var sumSq float64
	for _, s := range e.samples {
		d := s.basis - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n))
}
