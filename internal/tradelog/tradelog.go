// Package tradelog persists one append-only row per simulated ENTER or
// EXIT. Rows are never mutated or deleted by the bot.
package tradelog

import (
	"context"
	"time"
)

type Record struct {
	Time        time.Time
	Action      string
	Reason      string
	BasisPct    float64
	SpotFill    float64
	PerpFill    float64
	Qty         float64
	Fees        float64
	RealizedPnL float64
	CashAfter   float64
	BaseAfter   float64
	EquityAfter float64
}

type Recorder interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

type noopRecorder struct{}

func (noopRecorder) Append(context.Context, Record) error { return nil }
func (noopRecorder) Close() error                         { return nil }

// NewNoop returns a recorder that drops every record, for tests and
// tooling that do not care about persistence.
func NewNoop() Recorder {
	return noopRecorder{}
}
