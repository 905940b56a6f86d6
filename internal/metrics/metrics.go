package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	EntriesTotal       Counter
	ExitsTotal         Counter
	EntriesBlocked     Counter
	TicksSkipped       Counter
	FundingEvents      Counter
	KillSwitchEngaged  Counter
	KillSwitchRestored Counter

	Equity      Gauge
	BasisPct    Gauge
	BasisStdDev Gauge
	TrendSlope  Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		EntriesTotal:       c,
		ExitsTotal:         c,
		EntriesBlocked:     c,
		TicksSkipped:       c,
		FundingEvents:      c,
		KillSwitchEngaged:  c,
		KillSwitchRestored: c,
		Equity:             g,
		BasisPct:           g,
		BasisStdDev:        g,
		TrendSlope:         g,
	}
}
