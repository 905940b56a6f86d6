package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "basis_sim"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		EntriesTotal:       promCounter{counter("entries_total", "Total simulated position entries.")},
		ExitsTotal:         promCounter{counter("exits_total", "Total simulated position exits.")},
		EntriesBlocked:     promCounter{counter("entries_blocked_total", "Entry attempts blocked by a gate or rejection.")},
		TicksSkipped:       promCounter{counter("ticks_skipped_total", "Ticks skipped because a mid price was unavailable.")},
		FundingEvents:      promCounter{counter("funding_events_total", "Funding settlements applied to the paper account.")},
		KillSwitchEngaged:  promCounter{counter("kill_switch_engaged_total", "Times the rolling-PnL kill switch engaged.")},
		KillSwitchRestored: promCounter{counter("kill_switch_restored_total", "Times the rolling-PnL kill switch released.")},
		Equity:             promGauge{gauge("equity_usd", "Current paper account equity in USD.")},
		BasisPct:           promGauge{gauge("basis_pct", "Current perp-spot basis in percent.")},
		BasisStdDev:        promGauge{gauge("basis_stddev_pct", "Rolling population stddev of basis in percent.")},
		TrendSlope:         promGauge{gauge("trend_slope", "Instantaneous slope of the fused-mid EMA.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
