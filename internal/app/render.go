package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"bybit-basis-sim/internal/strategy"
)

// renderLoop prints a compact status block to stdout on the UI refresh
// cadence. It is a pure observer of book and engine snapshots.
func (a *App) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.UI.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(os.Stdout, a.renderStatus(time.Now().UTC()))
		}
	}
}

func (a *App) renderStatus(now time.Time) string {
	spot := a.spotBook.Snapshot()
	perp := a.perpBook.Snapshot()
	st := a.engine.Status()

	spotMid, spotOK := spot.Mid()
	perpMid, perpOK := perp.Mid()

	var b strings.Builder
	fmt.Fprintf(&b, "== %s basis sim | %s ==\n", a.cfg.Strategy.Symbol, now.Format("15:04:05"))
	fmt.Fprintf(&b, "spot %s  perp %s", fmtPrice(spotMid, spotOK), fmtPrice(perpMid, perpOK))
	if st.HasSignal {
		fmt.Fprintf(&b, "  basis %+.4f%%  ema %.4f  slope %+.5f  std %.4f (%d)",
			st.Signal.Basis, st.Signal.EMA, st.Signal.Slope, st.Signal.StdDev, st.Signal.Samples)
	}
	b.WriteByte('\n')

	if spotOK && perpOK {
		fmt.Fprintf(&b, "equity %.4f  cash %.4f  base %+.6f  fees %.4f  funding %+.4f  trades %d\n",
			st.Account.Equity(spotMid, perpMid), st.Account.Cash, st.Account.Base,
			st.Account.FeesPaid, st.Account.FundingNet, st.Account.Trades)
	} else {
		fmt.Fprintf(&b, "cash %.4f  base %+.6f  (equity unavailable: feed down)\n",
			st.Account.Cash, st.Account.Base)
	}

	fmt.Fprintf(&b, "state %s", st.State)
	if st.State != strategy.StateFlat {
		fmt.Fprintf(&b, "  entry basis %+.4f%%  held %s", st.EntryBasis, now.Sub(st.EntryTime).Truncate(time.Second))
		if st.HasLiq {
			fmt.Fprintf(&b, "  liq est %.4f", st.LiqPrice)
		}
	}
	if st.KillSwitch {
		fmt.Fprintf(&b, "  KILL SWITCH (rolling pnl %+.4f / %d trades)", st.RollingPnL, st.ClosedTrades)
	}
	b.WriteByte('\n')

	if st.LastNote != "" {
		fmt.Fprintf(&b, "last: %s\n", st.LastNote)
	}
	return b.String()
}

func fmtPrice(v float64, ok bool) string {
	if !ok {
		return "--"
	}
	return fmt.Sprintf("%.4f", v)
}
