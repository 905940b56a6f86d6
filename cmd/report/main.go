package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bybit-basis-sim/internal/config"
	"bybit-basis-sim/internal/state"
	"bybit-basis-sim/internal/state/sqlite"
	"bybit-basis-sim/internal/tradelog"
)

// report prints the persisted trade history and the last account snapshot
// for a finished or running simulation.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	limit := flag.Int("limit", 0, "print only the last N trades (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	log, err := tradelog.OpenSQLite(cfg.State.TradeLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trade log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	records, err := log.Records(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trades: %v\n", err)
		os.Exit(1)
	}
	if *limit > 0 && len(records) > *limit {
		records = records[len(records)-*limit:]
	}

	fmt.Printf("trades (%d):\n", len(records))
	var wins, losses int
	var realized, fees float64
	for _, rec := range records {
		fmt.Printf("  %s  %-18s %-18s basis %+8.4f%%  qty %.6f  fees %.4f  pnl %+8.4f  equity %.4f\n",
			rec.Time.Format(time.RFC3339), rec.Action, rec.Reason,
			rec.BasisPct, rec.Qty, rec.Fees, rec.RealizedPnL, rec.EquityAfter)
		fees += rec.Fees
		if rec.Action == "EXIT" {
			realized += rec.RealizedPnL
			if rec.RealizedPnL >= 0 {
				wins++
			} else {
				losses++
			}
		}
	}
	fmt.Printf("closed: %d wins / %d losses, realized %+.4f, fees %.4f\n", wins, losses, realized, fees)

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open state store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	snap, ok, err := state.LoadAccountSnapshot(ctx, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read account snapshot: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no account snapshot recorded")
		return
	}
	fmt.Printf("last snapshot (%s):\n", time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339))
	fmt.Printf("  state %s  equity %.4f  cash %.4f  base %+.6f  perp %+.6f @ %.4f\n",
		snap.State, snap.Equity, snap.CashUSD, snap.BaseQty, snap.PerpQty, snap.PerpEntry)
	fmt.Printf("  fees %.4f  funding %+.4f  realized %+.4f  trades %d  basis %+.4f%%\n",
		snap.FeesPaid, snap.FundingNet, snap.Realized, snap.Trades, snap.BasisPct)
}
