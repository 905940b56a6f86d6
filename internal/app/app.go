package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"bybit-basis-sim/internal/alerts"
	"bybit-basis-sim/internal/bybit"
	"bybit-basis-sim/internal/bybit/ws"
	"bybit-basis-sim/internal/config"
	"bybit-basis-sim/internal/market"
	"bybit-basis-sim/internal/metrics"
	"bybit-basis-sim/internal/state"
	"bybit-basis-sim/internal/state/sqlite"
	"bybit-basis-sim/internal/strategy"
	"bybit-basis-sim/internal/timescale"
	"bybit-basis-sim/internal/tradelog"

	"go.uber.org/zap"
)

// App owns the process wiring: two market feeds, the decision engine, the
// persistence layers, and the observer loops.
type App struct {
	cfg *config.Config
	log *zap.Logger

	spotBook *market.Book
	perpBook *market.Book
	spotFeed *bybit.TickerFeed
	perpFeed *bybit.TickerFeed

	engine   *strategy.Engine
	store    state.Store
	tradeLog tradelog.Recorder
	tsdb     *timescale.Writer
	metrics  *metrics.Metrics
	promp    *metrics.Prometheus
	alerts   *alerts.Telegram

	killAlerted bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	for _, path := range []string{cfg.State.SQLitePath, cfg.State.TradeLogPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	tradeLog, err := tradelog.OpenSQLite(cfg.State.TradeLogPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var m *metrics.Metrics
	var promp *metrics.Prometheus
	if cfg.Metrics.ListenAddr != "" {
		promp = metrics.NewPrometheus()
		m = promp.Metrics
	} else {
		m = metrics.NewNoop()
	}

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		_ = tradeLog.Close()
		return nil, err
	}

	spotBook := market.NewBookWithLastFallback()
	perpBook := market.NewBook()
	spotWS := ws.New(cfg.Feed.SpotURL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)
	perpWS := ws.New(cfg.Feed.PerpURL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)

	engine := strategy.New(cfg.Strategy, cfg.Fees, cfg.Risk, tradeLog, m, log)

	return &App{
		cfg:      cfg,
		log:      log,
		spotBook: spotBook,
		perpBook: perpBook,
		spotFeed: bybit.NewTickerFeed(spotWS, spotBook, cfg.Strategy.Symbol, "spot", log),
		perpFeed: bybit.NewTickerFeed(perpWS, perpBook, cfg.Strategy.Symbol, "perp", log),
		engine:   engine,
		store:    store,
		tradeLog: tradeLog,
		tsdb:     tsdb,
		metrics:  m,
		promp:    promp,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.tradeLog.Close()
	defer a.tsdb.Close()

	a.spotFeed.Start(ctx)
	a.perpFeed.Start(ctx)
	a.tsdb.Start(ctx)
	if a.promp != nil {
		a.serveMetrics(ctx)
	}
	if a.cfg.UI.Enabled {
		go a.renderLoop(ctx)
	}

	a.log.Info("paper trader started",
		zap.String("symbol", a.cfg.Strategy.Symbol),
		zap.Float64("start_cash_usd", a.cfg.Strategy.StartCashUSD),
		zap.Duration("tick_interval", a.cfg.Strategy.TickInterval),
	)
	a.alerts.Notify(ctx, fmt.Sprintf("basis sim started: %s, seed %.2f USDT", a.cfg.Strategy.Symbol, a.cfg.Strategy.StartCashUSD))

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs one control-loop step: snapshot both books, let the engine
// decide, then fan the outcome out to alerts, telemetry, and the snapshot
// store.
func (a *App) tick(ctx context.Context, now time.Time) {
	spot := a.spotBook.Snapshot()
	perp := a.perpBook.Snapshot()

	res := a.engine.Tick(ctx, now, spot, perp)

	switch res.Action {
	case strategy.ActionEnterLong, strategy.ActionEnterShort, strategy.ActionExit:
		a.alerts.Notify(ctx, res.Note)
		a.persistSnapshot(ctx, now, spot, perp)
		a.notifyKillSwitch(ctx)
	case strategy.ActionBlocked:
		if res.Reason == strategy.ReasonKillSwitch {
			a.log.Debug("entry blocked by kill switch")
		}
	}

	a.enqueueTelemetry(now, spot, perp)
}

// notifyKillSwitch alerts once per transition, in either direction.
func (a *App) notifyKillSwitch(ctx context.Context) {
	st := a.engine.Status()
	if st.KillSwitch == a.killAlerted {
		return
	}
	a.killAlerted = st.KillSwitch
	if st.KillSwitch {
		a.alerts.Notify(ctx, fmt.Sprintf("kill switch engaged: rolling pnl %+.4f over last %d trades", st.RollingPnL, st.ClosedTrades))
		return
	}
	a.alerts.Notify(ctx, fmt.Sprintf("kill switch released: rolling pnl %+.4f", st.RollingPnL))
}

func (a *App) persistSnapshot(ctx context.Context, now time.Time, spot, perp market.Quote) {
	st := a.engine.Status()
	spotMid, _ := spot.Mid()
	perpMid, _ := perp.Mid()
	snap := state.AccountSnapshot{
		State:       string(st.State),
		CashUSD:     st.Account.Cash,
		BaseQty:     st.Account.Base,
		SpotMargin:  st.Account.SpotMargin,
		PerpQty:     st.Account.Perp.Qty,
		PerpEntry:   st.Account.Perp.Entry,
		PerpMargin:  st.Account.Perp.Margin,
		Realized:    st.Account.Perp.Realized,
		FeesPaid:    st.Account.FeesPaid,
		FundingNet:  st.Account.FundingNet,
		Trades:      st.Account.Trades,
		Equity:      st.Account.Equity(spotMid, perpMid),
		BasisPct:    st.Signal.Basis,
		UpdatedAtMS: now.UnixMilli(),
	}
	if err := state.SaveAccountSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("account snapshot save failed", zap.Error(err))
	}
}

func (a *App) enqueueTelemetry(now time.Time, spot, perp market.Quote) {
	if a.tsdb == nil {
		return
	}
	spotMid, spotOK := spot.Mid()
	perpMid, perpOK := perp.Mid()
	if !spotOK || !perpOK {
		return
	}
	st := a.engine.Status()
	a.tsdb.EnqueueTick(timescale.TickSnapshot{
		Time:        now,
		Symbol:      a.cfg.Strategy.Symbol,
		State:       string(st.State),
		BasisPct:    st.Signal.Basis,
		SpotMid:     spotMid,
		PerpMid:     perpMid,
		EMA:         st.Signal.EMA,
		Slope:       st.Signal.Slope,
		StdDev:      st.Signal.StdDev,
		FundingRate: perp.FundingRate,
		Equity:      st.Account.Equity(spotMid, perpMid),
		CashUSD:     st.Account.Cash,
		BaseQty:     st.Account.Base,
		PerpQty:     st.Account.Perp.Qty,
		KillSwitch:  st.KillSwitch,
	})
}

func (a *App) serveMetrics(ctx context.Context) {
	srv := &http.Server{
		Addr:    a.cfg.Metrics.ListenAddr,
		Handler: a.promp.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
