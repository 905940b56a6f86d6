package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bybit-basis-sim/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TickSnapshot is one per-tick telemetry row: signal values plus the state
// of the simulated books at that instant.
type TickSnapshot struct {
	Time        time.Time
	Symbol      string
	State       string
	BasisPct    float64
	SpotMid     float64
	PerpMid     float64
	EMA         float64
	Slope       float64
	StdDev      float64
	FundingRate float64
	Equity      float64
	CashUSD     float64
	BaseQty     float64
	PerpQty     float64
	KillSwitch  bool
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	ticks   chan TickSnapshot
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		ticks:  make(chan TickSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueTick never blocks the control loop; telemetry is dropped when the
// queue is full.
func (w *Writer) EnqueueTick(snap TickSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- snap:
		return
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale tick queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.ticks:
			w.writeTick(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		state TEXT NOT NULL,
		basis_pct DOUBLE PRECISION NOT NULL,
		spot_mid DOUBLE PRECISION NOT NULL,
		perp_mid DOUBLE PRECISION NOT NULL,
		ema DOUBLE PRECISION NOT NULL,
		slope DOUBLE PRECISION NOT NULL,
		std_dev DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		cash_usd DOUBLE PRECISION NOT NULL,
		base_qty DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		kill_switch BOOLEAN NOT NULL
	)`, w.table("basis_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("basis_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale basis_ticks hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTick(ctx context.Context, snap TickSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, state, basis_pct, spot_mid, perp_mid, ema, slope, std_dev,
		funding_rate, equity, cash_usd, base_qty, perp_qty, kill_switch
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)`, w.table("basis_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Symbol,
		snap.State,
		snap.BasisPct,
		snap.SpotMid,
		snap.PerpMid,
		snap.EMA,
		snap.Slope,
		snap.StdDev,
		snap.FundingRate,
		snap.Equity,
		snap.CashUSD,
		snap.BaseQty,
		snap.PerpQty,
		snap.KillSwitch,
	); err != nil && w.log != nil {
		w.log.Warn("timescale tick insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
