package tradelog

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is the durable trade-history sink. Append order matches the
// ledger mutation order because the control loop appends synchronously
// inside the tick.
type SQLiteLog struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		basis_pct REAL NOT NULL,
		spot_fill REAL NOT NULL,
		perp_fill REAL NOT NULL,
		qty REAL NOT NULL,
		fees REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		cash_after REAL NOT NULL,
		base_after REAL NOT NULL,
		equity_after REAL NOT NULL
	)`)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO trades (
			ts, action, reason, basis_pct, spot_fill, perp_fill, qty,
			fees, realized_pnl, cash_after, base_after, equity_after
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UnixMilli(),
		rec.Action,
		rec.Reason,
		rec.BasisPct,
		rec.SpotFill,
		rec.PerpFill,
		rec.Qty,
		rec.Fees,
		rec.RealizedPnL,
		rec.CashAfter,
		rec.BaseAfter,
		rec.EquityAfter,
	)
	return err
}

// Records returns the full history in append order, for offline reporting.
func (l *SQLiteLog) Records(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT ts, action, reason, basis_pct, spot_fill, perp_fill, qty,
			fees, realized_pnl, cash_after, base_after, equity_after
		FROM trades ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		var ms int64
		if err := rows.Scan(
			&ms, &rec.Action, &rec.Reason, &rec.BasisPct, &rec.SpotFill,
			&rec.PerpFill, &rec.Qty, &rec.Fees, &rec.RealizedPnL,
			&rec.CashAfter, &rec.BaseAfter, &rec.EquityAfter,
		); err != nil {
			return nil, err
		}
		rec.Time = time.UnixMilli(ms).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
