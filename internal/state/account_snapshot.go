package state

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

const AccountSnapshotKey = "sim:last_account"

// AccountSnapshot is the persisted view of the simulated books, written on
// every ledger-changing tick. It is diagnostic only: a fresh run always
// starts from the configured seed, never from a stored snapshot.
type AccountSnapshot struct {
	State       string  `msgpack:"state"`
	CashUSD     float64 `msgpack:"cash_usd"`
	BaseQty     float64 `msgpack:"base_qty"`
	SpotMargin  float64 `msgpack:"spot_margin"`
	PerpQty     float64 `msgpack:"perp_qty"`
	PerpEntry   float64 `msgpack:"perp_entry"`
	PerpMargin  float64 `msgpack:"perp_margin"`
	Realized    float64 `msgpack:"realized"`
	FeesPaid    float64 `msgpack:"fees_paid"`
	FundingNet  float64 `msgpack:"funding_net"`
	Trades      int     `msgpack:"trades"`
	Equity      float64 `msgpack:"equity"`
	BasisPct    float64 `msgpack:"basis_pct"`
	UpdatedAtMS int64   `msgpack:"updated_at_ms"`
}

func LoadAccountSnapshot(ctx context.Context, store Store) (AccountSnapshot, bool, error) {
	if store == nil {
		return AccountSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, AccountSnapshotKey)
	if err != nil || !ok {
		return AccountSnapshot{}, false, err
	}
	var snapshot AccountSnapshot
	if err := msgpack.Unmarshal(raw, &snapshot); err != nil {
		return AccountSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveAccountSnapshot(ctx context.Context, store Store, snapshot AccountSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, AccountSnapshotKey, payload)
}
