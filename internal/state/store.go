package state

import "context"

// Store is a small key/value surface for run state that should survive a
// restart. Values are opaque bytes so callers pick their own encoding.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
