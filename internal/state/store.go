package state

import "context"

// Store is the key/value persistence behind controller snapshots, executor
// idempotency keys, operator offsets and the audit trail.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Entry is one raw key/value pair.
type Entry struct {
	Key   string
	Value string
}

// Lister is implemented by stores that can scan keys by prefix, newest key
// first.
type Lister interface {
	List(ctx context.Context, prefix string, limit int) ([]Entry, error)
}
