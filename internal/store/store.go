package store

import "context"

// Store is a named key/value and counter backend shared by all
// sessions. Implementations must make CounterIncr atomic per
// key; everything else is plain last-writer-wins.
type Store interface {
	// Get returns the value for key, or "" when absent. Absence
	// is not an error.
	Get(ctx context.Context, key string) (string, error)

	// Set overwrites key with value. Idempotent.
	Set(ctx context.Context, key, value string) error

	// Exists reports whether key has ever been set.
	Exists(ctx context.Context, key string) (bool, error)

	// CounterGet returns the current value of a counter, 0 when
	// never incremented.
	CounterGet(ctx context.Context, name string) (int64, error)

	// CounterIncr applies delta and returns the value after. A
	// never-before-seen counter starts at 0. No increment may be
	// lost under concurrent callers.
	CounterIncr(ctx context.Context, name string, delta int64) (int64, error)
}
