package store

import (
	"context"
	"strconv"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
)

var (
	kvPrefix      = []byte("kv:")
	counterPrefix = []byte("ctr:")
)

// Badger is a persistent store backend on top of a badger
// database. Counter increments run inside a badger update
// transaction and retry on conflict, so concurrent increments of
// the same counter never lose an update.
type Badger struct {
	db *badger.DB
}

func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func kvKey(key string) []byte {
	return append(append([]byte{}, kvPrefix...), key...)
}

func counterKey(name string) []byte {
	return append(append([]byte{}, counterPrefix...), name...)
}

func (s *Badger) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", errors.WithMessage(err, "Get")
	}

	return value, nil
}

func (s *Badger) Set(ctx context.Context, key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(key), []byte(value))
	})
	if err != nil {
		return errors.WithMessage(err, "Set")
	}

	return nil
}

func (s *Badger) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(kvKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		exists = true
		return nil
	})
	if err != nil {
		return false, errors.WithMessage(err, "Exists")
	}

	return exists, nil
}

func (s *Badger) CounterGet(ctx context.Context, name string) (int64, error) {
	var value int64

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseInt(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			value = parsed
			return nil
		})
	})
	if err != nil {
		return 0, errors.WithMessage(err, "CounterGet")
	}

	return value, nil
}

func (s *Badger) CounterIncr(ctx context.Context, name string, delta int64) (int64, error) {
	key := counterKey(name)

	for {
		// a cancelled increment must not apply at all; the
		// transaction below either commits fully or not
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		var value int64

		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil && err != badger.ErrKeyNotFound {
				return err
			}

			if err == nil {
				if err := item.Value(func(val []byte) error {
					parsed, perr := strconv.ParseInt(string(val), 10, 64)
					if perr != nil {
						return perr
					}
					value = parsed
					return nil
				}); err != nil {
					return err
				}
			}

			value += delta

			return txn.Set(key, []byte(strconv.FormatInt(value, 10)))
		})

		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return 0, errors.WithMessage(err, "CounterIncr")
		}

		return value, nil
	}
}
