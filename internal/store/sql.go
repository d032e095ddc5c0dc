package store

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// SQL is a store backend on a relational database. Requires the
// key_values and counters tables:
//
//	CREATE TABLE key_values (key TEXT PRIMARY KEY, value TEXT NOT NULL);
//	CREATE TABLE counters (name TEXT PRIMARY KEY, value BIGINT NOT NULL);
//
// Counter increments ride on a single upsert so atomicity comes
// from the database, not from this process.
type SQL struct {
	db *pgxpool.Pool
}

func NewSQL(db *pgxpool.Pool) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx,
		"SELECT value FROM key_values WHERE key = $1",
		key,
	).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.WithMessage(err, "Get")
	}

	return value, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO key_values (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = $2",
		key, value,
	)
	if err != nil {
		return errors.WithMessage(err, "Set")
	}

	return nil
}

func (s *SQL) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		"SELECT 1 FROM key_values WHERE key = $1",
		key,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.WithMessage(err, "Exists")
	}

	return true, nil
}

func (s *SQL) CounterGet(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRow(ctx,
		"SELECT value FROM counters WHERE name = $1",
		name,
	).Scan(&value)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithMessage(err, "CounterGet")
	}

	return value, nil
}

func (s *SQL) CounterIncr(ctx context.Context, name string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var value int64
	err := s.db.QueryRow(ctx,
		"INSERT INTO counters (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = counters.value + $2 RETURNING value",
		name, delta,
	).Scan(&value)
	if err != nil {
		return 0, errors.WithMessage(err, "CounterIncr")
	}

	return value, nil
}

// QueryScalar runs an arbitrary parameterized query and returns
// the first column of the first row as text, reporting whether a
// row matched at all. Backs the sql_query policy builtin;
// arguments bind positionally, never by interpolation.
func (s *SQL) QueryScalar(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, query, args...).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithMessage(err, "QueryScalar")
	}

	return value, true, nil
}
