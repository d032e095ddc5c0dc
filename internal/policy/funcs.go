package policy

import (
	"context"

	"github.com/jawr/mxgate/internal/dnsx"
	"github.com/jawr/mxgate/internal/store"
	"github.com/pkg/errors"
)

// Querier executes a parameterized query against a named
// backend's relational store, returning the first scalar of the
// first row. Satisfied by *store.SQL.
type Querier interface {
	QueryScalar(ctx context.Context, query string, args ...interface{}) (string, bool, error)
}

// MXSource answers mail-exchange lookups. Satisfied by
// *dnsx.MXCache.
type MXSource interface {
	GetOrResolve(ctx context.Context, domain string) ([]dnsx.MX, error)
}

// Funcs is the closed builtin table an expression binds against
// at parse time. Each map key is a configured backend name; an
// expression naming an unknown backend fails at evaluation, an
// expression naming an unknown function fails at parse.
type Funcs struct {
	Stores   map[string]store.Store
	Queriers map[string]Querier
	MX       MXSource
}

func (f *Funcs) storeFor(name string) (store.Store, error) {
	s, ok := f.Stores[name]
	if !ok {
		return nil, errors.Errorf("unknown store backend '%s'", name)
	}
	return s, nil
}

type builtinFn func(ctx context.Context, f *Funcs, args []Value) (Value, error)

type builtin struct {
	minArgs int
	maxArgs int // -1 for variadic
	fn      builtinFn
}

var builtins = map[string]builtin{
	"sql_query":    {2, -1, evalSQLQuery},
	"dns_query":    {2, 2, evalDNSQuery},
	"key_get":      {2, 2, evalKeyGet},
	"key_set":      {3, 3, evalKeySet},
	"key_exists":   {2, 2, evalKeyExists},
	"counter_get":  {2, 2, evalCounterGet},
	"counter_incr": {3, 3, evalCounterIncr},
}

func evalSQLQuery(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	backend, err := ToString(args[0])
	if err != nil {
		return nil, err
	}
	query, err := ToString(args[1])
	if err != nil {
		return nil, err
	}

	q, ok := f.Queriers[backend]
	if !ok {
		return nil, errors.Errorf("unknown sql backend '%s'", backend)
	}

	// positional binding only; text arguments are enough for the
	// gates this engine evaluates
	bound := make([]interface{}, 0, len(args)-2)
	for _, arg := range args[2:] {
		s, err := ToString(arg)
		if err != nil {
			return nil, err
		}
		bound = append(bound, s)
	}

	value, matched, err := q.QueryScalar(ctx, query, bound...)
	if err != nil {
		return nil, errors.WithMessage(err, "sql_query")
	}
	if !matched {
		return "", nil
	}

	return value, nil
}

func evalDNSQuery(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	domain, err := ToString(args[0])
	if err != nil {
		return nil, err
	}
	kind, err := ToString(args[1])
	if err != nil {
		return nil, err
	}

	if kind != "mx" {
		return nil, errors.Errorf("unsupported record kind '%s'", kind)
	}
	if f.MX == nil {
		return nil, errors.New("no mx source configured")
	}

	records, err := f.MX.GetOrResolve(ctx, domain)
	if err != nil {
		return nil, errors.WithMessage(err, "dns_query")
	}

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, mx.Host)
	}

	return hosts, nil
}

func evalKeyGet(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	backend, key, err := storeArgs(args)
	if err != nil {
		return nil, err
	}

	s, err := f.storeFor(backend)
	if err != nil {
		return nil, err
	}

	value, err := s.Get(ctx, key)
	if err != nil {
		return nil, errors.WithMessage(err, "key_get")
	}

	return value, nil
}

func evalKeySet(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	backend, key, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	value, err := ToString(args[2])
	if err != nil {
		return nil, err
	}

	s, err := f.storeFor(backend)
	if err != nil {
		return nil, err
	}

	if err := s.Set(ctx, key, value); err != nil {
		return nil, errors.WithMessage(err, "key_set")
	}

	// success flag, not the previous value
	return int64(1), nil
}

func evalKeyExists(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	backend, key, err := storeArgs(args)
	if err != nil {
		return nil, err
	}

	s, err := f.storeFor(backend)
	if err != nil {
		return nil, err
	}

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return nil, errors.WithMessage(err, "key_exists")
	}

	if exists {
		return int64(1), nil
	}
	return int64(0), nil
}

func evalCounterGet(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	backend, name, err := storeArgs(args)
	if err != nil {
		return nil, err
	}

	s, err := f.storeFor(backend)
	if err != nil {
		return nil, err
	}

	value, err := s.CounterGet(ctx, name)
	if err != nil {
		return nil, errors.WithMessage(err, "counter_get")
	}

	return value, nil
}

func evalCounterIncr(ctx context.Context, f *Funcs, args []Value) (Value, error) {
	backend, name, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	delta, err := ToInt(args[2])
	if err != nil {
		return nil, err
	}

	s, err := f.storeFor(backend)
	if err != nil {
		return nil, err
	}

	value, err := s.CounterIncr(ctx, name, delta)
	if err != nil {
		return nil, errors.WithMessage(err, "counter_incr")
	}

	return value, nil
}

func storeArgs(args []Value) (string, string, error) {
	backend, err := ToString(args[0])
	if err != nil {
		return "", "", err
	}
	key, err := ToString(args[1])
	if err != nil {
		return "", "", err
	}
	return backend, key, nil
}
