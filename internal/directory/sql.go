package directory

import (
	"context"
	"strings"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jawr/mxgate/internal/cache"
	"github.com/pkg/errors"
)

// Queries holds the per-directory query templates. Each template
// takes its single argument positionally ($1); there is no
// string interpolation anywhere in this package.
type Queries struct {
	// Name: principal name -> name, type, secret, description, quota
	Name string
	// Members: list name -> member addresses, membership order
	Members string
	// Recipients: address -> principal name
	Recipients string
	// Emails: principal name -> addresses, primary first
	Emails string
	// Verify: fragment -> primary addresses, ascending, limited
	Verify string
	// Expand: list address -> member primary addresses, limited
	Expand string
	// Domains: domain -> any row when hosted
	Domains string
}

// DefaultQueries matches the stock schema (accounts, emails
// tables). Deployments with their own schema override these in
// configuration.
var DefaultQueries = Queries{
	Name:       "SELECT name, type, secret, description, quota FROM accounts WHERE name = $1 AND active = true",
	Members:    "SELECT member FROM list_members WHERE name = $1 ORDER BY position",
	Recipients: "SELECT name FROM emails WHERE address = $1",
	Emails:     "SELECT address FROM emails WHERE name = $1 AND type != 'list' ORDER BY type DESC, address ASC",
	Verify:     "SELECT address FROM emails WHERE address LIKE '%' || $1 || '%' AND type = 'primary' ORDER BY address LIMIT 5",
	Expand:     "SELECT p.address FROM emails AS p JOIN emails AS l ON p.name = l.name WHERE p.type = 'primary' AND l.address = $1 AND l.type = 'list' ORDER BY p.address LIMIT 50",
	Domains:    "SELECT 1 FROM emails WHERE address LIKE '%@' || $1 LIMIT 1",
}

// SQL is the relational directory backend. Repeat misses are the
// common case on a listener exposed to the internet, so negative
// results are cached aggressively.
type SQL struct {
	db      *pgxpool.Pool
	queries Queries
	cache   *cache.Cache
}

func NewSQL(db *pgxpool.Pool, queries Queries) (*SQL, error) {
	c, err := cache.NewCache()
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}

	return &SQL{
		db:      db,
		queries: queries,
		cache:   c,
	}, nil
}

type principalRow struct {
	Name        string
	Type        string
	Secret      pgtype.Text
	Description pgtype.Text
	Quota       pgtype.Int8
}

func (row *principalRow) principal() *Principal {
	p := &Principal{
		Name:        row.Name,
		Secret:      row.Secret.String,
		Description: row.Description.String,
		Quota:       row.Quota.Int,
	}

	switch row.Type {
	case "list":
		p.Type = TypeList
	case "domain":
		p.Type = TypeDomain
	default:
		p.Type = TypeIndividual
	}

	return p
}

func (s *SQL) QueryByName(ctx context.Context, name string) (*Principal, error) {
	name = strings.ToLower(name)

	if _, ok := s.cache.Get("nxname", name); ok {
		return nil, nil
	}

	var row principalRow
	err := pgxscan.Get(ctx, s.db, &row, s.queries.Name, name)
	if err != nil {
		if pgxscan.NotFound(err) {
			s.cache.Set("nxname", name, struct{}{})
			return nil, nil
		}
		return nil, errors.WithMessagef(ErrUnavailable, "QueryByName: %s", err)
	}

	p := row.principal()

	if err := pgxscan.Select(ctx, s.db, &p.Emails, s.queries.Emails, p.Name); err != nil {
		return nil, errors.WithMessagef(ErrUnavailable, "QueryByName emails: %s", err)
	}

	if p.Type == TypeList && s.queries.Members != "" {
		if err := pgxscan.Select(ctx, s.db, &p.Members, s.queries.Members, p.Name); err != nil {
			return nil, errors.WithMessagef(ErrUnavailable, "QueryByName members: %s", err)
		}
	}

	return p, nil
}

func (s *SQL) QueryByCredentials(ctx context.Context, identity, secret string) (*Principal, error) {
	p, err := s.QueryByName(ctx, identity)
	if err != nil {
		return nil, err
	}

	if p == nil {
		// same cost as a mismatch, no existence oracle
		burnVerify(secret)
		return nil, nil
	}

	if !verifySecret(p.Secret, secret) {
		return nil, nil
	}

	return p, nil
}

func (s *SQL) QueryByAddress(ctx context.Context, address string) (*Principal, error) {
	address = strings.ToLower(address)

	if _, ok := s.cache.Get("nxaddr", address); ok {
		return nil, nil
	}

	var name string
	err := pgxscan.Get(ctx, s.db, &name, s.queries.Recipients, address)
	if err != nil {
		if pgxscan.NotFound(err) {
			s.cache.Set("nxaddr", address, struct{}{})
			return nil, nil
		}
		return nil, errors.WithMessagef(ErrUnavailable, "QueryByAddress: %s", err)
	}

	return s.QueryByName(ctx, name)
}

func (s *SQL) Search(ctx context.Context, fragment string) ([]string, error) {
	var out []string
	err := pgxscan.Select(ctx, s.db, &out, s.queries.Verify, strings.ToLower(fragment))
	if err != nil {
		return nil, errors.WithMessagef(ErrUnavailable, "Search: %s", err)
	}

	if len(out) > SearchLimit {
		out = out[:SearchLimit]
	}

	return out, nil
}

func (s *SQL) Expand(ctx context.Context, address string) ([]string, error) {
	var out []string
	err := pgxscan.Select(ctx, s.db, &out, s.queries.Expand, strings.ToLower(address))
	if err != nil {
		return nil, errors.WithMessagef(ErrUnavailable, "Expand: %s", err)
	}

	if len(out) == 0 {
		// not a list, or an empty one; either way nothing to
		// hand out
		return nil, nil
	}

	if len(out) > ExpandLimit {
		out = out[:ExpandLimit]
	}

	return out, nil
}

func (s *SQL) DomainExists(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(domain)

	if _, ok := s.cache.Get("domain", domain); ok {
		return true, nil
	}

	var one int
	err := pgxscan.Get(ctx, s.db, &one, s.queries.Domains, domain)
	if err != nil {
		if pgxscan.NotFound(err) {
			return false, nil
		}
		return false, errors.WithMessagef(ErrUnavailable, "DomainExists: %s", err)
	}

	s.cache.Set("domain", domain, struct{}{})

	return true, nil
}
