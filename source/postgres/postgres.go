// Package postgres serves listing ranges from PostgreSQL through a pgx pool.
//
// Pages are cut with a row-wise keyset predicate, so a composite index on the
// sort-key columns (in spec order) makes every page an index range scan:
//
//	SELECT "member_id", "followed_at" FROM "follows"
//	WHERE "followee_id" = $1 AND (("followed_at" < $2) OR ("followed_at" = $2 AND "member_id" > $3))
//	ORDER BY "followed_at" DESC, "member_id" ASC
//	LIMIT $4
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/keyset"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Config struct {
	Table   string
	Columns []string // select list; must cover the sort-key fields and T's db tags

	// ScopeColumn restricts rows to one listing. Scope maps the identity
	// ("followers:42") to the column value; nil uses the text after ':'.
	ScopeColumn string
	Scope       func(identity string) (any, error)

	// FilterColumns maps accepted filter names to columns (equality only).
	// Unknown filters are rejected as permanent errors.
	FilterColumns map[string]string

	// SortColumns maps sort-key field names to columns; missing => same name.
	SortColumns map[string]string
}

// Source scans rows into T by column name (pgx.RowToStructByName), so T
// needs `db` tags matching Columns.
type Source[T any] struct {
	q   Querier
	cfg Config
}

var _ fetch.DataSource[struct{}] = (*Source[struct{}])(nil)

func New[T any](q Querier, cfg Config) (*Source[T], error) {
	if q == nil {
		return nil, errors.New("postgres: nil querier")
	}
	if cfg.Table == "" || len(cfg.Columns) == 0 {
		return nil, errors.New("postgres: table and columns are required")
	}
	return &Source[T]{q: q, cfg: cfg}, nil
}

// NewPool opens a pgx pool. maxConns <= 0 keeps the pgx default.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func (s *Source[T]) FetchRange(ctx context.Context, fs keyset.FetchSpec) ([]T, error) {
	sql, args, err := s.Build(fs)
	if err != nil {
		return nil, fetch.Permanent(err)
	}
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Build renders the statement and arguments for fs.
func (s *Source[T]) Build(fs keyset.FetchSpec) (string, []any, error) {
	c := s.cfg
	var (
		conds []string
		args  []any
	)
	next := func() string { return fmt.Sprintf("$%d", len(args)+1) }

	if c.ScopeColumn != "" {
		v, err := s.scope(fs.Identity)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, quote(c.ScopeColumn)+" = "+next())
		args = append(args, v)
	}

	names := make([]string, 0, len(fs.Filters))
	for k := range fs.Filters {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		col, ok := c.FilterColumns[k]
		if !ok {
			return "", nil, fmt.Errorf("postgres: unsupported filter %q", k)
		}
		conds = append(conds, quote(col)+" = "+next())
		args = append(args, fs.Filters[k])
	}

	col := func(name string) string {
		if m, ok := c.SortColumns[name]; ok {
			return quote(m)
		}
		return quote(name)
	}
	where, wargs := keyset.Where(fs, col, func(n int) string { return fmt.Sprintf("$%d", n) }, len(args)+1)
	if where != "" {
		conds = append(conds, where)
		args = append(args, wargs...)
	}

	cols := make([]string, len(c.Columns))
	for i, cn := range c.Columns {
		cols[i] = quote(cn)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(quote(c.Table))
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(keyset.OrderBy(fs, col))
	b.WriteString(" LIMIT ")
	b.WriteString(next())
	args = append(args, fs.Limit)
	return b.String(), args, nil
}

func (s *Source[T]) scope(identity string) (any, error) {
	if s.cfg.Scope != nil {
		return s.cfg.Scope(identity)
	}
	i := strings.LastIndexByte(identity, ':')
	if i < 0 || i == len(identity)-1 {
		return nil, fmt.Errorf("postgres: identity %q has no scope value", identity)
	}
	return identity[i+1:], nil
}

// quote renders a possibly schema-qualified identifier.
func quote(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// classify marks failures worth retrying: connection loss, admin shutdown,
// serialization conflicts and anything pgconn deems safe to retry.
func classify(err error) error {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fetch.Transient(err)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case strings.HasPrefix(pe.Code, "08"), // connection exception
			pe.Code == "40001", // serialization_failure
			pe.Code == "40P01", // deadlock_detected
			pe.Code == "57P01", // admin_shutdown
			pe.Code == "53300": // too_many_connections
			return fetch.Transient(err)
		}
		return fetch.Permanent(err)
	}
	return err
}
