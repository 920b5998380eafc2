// Package store owns the database handle shared by the kernel's stores.
//
// Two dialects are supported: PostgreSQL (lib/pq) for deployments and SQLite
// (modernc.org/sqlite) for lite mode. Queries are written with "?" placeholders
// and rebound for PostgreSQL. Every statement passes an append-only guard that
// refuses UPDATE and DELETE against the ledger tables; the migrations install
// matching triggers so the database refuses them as well.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrAppendOnly is returned for any attempt to mutate or delete ledger rows.
var ErrAppendOnly = errors.New("store: events and receipts are append-only")

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Queryer is satisfied by both *DB and *Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *Row
	Dialect() Dialect
}

// Row is a *sql.Row that may carry a guard error.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row's columns into dest, or returns the guard error.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Options selects and locates the database.
type Options struct {
	// DatabaseURL selects PostgreSQL when set.
	DatabaseURL string
	// DataDir holds the SQLite file in lite mode.
	DataDir string
	// Path overrides the SQLite file location.
	Path string
}

// DB wraps *sql.DB with dialect-aware rebinding and the append-only guard.
type DB struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to PostgreSQL when opts.DatabaseURL is set, otherwise to a
// SQLite file under opts.DataDir.
func Open(ctx context.Context, opts Options) (*DB, error) {
	logger := slog.Default().With("component", "store")
	if opts.DatabaseURL != "" {
		db, err := sql.Open("postgres", opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: ping postgres: %w", err)
		}
		logger.InfoContext(ctx, "connected", "dialect", Postgres)
		return New(db, Postgres), nil
	}

	path := opts.Path
	if path == "" {
		dir := opts.DataDir
		if dir == "" {
			dir = "data"
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
		path = filepath.Join(dir, "bloom.db")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One connection serialises writers and keeps transactions on a single handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	logger.InfoContext(ctx, "lite mode", "dialect", SQLite, "path", path)
	return New(db, SQLite), nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect, logger: slog.Default().With("component", "store")}
}

// Raw exposes the underlying handle, bypassing the append-only guard.
func (d *DB) Raw() *sql.DB { return d.db }

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) PingContext(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := prepare(d.dialect, query)
	if err != nil {
		return nil, err
	}
	return d.db.ExecContext(ctx, q, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := prepare(d.dialect, query)
	if err != nil {
		return nil, err
	}
	return d.db.QueryContext(ctx, q, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	q, err := prepare(d.dialect, query)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: d.db.QueryRowContext(ctx, q, args...)}
}

// Tx is a guarded transaction.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) Dialect() Dialect { return t.dialect }

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := prepare(t.dialect, query)
	if err != nil {
		return nil, err
	}
	return t.tx.ExecContext(ctx, q, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := prepare(t.dialect, query)
	if err != nil {
		return nil, err
	}
	return t.tx.QueryContext(ctx, q, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	q, err := prepare(t.dialect, query)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: t.tx.QueryRowContext(ctx, q, args...)}
}

// WithTx runs fn inside a transaction. fn's error rolls back; nil commits.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnBusy(ctx, d.dialect, 5, func() error {
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()

		if err := fn(&Tx{tx: sqlTx, dialect: d.dialect}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	})
}

// LockAgents takes transaction-scoped advisory locks on the given agents in a
// stable order. SQLite needs none: its single connection already serialises
// writers.
func LockAgents(ctx context.Context, tx *Tx, agentIDs ...string) error {
	if tx.dialect != Postgres || len(agentIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", "agent:"+id); err != nil {
			return fmt.Errorf("store: lock agent %s: %w", id, err)
		}
	}
	return nil
}

var appendOnlyPattern = regexp.MustCompile(`(?is)^\s*(?:update\s+(?:or\s+\w+\s+)?|delete\s+from\s+|truncate\s+(?:table\s+)?|drop\s+table\s+(?:if\s+exists\s+)?|insert\s+or\s+replace\s+into\s+|replace\s+into\s+)"?(events|receipts)"?\b`)

// CheckAppendOnly reports ErrAppendOnly for statements that would rewrite the ledger.
func CheckAppendOnly(query string) error {
	if m := appendOnlyPattern.FindStringSubmatch(query); m != nil {
		return fmt.Errorf("%w: refused statement against %s", ErrAppendOnly, strings.ToLower(m[1]))
	}
	return nil
}

func prepare(dialect Dialect, query string) (string, error) {
	if err := CheckAppendOnly(query); err != nil {
		return "", err
	}
	if dialect == Postgres {
		return Rebind(query), nil
	}
	return query, nil
}

// Rebind converts "?" placeholders into PostgreSQL's "$n" form.
func Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
