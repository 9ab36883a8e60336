// Package catalog is the relational store behind the service: profiles,
// credits, projects, and the storage container and policy records written by
// the bucket provisioner.
package catalog

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrForbidden is returned when a service transaction is opened without
	// the service-role credential.
	ErrForbidden = errors.New("service role required")
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Catalog wraps a *sql.DB. Queries are written with ? placeholders and
// rebound for the dialect.
type Catalog struct {
	db         *sql.DB
	dialect    Dialect
	logger     *slog.Logger
	serviceKey []byte
}

// Open connects to the database. For sqlite, url is a file path.
func Open(driver, url string, logger *slog.Logger) (*Catalog, error) {
	var (
		db  *sql.DB
		err error
	)
	switch Dialect(driver) {
	case SQLite:
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		db, err = sql.Open("sqlite", url+sep+"_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	case Postgres:
		db, err = sql.Open("pgx", url)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return New(db, Dialect(driver), logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Catalog {
	return &Catalog{db: db, dialect: dialect, logger: logger}
}

// SetServiceKey sets the credential WithServiceTx requires.
func (c *Catalog) SetServiceKey(key string) {
	sum := sha256.Sum256([]byte(key))
	c.serviceKey = sum[:]
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// rebind rewrites ? placeholders as $1..$n for postgres.
func (c *Catalog) rebind(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credits (
		user_id TEXT PRIMARY KEY REFERENCES profiles(id),
		credit_amount BIGINT NOT NULL CHECK (credit_amount >= 0),
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES profiles(id),
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		container TEXT NOT NULL DEFAULT '',
		archive_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS projects_user_id ON projects (user_id)`,
	`CREATE TABLE IF NOT EXISTS storage_containers (
		name TEXT PRIMARY KEY,
		public BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS storage_policies (
		container TEXT NOT NULL REFERENCES storage_containers(name),
		name TEXT NOT NULL,
		action TEXT NOT NULL,
		principal TEXT NOT NULL,
		PRIMARY KEY (container, name)
	)`,
}

// Migrate creates any missing tables.
func (c *Catalog) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	c.logger.Debug("catalog schema ready", "dialect", string(c.dialect))
	return nil
}

// Tx is a catalog transaction.
type Tx struct {
	tx *sql.Tx
	c  *Catalog
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.c.rebind(query), args...)
}

// WithTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func (c *Catalog) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx, c: c}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			c.logger.Error("rollback failed", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ServiceTx is a transaction allowed to write storage container and policy
// records.
type ServiceTx struct {
	*Tx
}

// WithServiceTx is WithTx for the service role. It fails with ErrForbidden
// unless credential matches the key set by SetServiceKey.
func (c *Catalog) WithServiceTx(ctx context.Context, credential string, fn func(*ServiceTx) error) error {
	sum := sha256.Sum256([]byte(credential))
	if len(c.serviceKey) == 0 || subtle.ConstantTimeCompare(sum[:], c.serviceKey) != 1 {
		return ErrForbidden
	}
	return c.WithTx(ctx, func(tx *Tx) error {
		return fn(&ServiceTx{Tx: tx})
	})
}
