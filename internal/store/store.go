// Package store implements the Persistence Store (C1): transactional
// access to a local relational database plus a linear, forward-only
// schema-migration system, grounded on the teacher's
// internal/storage/sql/connection.go.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/rezkam/flowrunner/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Driver names the two supported database/sql drivers.
type Driver string

const (
	DriverPostgres Driver = "pgx"
	DriverSQLite   Driver = "sqlite"
)

// Config holds database connection configuration. Mirrors the teacher's
// DBConfig; field names kept for familiarity.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = time.Minute
	}
	return c
}

// Store wraps a *sql.DB with the run_summary/job_history schema applied.
// The store is opened once per process; opening runs pending migrations
// under goose's own advisory lock.
type Store struct {
	DB     *sql.DB
	driver Driver
}

// Open opens the database, applies pending migrations, and returns a
// ready-to-use Store. Fails as domain.StoreError on any step.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, domain.StoreError{Op: "open", Err: err}
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.StoreError{Op: "ping", Err: err}
	}

	if err := migrate(db, cfg.Driver); err != nil {
		db.Close()
		return nil, domain.StoreError{Op: "migrate", Err: err}
	}

	return &Store{DB: db, driver: cfg.Driver}, nil
}

// OpenSQLite is a convenience constructor applying the WAL/busy-timeout
// pragmas the teacher's NewSQLiteStore used.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	return Open(ctx, Config{Driver: DriverSQLite, DSN: dsn})
}

// OpenPostgres is a convenience constructor for a Postgres-backed store.
func OpenPostgres(ctx context.Context, connString string) (*Store, error) {
	return Open(ctx, Config{Driver: DriverPostgres, DSN: connString})
}

func migrate(db *sql.DB, driver Driver) error {
	dialect := "sqlite3"
	if driver == DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Bind rewrites a query written with "?" placeholders into the dialect
// the store's driver expects. SQLite accepts "?" natively; pgx's
// stdlib adapter does not rebind "?" to "$N" the way some other
// database/sql drivers do, so callers write portable "?" SQL once and
// Bind adapts it per driver, the same role sqlx.Rebind plays upstream.
func (s *Store) Bind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WithTx runs fn inside a serializable-isolation transaction, committing
// on a nil return and rolling back otherwise. Grounded on the teacher's
// transaction idiom in repository/store.go.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.StoreError{Op: "begin_tx", Err: err}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return domain.StoreError{Op: "rollback", Err: errors.Join(err, rbErr)}
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreError{Op: "commit", Err: err}
	}
	return nil
}

// IsConflict reports whether err is a unique/primary-key constraint
// violation, i.e. the abstract domain.ErrStoreConflict condition. Driver
// error shapes differ (pgx's pgconn.PgError vs modernc.org/sqlite's
// string-encoded error), so detection is necessarily driver-specific.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	// modernc.org/sqlite reports constraint violations as plain errors
	// whose message names the SQLite result code; there is no typed
	// error to errors.As onto.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_CONSTRAINT") && strings.Contains(msg, "UNIQUE")
}
