package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver selects the relational backend.
type Driver string

const (
	SQLite   Driver = "sqlite"
	Postgres Driver = "postgres"
)

// Config describes how to reach the store.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	ConnectAttempts uint
	ConnectDelay    time.Duration
}

// Querier is the read surface handed to callers inside a read-only transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a handle on the relational store. It holds no per-query state.
type Store struct {
	db      *sql.DB
	driver  Driver
	dialect Dialect
	log     *slog.Logger
}

// ParseDriver maps configuration spellings onto a Driver.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported store driver %q", s)
}

// Open connects to the store and pings it, retrying with backoff.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store DSN is empty")
	}
	driver, err := ParseDriver(string(cfg.Driver))
	if err != nil {
		return nil, err
	}

	driverName, dsn := "sqlite", sqliteDSN(cfg.DSN)
	if driver == Postgres {
		driverName, dsn = "pgx", cfg.DSN
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := cfg.ConnectDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("retrying store connection", "attempt", n+1, "driver", driver, "err", err)
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s store after %d attempts: %w", driver, attempts, err)
	}

	return New(db, driver, log), nil
}

// New wraps an already opened database.
func New(db *sql.DB, driver Driver, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	d := SQLiteDialect
	if driver == Postgres {
		d = PostgresDialect
	}
	return &Store{db: db, driver: driver, dialect: d, log: log}
}

func (s *Store) DB() *sql.DB      { return s.db }
func (s *Store) Driver() Driver   { return s.driver }
func (s *Store) Dialect() Dialect { return s.dialect }
func (s *Store) Close() error     { return s.db.Close() }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ReadOnly runs fn inside a transaction that rejects writes. The transaction is
// always rolled back.
func (s *Store) ReadOnly(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	if s.driver == Postgres {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return fmt.Errorf("begin read-only transaction: %w", err)
		}
		defer tx.Rollback()
		return fn(ctx, tx)
	}

	// The sqlite driver does not enforce TxOptions.ReadOnly, so the connection is
	// switched to query_only around the transaction. The pragma is reset on the
	// connection itself: a cancelled ctx has already ended the transaction.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return fmt.Errorf("enable query_only: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); err != nil {
			s.log.Warn("failed to reset query_only, discarding connection", "err", err)
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(ctx, tx)
}

// sqliteDSN adds connection pragmas to a bare path.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") || dsn == ":memory:" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
