package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tally/pkg/store"
	"tally/pkg/store/storetest"
)

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Driver
		wantErr bool
	}{
		{"", store.SQLite, false},
		{"sqlite3", store.SQLite, false},
		{"PostgreSQL", store.Postgres, false},
		{"pgx", store.Postgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := store.ParseDriver(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDriver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDriver() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialects(t *testing.T) {
	if got := store.SQLiteDialect.Placeholder(3); got != "?" {
		t.Errorf("sqlite placeholder = %q", got)
	}
	if got := store.PostgresDialect.Placeholder(3); got != "$3" {
		t.Errorf("postgres placeholder = %q", got)
	}
	if got := store.SQLiteDialect.Quote(`we"ird`); got != `"we""ird"` {
		t.Errorf("Quote() = %q", got)
	}
	if got := store.SQLiteDialect.ILike(`"name"`, "?", false); got != `LOWER("name") LIKE LOWER(?)` {
		t.Errorf("sqlite ILike = %q", got)
	}
	if got := store.PostgresDialect.ILike(`"name"`, "$1", true); got != `"name" NOT ILIKE $1` {
		t.Errorf("postgres ILike = %q", got)
	}
	if got := store.SQLiteDialect.Like(`"name"`, "?", true); got != `"name" NOT GLOB ?` {
		t.Errorf("sqlite Like = %q", got)
	}
	if got := store.PostgresDialect.Like(`"name"`, "$2", false); got != `"name" LIKE $2` {
		t.Errorf("postgres Like = %q", got)
	}
}

func TestLikeArg(t *testing.T) {
	tests := []struct {
		pattern string
		sqlite  string
	}{
		{"%Milk%", "*Milk*"},
		{"Milk 3_2%", "Milk 3?2*"},
		{`Milk 3.2\%`, "Milk 3.2%"},
		{`50\_off`, "50_off"},
		{"a*b?[c]", "a[*]b[?][[]c]"},
		{`trailing\`, `trailing\`},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			if got := store.SQLiteDialect.LikeArg(tt.pattern); got != tt.sqlite {
				t.Errorf("sqlite LikeArg(%q) = %q, want %q", tt.pattern, got, tt.sqlite)
			}
			if got := store.PostgresDialect.LikeArg(tt.pattern); got != tt.pattern {
				t.Errorf("postgres LikeArg(%q) = %q", tt.pattern, got)
			}
		})
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := store.Open(context.Background(), store.Config{Driver: store.SQLite}, nil); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	err := s.ReadOnly(ctx, func(ctx context.Context, q store.Querier) error {
		rows, err := q.QueryContext(ctx, `DELETE FROM receipts RETURNING id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
		}
		return rows.Err()
	})
	if err == nil {
		t.Fatal("expected write to fail inside read-only transaction")
	}

	var n int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Errorf("receipts = %d, want 6", n)
	}

	// The pooled connection must be writable again afterwards.
	if _, err := s.DB().ExecContext(ctx, `UPDATE stores SET address = 'x' WHERE id = 3`); err != nil {
		t.Errorf("write after read-only transaction: %v", err)
	}
}

func TestReadOnlyCancelledLeavesConnectionWritable(t *testing.T) {
	s := storetest.New(t)
	s.DB().SetMaxOpenConns(1)

	ctx, cancel := context.WithCancel(context.Background())
	err := s.ReadOnly(ctx, func(ctx context.Context, q store.Querier) error {
		cancel()
		_, err := q.QueryContext(ctx, `SELECT COUNT(*) FROM items`)
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadOnly() error = %v, want context.Canceled", err)
	}

	bg := context.Background()
	var queryOnly int
	if err := s.DB().QueryRowContext(bg, `PRAGMA query_only`).Scan(&queryOnly); err != nil {
		t.Fatalf("read pragma: %v", err)
	}
	if queryOnly != 0 {
		t.Errorf("query_only = %d after a cancelled transaction", queryOnly)
	}
	if _, err := s.DB().ExecContext(bg, `UPDATE stores SET address = 'x' WHERE id = 3`); err != nil {
		t.Errorf("write after cancelled read-only transaction: %v", err)
	}
}

func TestCollect(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	var cols []string
	var rows []map[string]any
	err := s.ReadOnly(ctx, func(ctx context.Context, q store.Querier) error {
		r, err := q.QueryContext(ctx, `SELECT id, name FROM stores ORDER BY id`)
		if err != nil {
			return err
		}
		defer r.Close()
		cols, rows, err = store.Collect(r)
		return err
	})
	if err != nil {
		t.Fatalf("ReadOnly() error = %v", err)
	}
	if len(cols) != 2 || cols[0] != "id" || cols[1] != "name" {
		t.Errorf("cols = %v", cols)
	}
	if len(rows) != 3 || rows[0]["name"] != "Corner Market" {
		t.Errorf("rows = %v", rows)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	s, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: path}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if s.Dialect().Name() != "sqlite" {
		t.Errorf("dialect = %s", s.Dialect().Name())
	}
}
