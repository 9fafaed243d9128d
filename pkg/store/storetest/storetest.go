// Package storetest provides a seeded SQLite store for tests.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"tally/pkg/store"
)

// Schema is the receipts domain DDL.
const Schema = `
CREATE TABLE stores (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT
);
CREATE TABLE categories (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id INTEGER REFERENCES categories(id)
);
CREATE TABLE products (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	category_id INTEGER REFERENCES categories(id)
);
CREATE TABLE labels (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	color TEXT
);
CREATE TABLE product_labels (
	product_id INTEGER NOT NULL REFERENCES products(id),
	label_id INTEGER NOT NULL REFERENCES labels(id),
	PRIMARY KEY (product_id, label_id)
);
CREATE TABLE receipts (
	id INTEGER PRIMARY KEY,
	store_id INTEGER REFERENCES stores(id),
	purchase_date TEXT NOT NULL,
	total REAL NOT NULL,
	source TEXT,
	created_at TEXT
);
CREATE TABLE items (
	id INTEGER PRIMARY KEY,
	receipt_id INTEGER NOT NULL REFERENCES receipts(id),
	product_id INTEGER REFERENCES products(id),
	name TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	total REAL NOT NULL
);`

// ReceiptsTotal is the sum of the seeded receipts.total column.
const ReceiptsTotal = 31540.91

// ItemCount is the number of seeded items.
const ItemCount = 160

var fixture = []string{
	`INSERT INTO stores (id, name, address) VALUES
		(1, 'Corner Market', '1 Main St'),
		(2, 'HyperSave', '200 Ring Rd'),
		(3, 'Bakehouse', NULL)`,
	`INSERT INTO categories (id, name, parent_id) VALUES
		(1, 'Food', NULL),
		(2, 'Dairy', 1),
		(3, 'Milk', 2),
		(4, 'Cheese', 2),
		(5, 'Bakery', 1),
		(6, 'Household', NULL),
		(7, 'Cleaning', 6),
		(8, 'Promotions', NULL),
		(9, 'Discounts', 8)`,
	`INSERT INTO products (id, name, category_id) VALUES
		(1, 'Milk 3.2%', 3),
		(2, 'Kefir', 2),
		(3, 'Gouda', 4),
		(4, 'Rye Bread', 5),
		(5, 'Detergent', 7),
		(6, 'Sponge', 7),
		(7, 'Coupon', 9),
		(8, 'Mystery Box', NULL)`,
	`INSERT INTO labels (id, name, color) VALUES
		(1, 'organic', 'green'),
		(2, 'favorite', 'red')`,
	`INSERT INTO product_labels (product_id, label_id) VALUES
		(1, 1), (1, 2), (3, 2), (4, 1)`,
	`INSERT INTO receipts (id, store_id, purchase_date, total, source, created_at) VALUES
		(1, 1, '2024-01-05', 5230.50, 'email', '2024-01-05T10:00:00Z'),
		(2, 2, '2024-01-19', 7810.25, 'email', '2024-01-19T18:30:00Z'),
		(3, 1, '2024-02-02', 4120.16, 'manual', '2024-02-02T09:15:00Z'),
		(4, 2, '2024-02-21', 9800.00, 'email', '2024-02-21T20:45:00Z'),
		(5, 3, '2024-03-10', 2579.00, 'manual', '2024-03-10T08:05:00Z'),
		(6, 1, '2024-03-28', 2001.00, 'email', '2024-03-28T12:00:00Z')`,
}

var productNames = []string{"Milk 3.2%", "Kefir", "Gouda", "Rye Bread", "Detergent", "Sponge", "Coupon", "Mystery Box"}

// ProductFor returns the product id the i-th seeded item refers to. Gouda is
// bought more often than anything else.
func ProductFor(i int) int {
	p := i%10 + 1
	if p > len(productNames) {
		return 3
	}
	return p
}

// Seed creates the schema and fixture rows in db.
func Seed(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, stmt := range fixture {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed fixture: %w", err)
		}
	}
	for i := 0; i < ItemCount; i++ {
		product := ProductFor(i)
		price := float64(10 + i%7)
		_, err := db.ExecContext(ctx,
			`INSERT INTO items (id, receipt_id, product_id, name, quantity, price, total) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i+1, i%6+1, product, productNames[product-1], 1, price, price)
		if err != nil {
			return fmt.Errorf("seed item %d: %w", i+1, err)
		}
	}
	return nil
}

// New opens a seeded SQLite store in a temporary directory.
func New(t testing.TB) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{
		Driver: store.SQLite,
		DSN:    filepath.Join(t.TempDir(), "tally.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := Seed(ctx, s.DB()); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return s
}
