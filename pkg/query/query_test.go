package query

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"tally/pkg/store"
	"tally/pkg/store/storetest"
)

func receiptsWhitelist() *Whitelist {
	cols := func(names ...string) []Column {
		out := make([]Column, len(names))
		for i, n := range names {
			out[i] = Column{Name: n}
		}
		return out
	}
	return NewWhitelist([]Table{
		{Name: "receipts", Columns: cols("id", "store_id", "purchase_date", "total", "source")},
		{Name: "items", Columns: cols("id", "receipt_id", "product_id", "name", "quantity", "price", "total")},
		{Name: "stores", Columns: cols("id", "name", "address")},
		{Name: "products", Columns: cols("id", "name", "category_id")},
		{Name: "categories", Columns: cols("id", "name", "parent_id")},
	}, []Relationship{
		{FromTable: "receipts", FromColumn: "store_id", ToTable: "stores", ToColumn: "id"},
		{FromTable: "items", FromColumn: "receipt_id", ToTable: "receipts", ToColumn: "id"},
		{FromTable: "items", FromColumn: "product_id", ToTable: "products", ToColumn: "id"},
		{FromTable: "products", FromColumn: "category_id", ToTable: "categories", ToColumn: "id"},
	})
}

func TestWhitelistResolve(t *testing.T) {
	w := receiptsWhitelist()
	tables := []struct{ in, want string }{
		{"receipts", "receipts"},
		{"Receipt", "receipts"},
		{"`items`", "items"},
		{"category", "categories"},
		{"\"STORES\"", "stores"},
	}
	for _, tt := range tables {
		if got, ok := w.ResolveTable(tt.in); !ok || got != tt.want {
			t.Errorf("ResolveTable(%q) = %q, %v; want %q", tt.in, got, ok, tt.want)
		}
	}
	if _, ok := w.ResolveTable("users"); ok {
		t.Error("ResolveTable(users) should fail")
	}

	columns := []struct{ table, in, want string }{
		{"items", "receiptId", "receipt_id"},
		{"receipts", "PurchaseDate", "purchase_date"},
		{"receipts", "TOTAL", "total"},
		{"receipts", "storeID", "store_id"},
	}
	for _, tt := range columns {
		if got, ok := w.ResolveColumn(tt.table, tt.in); !ok || got != tt.want {
			t.Errorf("ResolveColumn(%q, %q) = %q, %v; want %q", tt.table, tt.in, got, ok, tt.want)
		}
	}
	if _, ok := w.ResolveColumn("receipts", "created_at"); ok {
		t.Error("columns outside the whitelist must not resolve")
	}
}

func TestDecodeAliases(t *testing.T) {
	d, err := Decode(map[string]any{
		"table":   "items",
		"columns": "name, price",
		"aggregates": []any{
			map[string]any{"func": "sum", "column": "total", "as": "spent"},
		},
		"groupBy": []any{"name"},
		"where": []any{
			map[string]any{"column": "price", "operator": "between", "min": 10, "max": 12},
		},
		"orderBy": "spent desc",
		"limit":   "7",
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(d.Columns) != 2 || d.Columns[1].Column != "price" {
		t.Errorf("Columns = %+v", d.Columns)
	}
	if len(d.Aggregates) != 1 || d.Aggregates[0].Function != "sum" || d.Aggregates[0].Alias != "spent" {
		t.Errorf("Aggregates = %+v", d.Aggregates)
	}
	if len(d.GroupBy) != 1 || d.GroupBy[0] != "name" {
		t.Errorf("GroupBy = %v", d.GroupBy)
	}
	if len(d.Where) != 1 || d.Where[0].Op != "between" {
		t.Fatalf("Where = %+v", d.Where)
	}
	if bounds, ok := d.Where[0].Value.([]any); !ok || len(bounds) != 2 {
		t.Errorf("between bounds = %v", d.Where[0].Value)
	}
	if len(d.OrderBy) != 1 || d.OrderBy[0].Direction != "desc" {
		t.Errorf("OrderBy = %+v", d.OrderBy)
	}
	if d.Limit != 7 {
		t.Errorf("Limit = %d", d.Limit)
	}

	if _, err := Decode(map[string]any{"columns": []any{"id"}}); !errors.Is(err, ErrNoTable) {
		t.Errorf("Decode() without table error = %v", err)
	}
}

func TestCompile(t *testing.T) {
	w := receiptsWhitelist()

	tests := []struct {
		name        string
		dialect     store.Dialect
		desc        Description
		wantSQL     string
		wantArgs    int
		wantDropped int
		wantErr     bool
	}{
		{
			name:     "all base columns by default",
			dialect:  store.SQLiteDialect,
			desc:     Description{Table: "stores"},
			wantSQL:  `SELECT "stores"."id" AS "id", "stores"."name" AS "name", "stores"."address" AS "address" FROM "stores" LIMIT ?`,
			wantArgs: 1,
		},
		{
			name:    "ilike on sqlite",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "items", Columns: []ColumnRef{{Column: "name"}},
				Where: []Predicate{{Column: "name", Op: "ILIKE", Value: "%milk%"}}},
			wantSQL:  `SELECT "items"."name" AS "name" FROM "items" WHERE LOWER("items"."name") LIKE LOWER(?) LIMIT ?`,
			wantArgs: 2,
		},
		{
			name:    "repeated output name",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "items",
				Columns: []ColumnRef{{Column: "name"}, {Column: "items.name"}, {Column: "NAME"}}},
			wantSQL:     `SELECT "items"."name" AS "name", "items"."name" AS "items_name" FROM "items" LIMIT ?`,
			wantArgs:    1,
			wantDropped: 1,
		},
		{
			name:    "like on sqlite",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "items", Columns: []ColumnRef{{Column: "name"}},
				Where: []Predicate{{Column: "name", Op: "LIKE", Value: "Milk%"}}},
			wantSQL:  `SELECT "items"."name" AS "name" FROM "items" WHERE "items"."name" GLOB ? LIMIT ?`,
			wantArgs: 2,
		},
		{
			name:    "postgres numbered placeholders",
			dialect: store.PostgresDialect,
			desc: Description{Table: "receipts", Columns: []ColumnRef{{Column: "id"}},
				Where: []Predicate{
					{Column: "total", Op: "gte", Value: 100.0},
					{Column: "store_id", Op: "in", Value: []any{1.0, 2.0}},
				}},
			wantSQL:  `SELECT "receipts"."id" AS "id" FROM "receipts" WHERE "receipts"."total" >= $1 AND "receipts"."store_id" IN ($2, $3) LIMIT $4`,
			wantArgs: 4,
		},
		{
			name:    "aggregates add projected columns to group by",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "receipts", Columns: []ColumnRef{{Column: "store_id"}},
				Aggregates: []Aggregate{{Function: "sum", Column: "total", Alias: "spent"}},
				Having:     []Predicate{{Column: "spent", Op: ">", Value: 1000.0}},
				OrderBy:    []OrderTerm{{Column: "spent", Direction: "desc"}}},
			wantSQL:  `SELECT "receipts"."store_id" AS "store_id", SUM("receipts"."total") AS "spent" FROM "receipts" GROUP BY "receipts"."store_id" HAVING SUM("receipts"."total") > ? ORDER BY "spent" DESC LIMIT ?`,
			wantArgs: 2,
		},
		{
			name:    "join inferred from relationship",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "receipts", Columns: []ColumnRef{{Column: "stores.name", Alias: "store"}},
				Joins: []Join{{Table: "store", Type: "left"}}},
			wantSQL:  `SELECT "stores"."name" AS "store" FROM "receipts" LEFT JOIN "stores" ON "receipts"."store_id" = "stores"."id" LIMIT ?`,
			wantArgs: 1,
		},
		{
			name:    "explicit join pair",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "items", Columns: []ColumnRef{{Column: "name"}, {Column: "receipts.purchase_date"}},
				Joins: []Join{{Table: "receipts", Left: "items.receipt_id", Right: "receipts.id"}}},
			wantSQL:  `SELECT "items"."name" AS "name", "receipts"."purchase_date" AS "purchase_date" FROM "items" INNER JOIN "receipts" ON "items"."receipt_id" = "receipts"."id" LIMIT ?`,
			wantArgs: 1,
		},
		{
			name:    "equality with null becomes null check",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "stores", Columns: []ColumnRef{{Column: "id"}},
				Where: []Predicate{{Column: "address", Op: "=", Value: nil}}},
			wantSQL:  `SELECT "stores"."id" AS "id" FROM "stores" WHERE "stores"."address" IS NULL LIMIT ?`,
			wantArgs: 1,
		},
		{
			name:    "bad arity and unknown names are dropped",
			dialect: store.SQLiteDialect,
			desc: Description{Table: "receipts", Columns: []ColumnRef{{Column: "id"}, {Column: "shop"}},
				Aggregates: []Aggregate{{Function: "median", Column: "total"}},
				Where: []Predicate{
					{Column: "total", Op: "between", Value: []any{1.0}},
					{Column: "store_id", Op: "in", Value: []any{}},
					{Column: "total", Op: "regex", Value: "x"},
				}},
			wantSQL:     `SELECT "receipts"."id" AS "id" FROM "receipts" LIMIT ?`,
			wantArgs:    1,
			wantDropped: 5,
		},
		{
			name:    "table outside whitelist",
			dialect: store.SQLiteDialect,
			desc:    Description{Table: "sqlite_master"},
			wantErr: true,
		},
		{
			name:    "join table outside whitelist",
			dialect: store.SQLiteDialect,
			desc:    Description{Table: "items", Joins: []Join{{Table: "labels"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCompiler(w, tt.dialect, 100).Compile(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Compile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrNotAllowed) {
					t.Errorf("error = %v, want ErrNotAllowed", err)
				}
				return
			}
			if got.SQL != tt.wantSQL {
				t.Errorf("SQL =\n%s\nwant\n%s", got.SQL, tt.wantSQL)
			}
			if len(got.Args) != tt.wantArgs {
				t.Errorf("args = %v, want %d", got.Args, tt.wantArgs)
			}
			if len(got.Dropped) != tt.wantDropped {
				t.Errorf("dropped = %v, want %d", got.Dropped, tt.wantDropped)
			}
		})
	}
}

func TestCompileNeverInlinesValues(t *testing.T) {
	injection := `x'; DROP TABLE receipts; --`
	got, err := NewCompiler(receiptsWhitelist(), store.SQLiteDialect, 0).Compile(Description{
		Table: "items",
		Where: []Predicate{{Column: "name", Op: "like", Value: injection}},
		Limit: 5,
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if strings.Contains(got.SQL, "DROP") {
		t.Fatalf("value leaked into SQL: %s", got.SQL)
	}
	if got.Args[0] != injection || got.Args[1] != 5 {
		t.Errorf("args = %v", got.Args)
	}
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(storetest.New(t), receiptsWhitelist(), RunnerConfig{RowCap: 100})
}

func TestRunAggregateScenario(t *testing.T) {
	r := newRunner(t)
	d, err := Decode(map[string]any{
		"table": "receipts",
		"aggregates": []any{
			map[string]any{"function": "COUNT", "column": "*", "alias": "n"},
			map[string]any{"function": "SUM", "column": "total", "alias": "s"},
		},
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	res, err := r.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.RowCount != 1 {
		t.Fatalf("rows = %d, want 1", res.RowCount)
	}
	row := res.Rows[0]
	if n, _ := row["n"].(int64); n != 6 {
		t.Errorf("n = %v, want 6", row["n"])
	}
	s, _ := row["s"].(float64)
	if math.Abs(s-storetest.ReceiptsTotal) > 1e-6 {
		t.Errorf("s = %v, want %v", row["s"], storetest.ReceiptsTotal)
	}
	if res.Truncated {
		t.Error("single row must not be truncated")
	}
}

func TestRunCapsRows(t *testing.T) {
	r := newRunner(t)
	res, err := r.Run(context.Background(), Description{Table: "items", Limit: 500})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.RowCount > 100 {
		t.Errorf("rows = %d, want <= 100", res.RowCount)
	}
	if !res.Truncated {
		t.Error("expected truncated=true")
	}
}

func TestRunRejectsBeforeTouchingStore(t *testing.T) {
	s := storetest.New(t)
	r := NewRunner(s, receiptsWhitelist(), RunnerConfig{})
	// A closed store fails any query, so a whitelist error proves nothing ran.
	s.Close()

	_, err := r.Run(context.Background(), Description{Table: "labels"})
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("Run() error = %v, want ErrNotAllowed", err)
	}
	// The model gets the queryable catalog back to correct itself.
	if !strings.Contains(err.Error(), "items(") || !strings.Contains(err.Error(), "receipts(") {
		t.Errorf("error does not list the whitelist: %v", err)
	}
}

func TestRunPatternMatchCase(t *testing.T) {
	r := newRunner(t)
	milkItems := storetest.ItemCount / 10

	tests := []struct {
		op, value string
		want      int
	}{
		{"LIKE", "%MILK%", 0},
		{"LIKE", "%Milk%", milkItems},
		{"ILIKE", "%MILK%", milkItems},
		{"NOT LIKE", "%MILK%", storetest.ItemCount},
		{"LIKE", `Milk 3.2\%`, milkItems},
		{"LIKE", "Milk 3_2%", milkItems},
		{"LIKE", "Milk*", 0},
	}
	for _, tt := range tests {
		t.Run(tt.op+" "+tt.value, func(t *testing.T) {
			res, err := r.Run(context.Background(), Description{
				Table:      "items",
				Aggregates: []Aggregate{{Function: "COUNT", Column: "*", Alias: "n"}},
				Where:      []Predicate{{Column: "name", Op: tt.op, Value: tt.value}},
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if n, _ := res.Rows[0]["n"].(int64); n != int64(tt.want) {
				t.Errorf("n = %v, want %d", res.Rows[0]["n"], tt.want)
			}
		})
	}
}

func TestRunDropsUnresolvedColumn(t *testing.T) {
	r := newRunner(t)
	res, err := r.Run(context.Background(), Description{
		Table:   "items",
		Columns: []ColumnRef{{Column: "name"}, {Column: "colour"}},
		Where:   []Predicate{{Column: "name", Op: "ilike", Value: "%MILK%"}, {Column: "flavour", Op: "=", Value: "x"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Dropped) != 2 {
		t.Errorf("dropped = %v", res.Dropped)
	}
	if len(res.Columns) != 1 || res.Columns[0] != "name" {
		t.Errorf("columns = %v", res.Columns)
	}
	if res.RowCount == 0 {
		t.Fatal("expected milk items")
	}
	for _, row := range res.Rows {
		if !strings.Contains(strings.ToLower(row["name"].(string)), "milk") {
			t.Errorf("unexpected row %v", row)
		}
	}
}

func TestRunJoinGroupOrder(t *testing.T) {
	r := newRunner(t)
	d, err := Decode(map[string]any{
		"table": "items",
		"joins": []any{
			map[string]any{"table": "receipts", "on": []any{"receipt_id", "receipts.id"}},
			map[string]any{"table": "stores"},
		},
		"columns":    []any{"stores.name"},
		"aggregates": []any{map[string]any{"fn": "count", "column": "items.id", "alias": "lines"}},
		"order_by":   []any{map[string]any{"column": "lines", "direction": "desc"}},
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	res, err := r.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.RowCount != 3 {
		t.Fatalf("rows = %v", res.Rows)
	}
	var total int64
	prev := int64(math.MaxInt64)
	for _, row := range res.Rows {
		n := row["lines"].(int64)
		if n > prev {
			t.Errorf("rows not ordered by lines desc: %v", res.Rows)
		}
		prev = n
		total += n
	}
	if total != storetest.ItemCount {
		t.Errorf("total lines = %d, want %d", total, storetest.ItemCount)
	}
}
