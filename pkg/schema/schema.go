// Package schema builds the descriptor the model reads before writing queries:
// the whitelisted catalog, relationships, row counts, a date range, a few
// well-connected example records and the category hierarchy.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"tally/pkg/query"
	"tally/pkg/store"
)

// Config names the tables and columns the descriptor reads. All identifiers come
// from configuration and must be whitelisted.
type Config struct {
	DateTable  string `yaml:"date_table"`
	DateColumn string `yaml:"date_column"`

	ExampleCount     int    `yaml:"example_count"`
	EntityTable      string `yaml:"entity_table"`       // products
	EntityCategory   string `yaml:"entity_category"`    // products.category_id
	LinkTable        string `yaml:"link_table"`         // product_labels
	LinkEntityColumn string `yaml:"link_entity_column"` // product_labels.product_id
	LinkLabelColumn  string `yaml:"link_label_column"`  // product_labels.label_id
	LabelTable       string `yaml:"label_table"`        // labels
	FrequencyTable   string `yaml:"frequency_table"`    // items
	FrequencyColumn  string `yaml:"frequency_column"`   // items.product_id

	CategoryTable  string   `yaml:"category_table"`
	CategoryParent string   `yaml:"category_parent"`
	TreeExclude    []string `yaml:"tree_exclude"`     // category names
	TreeExcludeIDs []int64  `yaml:"tree_exclude_ids"` // category ids
	TreeMaxLines   int      `yaml:"tree_max_lines"`
}

// DefaultConfig matches the receipts schema.
func DefaultConfig() Config {
	return Config{
		DateTable:        "receipts",
		DateColumn:       "purchase_date",
		ExampleCount:     3,
		EntityTable:      "products",
		EntityCategory:   "category_id",
		LinkTable:        "product_labels",
		LinkEntityColumn: "product_id",
		LinkLabelColumn:  "label_id",
		LabelTable:       "labels",
		FrequencyTable:   "items",
		FrequencyColumn:  "product_id",
		CategoryTable:    "categories",
		CategoryParent:   "parent_id",
		TreeMaxLines:     200,
	}
}

// TableInfo is one whitelisted table with its row count.
type TableInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Columns     []query.Column `json:"columns"`
	RowCount    int64          `json:"row_count"`
}

// DateRange is the span of the configured date column.
type DateRange struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// Example is one representative entity record.
type Example struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Purchases int64    `json:"purchases"`
}

// Descriptor is the full description handed to the model.
type Descriptor struct {
	Tables        []TableInfo          `json:"tables"`
	Relationships []query.Relationship `json:"relationships"`
	DateRange     *DateRange           `json:"date_range,omitempty"`
	Examples      []Example            `json:"examples,omitempty"`
	CategoryTree  string               `json:"category_tree,omitempty"`
	Notes         []string             `json:"notes,omitempty"`
}

// Describer reads descriptors from the store.
type Describer struct {
	store     *store.Store
	whitelist *query.Whitelist
	cfg       Config
	log       *slog.Logger
}

// New creates a Describer.
func New(s *store.Store, w *query.Whitelist, cfg Config, log *slog.Logger) *Describer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ExampleCount <= 0 {
		cfg.ExampleCount = 3
	}
	if cfg.TreeMaxLines <= 0 {
		cfg.TreeMaxLines = 200
	}
	return &Describer{store: s, whitelist: w, cfg: cfg, log: log}
}

// Describe builds a descriptor inside one read-only transaction. Optional parts
// whose tables are not configured or not whitelisted are skipped with a note.
func (d *Describer) Describe(ctx context.Context) (*Descriptor, error) {
	out := &Descriptor{Relationships: d.whitelist.Relationships()}
	if out.Relationships == nil {
		out.Relationships = []query.Relationship{}
	}

	err := d.store.ReadOnly(ctx, func(ctx context.Context, q store.Querier) error {
		if err := d.tables(ctx, q, out); err != nil {
			return err
		}
		if err := d.dateRange(ctx, q, out); err != nil {
			return err
		}
		cats, err := d.categories(ctx, q, out)
		if err != nil {
			return err
		}
		if err := d.examples(ctx, q, cats, out); err != nil {
			return err
		}
		out.CategoryTree = renderTree(cats, d.cfg.TreeExclude, d.cfg.TreeExcludeIDs, d.cfg.TreeMaxLines)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describe schema: %w", err)
	}
	return out, nil
}

func (d *Describer) tables(ctx context.Context, q store.Querier, out *Descriptor) error {
	quote := d.store.Dialect().Quote
	for _, t := range d.whitelist.Tables() {
		info := TableInfo{Name: t.Name, Description: t.Description, Columns: t.Columns}
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(t.Name)).Scan(&info.RowCount); err != nil {
			return fmt.Errorf("count %s: %w", t.Name, err)
		}
		out.Tables = append(out.Tables, info)
	}
	return nil
}

func (d *Describer) dateRange(ctx context.Context, q store.Querier, out *Descriptor) error {
	table, col, ok := d.column(d.cfg.DateTable, d.cfg.DateColumn)
	if !ok {
		out.note("date range skipped: %s.%s is not whitelisted", d.cfg.DateTable, d.cfg.DateColumn)
		return nil
	}
	dl := d.store.Dialect()
	var from, to sql.NullString
	stmt := fmt.Sprintf("SELECT MIN(%[1]s), MAX(%[1]s) FROM %[2]s", dl.Quote(col), dl.Quote(table))
	if err := q.QueryRowContext(ctx, stmt).Scan(&from, &to); err != nil {
		return fmt.Errorf("date range of %s.%s: %w", table, col, err)
	}
	out.DateRange = &DateRange{Table: table, Column: col, From: from.String, To: to.String}
	return nil
}

type category struct {
	id     int64
	name   string
	parent int64 // 0 for roots
}

func (d *Describer) categories(ctx context.Context, q store.Querier, out *Descriptor) ([]category, error) {
	table, parent, ok := d.column(d.cfg.CategoryTable, d.cfg.CategoryParent)
	if !ok {
		out.note("category tree skipped: %s.%s is not whitelisted", d.cfg.CategoryTable, d.cfg.CategoryParent)
		return nil, nil
	}
	dl := d.store.Dialect()
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s, %s, %s FROM %s ORDER BY %s",
		dl.Quote("id"), dl.Quote("name"), dl.Quote(parent), dl.Quote(table), dl.Quote("id")))
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	defer rows.Close()

	var cats []category
	for rows.Next() {
		var c category
		var p sql.NullInt64
		if err := rows.Scan(&c.id, &c.name, &p); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.parent = p.Int64
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func (d *Describer) examples(ctx context.Context, q store.Querier, cats []category, out *Descriptor) error {
	c := d.cfg
	entity, categoryCol, ok1 := d.column(c.EntityTable, c.EntityCategory)
	link, linkEntity, ok2 := d.column(c.LinkTable, c.LinkEntityColumn)
	_, linkLabel, ok3 := d.column(c.LinkTable, c.LinkLabelColumn)
	labels, _, ok4 := d.column(c.LabelTable, "name")
	freq, freqCol, ok5 := d.column(c.FrequencyTable, c.FrequencyColumn)
	catTable, catParent, ok6 := d.column(c.CategoryTable, c.CategoryParent)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		out.note("examples skipped: example tables are not fully whitelisted")
		return nil
	}

	dl := d.store.Dialect()
	qt := dl.Quote
	qq := dl.QuoteQualified
	// Rank entities by connectivity: labelled first, then categorized, then the
	// deepest category, then the most frequently bought.
	stmt := fmt.Sprintf(`WITH RECURSIVE cat_depth (id, depth) AS (
	SELECT %[1]s, 0 FROM %[2]s WHERE %[3]s IS NULL OR %[3]s = 0
	UNION ALL
	SELECT %[1]s, cat_depth.depth + 1 FROM %[2]s JOIN cat_depth ON %[3]s = cat_depth.id WHERE cat_depth.depth < 32
)
SELECT id, name, frequency FROM (
	SELECT %[4]s AS id, %[5]s AS name,
		CASE WHEN EXISTS (SELECT 1 FROM %[6]s WHERE %[7]s = %[4]s) THEN 1 ELSE 0 END AS has_label,
		CASE WHEN %[8]s IS NULL THEN 0 ELSE 1 END AS has_category,
		COALESCE((SELECT MAX(cat_depth.depth) FROM cat_depth WHERE cat_depth.id = %[8]s), -1) AS depth,
		(SELECT COUNT(*) FROM %[9]s WHERE %[10]s = %[4]s) AS frequency
	FROM %[11]s
) ranked
ORDER BY has_label DESC, has_category DESC, depth DESC, frequency DESC, id
LIMIT %[12]s`,
		qq(catTable, "id"), qt(catTable), qq(catTable, catParent),
		qq(entity, "id"), qq(entity, "name"),
		qt(link), qq(link, linkEntity),
		qq(entity, categoryCol),
		qt(freq), qq(freq, freqCol),
		qt(entity),
		dl.Placeholder(1),
	)

	rows, err := q.QueryContext(ctx, stmt, c.ExampleCount)
	if err != nil {
		return fmt.Errorf("rank examples: %w", err)
	}
	var picked []Example
	var categoryOf []int64
	for rows.Next() {
		var ex Example
		if err := rows.Scan(&ex.ID, &ex.Name, &ex.Purchases); err != nil {
			rows.Close()
			return fmt.Errorf("scan example: %w", err)
		}
		picked = append(picked, ex)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rank examples: %w", err)
	}

	catStmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		qt(categoryCol), qt(entity), qt("id"), dl.Placeholder(1))
	labelStmt := fmt.Sprintf("SELECT %s FROM %s JOIN %s ON %s = %s WHERE %s = %s ORDER BY %s",
		qq(labels, "name"), qt(labels), qt(link), qq(link, linkLabel), qq(labels, "id"),
		qq(link, linkEntity), dl.Placeholder(1), qq(labels, "name"))

	for i := range picked {
		var catID sql.NullInt64
		if err := q.QueryRowContext(ctx, catStmt, picked[i].ID).Scan(&catID); err != nil {
			return fmt.Errorf("example category: %w", err)
		}
		categoryOf = append(categoryOf, catID.Int64)

		lrows, err := q.QueryContext(ctx, labelStmt, picked[i].ID)
		if err != nil {
			return fmt.Errorf("example labels: %w", err)
		}
		for lrows.Next() {
			var name string
			if err := lrows.Scan(&name); err != nil {
				lrows.Close()
				return fmt.Errorf("scan label: %w", err)
			}
			picked[i].Labels = append(picked[i].Labels, name)
		}
		lrows.Close()
		if err := lrows.Err(); err != nil {
			return fmt.Errorf("example labels: %w", err)
		}
	}

	byID := make(map[int64]category, len(cats))
	for _, cat := range cats {
		byID[cat.id] = cat
	}
	for i := range picked {
		picked[i].Category = categoryPath(byID, categoryOf[i])
	}
	out.Examples = picked
	return nil
}

// column resolves a configured table/column pair against the whitelist.
func (d *Describer) column(table, column string) (string, string, bool) {
	t, ok := d.whitelist.ResolveTable(table)
	if !ok || table == "" {
		return "", "", false
	}
	c, ok := d.whitelist.ResolveColumn(t, column)
	if !ok {
		return "", "", false
	}
	return t, c, true
}

func (o *Descriptor) note(format string, args ...any) {
	o.Notes = append(o.Notes, fmt.Sprintf(format, args...))
}

// categoryPath renders "Root > Child > Leaf"; cycles stop the walk.
func categoryPath(byID map[int64]category, id int64) string {
	var parts []string
	seen := make(map[int64]bool)
	for id != 0 && !seen[id] {
		c, ok := byID[id]
		if !ok {
			break
		}
		seen[id] = true
		parts = append(parts, c.name)
		id = c.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// renderTree prints the hierarchy with one "-" per level. Excluded names and ids
// drop their whole subtree. Output stops after maxLines lines.
func renderTree(cats []category, exclude []string, excludeIDs []int64, maxLines int) string {
	if len(cats) == 0 {
		return ""
	}
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[strings.ToLower(strings.TrimSpace(name))] = true
	}
	skipID := make(map[int64]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		skipID[id] = true
	}
	known := make(map[int64]bool, len(cats))
	for _, c := range cats {
		known[c.id] = true
	}
	children := make(map[int64][]category)
	for _, c := range cats {
		parent := c.parent
		if !known[parent] {
			parent = 0
		}
		children[parent] = append(children[parent], c)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	}

	var lines []string
	omitted := 0
	visited := make(map[int64]bool)
	var walk func(parent int64, depth int)
	walk = func(parent int64, depth int) {
		for _, c := range children[parent] {
			if skip[strings.ToLower(c.name)] || skipID[c.id] || visited[c.id] {
				continue
			}
			visited[c.id] = true
			if len(lines) < maxLines {
				lines = append(lines, strings.Repeat("-", depth+1)+c.name)
			} else {
				omitted++
			}
			walk(c.id, depth+1)
		}
	}
	walk(0, 0)
	if omitted > 0 {
		lines = append(lines, fmt.Sprintf("... (%d more categories)", omitted))
	}
	return strings.Join(lines, "\n")
}
