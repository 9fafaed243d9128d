package query

import (
	"sort"
	"strings"
	"unicode"
)

// Column is one queryable column.
type Column struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Table is one queryable table and the columns that may be read from it.
type Table struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

// Relationship is a foreign-key style link between two whitelisted columns.
type Relationship struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Whitelist is the fixed set of tables and columns the query tool may touch.
// Names are matched case-insensitively; nothing outside the whitelist is ever
// rendered into SQL.
type Whitelist struct {
	tables        []Table
	index         map[string]int            // lowercased table name -> position
	columns       map[string]map[string]int // table -> lowercased column -> position
	relationships []Relationship
}

// NewWhitelist builds a whitelist. Duplicate tables keep the first definition.
func NewWhitelist(tables []Table, relationships []Relationship) *Whitelist {
	w := &Whitelist{
		index:   make(map[string]int, len(tables)),
		columns: make(map[string]map[string]int, len(tables)),
	}
	for _, t := range tables {
		key := strings.ToLower(t.Name)
		if _, dup := w.index[key]; dup || key == "" {
			continue
		}
		w.index[key] = len(w.tables)
		cols := make(map[string]int, len(t.Columns))
		for i, c := range t.Columns {
			cols[strings.ToLower(c.Name)] = i
		}
		w.columns[t.Name] = cols
		w.tables = append(w.tables, t)
	}
	for _, r := range relationships {
		ft, ok1 := w.ResolveTable(r.FromTable)
		tt, ok2 := w.ResolveTable(r.ToTable)
		if !ok1 || !ok2 {
			continue
		}
		fc, ok1 := w.ResolveColumn(ft, r.FromColumn)
		tc, ok2 := w.ResolveColumn(tt, r.ToColumn)
		if !ok1 || !ok2 {
			continue
		}
		w.relationships = append(w.relationships, Relationship{FromTable: ft, FromColumn: fc, ToTable: tt, ToColumn: tc})
	}
	return w
}

// Tables returns the whitelisted tables in configuration order.
func (w *Whitelist) Tables() []Table { return w.tables }

// Relationships returns the relationships whose endpoints are all whitelisted.
func (w *Whitelist) Relationships() []Relationship { return w.relationships }

// TableNames lists whitelisted table names in configuration order.
func (w *Whitelist) TableNames() []string {
	names := make([]string, len(w.tables))
	for i, t := range w.tables {
		names[i] = t.Name
	}
	return names
}

// Table returns the definition of a canonical table name.
func (w *Whitelist) Table(name string) (Table, bool) {
	i, ok := w.index[strings.ToLower(name)]
	if !ok {
		return Table{}, false
	}
	return w.tables[i], true
}

// ColumnNames lists the whitelisted columns of a canonical table name.
func (w *Whitelist) ColumnNames(table string) []string {
	t, ok := w.Table(table)
	if !ok {
		return nil
	}
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ResolveTable maps a model-supplied table name onto a canonical whitelisted name.
// Quotes are stripped, camelCase is folded to snake_case and singular/plural
// spellings are tried.
func (w *Whitelist) ResolveTable(name string) (string, bool) {
	for _, candidate := range nameVariants(name, true) {
		if i, ok := w.index[candidate]; ok {
			return w.tables[i].Name, true
		}
	}
	return "", false
}

// ResolveColumn maps a model-supplied column name onto a whitelisted column of table.
func (w *Whitelist) ResolveColumn(table, name string) (string, bool) {
	t, ok := w.Table(table)
	if !ok {
		return "", false
	}
	cols := w.columns[t.Name]
	for _, candidate := range nameVariants(name, false) {
		if i, ok := cols[candidate]; ok {
			return t.Columns[i].Name, true
		}
	}
	return "", false
}

// RelationshipBetween finds a relationship joining a and b in either direction.
func (w *Whitelist) RelationshipBetween(a, b string) (Relationship, bool) {
	for _, r := range w.relationships {
		if (r.FromTable == a && r.ToTable == b) || (r.FromTable == b && r.ToTable == a) {
			return r, true
		}
	}
	return Relationship{}, false
}

// String lists tables and columns for error messages.
func (w *Whitelist) String() string {
	parts := make([]string, 0, len(w.tables))
	for _, t := range w.tables {
		cols := w.ColumnNames(t.Name)
		sort.Strings(cols)
		parts = append(parts, t.Name+"("+strings.Join(cols, ", ")+")")
	}
	return strings.Join(parts, "; ")
}

// cleanIdent strips whitespace and quoting characters models wrap names in.
func cleanIdent(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`\"'[] ")
}

func nameVariants(name string, plural bool) []string {
	base := cleanIdent(name)
	if base == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, form := range []string{strings.ToLower(base), toSnake(base)} {
		add(form)
		if !plural {
			continue
		}
		switch {
		case strings.HasSuffix(form, "ies"):
			add(strings.TrimSuffix(form, "ies") + "y")
		case strings.HasSuffix(form, "ses"), strings.HasSuffix(form, "xes"), strings.HasSuffix(form, "ches"):
			add(strings.TrimSuffix(form, "es"))
		case strings.HasSuffix(form, "s"):
			add(strings.TrimSuffix(form, "s"))
		}
		switch {
		case strings.HasSuffix(form, "y") && !strings.HasSuffix(form, "ey"):
			add(strings.TrimSuffix(form, "y") + "ies")
		case strings.HasSuffix(form, "s"), strings.HasSuffix(form, "x"), strings.HasSuffix(form, "ch"):
			add(form + "es")
		default:
			add(form + "s")
		}
	}
	return out
}

// toSnake converts camelCase and PascalCase to snake_case.
func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == ' ' || r == '-' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
