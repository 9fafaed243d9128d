package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ColumnRef is one projected column with an optional output alias.
type ColumnRef struct {
	Column string `json:"column"`
	Alias  string `json:"alias,omitempty"`
}

// Aggregate is one aggregate projection.
type Aggregate struct {
	Function string `json:"function"`
	Column   string `json:"column"`
	Alias    string `json:"alias,omitempty"`
	Distinct bool   `json:"distinct,omitempty"`
}

// Join adds a table joined on a column-pair equality.
type Join struct {
	Table string `json:"table"`
	Type  string `json:"type,omitempty"` // inner, left, right
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
}

// Predicate is one conjunctive filter. For HAVING, Function (or Column naming an
// aggregate alias) selects the aggregate being compared.
type Predicate struct {
	Function string `json:"function,omitempty"`
	Column   string `json:"column"`
	Op       string `json:"op"`
	Value    any    `json:"value,omitempty"`
}

// OrderTerm orders by a column or an output alias.
type OrderTerm struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"`
}

// Description is the declarative input of the query tool.
type Description struct {
	Table      string      `json:"table"`
	Columns    []ColumnRef `json:"columns,omitempty"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	Joins      []Join      `json:"joins,omitempty"`
	Where      []Predicate `json:"where,omitempty"`
	GroupBy    []string    `json:"group_by,omitempty"`
	Having     []Predicate `json:"having,omitempty"`
	OrderBy    []OrderTerm `json:"order_by,omitempty"`
	Limit      int         `json:"limit,omitempty"`

	// Notes records elements that could not be decoded.
	Notes []string `json:"-"`
}

// ErrNoTable is returned when the description names no table.
var ErrNoTable = errors.New("query description must name a table")

// DecodeJSON decodes a description from JSON text.
func DecodeJSON(raw []byte) (Description, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Description{}, fmt.Errorf("query description is not a JSON object: %w", err)
	}
	return Decode(m)
}

// Decode reads a loosely-shaped description. Key spellings such as groupBy and
// group_by are both accepted; elements of the wrong shape are skipped and noted.
func Decode(m map[string]any) (Description, error) {
	var d Description

	d.Table = strings.TrimSpace(asString(pick(m, "table", "from", "table_name", "tableName")))
	if d.Table == "" {
		return d, ErrNoTable
	}

	for _, v := range asList(pick(m, "columns", "select", "fields")) {
		switch t := v.(type) {
		case string:
			for _, part := range strings.Split(t, ",") {
				if part = strings.TrimSpace(part); part != "" {
					d.Columns = append(d.Columns, ColumnRef{Column: part})
				}
			}
		case map[string]any:
			col := asString(pick(t, "column", "name", "field"))
			if col == "" {
				d.note("columns: entry without a column name")
				continue
			}
			d.Columns = append(d.Columns, ColumnRef{Column: col, Alias: asString(pick(t, "alias", "as"))})
		default:
			d.note(fmt.Sprintf("columns: unsupported entry %v", v))
		}
	}

	for _, v := range asList(pick(m, "aggregates", "aggregations", "aggregate")) {
		t, ok := v.(map[string]any)
		if !ok {
			d.note(fmt.Sprintf("aggregates: unsupported entry %v", v))
			continue
		}
		d.Aggregates = append(d.Aggregates, Aggregate{
			Function: asString(pick(t, "function", "func", "fn", "type")),
			Column:   asString(pick(t, "column", "field")),
			Alias:    asString(pick(t, "alias", "as", "name")),
			Distinct: asBool(pick(t, "distinct")),
		})
	}

	for _, v := range asList(pick(m, "joins", "join")) {
		t, ok := v.(map[string]any)
		if !ok {
			d.note(fmt.Sprintf("joins: unsupported entry %v", v))
			continue
		}
		j := Join{
			Table: asString(pick(t, "table")),
			Type:  asString(pick(t, "type", "kind")),
		}
		switch on := pick(t, "on", "condition").(type) {
		case []any:
			if len(on) == 2 {
				j.Left, j.Right = asString(on[0]), asString(on[1])
			}
		case map[string]any:
			j.Left = asString(pick(on, "left", "from", "left_column", "leftColumn"))
			j.Right = asString(pick(on, "right", "to", "right_column", "rightColumn"))
		case string:
			if l, r, ok := strings.Cut(on, "="); ok {
				j.Left, j.Right = strings.TrimSpace(l), strings.TrimSpace(r)
			}
		}
		if j.Left == "" {
			j.Left = asString(pick(t, "left", "left_column", "leftColumn"))
			j.Right = asString(pick(t, "right", "right_column", "rightColumn"))
		}
		d.Joins = append(d.Joins, j)
	}

	d.Where = d.decodePredicates("where", pick(m, "where", "filters", "filter"))
	d.Having = d.decodePredicates("having", pick(m, "having"))

	for _, v := range asList(pick(m, "group_by", "groupBy", "groupby", "group")) {
		if s, ok := v.(string); ok {
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					d.GroupBy = append(d.GroupBy, part)
				}
			}
			continue
		}
		d.note(fmt.Sprintf("group_by: unsupported entry %v", v))
	}

	for _, v := range asList(pick(m, "order_by", "orderBy", "orderby", "order", "sort")) {
		switch t := v.(type) {
		case string:
			for _, part := range strings.Split(t, ",") {
				fields := strings.Fields(part)
				if len(fields) == 0 {
					continue
				}
				term := OrderTerm{Column: fields[0]}
				if len(fields) > 1 {
					term.Direction = fields[1]
				}
				d.OrderBy = append(d.OrderBy, term)
			}
		case map[string]any:
			d.OrderBy = append(d.OrderBy, OrderTerm{
				Column:    asString(pick(t, "column", "field", "alias", "by")),
				Direction: asString(pick(t, "direction", "dir", "order")),
			})
		default:
			d.note(fmt.Sprintf("order_by: unsupported entry %v", v))
		}
	}

	if n, ok := asInt(pick(m, "limit", "max_rows", "maxRows")); ok {
		d.Limit = n
	}
	return d, nil
}

func (d *Description) note(msg string) { d.Notes = append(d.Notes, msg) }

// decodePredicates accepts a list of predicate objects or an object of
// column -> value equalities.
func (d *Description) decodePredicates(clause string, v any) []Predicate {
	var out []Predicate
	if obj, ok := v.(map[string]any); ok && !looksLikePredicate(obj) {
		for col, val := range obj {
			op := "="
			if _, isList := val.([]any); isList {
				op = "IN"
			}
			out = append(out, Predicate{Column: col, Op: op, Value: val})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
		return out
	}
	for _, item := range asList(v) {
		t, ok := item.(map[string]any)
		if !ok {
			d.note(fmt.Sprintf("%s: unsupported entry %v", clause, item))
			continue
		}
		p := Predicate{
			Function: asString(pick(t, "function", "func", "fn", "aggregate")),
			Column:   asString(pick(t, "column", "field", "alias")),
			Op:       asString(pick(t, "op", "operator", "comparison")),
		}
		if val, ok := pickOK(t, "value", "values", "val"); ok {
			p.Value = val
		} else if lo, ok := pickOK(t, "from", "min", "low"); ok {
			hi, _ := pickOK(t, "to", "max", "high")
			p.Value = []any{lo, hi}
		}
		out = append(out, p)
	}
	return out
}

func looksLikePredicate(obj map[string]any) bool {
	for _, k := range []string{"column", "field", "alias", "function", "op", "operator"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func pick(m map[string]any, keys ...string) any {
	v, _ := pickOK(m, keys...)
	return v
}

func pickOK(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	for k, v := range m {
		for _, want := range keys {
			if strings.EqualFold(k, want) {
				return v, true
			}
		}
	}
	return nil, false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

// asList wraps a single value into a list; nil yields nil.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
