package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"tally/pkg/store"
)

// DefaultRowCap bounds every result regardless of the requested limit.
const DefaultRowCap = 100

// ErrNotAllowed marks descriptions that reference tables outside the whitelist.
var ErrNotAllowed = errors.New("not allowed")

var aggregateFuncs = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true}

var aliasPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Compiled is a parameterized statement ready to run.
type Compiled struct {
	SQL     string
	Args    []any
	Columns []string
	Limit   int
	Dropped []string
}

// Compiler turns descriptions into parameterized SQL for one dialect.
type Compiler struct {
	whitelist *Whitelist
	dialect   store.Dialect
	rowCap    int
}

// NewCompiler creates a compiler. rowCap <= 0 selects DefaultRowCap.
func NewCompiler(w *Whitelist, d store.Dialect, rowCap int) *Compiler {
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}
	return &Compiler{whitelist: w, dialect: d, rowCap: rowCap}
}

// RowCap returns the hard row ceiling.
func (c *Compiler) RowCap() int { return c.rowCap }

type builder struct {
	c     *Compiler
	scope []string
	args  []any

	selects    []string
	columns    []string
	plainExprs []string
	outAliases map[string]string // lowercased output name -> quoted alias
	aggExprs   map[string]string // lowercased aggregate alias -> expression
	hasAggs    bool
	dropped    []string
}

// Compile validates d against the whitelist and renders it. Tables outside the
// whitelist are rejected; unresolved columns, unknown operators and predicates
// with the wrong arity are dropped and reported in Compiled.Dropped.
func (c *Compiler) Compile(d Description) (*Compiled, error) {
	base, ok := c.whitelist.ResolveTable(d.Table)
	if !ok {
		return nil, fmt.Errorf("%w: table %q is not queryable; queryable: %s",
			ErrNotAllowed, d.Table, c.whitelist)
	}
	joinTables := make([]string, len(d.Joins))
	for i, j := range d.Joins {
		t, ok := c.whitelist.ResolveTable(j.Table)
		if !ok {
			return nil, fmt.Errorf("%w: join table %q is not queryable; queryable: %s",
				ErrNotAllowed, j.Table, c.whitelist)
		}
		joinTables[i] = t
	}

	b := &builder{
		c:          c,
		scope:      []string{base},
		outAliases: make(map[string]string),
		aggExprs:   make(map[string]string),
		dropped:    append([]string(nil), d.Notes...),
	}
	q := c.dialect.Quote

	from := []string{q(base)}
	for i, j := range d.Joins {
		if clause, ok := b.join(joinTables[i], j); ok {
			from = append(from, clause)
		}
	}

	for _, cr := range d.Columns {
		b.project(cr)
	}
	for _, a := range d.Aggregates {
		b.aggregate(a)
	}
	if len(b.selects) == 0 {
		for _, col := range c.whitelist.ColumnNames(base) {
			b.addColumn(base, col, "")
		}
	}

	var where []string
	for _, p := range d.Where {
		expr, ok := b.resolve(p.Column)
		if !ok {
			b.drop("where: column %q does not resolve on %s", p.Column, b.scopeList())
			continue
		}
		if cond, ok := b.predicate("where", expr, p); ok {
			where = append(where, cond)
		}
	}

	var groupBy []string
	grouped := make(map[string]bool)
	addGroup := func(expr string) {
		if !grouped[expr] {
			grouped[expr] = true
			groupBy = append(groupBy, expr)
		}
	}
	for _, g := range d.GroupBy {
		expr, ok := b.resolve(g)
		if !ok {
			b.drop("group_by: column %q does not resolve on %s", g, b.scopeList())
			continue
		}
		addGroup(expr)
	}
	if b.hasAggs || len(groupBy) > 0 {
		for _, expr := range b.plainExprs {
			addGroup(expr)
		}
	}

	var having []string
	for _, p := range d.Having {
		expr, ok := b.havingExpr(p)
		if !ok {
			continue
		}
		if cond, ok := b.predicate("having", expr, p); ok {
			having = append(having, cond)
		}
	}

	var orderBy []string
	for _, o := range d.OrderBy {
		if term, ok := b.order(o); ok {
			orderBy = append(orderBy, term)
		}
	}

	limit := c.rowCap
	if d.Limit > 0 && d.Limit < c.rowCap {
		limit = d.Limit
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.selects, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(strings.Join(from, " "))
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if len(groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupBy, ", "))
	}
	if len(having) > 0 {
		sb.WriteString(" HAVING ")
		sb.WriteString(strings.Join(having, " AND "))
	}
	if len(orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orderBy, ", "))
	}
	sb.WriteString(" LIMIT ")
	sb.WriteString(b.bind(limit))

	return &Compiled{
		SQL:     sb.String(),
		Args:    b.args,
		Columns: b.columns,
		Limit:   limit,
		Dropped: b.dropped,
	}, nil
}

func (b *builder) drop(format string, args ...any) {
	b.dropped = append(b.dropped, fmt.Sprintf(format, args...))
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.c.dialect.Placeholder(len(b.args))
}

func (b *builder) scopeList() string { return strings.Join(b.scope, ", ") }

func (b *builder) inScope(table string) bool { return slices.Contains(b.scope, table) }

// resolveIn maps a bare or table-qualified reference onto a quoted column of one
// of tables. Bare names are searched in order, so the base table wins.
func (b *builder) resolveIn(ref string, tables []string) (expr, table, column string, ok bool) {
	w := b.c.whitelist
	ref = cleanIdent(ref)
	if ref == "" {
		return "", "", "", false
	}
	if tbl, col, qualified := strings.Cut(ref, "."); qualified {
		t, ok := w.ResolveTable(cleanIdent(tbl))
		if !ok || !slices.Contains(tables, t) {
			return "", "", "", false
		}
		c, ok := w.ResolveColumn(t, cleanIdent(col))
		if !ok {
			return "", "", "", false
		}
		return b.c.dialect.QuoteQualified(t, c), t, c, true
	}
	for _, t := range tables {
		if c, ok := w.ResolveColumn(t, ref); ok {
			return b.c.dialect.QuoteQualified(t, c), t, c, true
		}
	}
	return "", "", "", false
}

func (b *builder) resolve(ref string) (string, bool) {
	expr, _, _, ok := b.resolveIn(ref, b.scope)
	return expr, ok
}

func (b *builder) join(table string, j Join) (string, bool) {
	if b.inScope(table) {
		b.drop("joins: table %s is already part of the query", table)
		return "", false
	}

	var kind string
	switch strings.ToLower(strings.TrimSpace(j.Type)) {
	case "", "inner", "inner join", "join":
		kind = "INNER JOIN"
	case "left", "left join", "left outer", "left outer join":
		kind = "LEFT JOIN"
	case "right", "right join", "right outer", "right outer join":
		kind = "RIGHT JOIN"
	default:
		b.drop("joins: unsupported join type %q for %s", j.Type, table)
		return "", false
	}

	joined := append(append([]string(nil), b.scope...), table)
	left, lt, _, okL := b.resolveIn(j.Left, joined)
	right, rt, _, okR := b.resolveIn(j.Right, joined)
	if !okL || !okR || lt == rt || (lt != table && rt != table) {
		left, right, okL = "", "", false
		for _, s := range b.scope {
			if r, ok := b.c.whitelist.RelationshipBetween(table, s); ok {
				left = b.c.dialect.QuoteQualified(r.FromTable, r.FromColumn)
				right = b.c.dialect.QuoteQualified(r.ToTable, r.ToColumn)
				okL = true
				break
			}
		}
		if !okL {
			b.drop("joins: no usable join condition between %s and %s", table, b.scopeList())
			return "", false
		}
	}

	b.scope = joined
	return fmt.Sprintf("%s %s ON %s = %s", kind, b.c.dialect.Quote(table), left, right), true
}

func (b *builder) project(cr ColumnRef) {
	ref := cleanIdent(cr.Column)
	if ref == "*" {
		for _, col := range b.c.whitelist.ColumnNames(b.scope[0]) {
			b.addColumn(b.scope[0], col, "")
		}
		return
	}
	if tbl, ok := strings.CutSuffix(ref, ".*"); ok {
		t, ok := b.c.whitelist.ResolveTable(cleanIdent(tbl))
		if !ok || !b.inScope(t) {
			b.drop("columns: table %q is not part of the query", tbl)
			return
		}
		for _, col := range b.c.whitelist.ColumnNames(t) {
			b.addColumn(t, col, "")
		}
		return
	}
	_, t, col, ok := b.resolveIn(ref, b.scope)
	if !ok {
		b.drop("columns: column %q does not resolve on %s", cr.Column, b.scopeList())
		return
	}
	b.addColumn(t, col, cr.Alias)
}

func (b *builder) addColumn(table, column, alias string) {
	name := column
	if aliasPattern.MatchString(alias) {
		name = alias
	}
	if _, taken := b.outAliases[strings.ToLower(name)]; taken {
		name = table + "_" + column
		if _, taken := b.outAliases[strings.ToLower(name)]; taken {
			b.drop("columns: %s.%s repeats an output name already selected", table, column)
			return
		}
	}
	expr := b.c.dialect.QuoteQualified(table, column)
	quoted := b.c.dialect.Quote(name)
	b.outAliases[strings.ToLower(name)] = quoted
	b.selects = append(b.selects, expr+" AS "+quoted)
	b.columns = append(b.columns, name)
	b.plainExprs = append(b.plainExprs, expr)
}

// aggregateExpr renders FN(arg) for a whitelisted function.
func (b *builder) aggregateExpr(clause, function, column string, distinct bool) (string, string, bool) {
	fn := strings.ToUpper(strings.TrimSpace(function))
	if !aggregateFuncs[fn] {
		b.drop("%s: aggregate function %q is not supported (use COUNT, SUM, AVG, MIN or MAX)", clause, function)
		return "", "", false
	}
	col := cleanIdent(column)
	if col == "" || col == "*" {
		if fn != "COUNT" {
			b.drop("%s: %s needs a column", clause, fn)
			return "", "", false
		}
		return "COUNT(*)", "", true
	}
	expr, _, name, ok := b.resolveIn(col, b.scope)
	if !ok {
		b.drop("%s: column %q does not resolve on %s", clause, column, b.scopeList())
		return "", "", false
	}
	if distinct {
		expr = "DISTINCT " + expr
	}
	return fn + "(" + expr + ")", name, true
}

func (b *builder) aggregate(a Aggregate) {
	expr, col, ok := b.aggregateExpr("aggregates", a.Function, a.Column, a.Distinct)
	if !ok {
		return
	}
	name := a.Alias
	if !aliasPattern.MatchString(name) {
		name = strings.ToLower(strings.TrimSpace(a.Function))
		if col != "" {
			name += "_" + col
		}
	}
	base := name
	for i := 2; ; i++ {
		if _, taken := b.outAliases[strings.ToLower(name)]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	quoted := b.c.dialect.Quote(name)
	b.outAliases[strings.ToLower(name)] = quoted
	b.aggExprs[strings.ToLower(name)] = expr
	b.selects = append(b.selects, expr+" AS "+quoted)
	b.columns = append(b.columns, name)
	b.hasAggs = true
}

func (b *builder) havingExpr(p Predicate) (string, bool) {
	if strings.TrimSpace(p.Function) != "" {
		expr, _, ok := b.aggregateExpr("having", p.Function, p.Column, false)
		return expr, ok
	}
	if expr, ok := b.aggExprs[strings.ToLower(cleanIdent(p.Column))]; ok {
		return expr, true
	}
	b.drop("having: %q is neither an aggregate alias nor an aggregate function", p.Column)
	return "", false
}

func (b *builder) order(o OrderTerm) (string, bool) {
	dir := "ASC"
	switch strings.ToLower(strings.TrimSpace(o.Direction)) {
	case "desc", "descending", "-1":
		dir = "DESC"
	}
	name := cleanIdent(o.Column)
	if quoted, ok := b.outAliases[strings.ToLower(name)]; ok {
		return quoted + " " + dir, true
	}
	if expr, ok := b.resolve(name); ok {
		return expr + " " + dir, true
	}
	b.drop("order_by: %q is neither an output column nor a column of %s", o.Column, b.scopeList())
	return "", false
}

// operator names accepted from models, mapped onto the supported set.
var operators = map[string]string{
	"=": "=", "==": "=", "eq": "=", "equals": "=", "is": "=",
	"!=": "!=", "<>": "!=", "ne": "!=", "neq": "!=", "not_equals": "!=", "is not": "!=",
	">": ">", "gt": ">",
	">=": ">=", "gte": ">=", "ge": ">=",
	"<": "<", "lt": "<",
	"<=": "<=", "lte": "<=", "le": "<=",
	"like": "LIKE", "not like": "NOT LIKE", "not_like": "NOT LIKE", "nlike": "NOT LIKE",
	"ilike": "ILIKE", "not ilike": "NOT ILIKE", "not_ilike": "NOT ILIKE",
	"in": "IN", "not in": "NOT IN", "not_in": "NOT IN", "nin": "NOT IN",
	"is null": "IS NULL", "is_null": "IS NULL", "isnull": "IS NULL",
	"is not null": "IS NOT NULL", "is_not_null": "IS NOT NULL", "notnull": "IS NOT NULL", "not_null": "IS NOT NULL",
	"between": "BETWEEN",
}

func normalizeOp(op string) (string, bool) {
	key := strings.Join(strings.Fields(strings.ToLower(op)), " ")
	if key == "" {
		return "=", true
	}
	norm, ok := operators[key]
	return norm, ok
}

// predicate renders expr <op> value with every value bound as a parameter.
func (b *builder) predicate(clause, expr string, p Predicate) (string, bool) {
	op, ok := normalizeOp(p.Op)
	if !ok {
		b.drop("%s: operator %q on %s is not supported", clause, p.Op, p.Column)
		return "", false
	}
	if p.Value == nil {
		switch op {
		case "=":
			op = "IS NULL"
		case "!=":
			op = "IS NOT NULL"
		}
	}

	switch op {
	case "IS NULL", "IS NOT NULL":
		return expr + " " + op, true

	case "IN", "NOT IN":
		list, ok := p.Value.([]any)
		if !ok || len(list) == 0 {
			b.drop("%s: %s on %s needs a non-empty list", clause, op, p.Column)
			return "", false
		}
		vals := make([]any, len(list))
		for i, v := range list {
			sv, ok := scalar(v)
			if !ok || sv == nil {
				b.drop("%s: %s on %s has a non-scalar element", clause, op, p.Column)
				return "", false
			}
			vals[i] = sv
		}
		marks := make([]string, len(vals))
		for i, v := range vals {
			marks[i] = b.bind(v)
		}
		return fmt.Sprintf("%s %s (%s)", expr, op, strings.Join(marks, ", ")), true

	case "BETWEEN":
		list, ok := p.Value.([]any)
		if !ok || len(list) != 2 {
			b.drop("%s: BETWEEN on %s needs exactly two bounds", clause, p.Column)
			return "", false
		}
		lo, okLo := scalar(list[0])
		hi, okHi := scalar(list[1])
		if !okLo || !okHi || lo == nil || hi == nil {
			b.drop("%s: BETWEEN on %s needs two scalar bounds", clause, p.Column)
			return "", false
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, b.bind(lo), b.bind(hi)), true
	}

	v, ok := scalar(p.Value)
	if !ok || v == nil {
		b.drop("%s: %s on %s needs a single value", clause, op, p.Column)
		return "", false
	}
	switch op {
	case "ILIKE", "NOT ILIKE":
		return b.c.dialect.ILike(expr, b.bind(fmt.Sprint(v)), op == "NOT ILIKE"), true
	case "LIKE", "NOT LIKE":
		return b.c.dialect.Like(expr, b.bind(b.c.dialect.LikeArg(fmt.Sprint(v))), op == "NOT LIKE"), true
	}
	return fmt.Sprintf("%s %s %s", expr, op, b.bind(v)), true
}

// scalar normalizes a loosely-typed JSON value. Whole numbers become int64 so
// integer columns compare without casts.
func scalar(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string, bool, int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t), true
		}
		return t, true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		return f, err == nil
	}
	return nil, false
}
