package store

import (
	"fmt"
	"strings"
)

// Dialect describes how SQL text differs between the supported drivers.
type Dialect struct {
	name     string
	numbered bool
	iLike    bool
	glob     bool // LIKE is case-insensitive, so case-sensitive matches use GLOB
}

var (
	SQLiteDialect   = Dialect{name: "sqlite", glob: true}
	PostgresDialect = Dialect{name: "postgres", numbered: true, iLike: true}
)

func (d Dialect) Name() string { return d.name }

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Quote renders an identifier, doubling embedded quotes.
func (d Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteQualified renders table.column.
func (d Dialect) QuoteQualified(table, column string) string {
	return d.Quote(table) + "." + d.Quote(column)
}

// ILike renders a case-insensitive pattern match of expr against placeholder.
func (d Dialect) ILike(expr, placeholder string, negate bool) string {
	not := ""
	if negate {
		not = "NOT "
	}
	if d.iLike {
		return fmt.Sprintf("%s %sILIKE %s", expr, not, placeholder)
	}
	return fmt.Sprintf("LOWER(%s) %sLIKE LOWER(%s)", expr, not, placeholder)
}

// Like renders a case-sensitive pattern match of expr against placeholder. The
// bound value must come from LikeArg.
func (d Dialect) Like(expr, placeholder string, negate bool) string {
	not := ""
	if negate {
		not = "NOT "
	}
	if d.glob {
		return fmt.Sprintf("%s %sGLOB %s", expr, not, placeholder)
	}
	return fmt.Sprintf("%s %sLIKE %s", expr, not, placeholder)
}

// LikeArg converts a LIKE pattern into the value Like binds.
func (d Dialect) LikeArg(pattern string) string {
	if d.glob {
		return likeToGlob(pattern)
	}
	return pattern
}

// likeToGlob translates LIKE wildcards (% and _, backslash escapes) into GLOB
// syntax, bracketing characters GLOB treats as special.
func likeToGlob(pattern string) string {
	var sb strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			escaped = false
			writeGlobLiteral(&sb, r)
		case r == '\\':
			escaped = true
		case r == '%':
			sb.WriteByte('*')
		case r == '_':
			sb.WriteByte('?')
		default:
			writeGlobLiteral(&sb, r)
		}
	}
	if escaped {
		sb.WriteByte('\\')
	}
	return sb.String()
}

func writeGlobLiteral(sb *strings.Builder, r rune) {
	switch r {
	case '*', '?', '[':
		sb.WriteByte('[')
		sb.WriteRune(r)
		sb.WriteByte(']')
	default:
		sb.WriteRune(r)
	}
}
