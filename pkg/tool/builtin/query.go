package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tally/pkg/query"
	"tally/pkg/tool"
)

// NewQuery creates the query tool backed by runner. Arguments stay a raw map
// because query.Decode accepts key aliases a typed struct would reject.
func NewQuery(runner *query.Runner, w *query.Whitelist) tool.Tool {
	predicate := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"column":   map[string]any{"type": "string", "description": "Column name, optionally table-qualified (items.price)."},
			"function": map[string]any{"type": "string", "description": "HAVING only: aggregate function applied to column."},
			"op": map[string]any{
				"type":        "string",
				"description": "One of =, !=, <, <=, >, >=, LIKE, NOT LIKE, ILIKE, NOT ILIKE, IN, NOT IN, IS NULL, IS NOT NULL, BETWEEN.",
			},
			"value": map[string]any{"description": "Scalar, a list for IN, or [low, high] for BETWEEN."},
		},
		"required": []string{"column", "op"},
	}

	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"table": map[string]any{
				"type":        "string",
				"description": "Base table (required).",
			},
			"columns": map[string]any{
				"type":        "array",
				"description": "Columns to return; \"*\" means every column of the base table.",
				"items": map[string]any{
					"anyOf": []any{
						map[string]any{"type": "string"},
						map[string]any{
							"type": "object",
							"properties": map[string]any{
								"column": map[string]any{"type": "string"},
								"alias":  map[string]any{"type": "string"},
							},
						},
					},
				},
			},
			"aggregates": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"function": map[string]any{"type": "string", "enum": []string{"COUNT", "SUM", "AVG", "MIN", "MAX"}},
						"column":   map[string]any{"type": "string"},
						"alias":    map[string]any{"type": "string"},
						"distinct": map[string]any{"type": "boolean"},
					},
					"required": []string{"function", "column"},
				},
			},
			"joins": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"table": map[string]any{"type": "string"},
						"type":  map[string]any{"type": "string", "enum": []string{"inner", "left", "right"}},
						"on": map[string]any{
							"type":        "array",
							"description": "Two columns compared for equality, e.g. [\"items.receipt_id\", \"receipts.id\"]. Omit to use the known relationship.",
							"items":       map[string]any{"type": "string"},
						},
					},
					"required": []string{"table"},
				},
			},
			"where":    map[string]any{"type": "array", "items": predicate},
			"group_by": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"having":   map[string]any{"type": "array", "items": predicate},
			"order_by": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"column":    map[string]any{"type": "string", "description": "Column or aggregate alias."},
						"direction": map[string]any{"type": "string", "enum": []string{"asc", "desc"}},
					},
				},
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum rows; never more than %d.", runner.Compiler().RowCap()),
			},
		},
	}

	run := func(ctx context.Context, input map[string]any, tc *tool.ToolContext) (any, error) {
		d, err := query.Decode(input)
		if err != nil {
			return nil, err
		}
		if len(d.Notes) > 0 && tc != nil {
			tc.Logger.Debug("query description notes", "notes", d.Notes)
		}
		res, err := runner.Run(ctx, d)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	return tool.NewFunc("query",
		"Run a read-only query against the receipts database. Describe the query as JSON; "+
			"raw SQL is not accepted. Allowed tables: "+strings.Join(w.TableNames(), ", ")+".",
		run).
		WithSchema(params).
		WithGuidance("Use query for every question about receipts, items, products, stores or categories. " +
			"Prefer aggregates over fetching rows and summing them yourself. " +
			"LIKE is case-sensitive; text matches are usually best done with ILIKE and %wildcards%.").
		WithTimeout(30 * time.Second)
}
