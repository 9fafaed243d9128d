package builtin

import (
	"tally/pkg/query"
	"tally/pkg/schema"
	"tally/pkg/tool"
)

// RegisterAll registers the query and describe_schema tools.
func RegisterAll(r *tool.Registry, runner *query.Runner, w *query.Whitelist, d *schema.Describer) {
	r.Register(NewQuery(runner, w))
	r.Register(NewDescribeSchema(d))
}
