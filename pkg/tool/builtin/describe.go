package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tally/pkg/schema"
	"tally/pkg/tool"
)

var descriptorSections = []string{"tables", "relationships", "date_range", "examples", "category_tree"}

type describeArgs struct {
	Sections []string `json:"sections,omitempty" description:"Parts to return: tables, relationships, date_range, examples, category_tree. Omit for everything."`
}

// NewDescribeSchema returns the describe_schema tool. Sessions run it once with
// no arguments to prime the model.
func NewDescribeSchema(d *schema.Describer) tool.Tool {
	return tool.NewStruct("describe_schema",
		"Describe the queryable tables, their columns and relationships, row counts, "+
			"the purchase date range, a few example products and the category tree.",
		func(ctx context.Context, args describeArgs, _ *tool.ToolContext) (any, error) {
			desc, err := d.Describe(ctx)
			if err != nil {
				return nil, err
			}
			if len(args.Sections) == 0 {
				return desc, nil
			}
			return pickSections(desc, args.Sections)
		}).WithTimeout(20 * time.Second)
}

// pickSections keeps the requested parts of desc plus any notes.
func pickSections(desc *schema.Descriptor, sections []string) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(sections)+1)
	for _, s := range sections {
		key := strings.ToLower(strings.TrimSpace(s))
		if !known(key) {
			return nil, fmt.Errorf("unknown section %q; use one of %s", s, strings.Join(descriptorSections, ", "))
		}
		if v, ok := all[key]; ok {
			out[key] = v
		}
	}
	if notes, ok := all["notes"]; ok {
		out["notes"] = notes
	}
	return out, nil
}

func known(section string) bool {
	for _, s := range descriptorSections {
		if s == section {
			return true
		}
	}
	return false
}
