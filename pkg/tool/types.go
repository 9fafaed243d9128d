package tool

import (
	"context"
	"time"
)

// Tool is a capability the model can invoke by name.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any, tc *ToolContext) (any, error)
}

// TimedTool overrides the executor's default timeout when Timeout is positive.
type TimedTool interface {
	Tool
	Timeout() time.Duration
}

// GuidedTool carries usage notes that are shown to the model after the
// description.
type GuidedTool interface {
	Tool
	Guidance() string
}
