package tool

import "time"

// BaseTool holds the static parts of a tool. Embedders provide Execute.
type BaseTool struct {
	ToolName string
	Summary  string
	Schema   map[string]any
	Notes    string
	// Limit is the execution timeout; zero defers to the executor default.
	Limit time.Duration
}

// NewBaseTool starts with a schema that accepts any object.
func NewBaseTool(name, summary string) BaseTool {
	return BaseTool{
		ToolName: name,
		Summary:  summary,
		Schema:   map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (b *BaseTool) Name() string                { return b.ToolName }
func (b *BaseTool) Description() string         { return b.Summary }
func (b *BaseTool) InputSchema() map[string]any { return b.Schema }
func (b *BaseTool) Guidance() string            { return b.Notes }
func (b *BaseTool) Timeout() time.Duration      { return b.Limit }
