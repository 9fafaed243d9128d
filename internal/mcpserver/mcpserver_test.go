package mcpserver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"tally/internal/logging"
	"tally/pkg/tool"
)

func newTestExecutor() *tool.Executor {
	reg := tool.NewRegistry()
	reg.Register(tool.NewFunc("sum_total", "Sum a column.", func(ctx context.Context, input map[string]any, tc *tool.ToolContext) (any, error) {
		return map[string]any{"table": input["table"], "total": 31540.91}, nil
	}).WithSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"table": map[string]any{"type": "string"}},
		"required":   []string{"table"},
	}))
	reg.Register(tool.NewFunc("broken", "Always fails.", func(ctx context.Context, input map[string]any, tc *tool.ToolContext) (any, error) {
		return nil, errors.New("table not allowed")
	}))
	return tool.NewExecutor(reg, tool.ExecutorConfig{})
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] is %T, want mcp.TextContent", res.Content[0])
	}
	return text.Text
}

func TestToMCPTool(t *testing.T) {
	defs := newTestExecutor().Definitions()
	got := toMCPTool(defs[0])
	if got.Name != "sum_total" || got.Description != "Sum a column." {
		t.Errorf("tool = %+v", got)
	}
	if s := string(got.RawInputSchema); !strings.Contains(s, `"required":["table"]`) {
		t.Errorf("raw schema = %s", s)
	}
}

func TestHandler(t *testing.T) {
	s := New("tally", "test", newTestExecutor(), logging.Discard())

	tests := []struct {
		name      string
		tool      string
		args      map[string]any
		wantError bool
		wantText  string
	}{
		{"success", "sum_total", map[string]any{"table": "receipts"}, false, `"table":"receipts"`},
		{"missing required argument", "sum_total", nil, true, "table"},
		{"handler error", "broken", map[string]any{}, true, "table not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mcp.CallToolRequest{}
			req.Params.Name = tt.tool
			req.Params.Arguments = tt.args

			res, err := s.handler(tt.tool)(context.Background(), req)
			if err != nil {
				t.Fatalf("handler() error = %v", err)
			}
			if res.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.wantError)
			}
			if got := textOf(t, res); !strings.Contains(got, tt.wantText) {
				t.Errorf("text = %q, want it to contain %q", got, tt.wantText)
			}
		})
	}
}

func TestHandlerCancelled(t *testing.T) {
	s := New("tally", "test", newTestExecutor(), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"table": "receipts"}
	if _, err := s.handler("sum_total")(ctx, req); !errors.Is(err, context.Canceled) {
		t.Errorf("handler() error = %v, want context.Canceled", err)
	}
}
