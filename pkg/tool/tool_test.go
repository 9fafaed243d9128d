package tool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"tally/pkg/parser"
	"tally/pkg/types"
)

type lookupArgs struct {
	Table string   `json:"table" description:"table to read"`
	Limit int      `json:"limit,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

func newTestExecutor(tools ...Tool) *Executor {
	reg := NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return NewExecutor(reg, ExecutorConfig{DefaultTimeout: time.Second})
}

func call(name, args string) types.ToolCall {
	return types.NewToolCall("call_1", name, args, types.OriginNative)
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(lookupArgs{})
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %+v", schema)
	}
	table := props["table"].(map[string]any)
	if table["type"] != "string" || table["description"] != "table to read" {
		t.Errorf("table = %+v", table)
	}
	if props["limit"].(map[string]any)["type"] != "integer" {
		t.Errorf("limit = %+v", props["limit"])
	}
	tags := props["tags"].(map[string]any)
	if tags["type"] != "array" || tags["items"].(map[string]any)["type"] != "string" {
		t.Errorf("tags = %+v", tags)
	}
	req, _ := schema["required"].([]string)
	if len(req) != 1 || req[0] != "table" {
		t.Errorf("required = %v", req)
	}
}

func TestRegistryOrderAndFind(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewFunc("query", "q", nil))
	reg.Register(NewFunc("describe_schema", "d", nil))
	reg.Register(NewFunc("query", "q2", nil))

	names := reg.Names()
	if strings.Join(names, ",") != "query,describe_schema" {
		t.Errorf("Names() = %v", names)
	}
	if got, err := reg.Find("QUERY"); err != nil || got.Description() != "q2" {
		t.Errorf("Find() = %v, %v", got, err)
	}
	var nf *ToolNotFoundError
	if _, err := reg.Find("missing"); !errors.As(err, &nf) {
		t.Errorf("Find(missing) error = %v", err)
	}
	if defs := reg.Definitions(); len(defs) != 2 || defs[1].Function.Name != "describe_schema" {
		t.Errorf("Definitions() = %+v", defs)
	}
	reg.Remove("query")
	if len(reg.List()) != 1 {
		t.Errorf("List() after Remove = %d", len(reg.List()))
	}
}

func TestExecutorExecute(t *testing.T) {
	echo := NewStruct("lookup", "look up", func(ctx context.Context, a lookupArgs, tc *ToolContext) (any, error) {
		if tc.CallID != "call_1" {
			return nil, errors.New("call id not propagated")
		}
		return map[string]any{"table": a.Table, "limit": a.Limit}, nil
	})
	failing := NewFunc("broken", "fails", func(ctx context.Context, _ map[string]any, _ *ToolContext) (any, error) {
		return nil, errors.New("table not allowed")
	})
	panicking := NewFunc("explode", "panics", func(ctx context.Context, _ map[string]any, _ *ToolContext) (any, error) {
		panic("boom")
	})
	slow := NewFunc("slow", "sleeps", func(ctx context.Context, _ map[string]any, _ *ToolContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).WithTimeout(20 * time.Millisecond)
	raw := NewFunc("raw", "raw json", func(ctx context.Context, _ map[string]any, _ *ToolContext) (any, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	exec := newTestExecutor(echo, failing, panicking, slow, raw)

	tests := []struct {
		name        string
		call        types.ToolCall
		wantSuccess bool
		wantInData  string
	}{
		{"struct tool", call("lookup", `{"table":"items","limit":3}`), true, `"table":"items"`},
		{"case-insensitive name", call("LOOKUP", `{"table":"stores"}`), true, `"stores"`},
		{"missing required field", call("lookup", `{}`), false, "missing required field: table"},
		{"malformed arguments", call("lookup", `{table:`), false, "not a JSON object"},
		{"unknown tool", call("nope", `{}`), false, "unknown tool"},
		{"handler error", call("broken", `{}`), false, "table not allowed"},
		{"panic recovered", call("explode", `{}`), false, "panicked"},
		{"timeout", call("slow", `{}`), false, "timed out"},
		{"raw json passthrough", call("raw", ``), true, `{"ok":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Execute(context.Background(), tt.call, NewToolContext())
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (%s)", res.Success, tt.wantSuccess, res.JSONData)
			}
			if !json.Valid([]byte(res.JSONData)) {
				t.Errorf("JSONData is not valid JSON: %q", res.JSONData)
			}
			if !strings.Contains(res.JSONData, tt.wantInData) {
				t.Errorf("JSONData = %s, want substring %s", res.JSONData, tt.wantInData)
			}
		})
	}
}

func TestExecutorCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocker := NewFunc("block", "blocks", func(c context.Context, _ map[string]any, _ *ToolContext) (any, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	})
	exec := newTestExecutor(blocker)

	_, err := exec.Execute(ctx, call("block", `{}`), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
}

func TestRenderCatalog(t *testing.T) {
	defs := ToDefinitions([]Tool{NewStruct("lookup", "Look up rows.", func(context.Context, lookupArgs, *ToolContext) (any, error) {
		return nil, nil
	})})
	out := RenderCatalog(defs)
	for _, want := range []string{"### lookup", "Look up rows.", `"table"`, CallStart, CallEnd} {
		if !strings.Contains(out, want) {
			t.Errorf("catalog missing %q:\n%s", want, out)
		}
	}
	if RenderCatalog(nil) != "" {
		t.Error("empty catalog should render nothing")
	}
}

func TestToDefinitionAppendsGuidance(t *testing.T) {
	plain := NewFunc("clock", "Current time.", nil)
	guided := NewFunc("query", "Run a query.", nil).WithGuidance("Prefer aggregates.")

	if got := ToDefinition(plain).Function.Description; got != "Current time." {
		t.Errorf("plain description = %q", got)
	}
	if got := ToDefinition(guided).Function.Description; got != "Run a query.\n\nPrefer aggregates." {
		t.Errorf("guided description = %q", got)
	}
}

func TestRenderCallRoundTrips(t *testing.T) {
	text := "Looking it up.\n" + RenderCall(types.NewToolCall("call_1", "query", `{"table":"items","where":[{"column":"name","op":"ILIKE","value":"%{milk}%"}]}`, types.OriginFallback))
	ex, ok := parser.ExtractToolCalls(text, "query")
	if !ok || len(ex.Calls) != 1 {
		t.Fatalf("ExtractToolCalls() = %+v, %v", ex, ok)
	}
	if ex.Text != "Looking it up." || ex.Calls[0].Function.Name != "query" {
		t.Errorf("extraction = %+v", ex)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(ex.Calls[0].Function.Arguments), &args); err != nil || args["table"] != "items" {
		t.Errorf("arguments = %s (%v)", ex.Calls[0].Function.Arguments, err)
	}
}
