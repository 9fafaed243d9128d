package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tally/pkg/parser"
)

// Callable is the signature of a function-backed tool.
type Callable func(ctx context.Context, input map[string]any, tc *ToolContext) (any, error)

// Func wraps a Callable that works on the raw argument map.
type Func struct {
	BaseTool
	fn Callable
}

func NewFunc(name, description string, fn Callable) *Func {
	return &Func{BaseTool: NewBaseTool(name, description), fn: fn}
}

func (f *Func) Execute(ctx context.Context, input map[string]any, tc *ToolContext) (any, error) {
	if f.fn == nil {
		return nil, fmt.Errorf("%s: not implemented", f.ToolName)
	}
	return f.fn(ctx, input, tc)
}

func (f *Func) WithSchema(schema map[string]any) *Func { f.Schema = schema; return f }
func (f *Func) WithGuidance(notes string) *Func        { f.Notes = notes; return f }
func (f *Func) WithTimeout(d time.Duration) *Func      { f.Limit = d; return f }

// Struct wraps a function taking typed arguments. The input schema is derived
// from T's json, description and enum tags.
type Struct[T any] struct {
	BaseTool
	fn     func(context.Context, T, *ToolContext) (any, error)
	decode *parser.JSONParser[T]
}

func NewStruct[T any](name, description string, fn func(context.Context, T, *ToolContext) (any, error)) *Struct[T] {
	var zero T
	s := &Struct[T]{
		BaseTool: NewBaseTool(name, description),
		fn:       fn,
		decode:   parser.NewJSONParser[T](),
	}
	s.Schema = GenerateSchema(zero)
	return s
}

func (s *Struct[T]) Execute(ctx context.Context, input map[string]any, tc *ToolContext) (any, error) {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%s: encode arguments: %w", s.ToolName, err)
	}
	args, err := s.decode.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: bad arguments: %w", s.ToolName, err)
	}
	return s.fn(ctx, args, tc)
}

func (s *Struct[T]) WithGuidance(notes string) *Struct[T]   { s.Notes = notes; return s }
func (s *Struct[T]) WithTimeout(d time.Duration) *Struct[T] { s.Limit = d; return s }
