package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"tally/pkg/types"
)

// ExecutorConfig controls how tools are executed.
type ExecutorConfig struct {
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Executor dispatches tool calls by name with a per-call timeout.
// Calls are run one at a time by the caller; the executor holds no per-call state.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
}

// NewExecutor builds an Executor with sane defaults.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{registry: registry, config: cfg}
}

// Registry returns the registry the executor dispatches into.
func (e *Executor) Registry() *Registry { return e.registry }

// Definitions lists the declarative contract of every registered tool.
func (e *Executor) Definitions() []types.ToolDefinition { return e.registry.Definitions() }

// Execute runs one call. Every handler failure, including an unknown tool,
// malformed arguments, a timeout or a panic, becomes a failed ToolResult. The
// error return is set only when ctx was cancelled by the caller.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall, tc *ToolContext) (types.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ToolResult{}, err
	}
	log := e.config.Logger.With("tool", call.Function.Name, "call_id", call.ID)

	t, err := e.registry.Find(call.Function.Name)
	if err != nil {
		log.Warn("unknown tool requested")
		return types.ToolFailure(fmt.Sprintf("unknown tool %q; available tools: %s",
			call.Function.Name, strings.Join(e.registry.Names(), ", "))), nil
	}

	input, err := decodeArguments(call.Function.Arguments)
	if err != nil {
		log.Warn("malformed tool arguments", "error", err)
		return types.ToolFailure(err.Error()), nil
	}
	if err := ValidateInput(t, input); err != nil {
		return types.ToolFailure(err.Error()), nil
	}

	timeout := e.config.DefaultTimeout
	if tt, ok := t.(TimedTool); ok && tt.Timeout() > 0 {
		timeout = tt.Timeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, execErr := runGuarded(execCtx, t, input, tc.forCall(call.ID))
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.ToolResult{}, ctxErr
	}
	if execErr != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			execErr = fmt.Errorf("tool %s timed out after %s", t.Name(), timeout)
		}
		log.Warn("tool failed", "error", execErr, "duration", elapsed)
		return types.ToolFailure(execErr.Error()), nil
	}

	log.Debug("tool finished", "duration", elapsed)
	return toResult(output), nil
}

// runGuarded converts a handler panic into an error.
func runGuarded(ctx context.Context, t Tool, input map[string]any, tc *ToolContext) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if tc != nil && tc.Logger != nil {
				tc.Logger.Error("tool panicked", "tool", t.Name(), "panic", r, "stack", string(debug.Stack()))
			}
			output, err = nil, fmt.Errorf("tool %s panicked: %v", t.Name(), r)
		}
	}()
	return t.Execute(ctx, input, tc)
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

// toResult normalizes handler output into a ToolResult with valid JSON text.
func toResult(output any) types.ToolResult {
	switch v := output.(type) {
	case types.ToolResult:
		return v
	case *types.ToolResult:
		if v == nil {
			return types.ToolSuccess(nil)
		}
		return *v
	case json.RawMessage:
		if json.Valid(v) {
			return types.ToolResult{Success: true, JSONData: string(v)}
		}
		return types.ToolSuccess(string(v))
	default:
		return types.ToolSuccess(v)
	}
}
