package tool

import "log/slog"

// ToolContext is what a handler knows about the call it serves.
type ToolContext struct {
	SessionID string
	CallID    string
	Logger    Logger
}

// Logger is the part of *slog.Logger handlers use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type Option func(*ToolContext)

func NewToolContext(opts ...Option) *ToolContext {
	tc := &ToolContext{Logger: slog.Default()}
	for _, o := range opts {
		o(tc)
	}
	return tc
}

func WithSessionID(id string) Option {
	return func(tc *ToolContext) { tc.SessionID = id }
}

// WithLogger ignores a nil logger.
func WithLogger(l Logger) Option {
	return func(tc *ToolContext) {
		if l != nil {
			tc.Logger = l
		}
	}
}

// forCall copies tc with CallID set; a nil tc yields a fresh context.
func (tc *ToolContext) forCall(id string) *ToolContext {
	var cp ToolContext
	if tc != nil {
		cp = *tc
	} else {
		cp = *NewToolContext()
	}
	cp.CallID = id
	return &cp
}
