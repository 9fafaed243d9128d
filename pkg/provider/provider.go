package provider

import (
	"context"
	"time"

	"tally/pkg/types"
)

// ChatOptions contains configurable parameters for chat generation.
type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
	Tools       []types.ToolDefinition
	Timeout     time.Duration
	// Conversation keys backend-side state for providers that keep it.
	Conversation string
	// OnDelta receives text increments as the backend produces them.
	OnDelta func(string)
}

// Option is a functional option for configuring ChatOptions.
type Option func(*ChatOptions)

func WithTemperature(t float64) Option {
	return func(o *ChatOptions) {
		o.Temperature = t
	}
}

func WithMaxTokens(n int) Option {
	return func(o *ChatOptions) {
		o.MaxTokens = n
	}
}

func WithTools(defs []types.ToolDefinition) Option {
	return func(o *ChatOptions) {
		o.Tools = defs
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *ChatOptions) {
		o.Timeout = d
	}
}

// WithConversation names the conversation a Chat call belongs to.
func WithConversation(id string) Option {
	return func(o *ChatOptions) {
		o.Conversation = id
	}
}

func WithOnDelta(fn func(string)) Option {
	return func(o *ChatOptions) {
		o.OnDelta = fn
	}
}

// Apply builds ChatOptions from defaults and the given options.
func Apply(defaults ChatOptions, opts []Option) ChatOptions {
	options := defaults
	for _, o := range opts {
		if o != nil {
			o(&options)
		}
	}
	return options
}

// Emit forwards a text increment to OnDelta when one is set.
func (o ChatOptions) Emit(delta string) {
	if o.OnDelta != nil && delta != "" {
		o.OnDelta(delta)
	}
}

// ChatModel defines the interface for interacting with Chat LLMs.
//
// Failures are reported inside the returned GenerationResult. The error return is
// reserved for caller cancellation, so errors.Is(err, context.Canceled) holds when
// the caller withdrew the request.
type ChatModel interface {
	// Name returns the provider name (e.g., "ollama", "gemini").
	Name() string

	// TestConnection checks that the backend is reachable and the credentials work.
	TestConnection(ctx context.Context) error

	// Generate runs a single prompt without conversation history.
	Generate(ctx context.Context, prompt string, opts ...Option) (*types.GenerationResult, error)

	// Chat sends a list of messages and returns a complete response.
	Chat(ctx context.Context, messages []types.Message, opts ...Option) (*types.GenerationResult, error)

	// SupportsTools reports whether the tool catalog can be sent natively.
	SupportsTools() bool

	// SupportsConversationReset reports whether the backend keeps conversation state.
	SupportsConversationReset() bool

	// ResetConversation drops backend-side state of one conversation.
	ResetConversation(id string)
}
