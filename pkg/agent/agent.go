// Package agent runs the tool-use loop of one conversation session.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"tally/pkg/memory"
	"tally/pkg/parser"
	"tally/pkg/prompt"
	"tally/pkg/provider"
	"tally/pkg/tool"
	"tally/pkg/types"
)

// DefaultMaxIterations caps provider round-trips per turn.
const DefaultMaxIterations = 5

const defaultSystemPrompt = `You are a helpful assistant that answers questions about the user's purchase receipts.
Use the available tools to look data up instead of guessing.`

// Config describes how a Session is assembled.
type Config struct {
	ID            string
	Providers     *provider.Set
	ProviderKey   string // explicit provider; empty uses the configured default
	Executor      *tool.Executor
	Memory        memory.Memory
	SystemPrompt  prompt.Template
	PromptVars    map[string]any
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	// PrimeTool runs once per session before the first turn; its output is
	// appended to the system prompt.
	PrimeTool string
	Logger    *slog.Logger
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Text         string `json:"text"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Iterations   int    `json:"iterations"`
}

// Session coordinates providers, tools and memory for one conversation.
// Turns on a session are serialized; distinct sessions share nothing mutable.
type Session struct {
	id       string
	cfg      Config
	memory   memory.Memory
	executor *tool.Executor
	log      *slog.Logger

	mu          sync.Mutex
	providerKey string
	primed      bool
	primeText   string
}

// New builds a Session and wires defaults.
func New(cfg Config) (*Session, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider set is required")
	}
	if cfg.Executor == nil {
		cfg.Executor = tool.NewExecutor(tool.NewRegistry(), tool.ExecutorConfig{})
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewInMemory()
	}
	if cfg.SystemPrompt.Text == "" {
		cfg.SystemPrompt = prompt.NewTemplate(defaultSystemPrompt)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		id:          cfg.ID,
		cfg:         cfg,
		memory:      cfg.Memory,
		executor:    cfg.Executor,
		log:         cfg.Logger.With("session", cfg.ID),
		providerKey: cfg.ProviderKey,
	}, nil
}

func (s *Session) ID() string { return s.id }

// ProviderKey returns the explicitly selected provider, if any.
func (s *Session) ProviderKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerKey
}

// SetProvider switches the provider used by later turns. An empty key falls
// back to the configured default. The previous provider's conversation state is
// reset.
func (s *Session) SetProvider(key string) error {
	if key != "" {
		if _, ok := s.cfg.Providers.Get(key); !ok {
			return provider.NewError(provider.KindNoProvider, fmt.Sprintf("provider %q is not configured", key))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.providerKey {
		return nil
	}
	if _, prev, err := s.cfg.Providers.Resolve(s.providerKey, provider.OpChat); err == nil && prev.SupportsConversationReset() {
		prev.ResetConversation(s.id)
	}
	s.providerKey = key
	return nil
}

// Reset clears history and priming and drops provider conversation state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.Reset()
	s.primed = false
	s.primeText = ""
	if _, m, err := s.cfg.Providers.Resolve(s.providerKey, provider.OpChat); err == nil && m.SupportsConversationReset() {
		m.ResetConversation(s.id)
	}
}

// History returns a copy of the remembered conversation.
func (s *Session) History() []types.Message {
	return s.memory.History()
}

// SendTurn runs one user turn through the tool-use loop. Failures are reported
// in the TurnResult; the error return is set only when ctx was cancelled.
func (s *Session) SendTurn(ctx context.Context, text string, onEvent func(Event)) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emit := func(ev Event) {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	finish := func(res TurnResult) TurnResult {
		emit(Event{Type: EventTurnComplete, Turn: &res})
		return res
	}

	key, model, err := s.cfg.Providers.Resolve(s.providerKey, provider.OpChat)
	if err != nil {
		return finish(TurnResult{ErrorMessage: err.Error(), ErrorKind: string(provider.KindOf(err))}), nil
	}
	log := s.log.With("provider", key)

	if err := s.prime(ctx, log); err != nil {
		return TurnResult{}, err
	}

	defs := s.executor.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Function.Name
	}
	extractor := parser.NewExtractor(names...)

	system := prompt.Join(s.cfg.SystemPrompt.Render(s.cfg.PromptVars), s.primeSection())
	opts := []provider.Option{
		provider.WithConversation(s.id),
		provider.WithOnDelta(func(d string) { emit(Event{Type: EventTextDelta, Text: d}) }),
	}
	if model.SupportsTools() {
		opts = append(opts, provider.WithTools(defs))
	} else {
		system = prompt.Join(system, tool.RenderCatalog(defs))
	}
	if s.cfg.MaxTokens > 0 {
		opts = append(opts, provider.WithMaxTokens(s.cfg.MaxTokens))
	}
	if s.cfg.Temperature > 0 {
		opts = append(opts, provider.WithTemperature(s.cfg.Temperature))
	}

	// A turn that ends without a reply is rolled back so history never holds a
	// user message the model did not answer.
	mark := s.memory.Len()
	s.memory.Add(types.Message{Role: types.RoleUser, Content: text})
	tc := tool.NewToolContext(tool.WithSessionID(s.id), tool.WithLogger(log))

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		messages := append([]types.Message{{Role: types.RoleSystem, Content: system}}, s.memory.History()...)
		log.Debug("round-trip", "iteration", iter, "messages", len(messages))

		res, err := model.Chat(ctx, messages, opts...)
		if err != nil {
			s.memory.Truncate(mark)
			return TurnResult{Iterations: iter}, err
		}
		if !res.Success {
			log.Warn("provider failed", "iteration", iter, "kind", res.ErrorKind, "error", res.ErrorMessage)
			s.memory.Truncate(mark)
			return finish(TurnResult{ErrorMessage: res.ErrorMessage, ErrorKind: res.ErrorKind, Iterations: iter}), nil
		}

		calls, reply := res.ToolCalls, res.ResponseText
		if len(calls) == 0 && reply != "" {
			if ex, ok := extractor.Extract(reply); ok {
				calls, reply = ex.Calls, ex.Text
				log.Debug("recovered tool calls from text", "strategy", ex.Strategy, "calls", len(calls))
			}
		}
		if len(calls) == 0 {
			s.memory.Add(types.Message{Role: types.RoleAssistant, Content: reply})
			return finish(TurnResult{Text: reply, Success: true, Iterations: iter}), nil
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = types.NewCallID()
			}
		}
		s.memory.Add(types.Message{Role: types.RoleAssistant, Content: reply, ToolCalls: calls})
		log.Debug("executing tools", "iteration", iter, "tools", callNames(calls))

		for i, call := range calls {
			emit(Event{Type: EventToolCallStarted, Call: &call, Iteration: iter})
			result, err := s.executor.Execute(ctx, call, tc)
			if err != nil {
				s.abandon(calls[i:], err)
				return TurnResult{Iterations: iter}, err
			}
			s.memory.Add(types.Message{
				Role:        types.RoleTool,
				Name:        call.Function.Name,
				ToolCallID:  call.ID,
				Content:     result.JSONData,
				IsToolError: !result.Success,
			})
			emit(Event{Type: EventToolCallFinished, Call: &call, Result: &result, Iteration: iter})
		}
	}

	msg := fmt.Sprintf("too many iterations: no final answer after %d round-trips", s.cfg.MaxIterations)
	log.Warn(msg)
	return finish(TurnResult{
		ErrorMessage: msg,
		ErrorKind:    string(provider.KindIterationLimit),
		Iterations:   s.cfg.MaxIterations,
	}), nil
}

// prime runs the prime tool once per session. A failed run is logged and retried
// on the next turn.
func (s *Session) prime(ctx context.Context, log *slog.Logger) error {
	if s.primed || s.cfg.PrimeTool == "" {
		return nil
	}
	if _, ok := s.executor.Registry().Get(s.cfg.PrimeTool); !ok {
		log.Warn("prime tool not registered", "tool", s.cfg.PrimeTool)
		s.primed = true
		return nil
	}
	call := types.NewToolCall(types.NewCallID(), s.cfg.PrimeTool, "{}", types.OriginNative)
	res, err := s.executor.Execute(ctx, call, tool.NewToolContext(tool.WithSessionID(s.id), tool.WithLogger(log)))
	if err != nil {
		return err
	}
	if !res.Success {
		log.Warn("priming failed", "tool", s.cfg.PrimeTool, "error", res.ErrorMessage)
		return nil
	}
	s.primed = true
	s.primeText = res.JSONData
	return nil
}

func (s *Session) primeSection() string {
	if s.primeText == "" {
		return ""
	}
	return "Database overview (" + s.cfg.PrimeTool + "):\n" + s.primeText
}

// abandon records a cancelled result for calls that will not run so every
// assistant call keeps a matching tool message.
func (s *Session) abandon(calls []types.ToolCall, cause error) {
	for _, call := range calls {
		res := types.ToolFailure("cancelled: " + cause.Error())
		s.memory.Add(types.Message{
			Role:        types.RoleTool,
			Name:        call.Function.Name,
			ToolCallID:  call.ID,
			Content:     res.JSONData,
			IsToolError: true,
		})
	}
}

func callNames(calls []types.ToolCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Function.Name
	}
	return out
}
