// Package memory stores per-session conversation history.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"tally/pkg/types"
)

// Memory defines how conversation state is stored. History is append-only
// between resets.
type Memory interface {
	Add(messages ...types.Message)
	History() []types.Message
	Len() int
	// Truncate drops everything after the first n messages.
	Truncate(n int)
	Reset()
}

// InMemory is a simple thread-safe memory backend.
type InMemory struct {
	mu       sync.RWMutex
	messages []types.Message
}

// NewInMemory creates an empty memory store.
func NewInMemory() *InMemory {
	return &InMemory{messages: make([]types.Message, 0, 16)}
}

// Add appends messages to history.
func (m *InMemory) Add(messages ...types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages...)
}

// History returns a copy of the conversation so callers cannot mutate internal state.
func (m *InMemory) History() []types.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *InMemory) Truncate(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(m.messages) {
		clear(m.messages[n:])
		m.messages = m.messages[:n]
	}
}

// Reset clears the conversation.
func (m *InMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// FormatHistory renders the conversation as a plain transcript. Tool payloads
// longer than maxPayload bytes are shortened; zero keeps them whole.
func FormatHistory(messages []types.Message, maxPayload int) string {
	if len(messages) == 0 {
		return ""
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == types.RoleAssistant && len(msg.ToolCalls) > 0:
			if msg.Content != "" {
				lines = append(lines, "assistant: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				lines = append(lines, fmt.Sprintf("assistant -> %s(%s) [%s]", tc.Function.Name, shorten(tc.Function.Arguments, maxPayload), tc.ID))
			}
		case msg.Role == types.RoleTool:
			status := "ok"
			if msg.IsToolError {
				status = "error"
			}
			lines = append(lines, fmt.Sprintf("tool %s [%s] %s: %s", msg.Name, msg.ToolCallID, status, shorten(msg.Content, maxPayload)))
		default:
			lines = append(lines, string(msg.Role)+": "+msg.Content)
		}
	}
	return strings.Join(lines, "\n")
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
