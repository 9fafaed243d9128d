// Package echo is an offline provider that repeats the last user message.
package echo

import (
	"context"
	"strings"

	"tally/pkg/provider"
	"tally/pkg/types"
)

// ChatModel is a deterministic echo provider useful for tests and fallbacks.
type ChatModel struct {
	Prefix string
}

// New returns a new echo provider.
func New(prefix string) *ChatModel {
	return &ChatModel{Prefix: prefix}
}

func (p *ChatModel) Name() string {
	if p.Prefix == "" {
		return "echo"
	}
	return "echo-" + strings.ReplaceAll(strings.TrimSpace(p.Prefix), " ", "_")
}

func (p *ChatModel) TestConnection(ctx context.Context) error { return ctx.Err() }
func (p *ChatModel) SupportsTools() bool                      { return false }
func (p *ChatModel) SupportsConversationReset() bool          { return false }
func (p *ChatModel) ResetConversation(string)                 {}

func (p *ChatModel) Generate(ctx context.Context, prompt string, opts ...provider.Option) (*types.GenerationResult, error) {
	return p.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: prompt}}, opts...)
}

// Chat replies with the last user message, emitting it word by word.
func (p *ChatModel) Chat(ctx context.Context, messages []types.Message, opts ...provider.Option) (*types.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := provider.Apply(provider.ChatOptions{}, opts)

	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			last = messages[i].Content
			break
		}
	}
	text := strings.TrimSpace(strings.TrimSpace(p.Prefix) + " " + last)

	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		options.Emit(w)
	}

	return &types.GenerationResult{
		Success:      true,
		ResponseText: text,
		FinishReason: "stop",
		Usage: types.Usage{
			PromptTokens:     len(last),
			CompletionTokens: len(text),
			TotalTokens:      len(last) + len(text),
		},
	}, nil
}

var _ provider.ChatModel = (*ChatModel)(nil)
