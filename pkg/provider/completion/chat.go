// Package completion talks to chat-completion backends that accept only system,
// user and assistant roles and return one JSON response with no native tools.
// The caller is expected to inject a textual tool catalog into the system role.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"tally/pkg/provider"
	"tally/pkg/tool"
	"tally/pkg/types"
)

// Config contains connection and runtime options.
type Config struct {
	Name        string
	APIKey      string // optional for local servers
	BaseURL     string
	Model       string
	HTTPClient  *http.Client
	Temperature float64
	Timeout     time.Duration
}

// ChatModel implements provider.ChatModel with single-shot completions.
type ChatModel struct {
	name     string
	client   *goopenai.Client
	defaults provider.ChatOptions
}

const (
	defaultTemperature = 0.3
	defaultTimeout     = 2 * time.Minute
)

// NewChatModel builds a single-shot completion provider.
func NewChatModel(cfg Config) (*ChatModel, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, provider.NewError(provider.KindConfig, "completion base url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, provider.NewError(provider.KindConfig, "completion model is required")
	}
	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		apiCfg.HTTPClient = cfg.HTTPClient
	}

	name := cfg.Name
	if name == "" {
		name = "completion"
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = defaultTemperature
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ChatModel{
		name:   name,
		client: goopenai.NewClientWithConfig(apiCfg),
		defaults: provider.ChatOptions{
			Model:       cfg.Model,
			Temperature: temp,
			Timeout:     timeout,
		},
	}, nil
}

func (m *ChatModel) Name() string                    { return m.name }
func (m *ChatModel) SupportsTools() bool             { return false }
func (m *ChatModel) SupportsConversationReset() bool { return false }
func (m *ChatModel) ResetConversation(string)        {}

// TestConnection sends a one-token completion.
func (m *ChatModel) TestConnection(ctx context.Context) error {
	res, err := m.Generate(ctx, "ping", provider.WithMaxTokens(1), provider.WithTimeout(15*time.Second))
	if err != nil {
		return err
	}
	if !res.Success {
		return provider.NewError(provider.Kind(res.ErrorKind), res.ErrorMessage)
	}
	return nil
}

func (m *ChatModel) Generate(ctx context.Context, prompt string, opts ...provider.Option) (*types.GenerationResult, error) {
	return m.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: prompt}}, opts...)
}

// Chat sends the remapped history and returns the whole reply. Tools in the
// options are ignored; OnDelta receives the full text once.
func (m *ChatModel) Chat(ctx context.Context, messages []types.Message, opts ...provider.Option) (*types.GenerationResult, error) {
	options := provider.Apply(m.defaults, opts)
	req := goopenai.ChatCompletionRequest{
		Model:       options.Model,
		Messages:    RemapMessages(messages),
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}

	return provider.Guard(ctx, options.Timeout, func(ctx context.Context) (*types.GenerationResult, error) {
		resp, err := m.client.CreateChatCompletion(ctx, req)
		if err != nil {
			var apiErr *goopenai.APIError
			if errors.As(err, &apiErr) {
				return nil, provider.Wrap(provider.KindAPI, fmt.Sprintf("status %d", apiErr.HTTPStatusCode), err)
			}
			var reqErr *goopenai.RequestError
			if errors.As(err, &reqErr) {
				return nil, provider.Wrap(provider.KindAPI, fmt.Sprintf("status %d", reqErr.HTTPStatusCode), err)
			}
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, provider.NewError(provider.KindMalformed, "completion returned no choices")
		}
		choice := resp.Choices[0]
		options.Emit(choice.Message.Content)
		return &types.GenerationResult{
			Success:      true,
			ResponseText: choice.Message.Content,
			FinishReason: string(choice.FinishReason),
			Usage: types.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}, nil
	})
}

// ToolResultPrefix labels a tool result rewritten as a user message.
func ToolResultPrefix(name, id string) string {
	return fmt.Sprintf("[TOOL_RESULT name=%s id=%s]", name, id)
}

// RemapMessages rewrites history for backends that know only three roles. Tool
// results become user messages behind a marker; assistant tool calls are
// rendered back into the textual call convention.
func RemapMessages(messages []types.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: msg.Content})
		case types.RoleAssistant:
			content := msg.Content
			for _, tc := range msg.ToolCalls {
				if content != "" {
					content += "\n"
				}
				content += tool.RenderCall(tc)
			}
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: content})
		case types.RoleTool:
			content := ToolResultPrefix(msg.Name, msg.ToolCallID) + "\n" + msg.Content
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: content})
		default:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return out
}

var _ provider.ChatModel = (*ChatModel)(nil)
