// Package openai talks to OpenAI-compatible chat completion APIs with native
// tool calling over a streamed response. OpenRouter is served by the same code
// with its base URL and attribution headers.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"tally/pkg/provider"
	"tally/pkg/types"
)

// Config contains OpenAI credential and runtime options.
type Config struct {
	Name        string // label reported by Name(); defaults to "openai"
	APIKey      string
	BaseURL     string
	Model       string
	HTTPClient  *http.Client
	Temperature float64
	Timeout     time.Duration
	Referer     string            // HTTP-Referer, used by OpenRouter
	AppName     string            // X-Title, used by OpenRouter
	Headers     map[string]string // extra headers sent with every request
}

// ChatModel implements provider.ChatModel using streamed chat completions.
type ChatModel struct {
	name     string
	client   *goopenai.Client
	defaults provider.ChatOptions
}

const (
	defaultTemperature = 0.7
	defaultModel       = goopenai.GPT4
	defaultTimeout     = 2 * time.Minute

	// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"

	refererHeaderKey = "HTTP-Referer"
	appNameHeaderKey = "X-Title"
)

// NewChatModel builds a chat completion provider.
func NewChatModel(cfg Config) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, provider.NewError(provider.KindConfig, "openai api key is required")
	}

	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	headers := make(map[string]string, len(cfg.Headers)+2)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if strings.TrimSpace(cfg.Referer) != "" {
		headers[refererHeaderKey] = cfg.Referer
	}
	if strings.TrimSpace(cfg.AppName) != "" {
		headers[appNameHeaderKey] = cfg.AppName
	}
	if cfg.HTTPClient != nil || len(headers) > 0 {
		apiCfg.HTTPClient = withHeaders(cfg.HTTPClient, headers)
	}

	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	model := cfg.Model
	if strings.TrimSpace(model) == "" {
		model = defaultModel
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
			Model:       model,
			Temperature: temp,
			Timeout:     timeout,
		},
	}, nil
}

func (m *ChatModel) Name() string { return m.name }

func (m *ChatModel) SupportsTools() bool             { return true }
func (m *ChatModel) SupportsConversationReset() bool { return false }
func (m *ChatModel) ResetConversation(string)        {}

// TestConnection lists models, which needs a valid key and nothing else.
func (m *ChatModel) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.defaults.Timeout)
	defer cancel()
	if _, err := m.client.ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Generate runs prompt as a single user message.
func (m *ChatModel) Generate(ctx context.Context, prompt string, opts ...provider.Option) (*types.GenerationResult, error) {
	return m.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: prompt}}, opts...)
}

// Chat streams one completion, forwarding text increments to OnDelta and
// assembling tool-call fragments by index.
func (m *ChatModel) Chat(ctx context.Context, messages []types.Message, opts ...provider.Option) (*types.GenerationResult, error) {
	options := provider.Apply(m.defaults, opts)
	req := m.prepareRequest(messages, options)

	return provider.Guard(ctx, options.Timeout, func(ctx context.Context) (*types.GenerationResult, error) {
		stream, err := m.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		defer stream.Close()

		var text strings.Builder
		var finish string
		calls := make(map[int]*types.ToolCall)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, classify(err)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				options.Emit(choice.Delta.Content)
			}
			for i, frag := range choice.Delta.ToolCalls {
				idx := i
				if frag.Index != nil {
					idx = *frag.Index
				}
				tc, ok := calls[idx]
				if !ok {
					tc = &types.ToolCall{Type: "function", Origin: types.OriginNative}
					calls[idx] = tc
				}
				if frag.ID != "" {
					tc.ID = frag.ID
				}
				if frag.Function.Name != "" {
					tc.Function.Name += frag.Function.Name
				}
				tc.Function.Arguments += frag.Function.Arguments
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
		}

		return &types.GenerationResult{
			Success:      true,
			ResponseText: text.String(),
			ToolCalls:    collectCalls(calls),
			FinishReason: finish,
		}, nil
	})
}

func (m *ChatModel) prepareRequest(messages []types.Message, options provider.ChatOptions) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		oMsg := goopenai.ChatCompletionMessage{
			Content: msg.Content,
		}
		switch msg.Role {
		case types.RoleSystem:
			oMsg.Role = goopenai.ChatMessageRoleSystem
		case types.RoleUser:
			oMsg.Role = goopenai.ChatMessageRoleUser
		case types.RoleAssistant:
			oMsg.Role = goopenai.ChatMessageRoleAssistant
			if len(msg.ToolCalls) > 0 {
				oMsg.ToolCalls = toOpenAIToolCalls(msg.ToolCalls)
			}
		case types.RoleTool:
			oMsg.Role = goopenai.ChatMessageRoleTool
			oMsg.ToolCallID = msg.ToolCallID
			oMsg.Name = msg.Name
		default:
			oMsg.Role = goopenai.ChatMessageRoleUser
		}
		msgs[i] = oMsg
	}

	req := goopenai.ChatCompletionRequest{
		Model:       options.Model,
		Messages:    msgs,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
		Stream:      true,
	}
	for _, t := range options.Tools {
		req.Tools = append(req.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return req
}

func toOpenAIToolCalls(tcs []types.ToolCall) []goopenai.ToolCall {
	res := make([]goopenai.ToolCall, len(tcs))
	for i, tc := range tcs {
		res[i] = goopenai.ToolCall{
			ID:   tc.ID,
			Type: goopenai.ToolTypeFunction,
			Function: goopenai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return res
}

// collectCalls orders assembled calls by stream index and fills missing IDs.
func collectCalls(calls map[int]*types.ToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]types.ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := calls[i]
		if tc.Function.Name == "" {
			continue
		}
		id := tc.ID
		if id == "" {
			id = types.NewCallID()
		}
		out = append(out, types.NewToolCall(id, tc.Function.Name, tc.Function.Arguments, types.OriginNative))
	}
	return out
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return provider.Wrap(provider.KindAPI, fmt.Sprintf("status %d", apiErr.HTTPStatusCode), err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return provider.Wrap(provider.KindAPI, fmt.Sprintf("status %d", reqErr.HTTPStatusCode), err)
	}
	return err
}

// withHeaders wraps the provided HTTP client (or default) to inject headers.
func withHeaders(client *http.Client, headers map[string]string) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	if len(headers) == 0 {
		return client
	}
	clone := *client
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone.Transport = &headerRoundTripper{headers: headers, base: base}
	return &clone
}

type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.base.RoundTrip(req)
}

var _ provider.ChatModel = (*ChatModel)(nil)
