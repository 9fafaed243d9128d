// Package ollama implements the line-streamed JSON protocol of an Ollama server
// with native tool calling.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tally/pkg/provider"
	"tally/pkg/types"
)

// Config contains Ollama connection and runtime options.
type Config struct {
	BaseURL     string
	Model       string
	HTTPClient  *http.Client
	Temperature float64
	Timeout     time.Duration
	// NoTools disables native tool calling for models that reject tool catalogs.
	NoTools bool
}

// ChatModel implements provider.ChatModel against /api/chat.
type ChatModel struct {
	baseURL  string
	http     *http.Client
	tools    bool
	defaults provider.ChatOptions
}

const (
	defaultBaseURL     = "http://localhost:11434"
	defaultModel       = "llama3.1"
	defaultTemperature = 0.2
	defaultTimeout     = 3 * time.Minute
	maxLineSize        = 4 << 20
)

// NewChatModel builds an Ollama provider.
func NewChatModel(cfg Config) (*ChatModel, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, provider.NewError(provider.KindConfig, fmt.Sprintf("ollama base url %q must start with http:// or https://", base))
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
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
		baseURL: base,
		http:    client,
		tools:   !cfg.NoTools,
		defaults: provider.ChatOptions{
			Model:       model,
			Temperature: temp,
			Timeout:     timeout,
		},
	}, nil
}

func (m *ChatModel) Name() string                    { return "ollama" }
func (m *ChatModel) SupportsTools() bool             { return m.tools }
func (m *ChatModel) SupportsConversationReset() bool { return false }
func (m *ChatModel) ResetConversation(string)        {}

// Wire types of the Ollama API.

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireToolCall struct {
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type wireOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []wireMessage          `json:"messages"`
	Tools    []types.ToolDefinition `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
	Options  wireOptions            `json:"options"`
}

type generateRequest struct {
	Model   string      `json:"model"`
	Prompt  string      `json:"prompt"`
	Stream  bool        `json:"stream"`
	Options wireOptions `json:"options"`
}

// streamLine is one NDJSON line of either endpoint.
type streamLine struct {
	Message         *wireMessage `json:"message"`
	Response        string       `json:"response"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason"`
	PromptEvalCount int          `json:"prompt_eval_count"`
	EvalCount       int          `json:"eval_count"`
	Error           string       `json:"error"`
}

// TestConnection lists local models.
func (m *ChatModel) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/tags", nil)
	if err != nil {
		return provider.Wrap(provider.KindConfig, "build request", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return provider.Wrap(provider.KindTransport, "ollama unreachable at "+m.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Chat posts the conversation and reads the streamed reply line by line.
func (m *ChatModel) Chat(ctx context.Context, messages []types.Message, opts ...provider.Option) (*types.GenerationResult, error) {
	options := provider.Apply(m.defaults, opts)
	body := chatRequest{
		Model:    options.Model,
		Messages: toWireMessages(messages),
		Stream:   true,
		Options:  wireOptionsFrom(options),
	}
	if m.tools {
		body.Tools = options.Tools
	}
	return provider.Guard(ctx, options.Timeout, func(ctx context.Context) (*types.GenerationResult, error) {
		return m.stream(ctx, "/api/chat", body, options)
	})
}

// Generate runs a single prompt against /api/generate.
func (m *ChatModel) Generate(ctx context.Context, prompt string, opts ...provider.Option) (*types.GenerationResult, error) {
	options := provider.Apply(m.defaults, opts)
	body := generateRequest{
		Model:   options.Model,
		Prompt:  prompt,
		Stream:  true,
		Options: wireOptionsFrom(options),
	}
	return provider.Guard(ctx, options.Timeout, func(ctx context.Context) (*types.GenerationResult, error) {
		return m.stream(ctx, "/api/generate", body, options)
	})
}

func (m *ChatModel) stream(ctx context.Context, path string, body any, options provider.ChatOptions) (*types.GenerationResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, provider.Wrap(provider.KindConfig, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, provider.Wrap(provider.KindConfig, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, provider.Wrap(provider.KindTransport, "ollama request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	res := &types.GenerationResult{Success: true}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	done := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk streamLine
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, provider.Wrap(provider.KindMalformed, fmt.Sprintf("bad stream line %q", truncate(string(line), 120)), err)
		}
		if chunk.Error != "" {
			return nil, provider.NewError(provider.KindAPI, chunk.Error)
		}

		delta := chunk.Response
		if chunk.Message != nil {
			delta = chunk.Message.Content
			for _, tc := range chunk.Message.ToolCalls {
				res.ToolCalls = append(res.ToolCalls, fromWireCall(tc))
			}
		}
		if delta != "" {
			text.WriteString(delta)
			options.Emit(delta)
		}

		if chunk.Done {
			done = true
			res.FinishReason = chunk.DoneReason
			res.Usage = types.Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, provider.Wrap(provider.KindTransport, "read stream", err)
	}
	if !done {
		return nil, provider.NewError(provider.KindTransport, "stream ended before done")
	}

	res.ResponseText = text.String()
	if len(res.ToolCalls) > 0 {
		res.FinishReason = "tool_calls"
	}
	return res, nil
}

func wireOptionsFrom(o provider.ChatOptions) wireOptions {
	return wireOptions{
		Temperature: o.Temperature,
		NumPredict:  o.MaxTokens,
		TopP:        o.TopP,
		Stop:        o.Stop,
	}
}

func toWireMessages(messages []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wm := wireMessage{Role: string(msg.Role), Content: msg.Content}
		switch msg.Role {
		case types.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{Function: wireFunction{Name: tc.Function.Name, Arguments: args}})
			}
		case types.RoleTool:
			wm.ToolName = msg.Name
		}
		out = append(out, wm)
	}
	return out
}

// fromWireCall converts a streamed call. Ollama sends arguments as an object and
// never assigns call IDs.
func fromWireCall(tc wireToolCall) types.ToolCall {
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if args == "" || args == "null" {
		args = "{}"
	}
	// Some models double-encode the object as a JSON string.
	var s string
	if json.Unmarshal([]byte(args), &s) == nil && json.Valid([]byte(s)) {
		args = s
	}
	return types.NewToolCall(types.NewCallID(), tc.Function.Name, args, types.OriginNative)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return provider.NewError(provider.KindAPI, fmt.Sprintf("ollama returned %s: %s", resp.Status, truncate(msg, 300)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ provider.ChatModel = (*ChatModel)(nil)
