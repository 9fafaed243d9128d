// Package gemini implements a stateful Gemini chat provider. It keeps a live chat
// session, sends only the messages the session has not seen, and reads native
// function calls from the event stream with a textual fallback.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"tally/pkg/parser"
	"tally/pkg/provider"
	"tally/pkg/tool"
	"tally/pkg/types"
)

// Config contains Gemini credential and runtime options.
type Config struct {
	APIKey      string
	Model       string // e.g., "gemini-1.5-flash"
	Temperature float64
	Timeout     time.Duration
}

// ChatModel implements provider.ChatModel using Google Gemini. Conversation state
// is kept per conversation id (provider.WithConversation), so sessions sharing one
// model never see each other's chat.
type ChatModel struct {
	client   *genai.Client
	defaults provider.ChatOptions
	open     func(options provider.ChatOptions, system string) session

	mu       sync.Mutex
	convs    map[string]*conversation
	inflight map[string]*flight
}

// flight marks a conversation checked out by a running call.
type flight struct {
	reset bool
}

// conversation is the live chat one caller drives.
type conversation struct {
	sess   session
	key    string
	synced []types.Message  // conversation the session already holds
	native map[string]bool // call IDs delivered as native function calls
}

const (
	defaultModel       = "gemini-1.5-flash"
	defaultTemperature = 0.5
	defaultTimeout     = 2 * time.Minute
)

// session is the part of a genai chat session the provider drives.
type session interface {
	AddHistory(contents ...*genai.Content)
	Send(ctx context.Context, parts ...genai.Part) responseIterator
}

type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// NewChatModel builds a Gemini chat provider.
func NewChatModel(ctx context.Context, cfg Config) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, provider.NewError(provider.KindConfig, "gemini api key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, provider.Wrap(provider.KindConfig, "create gemini client", err)
	}

	m := newChatModel(cfg)
	m.client = client
	m.open = m.openSession
	return m, nil
}

func newChatModel(cfg Config) *ChatModel {
	model := cfg.Model
	if model == "" {
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
		defaults: provider.ChatOptions{
			Model:       model,
			Temperature: temp,
			Timeout:     timeout,
		},
		convs:    make(map[string]*conversation),
		inflight: make(map[string]*flight),
	}
}

func (m *ChatModel) Name() string                    { return "gemini" }
func (m *ChatModel) SupportsTools() bool             { return true }
func (m *ChatModel) SupportsConversationReset() bool { return true }

// ResetConversation drops the live session of conversation id; its next call
// rebuilds it. Other conversations are untouched.
func (m *ChatModel) ResetConversation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
	if f := m.inflight[id]; f != nil {
		f.reset = true
	}
}

// checkout takes conversation id out of the map for the duration of one call.
func (m *ChatModel) checkout(id string) (*conversation, *flight) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[id]
	delete(m.convs, id)
	f := &flight{}
	m.inflight[id] = f
	return c, f
}

// checkin ends the call. c is kept for the next call unless it is nil or the
// conversation was reset meanwhile.
func (m *ChatModel) checkin(id string, f *flight, c *conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[id] == f {
		delete(m.inflight, id)
	}
	if c != nil && !f.reset {
		m.convs[id] = c
	}
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// TestConnection lists one model page.
func (m *ChatModel) TestConnection(ctx context.Context) error {
	if m.client == nil {
		return provider.NewError(provider.KindConfig, "gemini client is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := m.client.ListModels(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return provider.Wrap(provider.KindTransport, "list gemini models", err)
	}
	return nil
}

// Generate runs prompt without touching the chat session.
func (m *ChatModel) Generate(ctx context.Context, prompt string, opts ...provider.Option) (*types.GenerationResult, error) {
	if m.client == nil {
		return provider.Failure(provider.NewError(provider.KindConfig, "gemini client is not configured")), nil
	}
	options := provider.Apply(m.defaults, opts)
	gm := m.model(options, "")
	return provider.Guard(ctx, options.Timeout, func(ctx context.Context) (*types.GenerationResult, error) {
		return collect(gm.GenerateContentStream(ctx, genai.Text(prompt)), options)
	})
}

// Chat synchronizes the session with messages and streams the reply.
func (m *ChatModel) Chat(ctx context.Context, messages []types.Message, opts ...provider.Option) (*types.GenerationResult, error) {
	options := provider.Apply(m.defaults, opts)

	var system []string
	convo := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		convo = append(convo, msg)
	}
	sys := strings.Join(system, "\n\n")

	if m.open == nil {
		return provider.Failure(provider.NewError(provider.KindConfig, "gemini client is not configured")), nil
	}

	// The conversation is checked out while the request is in flight; no lock is
	// held across Send.
	c, f := m.checkout(options.Conversation)
	var keep *conversation
	defer func() { m.checkin(options.Conversation, f, keep) }()

	key := sessionKey(options, sys)
	if c == nil || c.key != key || !c.inSync(convo) {
		c = &conversation{sess: m.open(options, sys), key: key, native: make(map[string]bool)}
	}

	pending := convo[len(c.synced):]
	split := 0
	for i, msg := range pending {
		if msg.Role == types.RoleAssistant {
			split = i + 1
		}
	}
	if split == len(pending) {
		return provider.Failure(provider.NewError(provider.KindMalformed, "no new user or tool message to send")), nil
	}
	// Earlier turns go to history; the tail after the last reply is sent.
	c.sess.AddHistory(c.contents(pending[:split])...)
	parts := c.contents(pending[split:])
	var send []genai.Part
	for _, p := range parts {
		send = append(send, p.Parts...)
	}

	res, err := provider.Guard(ctx, options.Timeout, func(ctx context.Context) (*types.GenerationResult, error) {
		return collect(c.sess.Send(ctx, send...), options)
	})
	if err != nil || !res.Success {
		// Dropped: the next call rebuilds from full history.
		return res, err
	}

	if len(res.ToolCalls) == 0 && res.ResponseText != "" {
		if ex, ok := parser.ExtractToolCalls(res.ResponseText, toolNames(options.Tools)...); ok {
			res.ToolCalls = ex.Calls
			res.ResponseText = ex.Text
			res.FinishReason = "tool_calls"
		}
	}
	for _, tc := range res.ToolCalls {
		if tc.Origin == types.OriginNative {
			c.native[tc.ID] = true
		}
	}

	c.synced = append(append(make([]types.Message, 0, len(convo)+1), convo...),
		types.Message{Role: types.RoleAssistant, Content: res.ResponseText, ToolCalls: res.ToolCalls})
	keep = c
	return res, nil
}

// inSync reports whether convo extends the conversation the session holds.
// Assistant text is not compared since callers may store it trimmed.
func (c *conversation) inSync(convo []types.Message) bool {
	if len(convo) <= len(c.synced) {
		return false
	}
	for i, have := range c.synced {
		got := convo[i]
		if have.Role != got.Role {
			return false
		}
		switch have.Role {
		case types.RoleAssistant:
			if len(have.ToolCalls) != len(got.ToolCalls) {
				return false
			}
			for j := range have.ToolCalls {
				if have.ToolCalls[j].ID != got.ToolCalls[j].ID {
					return false
				}
			}
		default:
			if have.Content != got.Content || have.ToolCallID != got.ToolCallID {
				return false
			}
		}
	}
	return true
}

// contents converts messages to genai contents. Native calls and their results
// use function parts; fallback calls travel as text.
func (c *conversation) contents(messages []types.Message) []*genai.Content {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.Origin == types.OriginNative {
				c.native[tc.ID] = true
			}
		}
	}
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleAssistant:
			mc := &genai.Content{Role: "model"}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if tc.Origin == types.OriginNative || c.native[tc.ID] {
					mc.Parts = append(mc.Parts, genai.FunctionCall{Name: tc.Function.Name, Args: decodeArgs(tc.Function.Arguments)})
					continue
				}
				mc.Parts = append(mc.Parts, genai.Text(tool.RenderCall(tc)))
			}
			if len(mc.Parts) == 0 {
				mc.Parts = append(mc.Parts, genai.Text(""))
			}
			out = append(out, mc)
		case types.RoleTool:
			var part genai.Part
			if c.native[msg.ToolCallID] {
				part = genai.FunctionResponse{Name: msg.Name, Response: responseObject(msg.Content)}
			} else {
				part = genai.Text(fmt.Sprintf("[TOOL_RESULT name=%s id=%s]\n%s", msg.Name, msg.ToolCallID, msg.Content))
			}
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		default:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	return out
}

func (m *ChatModel) model(options provider.ChatOptions, system string) *genai.GenerativeModel {
	gm := m.client.GenerativeModel(options.Model)
	gm.SetTemperature(float32(options.Temperature))
	if options.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(options.MaxTokens))
	}
	if options.TopP > 0 {
		gm.SetTopP(float32(options.TopP))
	}
	if len(options.Stop) > 0 {
		gm.StopSequences = options.Stop
	}
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(options.Tools) > 0 {
		gm.Tools = []*genai.Tool{toGeminiTool(options.Tools)}
	}
	return gm
}

func (m *ChatModel) openSession(options provider.ChatOptions, system string) session {
	return &chatSession{cs: m.model(options, system).StartChat()}
}

type chatSession struct {
	cs *genai.ChatSession
}

func (s *chatSession) AddHistory(contents ...*genai.Content) {
	s.cs.History = append(s.cs.History, contents...)
}

func (s *chatSession) Send(ctx context.Context, parts ...genai.Part) responseIterator {
	return s.cs.SendMessageStream(ctx, parts...)
}

// collect drains a response stream into a result.
func collect(it responseIterator, options provider.ChatOptions) (*types.GenerationResult, error) {
	res := &types.GenerationResult{Success: true}
	var text strings.Builder
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, provider.Wrap(provider.KindTransport, "gemini stream", err)
		}
		if resp.UsageMetadata != nil {
			res.Usage = types.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if fr := finishReason(cand.FinishReason); fr != "" {
			res.FinishReason = fr
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				text.WriteString(string(p))
				options.Emit(string(p))
			case genai.FunctionCall:
				args, err := json.Marshal(p.Args)
				if err != nil {
					return nil, provider.Wrap(provider.KindMalformed, "function call arguments", err)
				}
				res.ToolCalls = append(res.ToolCalls, types.NewToolCall(types.NewCallID(), p.Name, string(args), types.OriginNative))
			}
		}
	}
	res.ResponseText = text.String()
	if len(res.ToolCalls) > 0 {
		res.FinishReason = "tool_calls"
	}
	return res, nil
}

func finishReason(fr genai.FinishReason) string {
	switch fr {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "content_filter"
	}
	return ""
}

func sessionKey(o provider.ChatOptions, system string) string {
	names := toolNames(o.Tools)
	return fmt.Sprintf("%s|%g|%d|%s|%s", o.Model, o.Temperature, o.MaxTokens, strings.Join(names, ","), system)
}

func toolNames(defs []types.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Function.Name
	}
	return names
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}

// responseObject wraps tool output as the object a function response requires.
func responseObject(content string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return map[string]any{"result": content}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": v}
}

func toGeminiTool(defs []types.ToolDefinition) *genai.Tool {
	t := &genai.Tool{}
	for _, d := range defs {
		fd := &genai.FunctionDeclaration{
			Name:        d.Function.Name,
			Description: d.Function.Description,
		}
		if schema, ok := d.Function.Parameters.(map[string]any); ok {
			if props, _ := schema["properties"].(map[string]any); len(props) > 0 {
				fd.Parameters = toSchema(schema)
			}
		}
		t.FunctionDeclarations = append(t.FunctionDeclarations, fd)
	}
	return t
}

// toSchema converts a JSON Schema map into the subset genai understands.
// Untyped or union-typed nodes become strings.
func toSchema(node map[string]any) *genai.Schema {
	s := &genai.Schema{}
	if desc, ok := node["description"].(string); ok {
		s.Description = desc
	}
	typ, _ := node["type"].(string)
	if typ == "" {
		if alts, ok := node["anyOf"].([]any); ok && len(alts) > 0 {
			if first, ok := alts[0].(map[string]any); ok {
				alt := toSchema(first)
				alt.Description = s.Description
				return alt
			}
		}
	}
	switch typ {
	case "object":
		s.Type = genai.TypeObject
		if props, ok := node["properties"].(map[string]any); ok {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					s.Properties[name] = toSchema(pm)
				}
			}
		}
		s.Required = stringList(node["required"])
	case "array":
		s.Type = genai.TypeArray
		if items, ok := node["items"].(map[string]any); ok {
			s.Items = toSchema(items)
		} else {
			s.Items = &genai.Schema{Type: genai.TypeString}
		}
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
		s.Enum = stringList(node["enum"])
	}
	return s
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

var _ provider.ChatModel = (*ChatModel)(nil)
