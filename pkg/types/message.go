package types

import "encoding/json"

// Role identifies who authored a message in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Origin records where a tool call came from.
type Origin string

const (
	// OriginNative marks calls delivered through a backend's own function-call mechanism.
	OriginNative Origin = "native"
	// OriginFallback marks calls recovered from free-form model text.
	OriginFallback Origin = "fallback"
)

// FunctionCall is the name/arguments pair of a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object text
}

// ToolCall represents a request from the model to call a specific function.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // usually "function"
	Function FunctionCall `json:"function"`
	Origin   Origin       `json:"origin,omitempty"`
}

// NewToolCall builds a function-typed call. Empty arguments become "{}".
func NewToolCall(id, name, arguments string, origin Origin) ToolCall {
	if arguments == "" {
		arguments = "{}"
	}
	return ToolCall{
		ID:       id,
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: arguments},
		Origin:   origin,
	}
}

// FunctionDefinition is the declarative contract of a single tool.
type FunctionDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"` // JSON Schema
}

// ToolDefinition describes a tool available to the model.
// It matches the OpenAI tools schema.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is a single chat turn.
// It is designed to be flexible enough to handle various LLM APIs.
type Message struct {
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Name        string     `json:"name,omitempty"`         // For RoleTool: the tool that produced the content
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`   // For RoleAssistant: tools the model wants to call
	ToolCallID  string     `json:"tool_call_id,omitempty"` // For RoleTool: the ID of the call this message responds to
	IsToolError bool       `json:"is_tool_error,omitempty"`
}

// ToolResult is the outcome of one tool execution.
// JSONData is always valid JSON text.
type ToolResult struct {
	Success      bool   `json:"success"`
	JSONData     string `json:"json_data"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ToolSuccess marshals data into a successful result.
func ToolSuccess(data any) ToolResult {
	raw, err := json.Marshal(data)
	if err != nil {
		return ToolFailure("marshal tool output: " + err.Error())
	}
	return ToolResult{Success: true, JSONData: string(raw)}
}

// ToolFailure builds a failed result whose payload carries the message.
func ToolFailure(msg string) ToolResult {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return ToolResult{Success: false, JSONData: string(raw), ErrorMessage: msg}
}

// GenerationResult is the normalized outcome of a provider call.
// When ToolCalls is non-empty, ResponseText holds only the text that preceded the calls.
type GenerationResult struct {
	Success      bool       `json:"success"`
	ResponseText string     `json:"response_text,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"` // stop, length, tool_calls
	Usage        Usage      `json:"usage"`
}
