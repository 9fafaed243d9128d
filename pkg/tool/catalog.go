package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"tally/pkg/types"
)

// CallStart and CallEnd delimit a textual tool call for backends without native tools.
const (
	CallStart = "[CALL_START]"
	CallEnd   = "[CALL_END]"
)

// ValidateInput performs a basic required-field check based on the tool schema.
func ValidateInput(tool Tool, input map[string]any) error {
	schema := tool.InputSchema()
	if schema == nil {
		return nil
	}

	required, ok := schema["required"].([]string)
	if !ok {
		if raw, okAny := schema["required"].([]any); okAny {
			for _, v := range raw {
				if s, okStr := v.(string); okStr {
					required = append(required, s)
				}
			}
		}
	}

	for _, field := range required {
		if _, exists := input[field]; !exists {
			return fmt.Errorf("missing required field: %s", field)
		}
	}
	return nil
}

// ToDefinition describes t for providers. Guidance, when present, follows the
// description after a blank line.
func ToDefinition(t Tool) types.ToolDefinition {
	desc := t.Description()
	if g, ok := t.(GuidedTool); ok {
		if notes := strings.TrimSpace(g.Guidance()); notes != "" {
			desc = strings.TrimSpace(desc + "\n\n" + notes)
		}
	}
	return types.ToolDefinition{
		Type: "function",
		Function: types.FunctionDefinition{
			Name:        t.Name(),
			Description: desc,
			Parameters:  t.InputSchema(),
		},
	}
}

// ToDefinitions converts a list of Tools to provider tool definitions.
func ToDefinitions(tools []Tool) []types.ToolDefinition {
	res := make([]types.ToolDefinition, len(tools))
	for i, t := range tools {
		res[i] = ToDefinition(t)
	}
	return res
}

// RenderCatalog renders tool definitions as prose for injection into the system
// message of backends that cannot receive a native tool catalog.
func RenderCatalog(defs []types.ToolDefinition) string {
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You can call the following tools.\n\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "### %s\n", d.Function.Name)
		if d.Function.Description != "" {
			b.WriteString(d.Function.Description)
			b.WriteString("\n")
		}
		if d.Function.Parameters != nil {
			if raw, err := json.MarshalIndent(d.Function.Parameters, "", "  "); err == nil {
				b.WriteString("Parameters (JSON Schema):\n```json\n")
				b.Write(raw)
				b.WriteString("\n```\n")
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("To call a tool, reply with exactly this block and nothing after it:\n")
	fmt.Fprintf(&b, "%s<tool name>\n{\"argument\": \"value\"}\n%s\n", CallStart, CallEnd)
	b.WriteString("The tool result will be sent back to you. When you have what you need, answer in plain text without any call block.")
	return b.String()
}

// RenderCall writes tc in the textual call convention, for histories sent to
// backends that only ever saw calls as text.
func RenderCall(tc types.ToolCall) string {
	args := strings.TrimSpace(tc.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	return CallStart + tc.Function.Name + "\n" + args + "\n" + CallEnd
}
