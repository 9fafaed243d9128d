package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"tally/pkg/types"
)

// Extraction is the result of recovering tool calls from free-form text.
type Extraction struct {
	Calls []types.ToolCall
	// Text is the visible text that preceded the first recognized call.
	Text string
	// Strategy names the convention that matched.
	Strategy string
}

type rawCall struct {
	name string
	args string
}

type match struct {
	start, end int
	calls      []rawCall
}

// strategy is one textual convention. Explicit conventions carry their own intent
// marker and accept any tool name; the others only accept known tools.
type strategy struct {
	name     string
	explicit bool
	find     func(text string) []match
}

// Extractor recognizes the conventions models use to request a function call
// when no native mechanism fired. Strategies run in order and the first one that
// yields calls wins.
type Extractor struct {
	known      map[string]string // lowercased -> registered name
	strategies []strategy
}

// NewExtractor builds an extractor. knownTools restricts the implicit strategies
// (function syntax, fenced JSON, bare JSON) to those names.
func NewExtractor(knownTools ...string) *Extractor {
	e := &Extractor{known: make(map[string]string, len(knownTools))}
	for _, name := range knownTools {
		e.known[strings.ToLower(name)] = name
	}
	e.strategies = []strategy{
		{name: "call_markers", explicit: true, find: findMarkedCalls},
		{name: "tagged_block", explicit: true, find: findTaggedCalls},
		{name: "function_syntax", find: findFunctionSyntax},
		{name: "fenced_json", find: findFencedCalls},
		{name: "bare_json", find: findBareCalls},
	}
	return e
}

// ExtractToolCalls is a convenience wrapper around NewExtractor(knownTools...).Extract.
func ExtractToolCalls(text string, knownTools ...string) (Extraction, bool) {
	return NewExtractor(knownTools...).Extract(text)
}

// Extract returns the calls embedded in text and the text that preceded them.
func (e *Extractor) Extract(text string) (Extraction, bool) {
	cleaned := StripReasoning(text)
	if cleaned == "" {
		return Extraction{}, false
	}

	for _, s := range e.strategies {
		var calls []types.ToolCall
		first := -1
		for _, m := range s.find(cleaned) {
			accepted := false
			for _, rc := range m.calls {
				name, ok := e.resolveName(rc.name, s.explicit)
				if !ok {
					continue
				}
				calls = append(calls, types.NewToolCall(types.NewCallID(), name, rc.args, types.OriginFallback))
				accepted = true
			}
			if accepted && (first < 0 || m.start < first) {
				first = m.start
			}
		}
		if len(calls) > 0 {
			return Extraction{
				Calls:    calls,
				Text:     strings.TrimSpace(cleaned[:first]),
				Strategy: s.name,
			}, true
		}
	}
	return Extraction{}, false
}

func (e *Extractor) resolveName(name string, explicit bool) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if registered, ok := e.known[strings.ToLower(name)]; ok {
		return registered, true
	}
	if explicit || len(e.known) == 0 {
		return name, true
	}
	return "", false
}

var callMarkers = []struct{ open, close string }{
	{"[CALL_START]", "[CALL_END]"},
	{"[TOOL_CALL]", "[/TOOL_CALL]"},
}

// findMarkedCalls handles "[CALL_START]name\n{...}[CALL_END]" with an optional end marker.
func findMarkedCalls(text string) []match {
	var out []match
	for _, mk := range callMarkers {
		pos := 0
		for {
			idx := strings.Index(text[pos:], mk.open)
			if idx < 0 {
				break
			}
			start := pos + idx
			cursor := start + len(mk.open)
			pos = cursor

			cursor = skipSpace(text, cursor)
			nameEnd := cursor
			for nameEnd < len(text) && isNameChar(text[nameEnd]) {
				nameEnd++
			}
			name := text[cursor:nameEnd]

			cursor = skipSpace(text, nameEnd)
			for cursor < len(text) && (text[cursor] == ':' || text[cursor] == '(') {
				cursor = skipSpace(text, cursor+1)
			}
			if cursor >= len(text) || (text[cursor] != '{' && text[cursor] != '[') {
				continue
			}
			bodyEnd, ok := scanBalanced(text, cursor)
			if !ok {
				continue
			}
			body := text[cursor:bodyEnd]
			if !json.Valid([]byte(body)) {
				continue
			}

			end := skipSpace(text, bodyEnd)
			if end < len(text) && text[end] == ')' {
				end = skipSpace(text, end+1)
			}
			if strings.HasPrefix(text[end:], mk.close) {
				end += len(mk.close)
			} else {
				end = bodyEnd
			}

			var calls []rawCall
			if obj, ok := decodeObject(body); ok && (name == "" || strings.EqualFold(callName(obj), name)) && hasCallShape(obj) {
				calls = callsFromValue(body)
			} else if name != "" {
				calls = []rawCall{{name: name, args: normalizeArgs(json.RawMessage(body))}}
			} else {
				calls = callsFromValue(body)
			}
			if len(calls) == 0 {
				continue
			}
			out = append(out, match{start: start, end: end, calls: calls})
			pos = end
		}
	}
	return out
}

var taggedOpen = regexp.MustCompile(`(?i)<(tool_call|function_call)>`)

// findTaggedCalls handles "<tool_call>{...}</tool_call>"; the close tag is optional.
func findTaggedCalls(text string) []match {
	var out []match
	for _, loc := range taggedOpen.FindAllStringSubmatchIndex(text, -1) {
		cursor := skipSpace(text, loc[1])
		if cursor >= len(text) || (text[cursor] != '{' && text[cursor] != '[') {
			continue
		}
		bodyEnd, ok := scanBalanced(text, cursor)
		if !ok {
			continue
		}
		body := text[cursor:bodyEnd]
		if !json.Valid([]byte(body)) {
			continue
		}
		end := bodyEnd
		closeTag := "</" + strings.ToLower(text[loc[2]:loc[3]]) + ">"
		after := skipSpace(text, bodyEnd)
		if strings.HasPrefix(strings.ToLower(text[after:min(len(text), after+len(closeTag))]), closeTag) {
			end = after + len(closeTag)
		}
		if calls := callsFromValue(body); len(calls) > 0 {
			out = append(out, match{start: loc[0], end: end, calls: calls})
		}
	}
	return out
}

var functionSyntax = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*\{`)

// findFunctionSyntax handles "name({...})".
func findFunctionSyntax(text string) []match {
	var out []match
	for _, loc := range functionSyntax.FindAllStringSubmatchIndex(text, -1) {
		braceAt := loc[1] - 1
		bodyEnd, ok := scanBalanced(text, braceAt)
		if !ok {
			continue
		}
		body := text[braceAt:bodyEnd]
		if !json.Valid([]byte(body)) {
			continue
		}
		end := skipSpace(text, bodyEnd)
		if end >= len(text) || text[end] != ')' {
			continue
		}
		out = append(out, match{
			start: loc[0],
			end:   end + 1,
			calls: []rawCall{{name: text[loc[2]:loc[3]], args: normalizeArgs(json.RawMessage(body))}},
		})
	}
	return out
}

// findFencedCalls handles call objects inside markdown code fences.
func findFencedCalls(text string) []match {
	var out []match
	for _, loc := range fencedBlock.FindAllStringSubmatchIndex(text, -1) {
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if !isContainer(body) || !json.Valid([]byte(body)) {
			continue
		}
		if calls := callsFromValue(body); len(calls) > 0 {
			out = append(out, match{start: loc[0], end: loc[1], calls: calls})
		}
	}
	return out
}

// findBareCalls handles call objects or arrays appearing directly in the text.
func findBareCalls(text string) []match {
	var out []match
	pos := 0
	for pos < len(text) {
		start, end, ok := firstJSON(text, pos)
		if !ok {
			break
		}
		if calls := callsFromValue(text[start:end]); len(calls) > 0 {
			out = append(out, match{start: start, end: end, calls: calls})
		}
		pos = end
	}
	return out
}

// callsFromValue reads one call object, an array of them, or a {"tool_calls": [...]} wrapper.
func callsFromValue(raw string) []rawCall {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	var items []any
	switch t := v.(type) {
	case map[string]any:
		if nested, ok := t["tool_calls"].([]any); ok {
			items = nested
		} else {
			items = []any{t}
		}
	case []any:
		items = t
	}

	var calls []rawCall
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := callName(obj)
		if name == "" {
			continue
		}
		calls = append(calls, rawCall{name: name, args: callArgs(obj)})
	}
	return calls
}

// callName resolves "name" or the nested "function.name".
func callName(obj map[string]any) string {
	if name, ok := obj["name"].(string); ok && name != "" {
		return name
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok {
			return name
		}
	}
	return ""
}

// callArgs resolves "arguments" or "parameters" (top level or under "function"), defaulting to {}.
func callArgs(obj map[string]any) string {
	sources := []map[string]any{obj}
	if fn, ok := obj["function"].(map[string]any); ok {
		sources = append(sources, fn)
	}
	for _, src := range sources {
		for _, key := range []string{"arguments", "parameters"} {
			if v, ok := src[key]; ok && v != nil {
				return normalizeArgs(v)
			}
		}
	}
	return "{}"
}

func hasCallShape(obj map[string]any) bool {
	if callName(obj) == "" {
		return false
	}
	_, hasArgs := obj["arguments"]
	_, hasParams := obj["parameters"]
	_, hasFunction := obj["function"]
	return hasArgs || hasParams || hasFunction
}

// normalizeArgs renders arguments as JSON object text. Arguments given as a JSON
// string are unwrapped; anything that is not an object becomes {}.
func normalizeArgs(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		var obj map[string]any
		if json.Unmarshal(t, &obj) == nil {
			return string(t)
		}
		return "{}"
	case string:
		var obj map[string]any
		if json.Unmarshal([]byte(t), &obj) == nil {
			return t
		}
		return "{}"
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return "{}"
		}
		return string(raw)
	}
	return "{}"
}

func decodeObject(raw string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isNameChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
