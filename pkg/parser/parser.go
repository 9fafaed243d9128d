package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// JSONParser decodes model output or tool arguments into T.
type JSONParser[T any] struct{}

// NewJSONParser creates a new JSON parser.
func NewJSONParser[T any]() *JSONParser[T] {
	return &JSONParser[T]{}
}

// Parse tries to extract and parse JSON from the text.
// It handles reasoning preambles, markdown code blocks and stray prose around the payload.
func (p *JSONParser[T]) Parse(text string) (T, error) {
	var out T
	if trimmed := strings.TrimSpace(text); json.Valid([]byte(trimmed)) {
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return out, fmt.Errorf("failed to parse JSON: %w", err)
		}
		return out, nil
	}
	payload, ok := ExtractJSON(text)
	if !ok {
		return out, fmt.Errorf("no JSON payload found in %q", truncate(text, 200))
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return out, nil
}

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning)>.*?</(?:think|thinking|reasoning)>`)
	reasoningClose = regexp.MustCompile(`(?i)</(?:think|thinking|reasoning)>`)
	fencedBlock    = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\n?(.*?)```")
)

// StripReasoning removes paired reasoning blocks. A close marker left without its
// opener means the opener was consumed upstream, so everything before it is dropped.
func StripReasoning(text string) string {
	out := reasoningBlock.ReplaceAllString(text, "")
	if locs := reasoningClose.FindAllStringIndex(out, -1); len(locs) > 0 {
		out = out[locs[len(locs)-1][1]:]
	}
	return strings.TrimSpace(out)
}

// ExtractJSON returns the first JSON object or array embedded in text.
// Fenced code blocks are preferred over bare payloads.
func ExtractJSON(text string) (string, bool) {
	text = StripReasoning(text)

	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) && isContainer(candidate) {
			return candidate, true
		}
	}

	if start, end, ok := firstJSON(text, 0); ok {
		return text[start:end], true
	}
	return "", false
}

// firstJSON finds the first parseable object or array at or after from.
func firstJSON(s string, from int) (int, int, bool) {
	for i := from; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end, ok := scanBalanced(s, i)
		if !ok {
			continue
		}
		if json.Valid([]byte(s[i:end])) {
			return i, end, true
		}
	}
	return 0, 0, false
}

// scanBalanced returns the index just past the bracket that closes s[start].
// String literals are skipped so braces inside argument values do not count.
func scanBalanced(s string, start int) (int, bool) {
	if start >= len(s) || (s[start] != '{' && s[start] != '[') {
		return 0, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func isContainer(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
