package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Template is a lightweight string template using double-brace placeholders.
// Example: "Dialect: {{dialect}}" with vars map{"dialect": "sqlite"} -> "Dialect: sqlite".
type Template struct {
	Text string
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// NewTemplate returns a Template with the provided text.
func NewTemplate(text string) Template {
	return Template{Text: text}
}

// Render replaces placeholders with values. Missing keys are left untouched.
func (t Template) Render(vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(t.Text, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

// Vars lists the placeholder names in order of first appearance.
func (t Template) Vars() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(t.Text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Join renders sections separated by blank lines, skipping empty ones.
func Join(sections ...string) string {
	kept := sections[:0:0]
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}
