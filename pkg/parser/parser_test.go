package parser

import "testing"

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no markers", "hello", "hello"},
		{"paired think", "<think>plan</think>answer", "answer"},
		{"paired reasoning multiline", "<reasoning>\nstep 1\nstep 2\n</reasoning>\n\nok", "ok"},
		{"mixed case", "<THINKING>x</Thinking> y", "y"},
		{"dangling close", "half a thought</think>final", "final"},
		{"two blocks", "<think>a</think>b<think>c</think>d", "bd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripReasoning(tt.in); got != tt.want {
				t.Errorf("StripReasoning() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"prose around", `The result is {"a":[1,2]} as shown.`, `{"a":[1,2]}`, true},
		{"fenced", "```json\n{\"b\":2}\n```", `{"b":2}`, true},
		{"fenced wins over earlier bare", "{\"x\":1}\n```json\n{\"b\":2}\n```", `{"b":2}`, true},
		{"array", `rows: [1,2,3]`, `[1,2,3]`, true},
		{"skips invalid", `{not json} {"ok":true}`, `{"ok":true}`, true},
		{"none", "nothing here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractJSON() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestJSONParser(t *testing.T) {
	type answer struct {
		Total float64 `json:"total"`
	}
	p := NewJSONParser[answer]()

	got, err := p.Parse("<think>sum it</think>```json\n{\"total\": 31540.91}\n```")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Total != 31540.91 {
		t.Errorf("Total = %v", got.Total)
	}

	if _, err := p.Parse("no payload"); err == nil {
		t.Error("Parse() expected error for missing payload")
	}
}
