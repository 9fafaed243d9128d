package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"tally/pkg/provider"
	"tally/pkg/types"
)

func TestNewChatModel(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"explicit url", Config{BaseURL: "http://gpu-box:11434/"}, false},
		{"bad scheme", Config{BaseURL: "gpu-box:11434"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChatModel(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewChatModel() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func ndjson(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, l := range lines {
		fmt.Fprintln(w, l)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestChatStreamsTextAndToolCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		ndjson(w,
			`{"message":{"role":"assistant","content":"Checking"},"done":false}`,
			`{"message":{"role":"assistant","content":" totals","tool_calls":[{"function":{"name":"query","arguments":{"table":"receipts"}}}]},"done":false}`,
			``,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":5}`,
		)
	}))
	defer srv.Close()

	m, _ := NewChatModel(Config{BaseURL: srv.URL, Model: "qwen2.5"})
	var deltas []string
	tools := []types.ToolDefinition{{Type: "function", Function: types.FunctionDefinition{Name: "query"}}}
	res, err := m.Chat(context.Background(), []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "total?"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{types.NewToolCall("call_1", "query", `{"table":"items"}`, types.OriginNative)}},
		{Role: types.RoleTool, Name: "query", ToolCallID: "call_1", Content: `{"rows":[]}`},
	}, provider.WithTools(tools), provider.WithOnDelta(func(s string) { deltas = append(deltas, s) }))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Chat() failed: %s", res.ErrorMessage)
	}

	if res.ResponseText != "Checking totals" || strings.Join(deltas, "|") != "Checking| totals" {
		t.Errorf("text = %q, deltas = %q", res.ResponseText, deltas)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Function.Name != "query" || res.ToolCalls[0].Function.Arguments != `{"table":"receipts"}` {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
	if !strings.HasPrefix(res.ToolCalls[0].ID, "call_") {
		t.Errorf("generated ID = %q", res.ToolCalls[0].ID)
	}
	if res.Usage.TotalTokens != 17 || res.FinishReason != "tool_calls" {
		t.Errorf("usage = %+v finish = %q", res.Usage, res.FinishReason)
	}

	if got.Model != "qwen2.5" || !got.Stream || len(got.Tools) != 1 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 4 || string(got.Messages[2].ToolCalls[0].Function.Arguments) != `{"table":"items"}` || got.Messages[3].ToolName != "query" {
		t.Errorf("request messages = %+v", got.Messages)
	}
}

func TestChatOmitsToolsWhenDisabled(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		ndjson(w, `{"message":{"role":"assistant","content":"hi"},"done":true}`)
	}))
	defer srv.Close()

	m, _ := NewChatModel(Config{BaseURL: srv.URL, NoTools: true})
	tools := []types.ToolDefinition{{Type: "function", Function: types.FunctionDefinition{Name: "query"}}}
	if _, err := m.Chat(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, provider.WithTools(tools)); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if m.SupportsTools() || len(got.Tools) != 0 {
		t.Errorf("tools sent = %v", got.Tools)
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		ndjson(w,
			`{"response":"forty","done":false}`,
			`{"response":"-two","done":true,"eval_count":2}`,
		)
	}))
	defer srv.Close()

	m, _ := NewChatModel(Config{BaseURL: srv.URL})
	res, err := m.Generate(context.Background(), "answer?")
	if err != nil || !res.Success || res.ResponseText != "forty-two" {
		t.Errorf("Generate() = %+v, %v", res, err)
	}
}

func TestChatFailures(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		timeout  time.Duration
		wantKind provider.Kind
	}{
		{
			name: "status error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":"model \"nope\" not found"}`)
			},
			wantKind: provider.KindAPI,
		},
		{
			name: "error line",
			handler: func(w http.ResponseWriter, r *http.Request) {
				ndjson(w, `{"error":"out of memory"}`)
			},
			wantKind: provider.KindAPI,
		},
		{
			name: "malformed line",
			handler: func(w http.ResponseWriter, r *http.Request) {
				ndjson(w, `{"message":`)
			},
			wantKind: provider.KindMalformed,
		},
		{
			name: "no done marker",
			handler: func(w http.ResponseWriter, r *http.Request) {
				ndjson(w, `{"message":{"role":"assistant","content":"half"},"done":false}`)
			},
			wantKind: provider.KindTransport,
		},
		{
			name: "slow stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				ndjson(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout:  80 * time.Millisecond,
			wantKind: provider.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m, _ := NewChatModel(Config{BaseURL: srv.URL})
			var opts []provider.Option
			if tt.timeout > 0 {
				opts = append(opts, provider.WithTimeout(tt.timeout))
			}
			res, err := m.Chat(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, opts...)
			if err != nil {
				t.Fatalf("Chat() error = %v, want failure inside result", err)
			}
			if res.Success || res.ErrorKind != string(tt.wantKind) {
				t.Errorf("result = %+v, want kind %s", res, tt.wantKind)
			}
		})
	}
}

func TestChatCancelledMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	m, _ := NewChatModel(Config{BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: "x"}},
		provider.WithOnDelta(func(string) { cancel() }))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Chat() error = %v, want context.Canceled", err)
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	m, _ := NewChatModel(Config{BaseURL: srv.URL})
	if err := m.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection() error = %v", err)
	}

	srv.Close()
	if err := m.TestConnection(context.Background()); err == nil {
		t.Error("TestConnection() against a closed server should fail")
	}
}

func TestLive_Chat(t *testing.T) {
	base := os.Getenv("OLLAMA_BASE_URL")
	if base == "" {
		t.Skip("Skipping live test: OLLAMA_BASE_URL not set")
	}
	m, err := NewChatModel(Config{BaseURL: base, Model: os.Getenv("OLLAMA_MODEL")})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	res, err := m.Chat(context.Background(), []types.Message{{Role: types.RoleUser, Content: "Reply with 'LIVE TEST OK'"}})
	if err != nil || !res.Success {
		t.Fatalf("Live Chat() = %+v, %v", res, err)
	}
	t.Logf("Response: %s", res.ResponseText)
}
