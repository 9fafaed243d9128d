package openai

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
		{
			name:    "Empty API Key",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name:    "Valid Config",
			cfg:     Config{APIKey: "test-key"},
			wantErr: false,
		},
		{
			name:    "OpenRouter",
			cfg:     Config{Name: "openrouter", APIKey: "test-key", BaseURL: OpenRouterBaseURL, Referer: "https://tally.local", AppName: "tally"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewChatModel(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewChatModel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == nil {
				t.Error("NewChatModel() returned nil success")
			}
		})
	}
}

func writeChunks(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestChatAssemblesStreamedToolCalls(t *testing.T) {
	var gotReq map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		gotHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotReq)
		writeChunks(w,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"check."}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"query","arguments":"{\"table\":"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"receipts\"}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	}))
	defer srv.Close()

	m, err := NewChatModel(Config{APIKey: "k", BaseURL: srv.URL, Referer: "https://tally.local", AppName: "tally"})
	if err != nil {
		t.Fatalf("NewChatModel() error = %v", err)
	}

	var deltas []string
	tools := []types.ToolDefinition{{Type: "function", Function: types.FunctionDefinition{Name: "query", Parameters: map[string]any{"type": "object"}}}}
	res, err := m.Chat(context.Background(),
		[]types.Message{{Role: types.RoleUser, Content: "how much?"}},
		provider.WithTools(tools),
		provider.WithOnDelta(func(s string) { deltas = append(deltas, s) }),
	)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Chat() failed: %s", res.ErrorMessage)
	}
	if res.ResponseText != "Let me check." || strings.Join(deltas, "") != "Let me check." {
		t.Errorf("text = %q, deltas = %v", res.ResponseText, deltas)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
	call := res.ToolCalls[0]
	if call.ID != "call_a" || call.Function.Name != "query" || call.Function.Arguments != `{"table":"receipts"}` || call.Origin != types.OriginNative {
		t.Errorf("call = %+v", call)
	}
	if res.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}

	if gotHeaders.Get("HTTP-Referer") != "https://tally.local" || gotHeaders.Get("X-Title") != "tally" {
		t.Errorf("attribution headers missing: %v", gotHeaders)
	}
	if gotReq["stream"] != true {
		t.Errorf("request stream = %v", gotReq["stream"])
	}
	if reqTools, _ := gotReq["tools"].([]any); len(reqTools) != 1 {
		t.Errorf("request tools = %v", gotReq["tools"])
	}
}

func TestChatReportsFailuresInResult(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		timeout  time.Duration
		wantKind provider.Kind
	}{
		{
			name: "api error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
			},
			timeout:  5 * time.Second,
			wantKind: provider.KindAPI,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout:  50 * time.Millisecond,
			wantKind: provider.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m, err := NewChatModel(Config{APIKey: "k", BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("NewChatModel() error = %v", err)
			}
			res, err := m.Chat(context.Background(), []types.Message{{Role: types.RoleUser, Content: "hi"}}, provider.WithTimeout(tt.timeout))
			if err != nil {
				t.Fatalf("Chat() error = %v, want failure inside result", err)
			}
			if res.Success || res.ErrorKind != string(tt.wantKind) {
				t.Errorf("result = %+v, want kind %s", res, tt.wantKind)
			}
		})
	}
}

func TestChatPropagatesCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	m, _ := NewChatModel(Config{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := m.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: "hi"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Chat() error = %v, want context.Canceled", err)
	}
}

// --- Live Tests below ---

func getLiveClient(t *testing.T) provider.ChatModel {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping live test: OPENAI_API_KEY not set")
	}

	client, err := NewChatModel(Config{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestLive_Chat(t *testing.T) {
	client := getLiveClient(t)

	res, err := client.Chat(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "Hello, reply with 'LIVE TEST OK'"},
	})
	if err != nil {
		t.Fatalf("Live Chat() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Live Chat() failed: %s", res.ErrorMessage)
	}
	t.Logf("Response: %s", res.ResponseText)
}
