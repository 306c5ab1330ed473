package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"callrelay/core"

	"github.com/bytedance/sonic"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newFakeOpenAI(t *testing.T, captured *capturedRequest, handler func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(body, captured); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		handler(w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

var dialogue = []core.ConversationTurn{
	{Role: core.TurnRoleSystem, Content: "be brief"},
	{Role: core.TurnRoleAssistant, Content: "Hello"},
	{Role: core.TurnRoleUser, Content: "what time is it"},
}

func TestCompleteSendsWholeDialogue(t *testing.T) {
	var captured capturedRequest
	srv := newFakeOpenAI(t, &captured, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Noon."},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	})

	svc := NewOpenAILLMService(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}, core.NewDiscardLogger())
	reply, err := svc.Complete(context.Background(), dialogue)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "Noon." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if captured.Model != DefaultModel || len(captured.Messages) != 3 {
		t.Fatalf("unexpected request %+v", captured)
	}
	roles := []string{captured.Messages[0].Role, captured.Messages[1].Role, captured.Messages[2].Role}
	if strings.Join(roles, ",") != "system,assistant,user" {
		t.Fatalf("unexpected roles %v", roles)
	}
}

func TestCompleteStreaming(t *testing.T) {
	var captured capturedRequest
	srv := newFakeOpenAI(t, &captured, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"It is ", "noon."} {
			w.Write([]byte(`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"` + part + `"}}]}` + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	})

	svc := NewOpenAILLMService(Config{APIKey: "k", BaseURL: srv.URL + "/v1", Streaming: true}, core.NewDiscardLogger())
	reply, err := svc.Complete(context.Background(), dialogue)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "It is noon." || !captured.Stream {
		t.Fatalf("unexpected reply %q (stream=%v)", reply, captured.Stream)
	}
}

func TestCompleteProviderError(t *testing.T) {
	var captured capturedRequest
	srv := newFakeOpenAI(t, &captured, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	})

	svc := NewOpenAILLMService(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}, core.NewDiscardLogger())
	_, err := svc.Complete(context.Background(), dialogue)
	var perr *core.ProviderError
	if !errors.As(err, &perr) || perr.Provider != "openai" {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}
