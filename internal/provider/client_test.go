package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noDelay(attempt int) time.Duration { return 0 }

func testClient() *Client {
	c := NewClient()
	c.SetThinkDelay(0)
	c.SetBackoff(noDelay)
	return c
}

func TestSendSimulatedModeWithoutKey(t *testing.T) {
	c := testClient()
	got, err := c.Send(context.Background(), Config{Name: "Dr. GPT-4", Provider: OpenAI}, Prompt{User: "hi"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "【模拟回复 - Dr. GPT-4】") {
		t.Errorf("simulated reply = %q, want canned header with doctor name", got)
	}
}

func TestSendSimulatedModeHonorsCancellation(t *testing.T) {
	c := NewClient()
	c.SetThinkDelay(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Send(ctx, Config{Name: "Dr. X"}, Prompt{User: "hi"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSendUnsupportedProvider(t *testing.T) {
	c := testClient()
	_, err := c.Send(context.Background(), Config{Provider: "mystery", APIKey: "k"}, Prompt{}, nil)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if perr.Provider != "mystery" {
		t.Errorf("Provider = %q", perr.Provider)
	}
}

func TestSendOpenAIRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model       string    `json:"model"`
			Messages    []Message `json:"messages"`
			Temperature float64   `json:"temperature"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		if req.Temperature != 0.7 {
			t.Errorf("temperature = %v", req.Temperature)
		}
		// system + one history message + user
		if len(req.Messages) != 3 {
			t.Fatalf("messages = %d, want 3", len(req.Messages))
		}
		if req.Messages[0].Role != "system" || req.Messages[0].Content != "sys" {
			t.Errorf("messages[0] = %+v", req.Messages[0])
		}
		if req.Messages[1].Role != "assistant" {
			t.Errorf("messages[1].Role = %q", req.Messages[1].Role)
		}
		if req.Messages[2].Role != "user" || req.Messages[2].Content != "ask" {
			t.Errorf("messages[2] = %+v", req.Messages[2])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  reply  "}}]}`)
	}))
	defer server.Close()

	c := testClient()
	got, err := c.Send(context.Background(), Config{Provider: OpenAI, Model: "gpt-4o-mini", APIKey: "test-key", BaseURL: server.URL},
		Prompt{System: "sys", User: "ask"},
		[]Message{{Role: "assistant", Content: "Dr. 1: 意见"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "reply" {
		t.Errorf("reply = %q, want trimmed %q", got, "reply")
	}
}

func TestSendAnthropicRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model     string    `json:"model"`
			MaxTokens int       `json:"max_tokens"`
			System    string    `json:"system"`
			Messages  []Message `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if req.System != "sys" {
			t.Errorf("system = %q", req.System)
		}
		if req.MaxTokens != 1024 {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		// System never appears in messages; last message is the user prompt.
		for _, m := range req.Messages {
			if m.Role == "system" {
				t.Error("system role leaked into messages")
			}
		}
		if last := req.Messages[len(req.Messages)-1]; last.Role != "user" || last.Content != "ask" {
			t.Errorf("last message = %+v", last)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"claude reply"}]}`)
	}))
	defer server.Close()

	c := testClient()
	got, err := c.Send(context.Background(), Config{Provider: Anthropic, Model: "claude-3-haiku-20240307", APIKey: "test-key", BaseURL: server.URL},
		Prompt{System: "sys", User: "ask"},
		[]Message{{Role: "user", Content: "患者: 补充"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "claude reply" {
		t.Errorf("reply = %q", got)
	}
}

func TestSendGeminiRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}

		body, _ := io.ReadAll(r.Body)
		var req struct {
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if req.SystemInstruction.Parts[0].Text != "sys" {
			t.Errorf("systemInstruction = %+v", req.SystemInstruction)
		}
		// assistant history must be remapped to the "model" role
		if req.Contents[0].Role != "model" {
			t.Errorf("contents[0].Role = %q, want model", req.Contents[0].Role)
		}
		if last := req.Contents[len(req.Contents)-1]; last.Role != "user" || last.Parts[0].Text != "ask" {
			t.Errorf("last content = %+v", last)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"part one"},{"text":"part two"}]}}]}`)
	}))
	defer server.Close()

	c := testClient()
	got, err := c.Send(context.Background(), Config{Provider: Gemini, Model: "gemini-1.5-flash", APIKey: "test-key", BaseURL: server.URL},
		Prompt{System: "sys", User: "ask"},
		[]Message{{Role: "assistant", Content: "Dr. 1: 意见"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "part one\npart two" {
		t.Errorf("reply = %q, want joined parts", got)
	}
}

func TestSendEmptyChoicesIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	c := testClient()
	got, err := c.Send(context.Background(), Config{Provider: OpenAI, APIKey: "k", BaseURL: server.URL}, Prompt{User: "ask"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("reply = %q, want empty", got)
	}
}

func TestSendRetries429ThenSucceeds(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if count.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, "rate limited")
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	c := testClient()
	got, err := c.Send(context.Background(), Config{Provider: OpenAI, APIKey: "k", BaseURL: server.URL}, Prompt{User: "ask"}, nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got != "ok" {
		t.Errorf("reply = %q", got)
	}
	if got := count.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestSendExhaustsRetriesOn500(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer server.Close()

	c := testClient()
	_, err := c.Send(context.Background(), Config{Provider: OpenAI, APIKey: "k", BaseURL: server.URL}, Prompt{User: "ask"}, nil)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if perr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d", perr.Status)
	}
	if got := count.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestSendNoRetryOn400(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	}))
	defer server.Close()

	c := testClient()
	_, err := c.Send(context.Background(), Config{Provider: OpenAI, APIKey: "k", BaseURL: server.URL}, Prompt{User: "ask"}, nil)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if perr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", perr.Status)
	}
	if got := count.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (no retry)", got)
	}
}
