package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxRetries        = 2
	defaultThinkDelay = 600 * time.Millisecond
	anthropicVersion  = "2023-06-01"
	anthropicMaxTok   = 1024
)

var defaultBaseURLs = map[string]string{
	OpenAI:    "https://api.openai.com",
	Anthropic: "https://api.anthropic.com",
	Gemini:    "https://generativelanguage.googleapis.com",
}

// Client dispatches prompts to heterogeneous AI backends behind one Send
// call. Doctors without a credential get a canned simulated reply after a
// fixed thinking delay and never fail.
type Client struct {
	httpClient  *http.Client
	thinkDelay  time.Duration
	backoffFunc func(attempt int) time.Duration
}

func defaultBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// NewClient creates a Client with default timeouts and backoff.
func NewClient() *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		thinkDelay:  defaultThinkDelay,
		backoffFunc: defaultBackoff,
	}
}

// SetThinkDelay overrides the simulated-mode thinking delay (tests).
func (c *Client) SetThinkDelay(d time.Duration) { c.thinkDelay = d }

// SetBackoff overrides the retry backoff schedule (tests).
func (c *Client) SetBackoff(f func(attempt int) time.Duration) { c.backoffFunc = f }

// Send delivers a prompt plus conversational history to the doctor's
// configured backend and returns the reply text. An empty reply is not an
// error; transport failures, non-2xx statuses and unknown provider
// identifiers are reported as *Error.
func (c *Client) Send(ctx context.Context, cfg Config, prompt Prompt, history []Message) (string, error) {
	if cfg.APIKey == "" {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.thinkDelay):
		}
		return fmt.Sprintf("【模拟回复 - %s】\n根据提供的病历与讨论历史，我认为需要进一步完善体格检查与辅助检查以明确诊断。", cfg.Name), nil
	}

	switch cfg.Provider {
	case OpenAI:
		return c.sendOpenAI(ctx, cfg, prompt, history)
	case Anthropic:
		return c.sendAnthropic(ctx, cfg, prompt, history)
	case Gemini:
		return c.sendGemini(ctx, cfg, prompt, history)
	default:
		return "", &Error{Provider: cfg.Provider, Err: errors.New("unsupported AI provider")}
	}
}

func baseURL(cfg Config) string {
	u := strings.TrimSpace(cfg.BaseURL)
	if u == "" {
		u = defaultBaseURLs[cfg.Provider]
	}
	return strings.TrimRight(u, "/")
}

func chatHistory(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role == "user" || m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) sendOpenAI(ctx context.Context, cfg Config, prompt Prompt, history []Message) (string, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: prompt.System})
	messages = append(messages, chatHistory(history)...)
	messages = append(messages, Message{Role: "user", Content: prompt.User})

	payload := map[string]any{
		"model":       cfg.Model,
		"messages":    messages,
		"temperature": 0.7,
	}
	body, err := c.post(ctx, cfg, baseURL(cfg)+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Provider: cfg.Provider, Err: err}
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *Client) sendAnthropic(ctx context.Context, cfg Config, prompt Prompt, history []Message) (string, error) {
	messages := append(chatHistory(history), Message{Role: "user", Content: prompt.User})
	payload := map[string]any{
		"model":      cfg.Model,
		"max_tokens": anthropicMaxTok,
		"system":     prompt.System,
		"messages":   messages,
	}
	body, err := c.post(ctx, cfg, baseURL(cfg)+"/v1/messages", payload, map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Provider: cfg.Provider, Err: err}
	}
	if len(out.Content) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Content[0].Text), nil
}

// sendGemini remaps the assistant role to "model" and carries the system
// prompt as a systemInstruction, per the generateContent shape.
func (c *Client) sendGemini(ctx context.Context, cfg Config, prompt Prompt, history []Message) (string, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role"`
		Parts []part `json:"parts"`
	}

	contents := make([]content, 0, len(history)+1)
	for _, m := range chatHistory(history) {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: prompt.User}}})

	payload := map[string]any{
		"systemInstruction": content{Role: "system", Parts: []part{{Text: prompt.System}}},
		"contents":          contents,
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		baseURL(cfg), url.PathEscape(cfg.Model), url.QueryEscape(cfg.APIKey))
	body, err := c.post(ctx, cfg, endpoint, payload, nil)
	if err != nil {
		return "", err
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []part `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Provider: cfg.Provider, Err: err}
	}
	if len(out.Candidates) == 0 {
		return "", nil
	}
	parts := out.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) == 1 {
		return strings.TrimSpace(parts[0].Text), nil
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
	}
	return strings.TrimSpace(strings.Join(texts, "\n")), nil
}

func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// post sends a JSON payload and returns the response body, retrying
// transient 429/5xx responses with backoff.
func (c *Client) post(ctx context.Context, cfg Config, endpoint string, payload any, headers map[string]string) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Provider: cfg.Provider, Err: err}
	}

	var lastStatus int
	var lastBody string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoffFunc(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, &Error{Provider: cfg.Provider, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &Error{Provider: cfg.Provider, Err: err}
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode/100 == 2 {
			return body, nil
		}
		if !isRetryable(resp.StatusCode) {
			return nil, &Error{Provider: cfg.Provider, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
		}
		lastStatus = resp.StatusCode
		lastBody = strings.TrimSpace(string(body))
	}
	return nil, &Error{Provider: cfg.Provider, Status: lastStatus, Err: errors.New(lastBody)}
}
