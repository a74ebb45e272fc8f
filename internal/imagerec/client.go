package imagerec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPrompt is the stock lesion-description instruction.
const DefaultPrompt = "识别当前病灶相关的图片内容。请仔细观察图片中的所有细节，用专业医学术语描述图片中的病灶特征、位置、形态、颜色、大小等关键信息。如果图片中没有明显的病灶相关内容或与医疗诊断无关，请明确说明\"图片内容与病灶无关\"。请使用专业、严谨的语气进行描述。"

const defaultBaseURL = "https://api.siliconflow.cn"

// Config holds the image-recognition settings persisted alongside the
// doctor roster.
type Config struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	Provider      string `mapstructure:"provider" json:"provider"`
	Model         string `mapstructure:"model" json:"model"`
	APIKey        string `mapstructure:"api_key" json:"apiKey"`
	BaseURL       string `mapstructure:"base_url" json:"baseUrl"`
	Prompt        string `mapstructure:"prompt" json:"prompt"`
	MaxConcurrent int    `mapstructure:"max_concurrent" json:"maxConcurrent"`
}

// NormalizeMaxConcurrent clamps the concurrency bound to >= 1.
func NormalizeMaxConcurrent(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Client calls a vision chat-completions endpoint with an inline image.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a vision client.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 120 * time.Second}}
}

// Recognize submits one base64-encoded image and returns the textual
// finding. The request uses the content-parts chat shape.
func (c *Client) Recognize(ctx context.Context, cfg Config, imageBase64 string) (string, error) {
	if cfg.APIKey == "" {
		return "", errors.New("imagerec: missing API key")
	}
	if cfg.Model == "" {
		return "", errors.New("imagerec: no model configured")
	}
	if imageBase64 == "" {
		return "", errors.New("imagerec: empty image")
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}

	payload := map[string]any{
		"model": cfg.Model,
		"messages": []map[string]any{
			{
				"role":    "system",
				"content": []map[string]any{{"type": "text", "text": prompt}},
			},
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": "请根据上述要求分析以下图片，并返回详细的医学描述。"},
					{"type": "image_url", "image_url": "data:image/jpeg;base64," + imageBase64},
				},
			},
		},
		"temperature": 0.1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("imagerec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("imagerec: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("imagerec: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("imagerec: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out struct {
		Choices []struct {
			Text    string `json:"text"`
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		OutputText string `json:"output_text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("imagerec: %w", err)
	}
	if len(out.Choices) > 0 {
		if text := extractChoiceText(out.Choices[0].Text, out.Choices[0].Message.Content); text != "" {
			return text, nil
		}
	}
	return strings.TrimSpace(out.OutputText), nil
}

// extractChoiceText handles both plain-string and content-parts reply
// shapes.
func extractChoiceText(text string, content json.RawMessage) string {
	if text != "" {
		return strings.TrimSpace(text)
	}
	if len(content) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(content, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			} else if p.Content != "" {
				texts = append(texts, p.Content)
			}
		}
		return strings.TrimSpace(strings.Join(texts, "\n"))
	}
	return ""
}
