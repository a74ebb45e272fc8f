package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ListModels enumerates the models available to a credential, normalized to
// {id, label} options. Used by setup surfaces, not by the engine.
func (c *Client) ListModels(ctx context.Context, cfg Config) ([]ModelOption, error) {
	switch cfg.Provider {
	case OpenAI:
		return c.listOpenAIModels(ctx, cfg)
	case Anthropic:
		return c.listAnthropicModels(ctx, cfg)
	case Gemini:
		return c.listGeminiModels(ctx, cfg)
	default:
		return nil, &Error{Provider: cfg.Provider, Err: errors.New("unsupported AI provider")}
	}
}

func (c *Client) listOpenAIModels(ctx context.Context, cfg Config) ([]ModelOption, error) {
	body, err := c.get(ctx, cfg, baseURL(cfg)+"/v1/models", map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Provider: cfg.Provider, Err: err}
	}
	opts := make([]ModelOption, 0, len(out.Data))
	for _, m := range out.Data {
		opts = append(opts, toOption(m.ID, m.OwnedBy))
	}
	return sortOptions(opts), nil
}

func (c *Client) listAnthropicModels(ctx context.Context, cfg Config) ([]ModelOption, error) {
	body, err := c.get(ctx, cfg, baseURL(cfg)+"/v1/models", map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Provider: cfg.Provider, Err: err}
	}
	opts := make([]ModelOption, 0, len(out.Data))
	for _, m := range out.Data {
		if m.ID == "" {
			continue
		}
		opts = append(opts, toOption(m.ID, m.DisplayName))
	}
	return sortOptions(opts), nil
}

// listGeminiModels tries v1 and falls back to v1beta; model names arrive
// prefixed with "models/".
func (c *Client) listGeminiModels(ctx context.Context, cfg Config) ([]ModelOption, error) {
	var lastErr error
	for _, version := range []string{"v1", "v1beta"} {
		endpoint := fmt.Sprintf("%s/%s/models?key=%s", baseURL(cfg), version, url.QueryEscape(cfg.APIKey))
		body, err := c.get(ctx, cfg, endpoint, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var out struct {
			Models []struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
			} `json:"models"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = &Error{Provider: cfg.Provider, Err: err}
			continue
		}
		opts := make([]ModelOption, 0, len(out.Models))
		for _, m := range out.Models {
			id := strings.TrimPrefix(m.Name, "models/")
			if id == "" {
				continue
			}
			opts = append(opts, toOption(id, m.DisplayName))
		}
		return sortOptions(opts), nil
	}
	return nil, lastErr
}

func toOption(id, displayName string) ModelOption {
	label := id
	if displayName != "" {
		label = fmt.Sprintf("%s (%s)", id, displayName)
	}
	return ModelOption{ID: id, Label: label}
}

func sortOptions(opts []ModelOption) []ModelOption {
	sort.Slice(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
	return opts
}

func (c *Client) get(ctx context.Context, cfg Config, endpoint string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Provider: cfg.Provider, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Provider: cfg.Provider, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, &Error{Provider: cfg.Provider, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}
	return body, nil
}
