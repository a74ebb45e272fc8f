package provider

import "fmt"

// Supported provider families.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
)

// Config identifies one doctor's backend: provider family, model, credential
// and an optional base-URL override for self-hosted or proxied deployments.
// An empty APIKey selects simulated mode.
type Config struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseUrl"`
}

// Prompt is a system/user prompt pair produced by the prompt builder.
type Prompt struct {
	System string
	User   string
}

// Message is one turn of provider-shaped conversational context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Error reports a gateway failure: transport error, non-2xx response or an
// unsupported provider identifier.
type Error struct {
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: unexpected status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ModelOption is one selectable model returned by model enumeration.
type ModelOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}
