package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"medcouncil/internal/consult"
	"medcouncil/internal/imagerec"
)

// DoctorConfig is the persisted per-doctor configuration: identity and
// backend, without consultation state (status/votes).
type DoctorConfig struct {
	ID           string `mapstructure:"id" json:"id"`
	Name         string `mapstructure:"name" json:"name"`
	Provider     string `mapstructure:"provider" json:"provider"`
	Model        string `mapstructure:"model" json:"model"`
	APIKey       string `mapstructure:"api_key" json:"apiKey"`
	BaseURL      string `mapstructure:"base_url" json:"baseUrl"`
	CustomPrompt string `mapstructure:"custom_prompt" json:"customPrompt"`
}

// ConsultConfig holds the engine settings.
type ConsultConfig struct {
	SystemPrompt                string `mapstructure:"system_prompt" json:"systemPrompt"`
	SummaryPrompt               string `mapstructure:"summary_prompt" json:"summaryPrompt"`
	TurnOrder                   string `mapstructure:"turn_order" json:"turnOrder"`
	MaxRoundsWithoutElimination int    `mapstructure:"max_rounds_without_elimination" json:"maxRoundsWithoutElimination"`
	TypewriterIntervalMS        int    `mapstructure:"typewriter_interval_ms" json:"typewriterIntervalMs"`
}

// Config is the process-wide configuration: doctor roster, consultation
// settings, image-recognition settings and storage locations. It is loaded
// once at startup and saved on mutation; components receive it by parameter,
// never through a global.
type Config struct {
	Doctors          []DoctorConfig  `mapstructure:"doctors" json:"doctors"`
	Consult          ConsultConfig   `mapstructure:"consult" json:"consult"`
	ImageRecognition imagerec.Config `mapstructure:"image_recognition" json:"imageRecognition"`
	SessionDB        string          `mapstructure:"session_db" json:"sessionDb"`
	ListenAddr       string          `mapstructure:"listen_addr" json:"listenAddr"`

	path string
}

// DefaultDoctors mirrors the stock three-doctor roster.
func DefaultDoctors() []DoctorConfig {
	return []DoctorConfig{
		{ID: "doc-1", Name: "Dr. GPT-4", Provider: "openai", Model: "gpt-4o-mini"},
		{ID: "doc-2", Name: "Dr. Claude 3", Provider: "anthropic", Model: "claude-3-haiku-20240307"},
		{ID: "doc-3", Name: "Dr. Gemini", Provider: "gemini", Model: "gemini-1.5-flash"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("consult.system_prompt", consult.DefaultSystemPrompt)
	v.SetDefault("consult.summary_prompt", consult.DefaultSummaryPrompt)
	v.SetDefault("consult.turn_order", consult.TurnOrderRandom)
	v.SetDefault("consult.max_rounds_without_elimination", 3)
	v.SetDefault("consult.typewriter_interval_ms", 15)
	v.SetDefault("image_recognition.enabled", false)
	v.SetDefault("image_recognition.provider", "siliconflow")
	v.SetDefault("image_recognition.model", "Pro/Qwen/Qwen2-VL-72B-Instruct")
	v.SetDefault("image_recognition.prompt", imagerec.DefaultPrompt)
	v.SetDefault("image_recognition.max_concurrent", 1)
	v.SetDefault("session_db", "medcouncil.db")
	v.SetDefault("listen_addr", ":8080")
}

// LoadDotEnv loads a .env file into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML config file at path, applying defaults for anything
// unset. A missing file yields the default configuration (with the stock
// roster) so first runs work without setup. Credential fields may reference
// environment variables as ${VAR}.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			// fall through to defaults
		} else {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.path = path

	if len(cfg.Doctors) == 0 {
		cfg.Doctors = DefaultDoctors()
	}
	for i := range cfg.Doctors {
		cfg.Doctors[i].APIKey = os.ExpandEnv(cfg.Doctors[i].APIKey)
	}
	cfg.ImageRecognition.APIKey = os.ExpandEnv(cfg.ImageRecognition.APIKey)
	cfg.ImageRecognition.MaxConcurrent = imagerec.NormalizeMaxConcurrent(cfg.ImageRecognition.MaxConcurrent)

	if cfg.Consult.MaxRoundsWithoutElimination < 1 {
		return nil, fmt.Errorf("config: max_rounds_without_elimination must be >= 1, got %d", cfg.Consult.MaxRoundsWithoutElimination)
	}
	if cfg.Consult.TurnOrder != consult.TurnOrderRandom && cfg.Consult.TurnOrder != consult.TurnOrderFixed {
		return nil, fmt.Errorf("config: invalid turn_order %q", cfg.Consult.TurnOrder)
	}
	return &cfg, nil
}

// Save writes the configuration back to its file, creating the directory if
// needed. Called on every mutation of the roster or settings.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config: no file path associated")
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}

	v := viper.New()
	doctors := make([]map[string]any, 0, len(c.Doctors))
	for _, d := range c.Doctors {
		doctors = append(doctors, map[string]any{
			"id":            d.ID,
			"name":          d.Name,
			"provider":      d.Provider,
			"model":         d.Model,
			"api_key":       d.APIKey,
			"base_url":      d.BaseURL,
			"custom_prompt": d.CustomPrompt,
		})
	}
	v.Set("doctors", doctors)
	v.Set("consult.system_prompt", c.Consult.SystemPrompt)
	v.Set("consult.summary_prompt", c.Consult.SummaryPrompt)
	v.Set("consult.turn_order", c.Consult.TurnOrder)
	v.Set("consult.max_rounds_without_elimination", c.Consult.MaxRoundsWithoutElimination)
	v.Set("consult.typewriter_interval_ms", c.Consult.TypewriterIntervalMS)
	v.Set("image_recognition.enabled", c.ImageRecognition.Enabled)
	v.Set("image_recognition.provider", c.ImageRecognition.Provider)
	v.Set("image_recognition.model", c.ImageRecognition.Model)
	v.Set("image_recognition.api_key", c.ImageRecognition.APIKey)
	v.Set("image_recognition.base_url", c.ImageRecognition.BaseURL)
	v.Set("image_recognition.prompt", c.ImageRecognition.Prompt)
	v.Set("image_recognition.max_concurrent", c.ImageRecognition.MaxConcurrent)
	v.Set("session_db", c.SessionDB)
	v.Set("listen_addr", c.ListenAddr)

	if err := v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("config: writing %s: %w", c.path, err)
	}
	return nil
}

// SetDoctors replaces the roster and persists.
func (c *Config) SetDoctors(doctors []DoctorConfig) error {
	c.Doctors = doctors
	return c.Save()
}

// SetImageRecognition replaces the image-recognition settings and persists.
func (c *Config) SetImageRecognition(ir imagerec.Config) error {
	ir.MaxConcurrent = imagerec.NormalizeMaxConcurrent(ir.MaxConcurrent)
	c.ImageRecognition = ir
	return c.Save()
}

// Settings maps the consult section onto engine settings.
func (c *Config) Settings() consult.Settings {
	return consult.Settings{
		GlobalSystemPrompt:          c.Consult.SystemPrompt,
		SummaryPrompt:               c.Consult.SummaryPrompt,
		TurnOrder:                   c.Consult.TurnOrder,
		MaxRoundsWithoutElimination: c.Consult.MaxRoundsWithoutElimination,
		TypewriterInterval:          time.Duration(c.Consult.TypewriterIntervalMS) * time.Millisecond,
		VoteInterval:                50 * time.Millisecond,
	}
}

// Roster maps the configured doctors onto consultation participants.
func (c *Config) Roster() []consult.Doctor {
	doctors := make([]consult.Doctor, 0, len(c.Doctors))
	for _, d := range c.Doctors {
		doctors = append(doctors, consult.Doctor{
			ID:           d.ID,
			Name:         d.Name,
			Provider:     d.Provider,
			Model:        d.Model,
			APIKey:       d.APIKey,
			BaseURL:      d.BaseURL,
			CustomPrompt: d.CustomPrompt,
			Status:       consult.DoctorActive,
		})
	}
	return doctors
}
