package cadagent

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// Config carries everything the agent needs: provider selection,
// credentials, loop limits, and compaction tuning. One value is passed
// into NewAgent; there are no process-wide mutable settings.
type Config struct {
	Provider      string  `env:"FREECAD_AI_PROVIDER" envDefault:"anthropic"`
	Model         string  `env:"FREECAD_AI_MODEL"`
	APIKey        string  `env:"FREECAD_AI_API_KEY"`
	BaseURL       string  `env:"FREECAD_AI_BASE_URL"`
	Temperature   float64 `env:"FREECAD_AI_TEMPERATURE" envDefault:"0.2"`
	MaxTokens     int     `env:"FREECAD_AI_MAX_TOKENS" envDefault:"4096"`
	ContextWindow int     `env:"FREECAD_AI_CONTEXT_WINDOW"`

	// CompactionFraction of the context window is the token threshold
	// that triggers history compaction.
	CompactionFraction float64 `env:"FREECAD_AI_COMPACTION_FRACTION" envDefault:"0.7"`
	KeepRecent         int     `env:"FREECAD_AI_KEEP_RECENT" envDefault:"6"`

	MaxIterations int           `env:"FREECAD_AI_MAX_ITERATIONS" envDefault:"20"`
	RetryBudget   int           `env:"FREECAD_AI_RETRY_BUDGET" envDefault:"3"`
	ToolTimeout   time.Duration `env:"FREECAD_AI_TOOL_TIMEOUT" envDefault:"30s"`

	// PlanMode proposes tool calls without executing them.
	PlanMode bool `env:"FREECAD_AI_PLAN_MODE"`

	// SessionDBPath is the SQLite file for session persistence; empty
	// selects the in-memory store.
	SessionDBPath string `env:"FREECAD_AI_SESSION_DB"`
}

// Wire styles name the adapter family that speaks to a provider.
const (
	WireAnthropic = "anthropic"
	WireOpenAI    = "openai"
)

// ProviderPreset carries per-provider defaults.
type ProviderPreset struct {
	DefaultModel  string
	BaseURL       string
	WireStyle     string
	ContextWindow int
}

// ProviderPresets covers the providers the addon configures out of the
// box. Everything except Anthropic rides the OpenAI-compatible wire;
// "custom" is any OpenAI-compatible endpoint supplied via BaseURL.
var ProviderPresets = map[string]ProviderPreset{
	"anthropic": {
		DefaultModel:  "claude-sonnet-4-20250514",
		WireStyle:     WireAnthropic,
		ContextWindow: 200000,
	},
	"openai": {
		DefaultModel:  "gpt-4o",
		WireStyle:     WireOpenAI,
		ContextWindow: 128000,
	},
	"gemini": {
		DefaultModel:  "gemini-2.0-flash",
		BaseURL:       "https://generativelanguage.googleapis.com/v1beta/openai",
		WireStyle:     WireOpenAI,
		ContextWindow: 1048576,
	},
	"openrouter": {
		DefaultModel:  "anthropic/claude-sonnet-4",
		BaseURL:       "https://openrouter.ai/api/v1",
		WireStyle:     WireOpenAI,
		ContextWindow: 200000,
	},
	"ollama": {
		DefaultModel:  "qwen2.5-coder:14b",
		BaseURL:       "http://localhost:11434/v1",
		WireStyle:     WireOpenAI,
		ContextWindow: 32768,
	},
	"custom": {
		WireStyle: WireOpenAI,
	},
}

// LoadConfig reads configuration from the environment, honoring a .env
// file when present, and fills provider defaults.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.applyPreset()
	return cfg, nil
}

func (c *Config) applyPreset() {
	preset, ok := ProviderPresets[c.Provider]
	if !ok {
		return
	}
	if c.Model == "" {
		c.Model = preset.DefaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = preset.BaseURL
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = preset.ContextWindow
	}
}

// WireStyle returns the adapter family for the configured provider.
// Providers without a preset are assumed OpenAI-compatible.
func (c Config) WireStyle() string {
	if preset, ok := ProviderPresets[c.Provider]; ok && preset.WireStyle != "" {
		return preset.WireStyle
	}
	return WireOpenAI
}

// NewClientFromConfig builds the provider client the agent streams
// through: one wire adapter selected by the provider preset, carrying
// the configured credentials and endpoint, registered under the
// provider name and made the default route.
func NewClientFromConfig(cfg Config) (*llmwire.Client, error) {
	cfg.applyPreset()
	var adapter llmwire.Adapter
	switch cfg.WireStyle() {
	case WireAnthropic:
		var opts []llmwire.AnthropicOption
		if cfg.BaseURL != "" {
			opts = append(opts, llmwire.WithAnthropicBaseURL(cfg.BaseURL))
		}
		adapter = llmwire.NewAnthropicAdapter(cfg.APIKey, opts...)
	default:
		if cfg.BaseURL == "" && cfg.Provider != "openai" {
			return nil, fmt.Errorf("provider %q has no endpoint: set FREECAD_AI_BASE_URL", cfg.Provider)
		}
		opts := []llmwire.OpenAIOption{llmwire.WithOpenAIName(cfg.Provider)}
		if cfg.BaseURL != "" {
			opts = append(opts, llmwire.WithOpenAIBaseURL(cfg.BaseURL))
		}
		adapter = llmwire.NewOpenAIAdapter(cfg.APIKey, opts...)
	}
	return llmwire.NewClient(
		llmwire.WithAdapter(adapter),
		llmwire.WithDefaultProvider(cfg.Provider),
	), nil
}

// CompactionThreshold derives the token budget that triggers compaction.
func (c Config) CompactionThreshold() int {
	window := c.ContextWindow
	if window == 0 {
		window = 128000
	}
	fraction := c.CompactionFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 0.7
	}
	return int(float64(window) * fraction)
}
