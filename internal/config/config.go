package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Ollama      OllamaConfig
	Generator   GeneratorConfig
	Proxy       ProxyConfig
	Compression CompressionConfig
	Pricing     PricingConfig
	Session     SessionConfig
	Worker      WorkerConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL string
	// FastModel runs entity extraction, DeepModel writes reports when the
	// generator backend is ollama.
	FastModel string
	DeepModel string
}

type GeneratorConfig struct {
	Backend string
	// Model overrides the backend's default report model.
	Model string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	BaseURL          string
}

type CompressionConfig struct {
	ThresholdTokens int
	// Model is the summarizer model. Empty means the fast Ollama model.
	Model string
}

type PricingConfig struct {
	InputPer1K  float64
	OutputPer1K float64
}

type SessionConfig struct {
	AutoMode bool
}

type WorkerConfig struct {
	PollInterval string
}

const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"

	defaultPollInterval = 500 * time.Millisecond
)

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Ollama: OllamaConfig{
			BaseURL:   "http://localhost:11434",
			FastModel: "llama3.2",
			DeepModel: "mistral-nemo",
		},
		Generator:   GeneratorConfig{Backend: BackendOllama},
		Proxy:       ProxyConfig{BaseURL: "https://openrouter.ai/api/v1"},
		Compression: CompressionConfig{ThresholdTokens: 8000},
		Worker:      WorkerConfig{PollInterval: "500ms"},
	}
}

// ReportModel is the model that writes reports on the configured backend.
func (c Config) ReportModel() string {
	if c.Generator.Model != "" {
		return c.Generator.Model
	}
	if c.Generator.Backend == BackendOpenRouter {
		return "anthropic/claude-sonnet-4"
	}
	return c.Ollama.DeepModel
}

// SummarizerModel is the model used for compression.
func (c Config) SummarizerModel() string {
	if c.Compression.Model != "" {
		return c.Compression.Model
	}
	if c.Generator.Backend == BackendOpenRouter {
		return c.ReportModel()
	}
	return c.Ollama.FastModel
}

// ExtractionModel is the model that pulls entity mentions out of reports.
func (c Config) ExtractionModel() string {
	if c.Generator.Backend == BackendOpenRouter {
		return c.ReportModel()
	}
	return c.Ollama.FastModel
}

// PollInterval parses worker.poll_interval, falling back to 500ms.
func (c Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Worker.PollInterval)
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Generator.Backend {
	case BackendOllama:
	case BackendOpenRouter:
		if c.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key for generator.backend=openrouter. "+
				"Set it via environment variable FOLIO_OPENROUTER_API_KEY%s", apiKeyHint())
		}
	default:
		return fmt.Errorf("generator.backend must be %q or %q, got %q", BackendOllama, BackendOpenRouter, c.Generator.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Compression.ThresholdTokens <= 0 {
		return fmt.Errorf("compression.threshold_tokens must be positive, got %d", c.Compression.ThresholdTokens)
	}
	if c.Pricing.InputPer1K < 0 || c.Pricing.OutputPer1K < 0 {
		return fmt.Errorf("pricing must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.folio.app) and secrets
// fall back to the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/folio/config.json
// and secrets fall back to $XDG_DATA_HOME/folio/secrets.json.
//
// Environment variables (FOLIO_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(secretService, openRouterAccount); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
