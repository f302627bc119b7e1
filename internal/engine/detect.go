package engine

import (
	"fmt"

	"github.com/kalambet/folio/internal/proxy"
)

const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend          string
	OllamaBaseURL    string
	OpenRouterAPIKey string
	// OpenRouterBaseURL overrides the API endpoint (for testing).
	OpenRouterBaseURL string
}

// Detect returns the Engine for the configured backend. An empty backend
// means Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case BackendOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter backend needs an API key (set FOLIO_OPENROUTER_API_KEY)")
		}
		client := proxy.NewClient(cfg.OpenRouterAPIKey)
		if cfg.OpenRouterBaseURL != "" {
			client = proxy.NewClientWithBaseURL(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
		}
		return NewOpenRouterEngine(client), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.Backend)
	}
}
