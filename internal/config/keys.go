package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FOLIO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FOLIO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "FOLIO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "FOLIO_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "FOLIO_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.deep_model", typ: kString, env: "FOLIO_OLLAMA_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.DeepModel },
	},
	{
		key: "generator.backend", typ: kString, env: "FOLIO_GENERATOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generator.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.Backend },
	},
	{
		key: "generator.model", typ: kString, env: "FOLIO_GENERATOR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generator.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.Model },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "FOLIO_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.base_url", typ: kString, env: "FOLIO_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "compression.threshold_tokens", typ: kInt, env: "FOLIO_COMPRESSION_THRESHOLD_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Compression.ThresholdTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Compression.ThresholdTokens },
	},
	{
		key: "compression.model", typ: kString, env: "FOLIO_COMPRESSION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Compression.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Compression.Model },
	},
	{
		key: "pricing.input_per_1k", typ: kFloat, env: "FOLIO_PRICING_INPUT_PER_1K",
		apply:   func(cfg *Config, v any) { cfg.Pricing.InputPer1K = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pricing.InputPer1K },
	},
	{
		key: "pricing.output_per_1k", typ: kFloat, env: "FOLIO_PRICING_OUTPUT_PER_1K",
		apply:   func(cfg *Config, v any) { cfg.Pricing.OutputPer1K = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pricing.OutputPer1K },
	},
	{
		key: "session.auto_mode", typ: kBool, env: "FOLIO_SESSION_AUTO_MODE",
		apply:   func(cfg *Config, v any) { cfg.Session.AutoMode = v.(bool) },
		extract: func(cfg Config) any { return cfg.Session.AutoMode },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "FOLIO_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				parsed, err := parseTyped(s.typ, v)
				if err != nil {
					slog.Warn("could not parse config value, using default", "key", s.key, "value", v, "error", err)
					continue
				}
				s.apply(cfg, parsed)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseTyped(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseTyped(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
