package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Top-level keys that are not runner definitions. Any other top-level
// object value is treated as a runner keyed by its id.
var reservedKeys = map[string]bool{
	"api":                       true,
	"auto_start_runners":        true,
	"retry_config":              true,
	"request_timeout_seconds":   true,
	"streaming_timeout_seconds": true,
	"log_dir":                   true,
	"models":                    true,
	"host":                      true,
	"port":                      true,
}

// Load reads a configuration file based on its extension, applies defaults
// and validates the result. Supports .json, .yaml/.yml and .toml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	// Runner objects are keyed by arbitrary ids at the top level, so the
	// file is decoded into a generic map first and re-marshaled section by
	// section. This also keeps the three formats behind one code path.
	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(b, &raw); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &raw); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}

	cfg, err = fromRaw(raw)
	if err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func fromRaw(raw map[string]any) (Config, error) {
	var cfg Config

	known := map[string]any{}
	runners := map[string]any{}
	for k, v := range raw {
		if reservedKeys[k] {
			known[k] = v
			continue
		}
		if _, ok := v.(map[string]any); ok {
			runners[k] = v
			continue
		}
		return cfg, fmt.Errorf("unknown top-level key %q", k)
	}

	if err := reencode(known, &cfg); err != nil {
		return cfg, err
	}
	cfg.Runners = make(map[string]RunnerConfig, len(runners))
	for id, v := range runners {
		var rc RunnerConfig
		if err := reencode(v, &rc); err != nil {
			return cfg, fmt.Errorf("runner %q: %w", id, err)
		}
		rc.ID = id
		cfg.Runners[id] = rc
	}
	return cfg, nil
}

// reencode round-trips a generic value through JSON into a typed struct.
func reencode(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func applyDefaults(cfg *Config) {
	if cfg.API.Host == "" {
		cfg.API.Host = DefaultAPIHost
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
	if cfg.API.HealthEndpoint == "" {
		cfg.API.HealthEndpoint = DefaultHealthEndpoint
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	if cfg.StreamingTimeoutSeconds < 0 {
		cfg.StreamingTimeoutSeconds = DefaultStreamingTimeoutSeconds
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = RetryConfig{
			MaxRetries:          DefaultMaxRetries,
			BaseDelaySeconds:    DefaultBaseDelaySeconds,
			MaxDelaySeconds:     DefaultMaxDelaySeconds,
			RetryOnModelLoading: true,
		}
	}
	for id, rc := range cfg.Runners {
		if rc.Host == "" {
			rc.Host = "127.0.0.1"
		}
		cfg.Runners[id] = rc
	}
}

// Validate checks structural constraints the supervisor relies on. Any
// error here is fatal at startup and never occurs at runtime.
func Validate(cfg Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("configuration must contain at least one model")
	}
	if len(cfg.Runners) == 0 {
		return fmt.Errorf("configuration must contain at least one runner")
	}
	if !strings.HasPrefix(cfg.API.HealthEndpoint, "/") {
		return fmt.Errorf("api.health_endpoint must start with '/'")
	}

	usedPorts := map[int]string{}
	for id, rc := range cfg.Runners {
		if strings.TrimSpace(rc.Path) == "" {
			return fmt.Errorf("runner %q: path is required", id)
		}
		if rc.Port <= 0 || rc.Port > 65535 {
			return fmt.Errorf("runner %q: invalid port %d", id, rc.Port)
		}
		if other, dup := usedPorts[rc.Port]; dup {
			return fmt.Errorf("runner %q: port %d already used by runner %q", id, rc.Port, other)
		}
		usedPorts[rc.Port] = id
		if rc.AutoUnloadTimeoutSeconds < 0 {
			return fmt.Errorf("runner %q: auto_unload_timeout_seconds must be >= 0", id)
		}
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry_config.max_retries must be >= 0")
	}
	if cfg.Retry.BaseDelaySeconds < 0 || cfg.Retry.MaxDelaySeconds < 0 {
		return fmt.Errorf("retry_config delays must be >= 0")
	}
	if cfg.Retry.MaxDelaySeconds < cfg.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry_config.max_delay_seconds must be >= base_delay_seconds")
	}

	seenAliases := map[string]int{}
	for i, m := range cfg.Models {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("model %d: model path is required", i)
		}
		if m.Runner == "" {
			return fmt.Errorf("model %d: runner is required", i)
		}
		if _, ok := cfg.Runners[m.Runner]; !ok {
			return fmt.Errorf("model %d: references unknown runner %q", i, m.Runner)
		}
		alias := m.Alias()
		if prev, dup := seenAliases[alias]; dup {
			return fmt.Errorf("model %d: alias %q already used by model %d", i, alias, prev)
		}
		seenAliases[alias] = i
		if m.Embedding && m.Reranking {
			return fmt.Errorf("model %q: embedding and reranking are mutually exclusive", alias)
		}
		switch m.FlashAttn {
		case "", "on", "off", "auto":
		default:
			return fmt.Errorf("model %q: flash_attn must be one of on, off, auto", alias)
		}
	}

	for id, rc := range cfg.Runners {
		if rc.DefaultModel == "" {
			continue
		}
		i, ok := seenAliases[rc.DefaultModel]
		if !ok {
			return fmt.Errorf("runner %q: default_model %q not in models", id, rc.DefaultModel)
		}
		if cfg.Models[i].Runner != id {
			return fmt.Errorf("runner %q: default_model %q is assigned to runner %q", id, rc.DefaultModel, cfg.Models[i].Runner)
		}
	}
	return nil
}

// Alias returns the public model alias, defaulting to the basename of the
// model path when model_alias is not set.
func (m ModelConfig) Alias() string {
	if m.ModelAlias != "" {
		return m.ModelAlias
	}
	return filepath.Base(m.Model)
}
