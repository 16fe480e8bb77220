package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agentbase.yml. Every threshold the command and activity
// layers use is tunable here.
type Config struct {
	RateLimit struct {
		Requests int           `yaml:"requests"`
		Window   time.Duration `yaml:"window"`
		// Store is "memory" (default) or "redis".
		Store string `yaml:"store"`
	} `yaml:"rate_limit"`
	Activity struct {
		ConsecutiveWindow time.Duration `yaml:"consecutive_window"`
		BurstWindow       time.Duration `yaml:"burst_window"`
		BurstMinEntries   int           `yaml:"burst_min_entries"`
	} `yaml:"activity"`
	Commands struct {
		BatchMaxIDs             int `yaml:"batch_max_ids"`
		CommentMaxLength        int `yaml:"comment_max_length"`
		IdempotencyKeyMaxLength int `yaml:"idempotency_key_max_length"`
	} `yaml:"commands"`
	Auth struct {
		SessionCookie string `yaml:"session_cookie"`
		APIKeyHeader  string `yaml:"api_key_header"`
	} `yaml:"auth"`
	// Backend is "sqlite" (default) or "supabase".
	Backend string `yaml:"backend"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run agentbase config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.RateLimit.Requests <= 0 {
		return errors.New("config.rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("config.rate_limit.window must be positive")
	}
	switch c.RateLimit.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("config.rate_limit.store must be memory or redis, got %q", c.RateLimit.Store)
	}
	if c.Activity.ConsecutiveWindow <= 0 {
		return errors.New("config.activity.consecutive_window must be positive")
	}
	if c.Activity.BurstWindow < c.Activity.ConsecutiveWindow {
		return errors.New("config.activity.burst_window must not be shorter than consecutive_window")
	}
	if c.Activity.BurstMinEntries < 2 {
		return errors.New("config.activity.burst_min_entries must be at least 2")
	}
	if c.Commands.BatchMaxIDs <= 0 {
		return errors.New("config.commands.batch_max_ids must be positive")
	}
	if c.Commands.CommentMaxLength <= 0 {
		return errors.New("config.commands.comment_max_length must be positive")
	}
	if c.Commands.IdempotencyKeyMaxLength <= 0 {
		return errors.New("config.commands.idempotency_key_max_length must be positive")
	}
	if c.Auth.SessionCookie == "" {
		return errors.New("config.auth.session_cookie is required")
	}
	if c.Auth.APIKeyHeader == "" {
		return errors.New("config.auth.api_key_header is required")
	}
	switch c.Backend {
	case "sqlite", "supabase":
	default:
		return fmt.Errorf("config.backend must be sqlite or supabase, got %q", c.Backend)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentbase.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `rate_limit:
  requests: 60
  window: 60s
  store: memory

activity:
  consecutive_window: 5m
  burst_window: 20m
  burst_min_entries: 6

commands:
  batch_max_ids: 100
  comment_max_length: 10000
  idempotency_key_max_length: 255

auth:
  session_cookie: agentbase_session
  api_key_header: X-Api-Key

backend: sqlite
`
