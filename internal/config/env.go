package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Env holds secrets and endpoints that never live in agentbase.yml.
type Env struct {
	SessionSecret string `env:"AGENTBASE_SESSION_SECRET"`
	RedisAddr     string `env:"AGENTBASE_REDIS_ADDR"`
	RedisPassword string `env:"AGENTBASE_REDIS_PASSWORD"`
	SupabaseURL   string `env:"SUPABASE_URL"`
	SupabaseKey   string `env:"SUPABASE_KEY"`
	OTelEndpoint  string `env:"AGENTBASE_OTEL_ENDPOINT"`
	LogLevel      string `env:"AGENTBASE_LOG_LEVEL" envDefault:"info"`
}

// LoadDotEnv loads .env files into the process environment. A missing file
// is not an error.
func LoadDotEnv(log logrus.FieldLogger, files ...string) {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		log.WithError(err).Warn("error loading .env file, using process environment")
	}
}

// ParseEnv reads Env from the environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// CheckBackend reports missing settings required by the configured backend
// and rate-limit store.
func (e Env) CheckBackend(cfg *Config) error {
	if cfg.Backend == "supabase" && (e.SupabaseURL == "" || e.SupabaseKey == "") {
		return errors.New("SUPABASE_URL and SUPABASE_KEY are required for the supabase backend")
	}
	if cfg.RateLimit.Store == "redis" && e.RedisAddr == "" {
		return errors.New("AGENTBASE_REDIS_ADDR is required for the redis rate limit store")
	}
	return nil
}
