package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. SYNOPSIS_QUEUE_WORKERS.
const EnvPrefix = "SYNOPSIS"

var defaults = map[string]any{
	"server.port":                 8080,
	"server.log_level":            "info",
	"server.mode":                 "all",
	"server.shutdown_timeout":     30 * time.Second,
	"server.submit_rate_capacity": 0,
	"server.submit_rate_refill":   0.0,
	"server.events_heartbeat":     15 * time.Second,

	"database.driver":         "sqlite",
	"database.url":            "synopsis.db",
	"database.max_open_conns": 10,

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"queue.backend":            "memory",
	"queue.name":               "synopsis",
	"queue.workers":            3,
	"queue.visibility_timeout": 5 * time.Minute,
	"queue.poll_interval":      time.Second,
	"queue.reap_interval":      15 * time.Second,
	"queue.max_attempts":       3,
	"queue.retry_base_delay":   5 * time.Second,

	"llm.default_provider":    "gemini",
	"llm.max_retries":         3,
	"llm.retry_base_delay":    2 * time.Second,
	"llm.call_timeout":        90 * time.Second,
	"llm.concurrency":         2,
	"llm.templates_dir":       "",
	"llm.gemini_api_key":      "",
	"llm.gemini_model":        "gemini-2.0-flash",
	"llm.openai_api_key":      "",
	"llm.openai_model":        "gpt-4o-mini",
	"llm.openai_base_url":     "https://api.openai.com/v1",
	"llm.rate_limit_capacity": 0,
	"llm.rate_limit_refill":   0.0,

	"extraction.http_timeout":  30 * time.Second,
	"extraction.max_bytes":     10 << 20,
	"extraction.s3_region":     "us-east-1",
	"extraction.s3_endpoint":   "",
	"extraction.s3_path_style": false,
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path searches
// for config.yaml in the working directory; a missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Queue.Backend == "redis" && cfg.Redis.Addr == "" {
		return errors.New("invalid configuration: redis.addr is required for the redis queue backend")
	}
	if (cfg.Server.SubmitRateCapacity > 0 || cfg.LLM.RateLimitCapacity > 0) && cfg.Redis.Addr == "" {
		return errors.New("invalid configuration: redis.addr is required for rate limiting")
	}
	if cfg.Server.Mode != "all" && cfg.Queue.Backend == "memory" {
		return fmt.Errorf("invalid configuration: server.mode %q needs a shared queue backend", cfg.Server.Mode)
	}
	if cfg.Server.Mode != "all" && cfg.Database.Driver == "sqlite" && cfg.Database.URL == ":memory:" {
		return fmt.Errorf("invalid configuration: server.mode %q cannot use an in-memory database", cfg.Server.Mode)
	}
	return nil
}
