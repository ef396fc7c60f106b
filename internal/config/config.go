package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue" validate:"required"`
	LLM        LLMConfig        `mapstructure:"llm" validate:"required"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	// Mode selects which halves of the process run: the HTTP producer/observer
	// surface, the worker pool, or both.
	Mode            string        `mapstructure:"mode" validate:"required,oneof=all api worker"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// SubmitRateCapacity of zero disables per-client limiting of POST /jobs.
	SubmitRateCapacity int     `mapstructure:"submit_rate_capacity" validate:"gte=0"`
	SubmitRateRefill   float64 `mapstructure:"submit_rate_refill" validate:"gte=0"`
	// EventsHeartbeat is the keep-alive interval of job event streams.
	EventsHeartbeat time.Duration `mapstructure:"events_heartbeat" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	// URL is a postgres connection URL or a sqlite DSN (file path or ":memory:").
	URL          string `mapstructure:"url" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// RedisConfig is used by the redis queue backend, the progress relay and
// the provider rate limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// QueueConfig controls delivery of job envelopes to workers.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend" validate:"required,oneof=redis memory"`
	Name              string        `mapstructure:"name" validate:"required"`
	Workers           int           `mapstructure:"workers" validate:"gt=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gt=0"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	DefaultProvider string        `mapstructure:"default_provider" validate:"required,oneof=gemini openai"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	Concurrency     int           `mapstructure:"concurrency" validate:"gt=0"`
	TemplatesDir    string        `mapstructure:"templates_dir"`

	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required_if=DefaultProvider gemini"`
	GeminiModel  string `mapstructure:"gemini_model" validate:"required"`

	OpenAIAPIKey  string `mapstructure:"openai_api_key" validate:"required_if=DefaultProvider openai"`
	OpenAIModel   string `mapstructure:"openai_model" validate:"required"`
	OpenAIBaseURL string `mapstructure:"openai_base_url" validate:"required,url"`

	// RateLimitCapacity of zero disables the shared provider rate limiter.
	RateLimitCapacity int     `mapstructure:"rate_limit_capacity" validate:"gte=0"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill" validate:"gte=0"`
}

// ExtractionConfig controls how source references are fetched.
type ExtractionConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	MaxBytes    int64         `mapstructure:"max_bytes" validate:"gt=0"`
	S3Region    string        `mapstructure:"s3_region"`
	S3Endpoint  string        `mapstructure:"s3_endpoint"`
	S3PathStyle bool          `mapstructure:"s3_path_style"`
}
