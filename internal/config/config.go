package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the shelfmark server and workers.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Broker     BrokerConfig
	Worker     WorkerConfig
	Reconciler ReconcilerConfig
	AI         AIConfig
}

// Process roles. "all" runs the API, the worker pool and the reconciler
// sweep in one process.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

type ServerConfig struct {
	Port               int
	Env                string
	Role               string
	RateLimitPerMinute int
	CORSAllowedOrigins []string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type BrokerConfig struct {
	Queue               string
	VisibilityTimeout   time.Duration
	MaxDeliveries       int
	DeadLetterRetention time.Duration
}

type WorkerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	JobTimeout     time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type ReconcilerConfig struct {
	StaleThreshold time.Duration
	Interval       time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	AllowedModels    []string
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

var validRoles = map[string]bool{
	RoleAPI:    true,
	RoleWorker: true,
	RoleAll:    true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment take precedence over it.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("SHELFMARK_PORT", 8080),
			Env:                envString("SHELFMARK_ENV", "development"),
			Role:               envString("SHELFMARK_ROLE", RoleAll),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Broker: BrokerConfig{
			Queue:               envString("BROKER_QUEUE", "jobs"),
			VisibilityTimeout:   envDuration("BROKER_VISIBILITY_TIMEOUT", 5*time.Minute),
			MaxDeliveries:       envInt("BROKER_MAX_DELIVERIES", 3),
			DeadLetterRetention: envDuration("BROKER_DEAD_LETTER_RETENTION", 14*24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", 4),
			PollInterval:   envDuration("WORKER_POLL_INTERVAL", time.Second),
			JobTimeout:     envDuration("WORKER_JOB_TIMEOUT", 10*time.Minute),
			MaxRetries:     envInt("AI_MAX_RETRIES", 3),
			RetryBaseDelay: envDuration("AI_RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:  envDuration("AI_RETRY_MAX_DELAY", time.Minute),
		},
		Reconciler: ReconcilerConfig{
			StaleThreshold: envDuration("JOB_STALE_THRESHOLD", 15*time.Minute),
			Interval:       envDuration("RECONCILE_INTERVAL", time.Minute),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 180*time.Second),
			AllowedModels:    envList("AI_ALLOWED_MODELS"),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RunsAPI reports whether this process serves HTTP.
func (c *Config) RunsAPI() bool {
	return c.Server.Role == RoleAPI || c.Server.Role == RoleAll
}

// RunsWorkers reports whether this process consumes the broker queue.
func (c *Config) RunsWorkers() bool {
	return c.Server.Role == RoleWorker || c.Server.Role == RoleAll
}

func (c *Config) validate() error {
	if !validRoles[c.Server.Role] {
		return fmt.Errorf("SHELFMARK_ROLE must be one of api, worker, all; got %q", c.Server.Role)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Broker.VisibilityTimeout <= 0 {
		return fmt.Errorf("BROKER_VISIBILITY_TIMEOUT must be positive")
	}
	if c.Broker.MaxDeliveries < 1 {
		return fmt.Errorf("BROKER_MAX_DELIVERIES must be at least 1, got %d", c.Broker.MaxDeliveries)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("AI_MAX_RETRIES must not be negative, got %d", c.Worker.MaxRetries)
	}

	if c.Reconciler.StaleThreshold <= c.Worker.JobTimeout {
		return fmt.Errorf("JOB_STALE_THRESHOLD (%s) must exceed WORKER_JOB_TIMEOUT (%s)",
			c.Reconciler.StaleThreshold, c.Worker.JobTimeout)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
