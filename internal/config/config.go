package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll    = "ALL"
	ModeAPI    = "API"
	ModeWorker = "WORKER"

	MinEncryptionKeyLen = 32
)

var (
	ErrMissingEncryptionKey = errors.New("PROVIDER_ENCRYPTION_KEY is required")
	ErrShortEncryptionKey   = fmt.Errorf("PROVIDER_ENCRYPTION_KEY must be at least %d bytes", MinEncryptionKeyLen)
	ErrMissingJWTSecret     = errors.New("SUPABASE_JWT_SECRET is required")
	ErrMissingDatabaseDSN   = errors.New("DB_DSN is required")
)

type Config struct {
	AppMode string

	HTTP      HTTPConfig
	Redis     RedisConfig
	DB        DBConfig
	Worker    WorkerConfig
	Jobs      JobsConfig
	Providers ProvidersConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Rate      RateConfig
	Crypto    CryptoConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
	BodyLimit   int64
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
	ClaimTTL    time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type JobsConfig struct {
	StaleAfter    time.Duration
	SweepSchedule string
	CancelPoll    time.Duration
}

// ProvidersConfig carries every upstream setting the adapters need. Nothing
// below internal/config reads the environment.
type ProvidersConfig struct {
	Timeout      time.Duration
	ImageTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	CatalogTTL   time.Duration
	CatalogSize  int

	OpenAIBaseURL     string
	AnthropicBaseURL  string
	OpenRouterBaseURL string
	OllamaBaseURL     string

	OpenRouterReferer  string
	OpenRouterAppTitle string

	ImageRouterBaseURL string
	ImageRouterAPIKey  string
}

type StorageConfig struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type RateConfig struct {
	PerHour     int64
	IPPerMinute int
}

type CryptoConfig struct {
	Secret []byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			BodyLimit:   mustInt64("HTTP_BODY_LIMIT", 1<<20),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "pocketllm:image-jobs"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "pocketllm-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
			ClaimTTL:    mustDuration("JOB_CLAIM_TTL", 30*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		Jobs: JobsConfig{
			StaleAfter:    mustDuration("JOB_STALE_AFTER", 15*time.Minute),
			SweepSchedule: mustEnv("JOB_SWEEP_SCHEDULE", "@every 1m"),
			CancelPoll:    mustDuration("JOB_CANCEL_POLL", 2*time.Second),
		},
		Providers: ProvidersConfig{
			Timeout:      mustDuration("PROVIDER_TIMEOUT", 60*time.Second),
			ImageTimeout: mustDuration("IMAGE_TIMEOUT", 180*time.Second),
			MaxRetries:   mustInt("PROVIDER_MAX_RETRIES", 2),
			BackoffBase:  mustDuration("PROVIDER_BACKOFF_BASE", 400*time.Millisecond),
			CatalogTTL:   mustDuration("MODEL_CATALOG_TTL", 5*time.Minute),
			CatalogSize:  mustInt("MODEL_CATALOG_SIZE", 256),

			OpenAIBaseURL:     mustEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			AnthropicBaseURL:  mustEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			OpenRouterBaseURL: mustEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			OllamaBaseURL:     mustEnv("OLLAMA_DEFAULT_BASE_URL", "http://localhost:11434"),

			OpenRouterReferer:  mustEnv("OPENROUTER_REFERER", "https://pocketllm.app"),
			OpenRouterAppTitle: mustEnv("OPENROUTER_APP_TITLE", "PocketLLM"),

			ImageRouterBaseURL: mustEnv("IMAGE_ROUTER_BASE_URL", "https://api.imagerouter.io/v1/openai"),
			ImageRouterAPIKey:  mustEnv("IMAGE_ROUTER_API_KEY", ""),
		},
		Storage: StorageConfig{
			Endpoint:      mustEnv("STORAGE_ENDPOINT", ""),
			Region:        mustEnv("STORAGE_REGION", "auto"),
			Bucket:        mustEnv("STORAGE_BUCKET", ""),
			AccessKey:     mustEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:     mustEnv("STORAGE_SECRET_KEY", ""),
			PublicBaseURL: strings.TrimSuffix(mustEnv("STORAGE_PUBLIC_BASE_URL", ""), "/"),
		},
		Auth: AuthConfig{
			JWTSecret:   mustEnv("SUPABASE_JWT_SECRET", ""),
			JWTIssuer:   mustEnv("SUPABASE_JWT_ISSUER", ""),
			JWTAudience: mustEnv("SUPABASE_JWT_AUDIENCE", ""),
		},
		Rate: RateConfig{
			PerHour:     mustInt64("RATE_LIMIT_PER_HOUR", 60),
			IPPerMinute: mustInt("IP_RATE_LIMIT_PER_MINUTE", 120),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.AppMode != ModeAll && cfg.AppMode != ModeAPI && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Auth.JWTSecret == "" && cfg.AppMode != ModeWorker {
		return nil, ErrMissingJWTSecret
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// The secret is used as raw bytes, not trimmed: whitespace is key material.
func loadCryptoConfig() (CryptoConfig, error) {
	raw := os.Getenv("PROVIDER_ENCRYPTION_KEY")
	if raw == "" {
		return CryptoConfig{}, ErrMissingEncryptionKey
	}
	if len(raw) < MinEncryptionKeyLen {
		return CryptoConfig{}, ErrShortEncryptionKey
	}
	return CryptoConfig{Secret: []byte(raw)}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
