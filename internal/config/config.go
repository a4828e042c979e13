package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the cogrelay server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Blob       BlobConfig
	Replicate  ReplicateConfig
	Prediction PredictionConfig
	Actor      ActorConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	PublicURL       string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ReplicateConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// PredictionConfig controls the prediction lifecycle timings.
type PredictionConfig struct {
	PollInterval    time.Duration
	MaxLifetime     time.Duration
	StartDelay      time.Duration
	DispatchDelay   time.Duration
	CallbackTimeout time.Duration
}

type ActorConfig struct {
	CallTimeout time.Duration
	// AlarmTimeout bounds one alarm handler, which may poll the upstream
	// API with retries and rehost several outputs.
	AlarmTimeout time.Duration
	CacheSize    int
}

// WorkerConfig holds configuration for the self-hosted worker agent.
type WorkerConfig struct {
	RelayURL  string
	Token     string
	Model     string
	SessionID string
	CogURL    string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("COGRELAY_PORT", 8080),
			Env:             envString("COGRELAY_ENV", "development"),
			PublicURL:       strings.TrimRight(os.Getenv("COGRELAY_PUBLIC_URL"), "/"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 600),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Blob: BlobConfig{
			Endpoint:  os.Getenv("BLOB_ENDPOINT"),
			AccessKey: os.Getenv("BLOB_ACCESS_KEY"),
			SecretKey: os.Getenv("BLOB_SECRET_KEY"),
			Bucket:    envString("BLOB_BUCKET", "cog-outputs"),
			UseSSL:    envBool("BLOB_USE_SSL", false),
		},
		Replicate: ReplicateConfig{
			BaseURL:    strings.TrimRight(envString("REPLICATE_BASE_URL", "https://api.replicate.com/v1"), "/"),
			Timeout:    envDuration("REPLICATE_TIMEOUT", 30*time.Second),
			MaxRetries: envInt("REPLICATE_MAX_RETRIES", 2),
		},
		Prediction: PredictionConfig{
			PollInterval:    envDuration("PREDICTION_POLL_INTERVAL", 5*time.Second),
			MaxLifetime:     envDuration("PREDICTION_MAX_LIFETIME", 30*time.Minute),
			StartDelay:      envDuration("PREDICTION_START_DELAY", 100*time.Millisecond),
			DispatchDelay:   envDuration("QUEUE_DISPATCH_DELAY", time.Second),
			CallbackTimeout: envDuration("CALLBACK_TIMEOUT", 10*time.Second),
		},
		Actor: ActorConfig{
			CallTimeout:  envDuration("ACTOR_CALL_TIMEOUT", 10*time.Second),
			AlarmTimeout: envDuration("ACTOR_ALARM_TIMEOUT", 5*time.Minute),
			CacheSize:    envInt("ACTOR_CACHE_SIZE", 10000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PublicHost returns the host component of the public URL. Outputs already
// hosted there are never rehosted.
func (c *Config) PublicHost() string {
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func (c *Config) validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("COGRELAY_PUBLIC_URL is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		return fmt.Errorf("COGRELAY_PUBLIC_URL must start with http:// or https://, got %q", c.Server.PublicURL)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Blob.Endpoint == "" {
		return fmt.Errorf("BLOB_ENDPOINT is required")
	}
	if c.Blob.Bucket == "" {
		return fmt.Errorf("BLOB_BUCKET must not be empty")
	}

	if !isHTTPURL(c.Replicate.BaseURL) {
		return fmt.Errorf("REPLICATE_BASE_URL must start with http:// or https://, got %q", c.Replicate.BaseURL)
	}

	if c.Prediction.PollInterval <= 0 {
		return fmt.Errorf("PREDICTION_POLL_INTERVAL must be positive")
	}
	if c.Prediction.MaxLifetime < c.Prediction.PollInterval {
		return fmt.Errorf("PREDICTION_MAX_LIFETIME must be at least PREDICTION_POLL_INTERVAL")
	}
	if budget := c.Replicate.Timeout * time.Duration(c.Replicate.MaxRetries+1); c.Actor.AlarmTimeout <= budget {
		return fmt.Errorf("ACTOR_ALARM_TIMEOUT must exceed the upstream retry budget of %s", budget)
	}
	if c.Actor.CacheSize < 0 {
		return fmt.Errorf("ACTOR_CACHE_SIZE must not be negative")
	}

	return nil
}

// LoadWorker reads the worker agent configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	hostname, _ := os.Hostname()
	cfg := &WorkerConfig{
		RelayURL:  strings.TrimRight(os.Getenv("COGRELAY_URL"), "/"),
		Token:     os.Getenv("COGRELAY_TOKEN"),
		Model:     os.Getenv("WORKER_MODEL"),
		SessionID: envString("WORKER_SESSION_ID", hostname),
		CogURL:    strings.TrimRight(envString("COG_URL", "http://localhost:5000"), "/"),
	}

	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("COGRELAY_URL is required")
	}
	if !isHTTPURL(cfg.RelayURL) && !strings.HasPrefix(cfg.RelayURL, "ws://") && !strings.HasPrefix(cfg.RelayURL, "wss://") {
		return nil, fmt.Errorf("COGRELAY_URL must be an http(s) or ws(s) URL, got %q", cfg.RelayURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("COGRELAY_TOKEN is required")
	}
	if strings.Count(cfg.Model, "/") != 1 {
		return nil, fmt.Errorf("WORKER_MODEL must be owner/name, got %q", cfg.Model)
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("WORKER_SESSION_ID is required")
	}

	return cfg, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
