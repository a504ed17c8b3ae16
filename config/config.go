// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by the *_BACKEND keys.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendS3       = "s3"
)

// leaseMargin is the slack kept between the worst-case attempt duration and
// the queue lease.
const leaseMargin = 30 * time.Second

type Config struct {
	HTTPAddr   string
	NumWorkers int
	DataDir    string
	LogLevel   string

	StoreBackend string
	DatabaseURL  string

	QueueBackend      string
	RedisURL          string
	QueuePrefix       string
	QueuePollInterval time.Duration
	LeaseTimeout      time.Duration

	RecipeBackend string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3UseSSL      bool

	// MediaBucket enables mirroring thumbnails and videos when set. It uses
	// the S3_* connection settings.
	MediaBucket    string
	MediaPublicURL string
	MediaTimeout   time.Duration

	RabbitMQURL    string
	NotifyExchange string

	ApifyToken   string
	ApifyBaseURL string
	ScrapeRate   float64
	YtDlpPath    string

	OpenAIKey      string
	OpenAIEndpoint string
	OpenAIModel    string

	ScrapeTimeout  time.Duration
	AnalyzeTimeout time.Duration
	PersistTimeout time.Duration
	NotifyTimeout  time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RateLimitPerSec caps submissions per client per second. Zero disables it.
	RateLimitPerSec int
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	p := parser{}
	cfg := Config{
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		NumWorkers: p.int("NUM_WORKERS", 4),
		DataDir:    getEnv("DATA_DIR", ".data"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		QueuePrefix:       getEnv("QUEUE_PREFIX", "recipe-ingest:queue"),
		QueuePollInterval: p.duration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		LeaseTimeout:      p.duration("LEASE_TIMEOUT", 5*time.Minute),

		RecipeBackend: strings.ToLower(getEnv("RECIPE_BACKEND", BackendMemory)),
		S3Endpoint:    getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:   getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:   getEnv("S3_SECRET_KEY", ""),
		S3Bucket:      getEnv("S3_BUCKET", "recipes"),
		S3UseSSL:      p.bool("S3_USE_SSL", false),

		MediaBucket:    getEnv("MEDIA_BUCKET", ""),
		MediaPublicURL: getEnv("MEDIA_PUBLIC_URL", ""),
		MediaTimeout:   p.duration("MEDIA_TIMEOUT", time.Minute),

		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		NotifyExchange: getEnv("NOTIFY_EXCHANGE", "recipes.exchange"),

		ApifyToken:   getEnv("APIFY_API_TOKEN", ""),
		ApifyBaseURL: getEnv("APIFY_BASE_URL", ""),
		ScrapeRate:   p.float("SCRAPE_RATE", 1),
		YtDlpPath:    getEnv("YTDLP_PATH", "yt-dlp"),

		OpenAIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIEndpoint: getEnv("OPENAI_ENDPOINT", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", ""),

		ScrapeTimeout:  p.duration("SCRAPE_TIMEOUT", 2*time.Minute),
		AnalyzeTimeout: p.duration("ANALYZE_TIMEOUT", time.Minute),
		PersistTimeout: p.duration("PERSIST_TIMEOUT", 10*time.Second),
		NotifyTimeout:  p.duration("NOTIFY_TIMEOUT", 10*time.Second),

		MaxAttempts:    p.int("MAX_ATTEMPTS", 3),
		RetryBaseDelay: p.duration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:  p.duration("RETRY_MAX_DELAY", time.Minute),

		RateLimitPerSec: p.int("RATE_LIMIT_PER_SEC", 0),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that depend on each other.
func (c Config) Validate() error {
	var errs []error
	if c.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("NUM_WORKERS must be at least 1, got %d", c.NumWorkers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY %s exceeds RETRY_MAX_DELAY %s", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	if c.ScrapeRate <= 0 {
		errs = append(errs, fmt.Errorf("SCRAPE_RATE must be positive, got %g", c.ScrapeRate))
	}
	if c.RateLimitPerSec < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_SEC must not be negative, got %d", c.RateLimitPerSec))
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"SCRAPE_TIMEOUT", c.ScrapeTimeout},
		{"ANALYZE_TIMEOUT", c.AnalyzeTimeout},
		{"PERSIST_TIMEOUT", c.PersistTimeout},
		{"NOTIFY_TIMEOUT", c.NotifyTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.value))
		}
	}
	if c.MediaBucket != "" && c.MediaTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MEDIA_TIMEOUT must be positive, got %s", c.MediaTimeout))
	}
	if floor := c.MinLeaseTimeout(); c.LeaseTimeout <= floor {
		errs = append(errs, fmt.Errorf("LEASE_TIMEOUT %s must exceed %s (stage timeouts plus margin)", c.LeaseTimeout, floor))
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	switch c.RecipeBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres recipe store"))
		}
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 recipe store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RECIPE_BACKEND %q", c.RecipeBackend))
	}
	return errors.Join(errs...)
}

// MinLeaseTimeout is the shortest lease that still covers one full attempt.
func (c Config) MinLeaseTimeout() time.Duration {
	d := c.ScrapeTimeout + c.AnalyzeTimeout + c.PersistTimeout + leaseMargin
	if c.MediaBucket != "" {
		d += c.MediaTimeout
	}
	return d
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// parser collects conversion errors so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, raw))
		return fallback
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return v
}
