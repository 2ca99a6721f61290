package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/darshi/darshi-backend/internal/forwarding"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Database   DatabaseConfig
	Classifier ClassifierConfig
	Geo        GeoConfig
	Forwarding ForwardingConfig
	Storage    StorageConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Backfill   BackfillConfig
	Pipeline   PipelineConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig holds the PostgreSQL connection string.
type DatabaseConfig struct {
	URL string
}

// ClassifierConfig holds vision classifier settings.
type ClassifierConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// GeoConfig holds reverse-geocoding and landmark lookup settings.
type GeoConfig struct {
	GeocodeBaseURL  string
	PlacesBaseURL   string
	LandmarkRadiusM float64
	LandmarkLimit   int
}

// ForwardingConfig holds municipal forwarding settings. Areas is parsed from
// a JSON array so deployments can define service boundaries without a schema
// change.
type ForwardingConfig struct {
	Endpoint       string
	CallbackSecret string
	Areas          []forwarding.ServiceArea
}

// StorageConfig holds S3-compatible object storage credentials for fetching
// images uploaded under s3:// URLs.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// RedisConfig holds the shared rate-limit counter backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig bounds report submissions per caller.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// BackfillConfig tunes the stale-report sweeper.
type BackfillConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	Batch    int
}

// PipelineConfig tunes the enrichment pipeline.
type PipelineConfig struct {
	StageTimeout       time.Duration
	DuplicateThreshold int
	FetchTimeout       time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultLogFormat = "json"

	defaultClassifierModel  = "gpt-4o-mini"
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = time.Minute

	defaultLandmarkRadiusM = 500.0
	defaultLandmarkLimit   = 5

	defaultRateLimitRequests = 30
	defaultRateLimitWindow   = time.Minute

	defaultBackfillInterval = 10 * time.Minute
	defaultBackfillMaxAge   = 30 * time.Minute
	defaultBackfillBatch    = 50

	defaultStageTimeout       = 5 * time.Minute
	defaultDuplicateThreshold = 5
	defaultFetchTimeout       = 30 * time.Second
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Classifier: ClassifierConfig{
			APIKey:           os.Getenv("CLASSIFIER_API_KEY"),
			BaseURL:          os.Getenv("CLASSIFIER_BASE_URL"),
			Model:            getEnv("CLASSIFIER_MODEL", defaultClassifierModel),
			BreakerThreshold: defaultBreakerThreshold,
			BreakerCooldown:  defaultBreakerCooldown,
		},
		Geo: GeoConfig{
			GeocodeBaseURL:  getEnv("GEOCODE_BASE_URL", "https://nominatim.openstreetmap.org"),
			PlacesBaseURL:   os.Getenv("PLACES_BASE_URL"),
			LandmarkRadiusM: defaultLandmarkRadiusM,
			LandmarkLimit:   defaultLandmarkLimit,
		},
		Forwarding: ForwardingConfig{
			Endpoint:       os.Getenv("FORWARDING_ENDPOINT"),
			CallbackSecret: os.Getenv("FORWARDING_CALLBACK_SECRET"),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("STORAGE_ENDPOINT"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			UseSSL:    os.Getenv("STORAGE_USE_SSL") == "true",
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		RateLimit: RateLimitConfig{
			Requests: defaultRateLimitRequests,
			Window:   defaultRateLimitWindow,
		},
		Backfill: BackfillConfig{
			Interval: defaultBackfillInterval,
			MaxAge:   defaultBackfillMaxAge,
			Batch:    defaultBackfillBatch,
		},
		Pipeline: PipelineConfig{
			StageTimeout:       defaultStageTimeout,
			DuplicateThreshold: defaultDuplicateThreshold,
			FetchTimeout:       defaultFetchTimeout,
		},
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("CLASSIFIER_BREAKER_THRESHOLD"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLASSIFIER_BREAKER_THRESHOLD: %w", err)
		}
		cfg.Classifier.BreakerThreshold = n
	}

	if v := os.Getenv("CLASSIFIER_BREAKER_COOLDOWN_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLASSIFIER_BREAKER_COOLDOWN_SECONDS: %w", err)
		}
		cfg.Classifier.BreakerCooldown = d
	}

	if v := os.Getenv("LANDMARK_RADIUS_METERS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return Config{}, fmt.Errorf("invalid LANDMARK_RADIUS_METERS: must be a positive number")
		}
		cfg.Geo.LandmarkRadiusM = f
	}

	if v := os.Getenv("LANDMARK_LIMIT"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LANDMARK_LIMIT: %w", err)
		}
		cfg.Geo.LandmarkLimit = n
	}

	if v := os.Getenv("FORWARDING_SERVICE_AREAS"); v != "" {
		var areas []forwarding.ServiceArea
		if err := json.Unmarshal([]byte(v), &areas); err != nil {
			return Config{}, fmt.Errorf("invalid FORWARDING_SERVICE_AREAS: %w", err)
		}
		cfg.Forwarding.Areas = areas
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid REDIS_DB: must be a non-negative integer")
		}
		cfg.Redis.DB = n
	}

	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
		}
		cfg.RateLimit.Requests = n
	}

	if v := os.Getenv("RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_WINDOW_SECONDS: %w", err)
		}
		cfg.RateLimit.Window = d
	}

	if v := os.Getenv("BACKFILL_INTERVAL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BACKFILL_INTERVAL_SECONDS: %w", err)
		}
		cfg.Backfill.Interval = d
	}

	if v := os.Getenv("BACKFILL_MAX_AGE_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BACKFILL_MAX_AGE_SECONDS: %w", err)
		}
		cfg.Backfill.MaxAge = d
	}

	if v := os.Getenv("BACKFILL_BATCH"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BACKFILL_BATCH: %w", err)
		}
		cfg.Backfill.Batch = n
	}

	if v := os.Getenv("PIPELINE_STAGE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_STAGE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Pipeline.StageTimeout = d
	}

	if v := os.Getenv("DUPLICATE_THRESHOLD"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DUPLICATE_THRESHOLD: %w", err)
		}
		cfg.Pipeline.DuplicateThreshold = n
	}

	if v := os.Getenv("IMAGE_FETCH_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IMAGE_FETCH_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Pipeline.FetchTimeout = d
	}

	return cfg, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
