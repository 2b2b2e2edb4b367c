// Package config loads Kestrel configuration from a .env file, an optional
// YAML file and KESTREL_* environment variables, in that order.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. The tier preset is chosen by KESTREL_TIER
// or the YAML file's tier; the YAML file (KESTREL_CONFIG) is applied on top
// of the preset, then individual KESTREL_* variables on top of that.
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var data []byte
	if path := getEnv("CONFIG", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		data = []byte(os.ExpandEnv(string(raw)))
	}

	tier := domain.Tier(getEnv("TIER", ""))
	if tier == "" && data != nil {
		var head struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		tier = head.Tier
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) {
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)

	d := &cfg.Detection
	d.ThresholdPercentile = getEnvFloat("THRESHOLD_PERCENTILE", d.ThresholdPercentile)
	d.ExtremeSigma = getEnvFloat("EXTREME_SIGMA", d.ExtremeSigma)
	d.ProfileWorkers = getEnvInt("PROFILE_WORKERS", d.ProfileWorkers)
	d.Diagnostics = getEnvBool("DIAGNOSTICS", d.Diagnostics)
	if v := getEnv("FOREIGN_CITIES", ""); v != "" {
		d.ForeignCities = splitList(v)
	}

	s := &cfg.Scoring
	s.ModelPath = getEnv("MODEL_PATH", s.ModelPath)
	s.URL = getEnv("SCORER_URL", s.URL)
	s.Timeout = getEnvDuration("SCORER_TIMEOUT", s.Timeout)
	switch {
	case getEnv("SCORER", "") != "":
		s.Backend = getEnv("SCORER", "")
	case os.Getenv(EnvPrefix+"SCORER_URL") != "":
		s.Backend = "http"
	case os.Getenv(EnvPrefix+"MODEL_PATH") != "":
		s.Backend = "autoencoder"
	}

	r := &cfg.Repository
	r.Driver = getEnv("DB_DRIVER", r.Driver)
	r.SQLitePath = getEnv("SQLITE_PATH", r.SQLitePath)
	r.URL = getEnv("DATABASE_URL", r.URL)
	r.PostgresHost = getEnv("POSTGRES_HOST", r.PostgresHost)
	r.PostgresPort = getEnvInt("POSTGRES_PORT", r.PostgresPort)
	r.PostgresUser = getEnv("POSTGRES_USER", r.PostgresUser)
	r.PostgresPassword = getEnv("POSTGRES_PASSWORD", r.PostgresPassword)
	r.PostgresDB = getEnv("POSTGRES_DB", r.PostgresDB)
	r.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", r.PostgresSSLMode)

	c := &cfg.Cache
	c.Type = getEnv("CACHE_TYPE", c.Type)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.ResultTTL = getEnvDuration("RESULT_TTL", c.ResultTTL)

	b := &cfg.EventBus
	b.Type = getEnv("BUS_TYPE", b.Type)
	b.NATSUrl = getEnv("NATS_URL", b.NATSUrl)
	b.NATSToken = getEnv("NATS_TOKEN", b.NATSToken)
	b.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", b.NATSSubjectPrefix)
	b.NATSQueueGroup = getEnv("NATS_QUEUE_GROUP", b.NATSQueueGroup)

	cfg.Worker.Enabled = getEnvBool("ASYNC_WORKER", cfg.Worker.Enabled)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	if getEnvBool("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}

	cfg.Tracing.Enabled = getEnvBool("TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.ServiceName = getEnv("SERVICE_NAME", cfg.Tracing.ServiceName)
}

// Validate checks that the configuration can be wired.
func Validate(cfg *domain.Config) error {
	if p := cfg.Detection.ThresholdPercentile; p <= 0 || p > 1 {
		return fmt.Errorf("threshold percentile must be in (0, 1], got %v", p)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		return fmt.Errorf("unknown tier %q", cfg.Tier)
	}

	switch cfg.Scoring.Backend {
	case "identity", "":
	case "autoencoder":
		if cfg.Scoring.ModelPath == "" {
			return fmt.Errorf("KESTREL_MODEL_PATH is required for the autoencoder scorer")
		}
	case "http":
		if cfg.Scoring.URL == "" {
			return fmt.Errorf("KESTREL_SCORER_URL is required for the http scorer")
		}
	default:
		return fmt.Errorf("unknown scorer backend %q", cfg.Scoring.Backend)
	}
	return nil
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
