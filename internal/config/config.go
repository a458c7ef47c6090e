// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/auditrisk/internal/entity"
	"github.com/mbd888/auditrisk/internal/scoring"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Security
	AdminSecret  string
	RateLimitRPS int
	CORSOrigins  []string

	// Tracing
	OTelEndpoint string // empty disables tracing

	// Scoring inputs
	BaselinesPath string
	ModelPath     string // empty runs degraded

	// Vendor resolution
	ResolutionMode      string
	ResolutionThreshold float64

	// Scoring
	Timezone        string
	Workers         int
	ScoreTimeout    time.Duration
	ZThreshold      float64
	IQRMultiplier   float64
	OffHoursStart   int
	OffHoursEnd     int
	WeekendFlagging bool
	RoundUnit       string
	SplitCeiling    string
	BaselineGroupBy string
	RecencyLookback time.Duration
	AlertMinScore   float64
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultRateLimit     = 100
	DefaultBaselinesPath = "data/baselines.json"
	DefaultTimezone      = "UTC"
	DefaultScoreTimeout  = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	def := scoring.DefaultConfig()
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", true),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:         getEnvList("CORS_ORIGINS", "*"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		BaselinesPath:       getEnv("BASELINES_PATH", DefaultBaselinesPath),
		ModelPath:           os.Getenv("MODEL_PATH"),
		ResolutionMode:      getEnv("RESOLUTION_MODE", string(entity.ModeGreedy)),
		ResolutionThreshold: getEnvFloat("RESOLUTION_THRESHOLD", entity.DefaultThreshold),
		Timezone:            getEnv("TIMEZONE", DefaultTimezone),
		Workers:             int(getEnvInt64("WORKERS", 0)),
		ScoreTimeout:        getEnvDuration("SCORE_TIMEOUT", DefaultScoreTimeout),
		ZThreshold:          getEnvFloat("Z_THRESHOLD", def.ZThreshold),
		IQRMultiplier:       getEnvFloat("IQR_MULTIPLIER", def.IQRMultiplier),
		OffHoursStart:       int(getEnvInt64("OFF_HOURS_START", int64(def.OffHoursStart))),
		OffHoursEnd:         int(getEnvInt64("OFF_HOURS_END", int64(def.OffHoursEnd))),
		WeekendFlagging:     getEnvBool("WEEKEND_FLAGGING", def.WeekendFlagging),
		RoundUnit:           getEnv("ROUND_UNIT", def.RoundUnit.String()),
		SplitCeiling:        getEnv("SPLIT_CEILING", def.SplitCeiling.String()),
		BaselineGroupBy:     getEnv("BASELINE_GROUP_BY", string(def.BaselineGroupBy)),
		RecencyLookback:     getEnvDuration("RECENCY_LOOKBACK", def.RecencyLookback),
		AlertMinScore:       getEnvFloat("ALERT_MIN_SCORE", def.AlertMinScore),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BaselinesPath == "" {
		return fmt.Errorf("BASELINES_PATH is required")
	}
	switch entity.Mode(c.ResolutionMode) {
	case entity.ModeGreedy, entity.ModeSymmetric:
	default:
		return fmt.Errorf("RESOLUTION_MODE must be %q or %q", entity.ModeGreedy, entity.ModeSymmetric)
	}
	if c.ResolutionThreshold <= 0 || c.ResolutionThreshold > 1 {
		return fmt.Errorf("RESOLUTION_THRESHOLD must be in (0, 1]")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if _, err := c.ScoringConfig(); err != nil {
		return err
	}
	return nil
}

// ScoringConfig builds the engine configuration from the scoring knobs.
func (c *Config) ScoringConfig() (scoring.Config, error) {
	cfg := scoring.DefaultConfig()

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return cfg, fmt.Errorf("TIMEZONE: %w", err)
	}
	unit, err := decimal.NewFromString(c.RoundUnit)
	if err != nil {
		return cfg, fmt.Errorf("ROUND_UNIT: %w", err)
	}
	ceiling, err := decimal.NewFromString(c.SplitCeiling)
	if err != nil {
		return cfg, fmt.Errorf("SPLIT_CEILING: %w", err)
	}

	cfg.Location = loc
	cfg.ZThreshold = c.ZThreshold
	cfg.IQRMultiplier = c.IQRMultiplier
	cfg.OffHoursStart = c.OffHoursStart
	cfg.OffHoursEnd = c.OffHoursEnd
	cfg.WeekendFlagging = c.WeekendFlagging
	cfg.RoundUnit = unit
	cfg.SplitCeiling = ceiling
	cfg.BaselineGroupBy = scoring.GroupBy(c.BaselineGroupBy)
	cfg.RecencyLookback = c.RecencyLookback
	cfg.AlertMinScore = c.AlertMinScore

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("scoring config: %w", err)
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
