// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
)

// Config is the full server configuration
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	Port        string `env:"PORT" envDefault:"8080"`

	// Without a database the server runs one in-memory intervention,
	// optionally seeded from a YAML rule forest
	DefaultInterventionID string `env:"COACH_DEFAULT_INTERVENTION" envDefault:"default"`
	RulesFile             string `env:"COACH_RULES_FILE"`

	// RedisAddr enables the Redis participant lock; empty uses the in-process lock
	RedisAddr      string `env:"COACH_REDIS_ADDR"`
	RedisPassword  string `env:"COACH_REDIS_PASSWORD"`
	RedisDB        int    `env:"COACH_REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"COACH_REDIS_PREFIX" envDefault:"coach:"`

	LogLevel      string `env:"COACH_LOG_LEVEL" envDefault:"info"`
	LogSampleRate int    `env:"COACH_LOG_SAMPLE_RATE" envDefault:"1"`
	OTELEnabled   bool   `env:"COACH_OTEL_ENABLED" envDefault:"false"`
	ServiceName   string `env:"OTEL_SERVICE_NAME" envDefault:"coachrules"`

	IterationThreshold int           `env:"COACH_ITERATION_THRESHOLD" envDefault:"1000"`
	MaxDepth           int           `env:"COACH_MAX_DEPTH" envDefault:"64"`
	ScriptTimeout      time.Duration `env:"COACH_SCRIPT_TIMEOUT" envDefault:"5s"`
	LockTTL            time.Duration `env:"COACH_LOCK_TTL" envDefault:"30s"`
	CacheTTL           time.Duration `env:"COACH_CACHE_TTL" envDefault:"5m"`

	Locale     string `env:"COACH_LOCALE" envDefault:"en"`
	TimeZone   string `env:"COACH_TIME_ZONE" envDefault:"UTC"`
	DateLayout string `env:"COACH_DATE_LAYOUT" envDefault:"02.01.2006"`
	TimeLayout string `env:"COACH_TIME_LAYOUT" envDefault:"15:04"`

	DeliveryConcurrency int    `env:"COACH_DELIVERY_CONCURRENCY" envDefault:"8"`
	DeliveryRetries     uint64 `env:"COACH_DELIVERY_RETRIES" envDefault:"3"`
}

// Load parses the environment into a Config and validates it
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.IterationThreshold < 1 {
		errs = append(errs, fmt.Errorf("iteration threshold must be positive, got %d", c.IterationThreshold))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max depth must be positive, got %d", c.MaxDepth))
	}
	if c.ScriptTimeout < 0 || c.LockTTL < 0 || c.CacheTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.LogSampleRate < 1 {
		errs = append(errs, fmt.Errorf("log sample rate must be at least 1, got %d", c.LogSampleRate))
	}
	if c.DeliveryConcurrency < 1 {
		errs = append(errs, fmt.Errorf("delivery concurrency must be positive, got %d", c.DeliveryConcurrency))
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err))
	}
	return errors.Join(errs...)
}

// Engine returns the run settings of the intervention manager
func (c Config) Engine() interventions.Config {
	return interventions.Config{
		IterationThreshold: c.IterationThreshold,
		MaxDepth:           c.MaxDepth,
		RunTimeout:         c.ScriptTimeout,
		LockTTL:            c.LockTTL,
		Cache:              rules.CacheConfig{TTL: c.CacheTTL},
		DateLayout:         c.DateLayout,
		TimeLayout:         c.TimeLayout,
	}
}

// DefaultIntervention is the intervention served when no database is configured
func (c Config) DefaultIntervention(id string) interventions.Intervention {
	return interventions.Intervention{ID: id, Name: id, Locale: c.Locale, TimeZone: c.TimeZone}
}
