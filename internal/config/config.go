// Package config loads the pipeline configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/visioncortex/backend/internal/core"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Outreach OutreachConfig `yaml:"outreach"`
	Resolver ResolverConfig `yaml:"resolver"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Bus      BusConfig      `yaml:"bus"`
	Adapters AdaptersConfig `yaml:"adapters"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	// Mirror is disabled entirely when Enabled is false. With Required
	// set, Redis unreachable at startup aborts the launcher.
	Enabled  bool `yaml:"enabled"`
	Required bool `yaml:"required"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

type IngestConfig struct {
	IntervalMinutes    int `yaml:"ingest_interval_minutes"`
	MaxSignalsPerBatch int `yaml:"max_signals_per_batch"`
}

type AlertsConfig struct {
	CheckIntervalHours int   `yaml:"alert_check_interval_hours"`
	Thresholds         []int `yaml:"alert_thresholds"`
}

type OutreachConfig struct {
	DefaultChannel string `yaml:"default_outreach_channel"`
}

type ResolverConfig struct {
	LLMEnabled bool   `yaml:"llm_resolver_enabled"`
	LLMBaseURL string `yaml:"llm_resolver_base_url"`
	LLMModel   string `yaml:"llm_resolver_model"`
}

type ScoringConfig struct {
	// Weights overrides any subset of the six weight keys.
	Weights map[string]float64 `yaml:"scoring_weights"`
}

type BusConfig struct {
	QueueCapacity         int `yaml:"queue_capacity"`
	PublishTimeoutSeconds int `yaml:"publish_timeout_seconds"`
}

type AdapterConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	CadenceMinutes int    `yaml:"cadence_minutes"` // 0 uses the global interval
}

type AdaptersConfig struct {
	CourtDocket        AdapterConfig `yaml:"court_docket"`
	RegulatoryCalendar AdapterConfig `yaml:"regulatory_calendar"`
	TalentTracker      AdapterConfig `yaml:"talent_tracker"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{URL: "redis://localhost:6379", Enabled: true},
		Ingest: IngestConfig{
			IntervalMinutes:    180,
			MaxSignalsPerBatch: 100,
		},
		Alerts: AlertsConfig{
			CheckIntervalHours: 6,
			Thresholds:         []int{30, 14, 7, 2},
		},
		Outreach: OutreachConfig{DefaultChannel: string(core.ChannelEmail)},
		Bus: BusConfig{
			QueueCapacity:         256,
			PublishTimeoutSeconds: 5,
		},
	}
}

// Load reads YAML from path (a missing file falls back to defaults),
// then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("LLM_RESOLVER_BASE_URL"); v != "" {
		cfg.Resolver.LLMBaseURL = v
		cfg.Resolver.LLMEnabled = true
	}
	if v := os.Getenv("LLM_RESOLVER_MODEL"); v != "" {
		cfg.Resolver.LLMModel = v
	}
	if v := os.Getenv("INGEST_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ingest.IntervalMinutes = n
		}
	}
}

// Validate rejects configurations the launcher must not start with.
func (c *Config) Validate() error {
	if c.Ingest.IntervalMinutes <= 0 {
		return fmt.Errorf("ingest_interval_minutes must be positive, got %d", c.Ingest.IntervalMinutes)
	}
	if c.Ingest.MaxSignalsPerBatch <= 0 {
		return fmt.Errorf("max_signals_per_batch must be positive, got %d", c.Ingest.MaxSignalsPerBatch)
	}
	if c.Alerts.CheckIntervalHours <= 0 {
		return fmt.Errorf("alert_check_interval_hours must be positive, got %d", c.Alerts.CheckIntervalHours)
	}
	for _, t := range c.Alerts.Thresholds {
		if t <= 0 {
			return fmt.Errorf("alert threshold must be positive, got %d", t)
		}
	}
	switch core.Channel(c.Outreach.DefaultChannel) {
	case core.ChannelEmail, core.ChannelSMS, core.ChannelPhone, core.ChannelLinkedIn:
	default:
		return fmt.Errorf("unknown default_outreach_channel %q", c.Outreach.DefaultChannel)
	}
	if c.Resolver.LLMEnabled && c.Resolver.LLMBaseURL == "" {
		return fmt.Errorf("llm_resolver_enabled requires llm_resolver_base_url")
	}
	for key := range c.Scoring.Weights {
		switch key {
		case "urgency", "financial_stress", "operational_disruption",
			"competitive_threat", "regulatory_risk", "strategic":
		default:
			return fmt.Errorf("unknown scoring weight key %q", key)
		}
	}
	return nil
}

// IngestInterval is the global cadence as a duration.
func (c *Config) IngestInterval() time.Duration {
	return time.Duration(c.Ingest.IntervalMinutes) * time.Minute
}

// SweepInterval is the alert monitor cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Alerts.CheckIntervalHours) * time.Hour
}

// PublishTimeout is the bus backpressure deadline as a duration.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Bus.PublishTimeoutSeconds) * time.Second
}

// Cadence resolves an adapter's effective poll interval.
func (a AdapterConfig) Cadence(global time.Duration) time.Duration {
	if a.CadenceMinutes > 0 {
		return time.Duration(a.CadenceMinutes) * time.Minute
	}
	return global
}
