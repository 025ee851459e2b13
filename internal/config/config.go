package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Themes   ThemesConfig   `yaml:"themes"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig sets the zap level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// QueueConfig tunes the queue consumers.
type QueueConfig struct {
	BatchSize    int    `yaml:"batch_size"`
	Visibility   string `yaml:"visibility"`
	MaxReceives  int    `yaml:"max_receives"`
	PollInterval string `yaml:"poll_interval"`
}

// ParseVisibility returns the visibility timeout as time.Duration.
func (q QueueConfig) ParseVisibility() time.Duration {
	return parseDuration(q.Visibility, 5*time.Minute)
}

// ParsePollInterval returns the poll interval as time.Duration.
func (q QueueConfig) ParsePollInterval() time.Duration {
	return parseDuration(q.PollInterval, 2*time.Second)
}

// ScheduleConfig configures the sweep loops.
type ScheduleConfig struct {
	IngestSweepInterval string `yaml:"ingest_sweep_interval"`
	ThemesSweepInterval string `yaml:"themes_sweep_interval"`
	BatchSize           int    `yaml:"batch_size"`
	LockDuration        string `yaml:"lock_duration"`
}

// ParseIngestSweepInterval returns the ingest sweep interval as time.Duration.
func (s ScheduleConfig) ParseIngestSweepInterval() time.Duration {
	return parseDuration(s.IngestSweepInterval, 5*time.Minute)
}

// ParseThemesSweepInterval returns the themes sweep interval as time.Duration.
func (s ScheduleConfig) ParseThemesSweepInterval() time.Duration {
	return parseDuration(s.ThemesSweepInterval, 15*time.Minute)
}

// ParseLockDuration returns the claim lock as time.Duration.
func (s ScheduleConfig) ParseLockDuration() time.Duration {
	return parseDuration(s.LockDuration, 60*time.Second)
}

// IngestConfig configures ingestion and the store scrapers.
type IngestConfig struct {
	IntervalMinutes     int    `yaml:"interval_minutes"`
	FirstRunDays        int    `yaml:"first_run_days"`
	DefaultBackfillDays int    `yaml:"default_backfill_days"`
	MaxBackfillDays     int    `yaml:"max_backfill_days"`
	MaxPages            int    `yaml:"max_pages"`
	InsertConcurrency   int    `yaml:"insert_concurrency"`
	Country             string `yaml:"country"`
	Lang                string `yaml:"lang"`
	PageInterval        string `yaml:"page_interval"`
}

// ParsePageInterval returns the scraper page spacing as time.Duration.
func (i IngestConfig) ParsePageInterval() time.Duration {
	return parseDuration(i.PageInterval, 1500*time.Millisecond)
}

// ThemesConfig configures themes jobs.
type ThemesConfig struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	Lang            string `yaml:"lang"`
	PosCutoff       int    `yaml:"pos_cutoff"`
	NegCutoff       int    `yaml:"neg_cutoff"`
	TopN            int    `yaml:"top_n"`
}

// AnalyzerConfig configures the LLM behind themes analysis.
type AnalyzerConfig struct {
	Provider string `yaml:"provider"` // "openai" or "anthropic"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // custom endpoint (optional)
	Timeout  string `yaml:"timeout"`
}

// ParseTimeout returns the request timeout as time.Duration.
func (a AnalyzerConfig) ParseTimeout() time.Duration {
	return parseDuration(a.Timeout, 120*time.Second)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./storepulse.db"},
		Log:      LogConfig{Level: "info"},
		Server:   ServerConfig{Port: 8080},
		Queue: QueueConfig{
			BatchSize:    5,
			Visibility:   "5m",
			MaxReceives:  5,
			PollInterval: "2s",
		},
		Schedule: ScheduleConfig{
			IngestSweepInterval: "5m",
			ThemesSweepInterval: "15m",
			BatchSize:           50,
			LockDuration:        "60s",
		},
		Ingest: IngestConfig{
			IntervalMinutes:     60,
			FirstRunDays:        150,
			DefaultBackfillDays: 2,
			MaxBackfillDays:     30,
			MaxPages:            50,
			InsertConcurrency:   15,
			Country:             "fr",
			Lang:                "fr",
			PageInterval:        "1500ms",
		},
		Themes: ThemesConfig{
			IntervalMinutes: 1440,
			Lang:            "fr",
			PosCutoff:       4,
			NegCutoff:       3,
			TopN:            3,
		},
		Analyzer: AnalyzerConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  "120s",
		},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	if c.Schedule.BatchSize <= 0 {
		errs = append(errs, errors.New("schedule.batch_size must be positive"))
	}
	if c.Schedule.ParseLockDuration() < 10*time.Second {
		errs = append(errs, errors.New("schedule.lock_duration must be at least 10s"))
	}
	switch c.Analyzer.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("analyzer.provider %q is not supported", c.Analyzer.Provider))
	}
	if c.Ingest.FirstRunDays <= 0 {
		errs = append(errs, errors.New("ingest.first_run_days must be positive"))
	}
	if c.Ingest.MaxBackfillDays < c.Ingest.DefaultBackfillDays {
		errs = append(errs, errors.New("ingest.max_backfill_days must be >= default_backfill_days"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOREPULSE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STOREPULSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("STOREPULSE_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Analyzer.APIKey = v
		cfg.Analyzer.Provider = "openai"
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Analyzer.APIKey = v
		cfg.Analyzer.Provider = "anthropic"
		if cfg.Analyzer.Model == "gpt-4o-mini" {
			cfg.Analyzer.Model = ""
		}
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
