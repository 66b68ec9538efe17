// Package config handles loading and validating the tourmapd configuration.
// Defaults cover a local development setup; an optional tourmap.yaml and
// environment variables (highest priority) override them. Secrets are
// expected from the environment in deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tourmapd configuration.
type Config struct {
	DatabaseURL string   `yaml:"database_url"`
	DBMaxConns  int32    `yaml:"db_max_conns"`
	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`

	Strava StravaConfig `yaml:"strava"`
	Poller PollerConfig `yaml:"poller"`
	Audit  AuditConfig  `yaml:"audit"`
}

// StravaConfig configures the upstream API client and the enrollment flow.
type StravaConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURL  string        `yaml:"redirect_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PoolSize     int           `yaml:"pool_size"` // 0 = unbounded client pool
}

// PollerConfig tunes the background poller.
type PollerConfig struct {
	Enabled               bool          `yaml:"enabled"` // run the poller inside `serve`
	Workers               int           `yaml:"workers"`
	PollSleep             time.Duration `yaml:"poll_sleep"`
	LatestInterval        time.Duration `yaml:"latest_interval"`
	LatestLookbackDays    int           `yaml:"latest_lookback_days"`
	LatestLookbackPerPage int           `yaml:"latest_lookback_per_page"`
	FullFetchPerPage      int           `yaml:"full_fetch_per_page"`
	PhotoSizes            []int         `yaml:"photo_sizes"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

// AuditConfig controls audit log retention.
type AuditConfig struct {
	RetentionDays int           `yaml:"retention_days"` // 0 keeps entries forever
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the local development defaults. DatabaseURL and the
// Strava application credentials have no defaults and must be provided.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		CORSOrigins: []string{"http://localhost:3000"},
		LogLevel:    "info",
		Strava: StravaConfig{
			BaseURL:  "https://www.strava.com",
			Timeout:  10 * time.Second,
			PoolSize: 0,
		},
		Poller: PollerConfig{
			Workers:               4,
			PollSleep:             2 * time.Second,
			LatestInterval:        5 * time.Minute,
			LatestLookbackDays:    14,
			LatestLookbackPerPage: 50,
			FullFetchPerPage:      20,
			PhotoSizes:            []int{256, 1024},
			ShutdownTimeout:       30 * time.Second,
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			SweepInterval: time.Hour,
		},
	}
}

// Load builds the effective configuration: defaults, then the yaml file at
// path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: TOURMAP_CONFIG env var > ./tourmap.yaml > "" (no config file).
func ResolvePath() string {
	if p := os.Getenv("TOURMAP_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("tourmap.yaml"); err == nil {
		return "tourmap.yaml"
	}
	return ""
}

// applyEnv overlays environment variables onto the config. Unset variables
// leave the current value untouched.
func (c *Config) applyEnv() error {
	var errs []string

	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Strava.BaseURL, "STRAVA_BASE_URL")
	setString(&c.Strava.ClientID, "STRAVA_CLIENT_ID")
	setString(&c.Strava.ClientSecret, "STRAVA_CLIENT_SECRET")
	setString(&c.Strava.RedirectURL, "STRAVA_REDIRECT_URL")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitNonEmpty(v)
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS=%q: must be an integer", v))
		} else {
			c.DBMaxConns = int32(n)
		}
	}

	setDuration(&c.Strava.Timeout, "STRAVA_TIMEOUT", &errs)
	setInt(&c.Strava.PoolSize, "STRAVA_POOL_SIZE", &errs)

	setBool(&c.Poller.Enabled, "POLLER_ENABLED", &errs)
	setInt(&c.Poller.Workers, "POLLER_WORKERS", &errs)
	setDuration(&c.Poller.PollSleep, "POLLER_SLEEP", &errs)
	setDuration(&c.Poller.LatestInterval, "POLLER_LATEST_INTERVAL", &errs)
	setInt(&c.Poller.LatestLookbackDays, "POLLER_LATEST_LOOKBACK_DAYS", &errs)
	setInt(&c.Poller.LatestLookbackPerPage, "POLLER_LATEST_LOOKBACK_PER_PAGE", &errs)
	setInt(&c.Poller.FullFetchPerPage, "POLLER_FULL_FETCH_PER_PAGE", &errs)
	setDuration(&c.Poller.ShutdownTimeout, "POLLER_SHUTDOWN_TIMEOUT", &errs)

	setInt(&c.Audit.RetentionDays, "AUDIT_RETENTION_DAYS", &errs)
	setDuration(&c.Audit.SweepInterval, "AUDIT_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("POLLER_PHOTO_SIZES"); v != "" {
		sizes, err := parseSizes(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("POLLER_PHOTO_SIZES=%q: %v", v, err))
		} else {
			c.Poller.PhotoSizes = sizes
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validate checks constraints that hold regardless of where a value came from.
func (c *Config) validate() error {
	var errs []string
	if c.Strava.Timeout <= 0 {
		errs = append(errs, "strava.timeout must be positive")
	}
	if c.Strava.PoolSize < 0 {
		errs = append(errs, "strava.pool_size must not be negative")
	}
	if c.Poller.Workers < 1 {
		errs = append(errs, "poller.workers must be at least 1")
	}
	if c.Poller.PollSleep <= 0 {
		errs = append(errs, "poller.poll_sleep must be positive")
	}
	if c.Poller.LatestLookbackDays < 1 {
		errs = append(errs, "poller.latest_lookback_days must be at least 1")
	}
	if c.Poller.LatestLookbackPerPage < 1 {
		errs = append(errs, "poller.latest_lookback_per_page must be at least 1")
	}
	if c.Poller.FullFetchPerPage < 1 {
		errs = append(errs, "poller.full_fetch_per_page must be at least 1")
	}
	if len(c.Poller.PhotoSizes) == 0 {
		errs = append(errs, "poller.photo_sizes must name at least one size")
	}
	if c.Audit.RetentionDays < 0 {
		errs = append(errs, "audit.retention_days must not be negative")
	}
	if c.Audit.SweepInterval <= 0 {
		errs = append(errs, "audit.sweep_interval must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q: must be debug, info, warn or error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q: must be an integer", key, v))
		return
	}
	*dst = n
}

func setBool(dst *bool, key string, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q: must be a boolean", key, v))
		return
	}
	*dst = b
}

func setDuration(dst *time.Duration, key string, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q: must be a Go duration (e.g. 10s, 5m)", key, v))
		return
	}
	*dst = d
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSizes(v string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("size %q: must be a positive integer", part)
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no sizes given")
	}
	return sizes, nil
}
