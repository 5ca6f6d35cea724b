package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"
	"github.com/robfig/cron/v3"

	"github.com/ifuryst/herald/pkg/logger"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logger      logger.Config     `yaml:"logger"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Publication PublicationConfig `yaml:"publication"`
	Platforms   PlatformsConfig   `yaml:"platforms"`
	Media       MediaConfig       `yaml:"media"`
	Auth        AuthConfig        `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	// Path is the database file when Type is sqlite.
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	// Disabled keeps the engine from dispatching jobs; scheduling still persists them.
	Disabled     bool   `yaml:"disabled"`
	Workers      int    `yaml:"workers"`
	PollInterval string `yaml:"poll_interval"`
	JobTimeout   string `yaml:"job_timeout"`
	Timezone     string `yaml:"timezone"`
}

type PublicationConfig struct {
	MaxRetries             int      `yaml:"max_retries"`
	RetryDelay             string   `yaml:"retry_delay"`
	MetricsOffsets         []string `yaml:"metrics_offsets"`
	CatchUpInterval        string   `yaml:"catch_up_interval"`
	MetricsRefreshInterval string   `yaml:"metrics_refresh_interval"`
	MetricsWindow          string   `yaml:"metrics_window"`
	CleanupSchedule        string   `yaml:"cleanup_schedule"`
	RetentionDays          int      `yaml:"retention_days"`
}

type PlatformsConfig struct {
	X XConfig `yaml:"x"`
}

type XConfig struct {
	Enabled        bool    `yaml:"enabled"`
	APIBaseURL     string  `yaml:"api_base_url"`
	UploadURL      string  `yaml:"upload_url"`
	PostHost       string  `yaml:"post_host"`
	MaxTextLength  int     `yaml:"max_text_length"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
	PublishTimeout string  `yaml:"publish_timeout"`
	UploadTimeout  string  `yaml:"upload_timeout"`
	DeleteTimeout  string  `yaml:"delete_timeout"`
	MetricsTimeout string  `yaml:"metrics_timeout"`
}

type MediaConfig struct {
	MaxBytes     int64    `yaml:"max_bytes"`
	FetchTimeout string   `yaml:"fetch_timeout"`
	S3           S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AuthConfig struct {
	// TOTPSecret guards admin-only endpoints. Empty disables admin access.
	TOTPSecret string `yaml:"totp_secret"`
}

// PublicationPolicy is the parsed form of PublicationConfig.
type PublicationPolicy struct {
	MaxRetries             int
	RetryDelay             time.Duration
	MetricsOffsets         []time.Duration
	CatchUpInterval        time.Duration
	MetricsRefreshInterval time.Duration
	MetricsWindow          time.Duration
	CleanupSchedule        string
	RetentionDays          int
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if _, err := cfg.Publication.Policy(); err != nil {
		return nil, fmt.Errorf("invalid publication config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/herald.db"
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.PollInterval == "" {
		cfg.Scheduler.PollInterval = "1s"
	}
	if cfg.Scheduler.JobTimeout == "" {
		cfg.Scheduler.JobTimeout = "3m"
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Publication.MaxRetries == 0 {
		cfg.Publication.MaxRetries = 3
	}
	if cfg.Publication.RetryDelay == "" {
		cfg.Publication.RetryDelay = "5m"
	}
	if len(cfg.Publication.MetricsOffsets) == 0 {
		cfg.Publication.MetricsOffsets = []string{"5m", "30m", "2h"}
	}
	if cfg.Publication.CatchUpInterval == "" {
		cfg.Publication.CatchUpInterval = "5m"
	}
	if cfg.Publication.MetricsWindow == "" {
		cfg.Publication.MetricsWindow = "168h"
	}
	if cfg.Publication.CleanupSchedule == "" {
		cfg.Publication.CleanupSchedule = "0 2 * * *"
	}
	if cfg.Publication.RetentionDays == 0 {
		cfg.Publication.RetentionDays = 90
	}
	if cfg.Platforms.X.APIBaseURL == "" {
		cfg.Platforms.X.APIBaseURL = "https://api.x.com"
	}
	if cfg.Platforms.X.UploadURL == "" {
		cfg.Platforms.X.UploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	}
	if cfg.Platforms.X.PostHost == "" {
		cfg.Platforms.X.PostHost = "x.com"
	}
	if cfg.Platforms.X.MaxTextLength == 0 {
		cfg.Platforms.X.MaxTextLength = 280
	}
	if cfg.Platforms.X.RatePerSec == 0 {
		cfg.Platforms.X.RatePerSec = 1
	}
	if cfg.Platforms.X.PublishTimeout == "" {
		cfg.Platforms.X.PublishTimeout = "30s"
	}
	if cfg.Platforms.X.UploadTimeout == "" {
		cfg.Platforms.X.UploadTimeout = "90s"
	}
	if cfg.Platforms.X.DeleteTimeout == "" {
		cfg.Platforms.X.DeleteTimeout = "20s"
	}
	if cfg.Platforms.X.MetricsTimeout == "" {
		cfg.Platforms.X.MetricsTimeout = "20s"
	}
	if cfg.Media.MaxBytes == 0 {
		cfg.Media.MaxBytes = 5 * 1024 * 1024
	}
	if cfg.Media.FetchTimeout == "" {
		cfg.Media.FetchTimeout = "30s"
	}
}

// Policy parses and validates the publication settings.
func (c PublicationConfig) Policy() (PublicationPolicy, error) {
	policy := PublicationPolicy{
		MaxRetries:      c.MaxRetries,
		CleanupSchedule: c.CleanupSchedule,
		RetentionDays:   c.RetentionDays,
	}
	if c.MaxRetries < 0 {
		return policy, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}

	var err error
	if policy.RetryDelay, err = parsePositive("retry_delay", c.RetryDelay); err != nil {
		return policy, err
	}
	if policy.CatchUpInterval, err = parsePositive("catch_up_interval", c.CatchUpInterval); err != nil {
		return policy, err
	}
	if policy.MetricsWindow, err = parsePositive("metrics_window", c.MetricsWindow); err != nil {
		return policy, err
	}
	// An empty refresh interval disables the periodic metrics sweep.
	if c.MetricsRefreshInterval != "" {
		if policy.MetricsRefreshInterval, err = parsePositive("metrics_refresh_interval", c.MetricsRefreshInterval); err != nil {
			return policy, err
		}
	}

	for _, raw := range c.MetricsOffsets {
		offset, err := parsePositive("metrics_offsets", raw)
		if err != nil {
			return policy, err
		}
		policy.MetricsOffsets = append(policy.MetricsOffsets, offset)
	}

	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			return policy, fmt.Errorf("invalid cleanup_schedule %q: %w", c.CleanupSchedule, err)
		}
	}

	return policy, nil
}

// Durations parses the scheduler settings.
func (c SchedulerConfig) Durations() (poll time.Duration, jobTimeout time.Duration, err error) {
	if poll, err = parsePositive("poll_interval", c.PollInterval); err != nil {
		return 0, 0, err
	}
	if jobTimeout, err = parsePositive("job_timeout", c.JobTimeout); err != nil {
		return 0, 0, err
	}
	return poll, jobTimeout, nil
}

// ParseDuration parses an optional duration, returning fallback when raw is empty.
func ParseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func parsePositive(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, raw)
	}
	return d, nil
}
