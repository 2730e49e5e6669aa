package config

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for dbguard
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Pool       PoolConfig       `yaml:"pool"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Probes     []ProbeConfig    `yaml:"probes"`
	Polling    PollingConfig    `yaml:"polling"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ConnectionConfig struct {
	// Connection string (alternative to individual fields). A connection_limit
	// query parameter, if present, sets the pool ceiling.
	URL string `yaml:"url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// Authentication
	AuthMethod     string `yaml:"auth_method"` // "password", "iam", "secrets_manager", "parameter_store", "env"
	Password       string `yaml:"password"`
	PasswordSecret string `yaml:"password_secret"` // ARN or parameter name
	PasswordEnv    string `yaml:"password_env"`    // Environment variable name

	AWSRegion string `yaml:"aws_region"`

	SSLMode string `yaml:"sslmode"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PoolConfig configures the in-process pool monitor
type PoolConfig struct {
	// MaxConnections is the pool ceiling. Zero means "derive from the
	// connection URL, else use DefaultMaxConnections".
	MaxConnections    int           `yaml:"max_connections"`
	WarningPercent    float64       `yaml:"warning_percent"`
	CriticalPercent   float64       `yaml:"critical_percent"`
	LeakThreshold     time.Duration `yaml:"leak_threshold"`
	HistorySize       int           `yaml:"history_size"`
	LeakWatchInterval time.Duration `yaml:"leak_watch_interval"`
}

type TimeoutsConfig struct {
	Default    time.Duration            `yaml:"default"`
	Operations map[string]time.Duration `yaml:"operations"`
	Priorities PrioritiesConfig         `yaml:"priorities"`
	Retry      RetryConfig              `yaml:"retry"`
}

type PrioritiesConfig struct {
	Critical time.Duration `yaml:"critical"`
	High     time.Duration `yaml:"high"`
	Normal   time.Duration `yaml:"normal"`
	Low      time.Duration `yaml:"low"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
}

// ProbeConfig is a synthetic query run through the governor on every poll
type ProbeConfig struct {
	Name     string        `yaml:"name"`
	Kind     string        `yaml:"kind"`     // operation kind for the timeout policy
	Priority string        `yaml:"priority"` // overrides kind when set
	Query    string        `yaml:"query"`
	Timeout  time.Duration `yaml:"timeout"` // overrides kind and priority when set
	Retries  int           `yaml:"retries"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AlertsConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	Slack    SlackConfig   `yaml:"slack"`
	Webhook  WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"` // POST (default) or GET
	Headers map[string]string `yaml:"headers"`
}

type SlackConfig struct {
	Enabled       bool     `yaml:"enabled"`
	WebhookURL    string   `yaml:"webhook_url"`
	WebhookSecret string   `yaml:"webhook_secret"` // ARN for secrets manager
	Channel       string   `yaml:"channel"`
	MentionUsers  []string `yaml:"mention_users"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// DegradedStatus is the HTTP status /readyz returns for warning and
	// critical health (200 or 503).
	DegradedStatus int `yaml:"degraded_status"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stderr, stdout, file path
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Port:           5432,
			SSLMode:        "prefer",
			ConnectTimeout: 10 * time.Second,
			AuthMethod:     "password",
		},
		Pool: PoolConfig{
			WarningPercent:    70,
			CriticalPercent:   90,
			LeakThreshold:     30 * time.Second,
			HistorySize:       100,
			LeakWatchInterval: time.Minute,
		},
		Timeouts: TimeoutsConfig{
			Default: 15 * time.Second,
			Priorities: PrioritiesConfig{
				Critical: 60 * time.Second,
				High:     30 * time.Second,
				Normal:   15 * time.Second,
				Low:      5 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries: 2,
				Delay:      time.Second,
			},
		},
		Probes: []ProbeConfig{
			{Name: "ping", Kind: "findUnique", Query: "SELECT 1"},
		},
		Polling: PollingConfig{
			Interval: 10 * time.Second,
		},
		Alerts: AlertsConfig{
			Cooldown: 5 * time.Minute,
		},
		API: APIConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:9183",
			DegradedStatus: http.StatusServiceUnavailable,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Dir returns the directory where config files are stored
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "dbguard"), nil
}

// Path returns the default config file path
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads config from the given path and resolves derived values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.expandEnvVars()
	cfg.resolve()

	return cfg, nil
}

// LoadOrDefault attempts to load config from default path, returns default config if not found
func LoadOrDefault() (*Config, error) {
	path, err := Path()
	if err != nil {
		return Defaults(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Defaults(), nil
	}

	return Load(path)
}

// Defaults returns DefaultConfig with derived values resolved against the
// environment (DATABASE_URL may carry a connection_limit).
func Defaults() *Config {
	cfg := DefaultConfig()
	cfg.resolve()
	return cfg
}

// Save writes config to the given path
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) expandEnvVars() {
	c.Connection.URL = os.ExpandEnv(c.Connection.URL)
	c.Connection.Host = os.ExpandEnv(c.Connection.Host)
	c.Connection.Password = os.ExpandEnv(c.Connection.Password)
	c.Connection.User = os.ExpandEnv(c.Connection.User)
	c.Connection.Database = os.ExpandEnv(c.Connection.Database)
	c.Alerts.Slack.WebhookURL = os.ExpandEnv(c.Alerts.Slack.WebhookURL)
	c.Alerts.Webhook.URL = os.ExpandEnv(c.Alerts.Webhook.URL)
}

// resolve fills values derived from other settings. It runs once at load.
func (c *Config) resolve() {
	if c.Pool.MaxConnections <= 0 {
		c.Pool.MaxConnections = ResolveMaxConnections(c.DatabaseURL())
	}
}

// DatabaseURL returns connection.url, else DATABASE_URL.
func (c *Config) DatabaseURL() string {
	if c.Connection.URL != "" {
		return c.Connection.URL
	}
	return os.Getenv("DATABASE_URL")
}

// Target describes the configured database without credentials, for logs
// and `config show`.
func (c *Config) Target() string {
	if raw := c.DatabaseURL(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return "(invalid connection url)"
		}
		return u.Redacted()
	}

	return fmt.Sprintf("%s@%s/%s",
		c.Connection.User,
		net.JoinHostPort(c.Connection.Host, strconv.Itoa(c.Connection.Port)),
		c.Connection.Database,
	)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Connection.URL == "" && c.Connection.Host == "" {
		if os.Getenv("DATABASE_URL") == "" {
			return fmt.Errorf("no database connection configured: set connection.url, connection.host, or DATABASE_URL")
		}
	}

	if c.Pool.WarningPercent >= c.Pool.CriticalPercent {
		return fmt.Errorf("pool.warning_percent must be less than critical_percent")
	}

	if c.Pool.LeakThreshold <= 0 {
		return fmt.Errorf("pool.leak_threshold must be positive")
	}

	if c.Pool.HistorySize <= 0 {
		return fmt.Errorf("pool.history_size must be positive")
	}

	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}

	if c.Timeouts.Default <= 0 {
		return fmt.Errorf("timeouts.default must be positive")
	}

	if c.Timeouts.Retry.MaxRetries < 0 {
		return fmt.Errorf("timeouts.retry.max_retries must not be negative")
	}

	switch c.API.DegradedStatus {
	case http.StatusOK, http.StatusServiceUnavailable:
	default:
		return fmt.Errorf("api.degraded_status must be 200 or 503, got %d", c.API.DegradedStatus)
	}

	for i, p := range c.Probes {
		if p.Name == "" || p.Query == "" {
			return fmt.Errorf("probes[%d]: name and query are required", i)
		}
	}

	return nil
}
