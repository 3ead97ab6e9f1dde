// Package config provides YAML-based configuration loading for mjgate.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level mjgate configuration, loaded from mjgate.yaml.
// It is read once at startup and never modified afterwards.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Policy      PolicyConfig      `yaml:"policy"`
	Notify      NotifyConfig      `yaml:"notify"`
	Captcha     CaptchaConfig     `yaml:"captcha"`
	HTTP        HTTPConfig        `yaml:"http"`
	Accounts    []AccountConfig   `yaml:"accounts"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// DatabaseConfig holds connection settings for the account and task store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// RedisConfig points at the coordination store. An empty Addr selects the
// in-process coordinator, which is only safe for a single process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GatewayConfig tunes the gateway connection.
type GatewayConfig struct {
	URL              string        `yaml:"url"`
	UserAgent        string        `yaml:"user_agent"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	APIBase          string        `yaml:"api_base"`
}

// ReconnectConfig bounds the reconnect policy.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Retries     int           `yaml:"retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// CorrelationConfig tunes event-to-task matching.
type CorrelationConfig struct {
	UnmatchedLogLevel string        `yaml:"unmatched_log_level"`
	ExtendTimeout     time.Duration `yaml:"extend_timeout"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
}

// PolicyConfig holds account and task policies.
type PolicyConfig struct {
	AutoRelax      bool          `yaml:"auto_relax"`
	MinutesPerTask float64       `yaml:"minutes_per_task"`
	DisableDelay   time.Duration `yaml:"disable_delay"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	InteractionRPS float64       `yaml:"interaction_rps"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	SlackChannel    string        `yaml:"slack_channel"`
	Command         string        `yaml:"command"`
	Retries         int           `yaml:"retries"`
	Backoff         time.Duration `yaml:"backoff"`
}

// CaptchaConfig configures the verification hand-off.
type CaptchaConfig struct {
	HookURL      string        `yaml:"hook_url"`
	Server       string        `yaml:"server"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Debounce     time.Duration `yaml:"debounce"`
}

// HTTPConfig configures the ops HTTP surface.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// AccountConfig seeds one account.
type AccountConfig struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	GuildID          string            `yaml:"guild_id"`
	ChannelID        string            `yaml:"channel_id"`
	PrivateChannelID string            `yaml:"private_channel_id"`
	SubChannels      map[string]string `yaml:"sub_channels"` // channel id -> guild id
	UserToken        string            `yaml:"user_token"`
	UserAgent        string            `yaml:"user_agent"`
	AutoRelax        bool              `yaml:"auto_relax"`
	Enabled          *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the account should connect. Accounts are
// enabled unless explicitly switched off.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config, if present, is loaded into the
// environment first so ${VAR} references can be resolved.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and unmarshals YAML bytes into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "mjgate"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "mjgate.db"
	}

	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = 30 * time.Second
	}
	if c.Gateway.LockTTL == 0 {
		c.Gateway.LockTTL = 2 * time.Minute
	}
	if c.Gateway.APIBase == "" {
		c.Gateway.APIBase = "https://discord.com/api/v9"
	}

	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.Window == 0 {
		c.Reconnect.Window = 5 * time.Minute
	}
	if c.Reconnect.Retries == 0 {
		c.Reconnect.Retries = 5
	}
	if c.Reconnect.BaseBackoff == 0 {
		c.Reconnect.BaseBackoff = 2 * time.Second
	}
	if c.Reconnect.MaxBackoff == 0 {
		c.Reconnect.MaxBackoff = time.Minute
	}

	if c.Correlation.UnmatchedLogLevel == "" {
		c.Correlation.UnmatchedLogLevel = "debug"
	}
	if c.Correlation.ExtendTimeout == 0 {
		c.Correlation.ExtendTimeout = 5 * time.Minute
	}
	if c.Correlation.DedupTTL == 0 {
		c.Correlation.DedupTTL = 10 * time.Minute
	}

	if c.Policy.MinutesPerTask == 0 {
		c.Policy.MinutesPerTask = 1.0
	}
	if c.Policy.DisableDelay == 0 {
		c.Policy.DisableDelay = 5 * time.Minute
	}
	if c.Policy.TaskTimeout == 0 {
		c.Policy.TaskTimeout = 10 * time.Minute
	}
	if c.Policy.SweepSchedule == "" {
		c.Policy.SweepSchedule = "@every 1m"
	}
	if c.Policy.InteractionRPS == 0 {
		c.Policy.InteractionRPS = 1
	}

	if c.Notify.Retries == 0 {
		c.Notify.Retries = 3
	}
	if c.Notify.Backoff == 0 {
		c.Notify.Backoff = time.Second
	}

	if c.Captcha.PollInterval == 0 {
		c.Captcha.PollInterval = 5 * time.Second
	}
	if c.Captcha.Timeout == 0 {
		c.Captcha.Timeout = 10 * time.Minute
	}
	if c.Captcha.Debounce == 0 {
		c.Captcha.Debounce = 30 * time.Second
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Log.Format {
	case "", "json", "console", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not mysql or sqlite", c.Database.Driver))
	}
	switch strings.ToLower(c.Correlation.UnmatchedLogLevel) {
	case "debug", "info", "warn":
	default:
		errs = append(errs, fmt.Sprintf("correlation.unmatched_log_level %q is not debug, info or warn", c.Correlation.UnmatchedLogLevel))
	}
	if _, err := cron.ParseStandard(c.Policy.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("policy.sweep_schedule %q: %v", c.Policy.SweepSchedule, err))
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.BaseBackoff {
		errs = append(errs, "reconnect.max_backoff must not be below reconnect.base_backoff")
	}
	if len(c.Accounts) == 0 {
		errs = append(errs, "at least one account is required")
	}
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].id is required", i))
		} else if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if a.ChannelID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].channel_id is required", i))
		}
		if a.UserToken == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].user_token is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
