package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Telegram update delivery modes
const (
	TelegramPolling  = "polling"
	TelegramWebhook  = "webhook"
	TelegramDisabled = "disabled"
)

// Webhook store kinds
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config represents the application configuration
type Config struct {
	Node          NodeConfig     `yaml:"node"`
	Cluster       ClusterConfig  `yaml:"cluster"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Tracking      TrackingConfig `yaml:"tracking"`
	Webhooks      WebhookConfig  `yaml:"webhooks"`
	NATS          NATSConfig     `yaml:"nats"`
	PublicBaseURL string         `yaml:"public_base_url,omitempty"` // used for Mini App links and the bot webhook
	LogLevel      string         `yaml:"log_level,omitempty"`       // debug, info, warn, error
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	Name     string     `yaml:"name"`
	Serf     SerfConfig `yaml:"serf"`
	HTTP     HTTPConfig `yaml:"http"`
	Database DBConfig   `yaml:"database"`
}

// SerfConfig contains Serf-specific configuration
type SerfConfig struct {
	BindAddr      string `yaml:"bind_addr"`
	AdvertiseAddr string `yaml:"advertise_addr,omitempty"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DBConfig contains database configuration
type DBConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig contains cluster configuration. The cluster replicates the
// webhook registry between nodes sharing no database.
type ClusterConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Seeds       []string `yaml:"seeds"`
	EncryptKey  string   `yaml:"encrypt_key,omitempty"`
	JoinTimeout int      `yaml:"join_timeout,omitempty"` // seconds
}

// TelegramConfig contains bot configuration
type TelegramConfig struct {
	Token         string `yaml:"token"`
	Mode          string `yaml:"mode"`                   // polling, webhook, disabled
	PollTimeout   int    `yaml:"poll_timeout,omitempty"` // seconds
	APIURL        string `yaml:"api_url,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
	SendTimeout   int    `yaml:"send_timeout,omitempty"` // seconds
	// RetryInterval is the pause between redelivery passes in seconds; negative disables them
	RetryInterval int `yaml:"retry_interval,omitempty"`
}

// TrackingConfig contains location tracking configuration
type TrackingConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// WebhookConfig contains outbound webhook configuration
type WebhookConfig struct {
	Store           string `yaml:"store"` // sqlite, memory
	DeliveryLogSize int    `yaml:"delivery_log_size"`
	Timeout         int    `yaml:"timeout"` // seconds
	MaxFailures     int    `yaml:"max_failures"`
}

// NATSConfig contains event bus configuration. Publishing is off when URL is empty.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// Default returns the configuration used without a config file
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Name == "" {
		c.Node.Name = "node-1"
	}
	if c.Node.Serf.BindAddr == "" {
		c.Node.Serf.BindAddr = "0.0.0.0:7946"
	}
	if c.Node.HTTP.Port == 0 {
		c.Node.HTTP.Port = 8080
	}
	if c.Node.Database.Path == "" {
		c.Node.Database.Path = "./pmconnect.db"
	}
	if c.Cluster.JoinTimeout == 0 {
		c.Cluster.JoinTimeout = 10
	}
	if c.Telegram.Mode == "" {
		if c.Telegram.Token == "" {
			c.Telegram.Mode = TelegramDisabled
		} else {
			c.Telegram.Mode = TelegramPolling
		}
	}
	if c.Telegram.PollTimeout == 0 {
		c.Telegram.PollTimeout = 30
	}
	if c.Telegram.SendTimeout == 0 {
		c.Telegram.SendTimeout = 10
	}
	if c.Telegram.RetryInterval == 0 {
		c.Telegram.RetryInterval = 60
	}
	if c.Tracking.HistoryLimit == 0 {
		c.Tracking.HistoryLimit = 500
	}
	if c.Webhooks.Store == "" {
		c.Webhooks.Store = StoreSQLite
	}
	if c.Webhooks.DeliveryLogSize == 0 {
		c.Webhooks.DeliveryLogSize = 50
	}
	if c.Webhooks.Timeout == 0 {
		c.Webhooks.Timeout = 10
	}
	if c.Webhooks.MaxFailures == 0 {
		c.Webhooks.MaxFailures = 10
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "pmconnect.events"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	var errs []error
	if c.Node.HTTP.Port < 1 || c.Node.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("node.http.port %d out of range", c.Node.HTTP.Port))
	}
	switch c.Telegram.Mode {
	case TelegramDisabled:
	case TelegramPolling, TelegramWebhook:
		if c.Telegram.Token == "" {
			errs = append(errs, fmt.Errorf("telegram.token is required in %s mode", c.Telegram.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("telegram.mode %q must be polling, webhook or disabled", c.Telegram.Mode))
	}
	if c.Telegram.Mode == TelegramWebhook && !strings.HasPrefix(c.PublicBaseURL, "https://") {
		errs = append(errs, errors.New("telegram webhook mode needs an https public_base_url"))
	}
	if c.PublicBaseURL != "" {
		if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("public_base_url %q is not an absolute url", c.PublicBaseURL))
		}
	}
	switch c.Webhooks.Store {
	case StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("webhooks.store %q must be sqlite or memory", c.Webhooks.Store))
	}
	if c.Tracking.HistoryLimit < 0 {
		errs = append(errs, errors.New("tracking.history_limit must not be negative"))
	}
	if c.Webhooks.MaxFailures < 0 || c.Webhooks.DeliveryLogSize < 0 {
		errs = append(errs, errors.New("webhooks limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Seconds converts a seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ParseLogLevel converts a log level string to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
