// Package config loads and validates crawlops configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlops/internal/profile"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLOPS_SERVER_PORT.
const EnvPrefix = "CRAWLOPS"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig                 `mapstructure:"server"`
	Auth     AuthConfig                   `mapstructure:"auth"`
	Logging  LoggingConfig                `mapstructure:"logging"`
	Queue    QueueConfig                  `mapstructure:"queue"`
	Profiles map[string]profile.Overrides `mapstructure:"profiles"`
	Sessions SessionsConfig               `mapstructure:"sessions"`
	Storage  StorageConfig                `mapstructure:"storage"`
	Capture  CaptureConfig                `mapstructure:"capture"`
	PubSub   PubSubConfig                 `mapstructure:"pubsub"`
	Progress ProgressConfig               `mapstructure:"progress"`
	Metrics  MetricsConfig                `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig governs the orchestrator.
type QueueConfig struct {
	ActiveProfile string        `mapstructure:"active_profile"`
	MaxDepth      int           `mapstructure:"max_depth"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
}

// SessionsConfig selects and tunes the session store.
type SessionsConfig struct {
	Driver             string        `mapstructure:"driver"`
	Dir                string        `mapstructure:"dir"`
	DSN                string        `mapstructure:"dsn"`
	DefaultExpiryHours int           `mapstructure:"default_expiry_hours"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// StorageConfig selects where capture artifacts are written.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// CaptureConfig configures fetching, rendering, and domain filtering.
type CaptureConfig struct {
	UserAgent         string         `mapstructure:"user_agent"`
	Timeout           time.Duration  `mapstructure:"timeout"`
	MaxBodyBytes      int            `mapstructure:"max_body_bytes"`
	PromotionMinBytes int            `mapstructure:"promotion_min_bytes"`
	Blocklist         []string       `mapstructure:"blocklist"`
	Headless          HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Captures
// go to Topic; progress events go to EventsTopic when it is set.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	Topic       string `mapstructure:"topic"`
	EventsTopic string `mapstructure:"events_topic"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxBatchEvents  int           `mapstructure:"max_batch_events"`
	MaxBatchWait    time.Duration `mapstructure:"max_batch_wait"`
	SubscriberQueue int           `mapstructure:"subscriber_queue"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment. With an empty path the file
// crawlops.{yaml,json,toml} is searched in ., $HOME/.crawlops, and
// /etc/crawlops; a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("crawlops")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.crawlops")
		v.AddConfigPath("/etc/crawlops")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("queue.active_profile", profile.Standard)
	v.SetDefault("queue.max_depth", 0)
	v.SetDefault("queue.tick_interval", "1s")
	v.SetDefault("sessions.driver", "sqlite")
	v.SetDefault("sessions.dir", "./data")
	v.SetDefault("sessions.default_expiry_hours", 720)
	v.SetDefault("sessions.sweep_interval", "1h")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "./data/captures")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("capture.user_agent", "crawlops/0.1 (+https://github.com/JakeFAU/crawlops)")
	v.SetDefault("capture.timeout", "30s")
	v.SetDefault("capture.max_body_bytes", 20<<20)
	v.SetDefault("capture.promotion_min_bytes", 2048)
	v.SetDefault("capture.headless.enabled", false)
	v.SetDefault("capture.headless.max_parallel", 2)
	v.SetDefault("capture.headless.nav_timeout", "45s")
	v.SetDefault("capture.headless.settle_delay", "500ms")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.subscriber_queue", 64)
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue.max_depth must be >= 0")
	}
	if c.Queue.TickInterval <= 0 {
		return fmt.Errorf("queue.tick_interval must be > 0")
	}
	if _, err := profile.New(c.Queue.ActiveProfile, c.Profiles, nil); err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	switch c.Sessions.Driver {
	case "sqlite":
		if c.Sessions.Dir == "" {
			return fmt.Errorf("sessions.dir must be set for the sqlite driver")
		}
	case "postgres":
		if c.Sessions.DSN == "" {
			return fmt.Errorf("sessions.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("sessions.driver must be sqlite or postgres, got %q", c.Sessions.Driver)
	}
	if c.Sessions.DefaultExpiryHours < 0 {
		return fmt.Errorf("sessions.default_expiry_hours must be >= 0")
	}
	if c.Sessions.SweepInterval < 0 {
		return fmt.Errorf("sessions.sweep_interval must be >= 0")
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.provider must be local, memory, or gcs, got %q", c.Storage.Provider)
	}
	if c.Capture.Timeout <= 0 {
		return fmt.Errorf("capture.timeout must be > 0")
	}
	if c.Capture.Headless.Enabled && c.Capture.Headless.MaxParallel <= 0 {
		return fmt.Errorf("capture.headless.max_parallel must be > 0 when headless is enabled")
	}
	if (c.PubSub.Topic != "" || c.PubSub.EventsTopic != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// ParseLevel maps a level name onto zap's levels; empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}
