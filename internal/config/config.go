package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// EnvPrefix prefixes every environment override, e.g. HEARTBEAT_HEARTBEAT_INTERVAL
const EnvPrefix = "HEARTBEAT"

// ErrInvalid is wrapped by configuration validation failures
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete service configuration
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Log       LogConfig        `mapstructure:"log"`
	Heartbeat heartbeat.Config `mapstructure:"heartbeat"`
	Reclaimer ReclaimerConfig  `mapstructure:"reclaimer"`
	Events    EventsConfig     `mapstructure:"events"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Storage   StorageConfig    `mapstructure:"storage"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Transport TransportConfig  `mapstructure:"transport"`
	Inventory InventoryConfig  `mapstructure:"inventory"`
}

// AppConfig identifies the running instance
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Instance string `mapstructure:"instance"`
}

// LogConfig selects the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ReclaimerConfig controls stale entry removal
type ReclaimerConfig struct {
	Period         time.Duration `mapstructure:"period"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// EventsConfig controls in-process event delivery
type EventsConfig struct {
	Buffer int  `mapstructure:"buffer"`
	Log    bool `mapstructure:"log"`
}

// NATSConfig configures the NATS connection used for event publishing and the nats:// transport
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Stream         string        `mapstructure:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	EventMaxAge    time.Duration `mapstructure:"event_max_age"`
}

// StorageConfig locates the registration database. An empty path disables persistence.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// HTTPConfig configures the status API
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus exporter
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// TransportConfig selects the probe transports
type TransportConfig struct {
	HTTPHeaders map[string]string `mapstructure:"http_headers"`
	Docker      bool              `mapstructure:"docker"`
	GRPC        bool              `mapstructure:"grpc"`
	Process     bool              `mapstructure:"process"`
}

// InventoryConfig locates the agent inventory file
type InventoryConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	hb := heartbeat.DefaultConfig()

	v.SetDefault("app.name", "agent-heartbeat")
	v.SetDefault("app.instance", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("heartbeat.interval", hb.Interval)
	v.SetDefault("heartbeat.timeout", hb.Timeout)
	v.SetDefault("heartbeat.retry_attempts", hb.RetryAttempts)
	v.SetDefault("heartbeat.backoff_multiplier", hb.BackoffMultiplier)
	v.SetDefault("heartbeat.max_backoff_interval", hb.MaxBackoffInterval)
	v.SetDefault("heartbeat.adaptive_interval", hb.AdaptiveInterval)
	v.SetDefault("heartbeat.jitter_percentage", hb.JitterPercentage)

	v.SetDefault("reclaimer.period", heartbeat.DefaultReclaimPeriod)
	v.SetDefault("reclaimer.stale_threshold", heartbeat.DefaultStaleThreshold)

	v.SetDefault("events.buffer", heartbeat.DefaultSubscriptionBuffer)
	v.SetDefault("events.log", true)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.stream", "HEARTBEAT_EVENTS")
	v.SetDefault("nats.subject_prefix", "heartbeat.events")
	v.SetDefault("nats.event_max_age", 24*time.Hour)

	v.SetDefault("storage.path", "heartbeat.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "heartbeat")

	v.SetDefault("transport.http_headers", map[string]string{})
	v.SetDefault("transport.docker", false)
	v.SetDefault("transport.grpc", true)
	v.SetDefault("transport.process", true)

	v.SetDefault("inventory.path", "")
}

// Load reads configuration from path, or from ./config/config.yaml when path is empty,
// and applies HEARTBEAT_* environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no safe fallback
func (c *Config) Validate() error {
	if err := c.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch {
	case c.Reclaimer.Period <= 0:
		return fmt.Errorf("%w: reclaimer.period must be positive", ErrInvalid)
	case c.Reclaimer.StaleThreshold <= 0:
		return fmt.Errorf("%w: reclaimer.stale_threshold must be positive", ErrInvalid)
	case c.NATS.Enabled && len(c.NATS.URLs) == 0:
		return fmt.Errorf("%w: nats.urls is empty", ErrInvalid)
	case c.HTTP.Addr == "":
		return fmt.Errorf("%w: http.addr is empty", ErrInvalid)
	}
	return nil
}
