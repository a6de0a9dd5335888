// Package config loads the engine process's configuration via viper,
// mirroring the teacher service's adapter/config package.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// Config is the complete engine process configuration.
type Config struct {
	Environment string       `mapstructure:"environment"`
	HTTP        HTTPConfig   `mapstructure:"http"`
	Engine      EngineConfig `mapstructure:"engine"`
	EventBridge EventBridge  `mapstructure:"eventbridge"`
	Logging     LoggingConfig `mapstructure:"logging"`

	PolicyPath string `mapstructure:"policy_path"`
}

// HTTPConfig configures the health/metrics HTTP server.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EngineConfig tunes the publish engine's queueing and scheduling
// behavior (spec.md §3, §6).
type EngineConfig struct {
	MaxPublishRequestInQueue int           `mapstructure:"max_publish_request_in_queue"`
	TickInterval             time.Duration `mapstructure:"tick_interval"`
	DefaultRingSize          int           `mapstructure:"default_ring_size"`
}

// EventBridge configures the optional MQTT lifecycle-event publisher.
type EventBridge struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Topic          string        `mapstructure:"topic"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds the logging.level and logging.format settings. It is
// loaded but not read by pkg/logging, which takes its level and format from
// the LOG_LEVEL and LOG_FORMAT environment variables.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (if it exists) and environment
// variables prefixed ENGINE_, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if _, statErr := os.Stat(path); statErr != nil && os.IsNotExist(statErr) {
				// No file at all: fine, defaults + env apply.
			} else {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("engine.max_publish_request_in_queue", 100)
	v.SetDefault("engine.tick_interval", 100*time.Millisecond)
	v.SetDefault("engine.default_ring_size", 100)

	v.SetDefault("eventbridge.enabled", false)
	v.SetDefault("eventbridge.broker_url", "tcp://localhost:1883")
	v.SetDefault("eventbridge.client_id", "opcua-pubsub-engine")
	v.SetDefault("eventbridge.topic", "uns/opcua-pubsub-engine/lifecycle")
	v.SetDefault("eventbridge.qos", byte(1))
	v.SetDefault("eventbridge.keep_alive", 30*time.Second)
	v.SetDefault("eventbridge.connect_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxPublishRequestInQueue < 1 {
		return fmt.Errorf("engine.max_publish_request_in_queue: %w", domain.ErrMaxPublishQueueInvalid)
	}
	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if cfg.EventBridge.Enabled && cfg.EventBridge.BrokerURL == "" {
		return fmt.Errorf("eventbridge.broker_url is required when eventbridge is enabled")
	}
	return nil
}

// SubscriptionPolicy is one entry in the static priority policy file:
// it assigns a scheduling priority to subscriptions created under a
// given client application name, mirroring the role the teacher's
// devices.yaml plays for field devices.
type SubscriptionPolicy struct {
	ApplicationName string `yaml:"application_name"`
	Priority        uint8  `yaml:"priority"`
	RingSize        int    `yaml:"ring_size"`
}

// LoadSubscriptionPolicies reads a YAML file listing per-application
// subscription policies, analogous to the teacher's config.LoadDevices.
func LoadSubscriptionPolicies(path string) ([]SubscriptionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscription policy file: %w", err)
	}

	var policies []SubscriptionPolicy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parse subscription policy file: %w", err)
	}

	return policies, nil
}
