package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "COEDIT"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "coedit.db"
	defaultLogLevel             = "info"
	defaultCookieName           = "app_session"
	defaultIssuer               = "tauth"
	defaultTokenLeeway          = 30 * time.Second
	defaultIdleThreshold        = 15 * time.Minute
	defaultLockTTL              = 30 * time.Minute
	defaultSaveTTL              = 10 * time.Minute
	defaultHousekeepingInterval = time.Minute
	defaultAutosaveWindow       = 2 * time.Minute
	defaultEventsBackend        = "local"
	defaultKafkaTopic           = "coedit-room-events"
)

var configValidator = validator.New()

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string        `validate:"required"`
	TAuthSigningKey string        `validate:"required"`
	TAuthCookieName string        `validate:"required"`
	TAuthIssuer     string        `validate:"required"`
	TAuthLeeway     time.Duration `validate:"gte=0"`
	DatabasePath    string        `validate:"required"`
	LogLevel        string        `validate:"omitempty,oneof=debug info warn warning error"`

	IdleThreshold        time.Duration `validate:"gte=0"`
	LockTTL              time.Duration `validate:"gte=0"`
	SaveTTL              time.Duration `validate:"gte=0"`
	HousekeepingInterval time.Duration `validate:"gte=0"`
	AutosaveWindow       time.Duration `validate:"gte=0"`
	StorageQuotaBytes    int64         `validate:"gte=0"`

	EventBackends []string `validate:"min=1,dive,oneof=local redis kafka"`
	RedisAddress  string
	KafkaBrokers  []string
	KafkaTopic    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.leeway", defaultTokenLeeway)
	configViper.SetDefault("session.idle_threshold", defaultIdleThreshold)
	configViper.SetDefault("locks.ttl", defaultLockTTL)
	configViper.SetDefault("saves.ttl", defaultSaveTTL)
	configViper.SetDefault("housekeeping.interval", defaultHousekeepingInterval)
	configViper.SetDefault("autosave.recent_window", defaultAutosaveWindow)
	configViper.SetDefault("storage.quota_bytes", int64(0))
	configViper.SetDefault("events.backend", defaultEventsBackend)
	configViper.SetDefault("events.redis.address", "")
	configViper.SetDefault("events.kafka.brokers", "")
	configViper.SetDefault("events.kafka.topic", defaultKafkaTopic)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:      configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:          configViper.GetString("tauth.issuer"),
		TAuthLeeway:          configViper.GetDuration("tauth.leeway"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		IdleThreshold:        configViper.GetDuration("session.idle_threshold"),
		LockTTL:              configViper.GetDuration("locks.ttl"),
		SaveTTL:              configViper.GetDuration("saves.ttl"),
		HousekeepingInterval: configViper.GetDuration("housekeeping.interval"),
		AutosaveWindow:       configViper.GetDuration("autosave.recent_window"),
		StorageQuotaBytes:    configViper.GetInt64("storage.quota_bytes"),
		EventBackends:        splitList(strings.ToLower(configViper.GetString("events.backend"))),
		RedisAddress:         strings.TrimSpace(configViper.GetString("events.redis.address")),
		KafkaBrokers:         splitList(configViper.GetString("events.kafka.brokers")),
		KafkaTopic:           strings.TrimSpace(configViper.GetString("events.kafka.topic")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// UsesBackend reports whether the named event backend is enabled.
func (c AppConfig) UsesBackend(name string) bool {
	for _, backend := range c.EventBackends {
		if backend == name {
			return true
		}
	}
	return false
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.UsesBackend("redis") && c.RedisAddress == "" {
		return fmt.Errorf("events.redis.address is required for the redis backend")
	}
	if c.UsesBackend("kafka") {
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required for the kafka backend")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("events.kafka.topic is required for the kafka backend")
		}
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
