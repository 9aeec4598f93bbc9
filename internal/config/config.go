package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PINPOINT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "pinpoint.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "pinpoint_session"
	defaultPreserveHours = 24
	defaultPendingDays   = 7
	defaultTokenMinutes  = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisAddr         string
	SigningSecret     string
	SessionCookieName string
	LogLevel          string
	PreserveTTL       time.Duration
	PendingTTL        time.Duration
	TokenTTL          time.Duration
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
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("preserve.ttl_hours", defaultPreserveHours)
	configViper.SetDefault("pending.ttl_days", defaultPendingDays)
	configViper.SetDefault("token.ttl_minutes", defaultTokenMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisAddr:         configViper.GetString("redis.addr"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		LogLevel:          configViper.GetString("log.level"),
		PreserveTTL:       time.Duration(configViper.GetInt("preserve.ttl_hours")) * time.Hour,
		PendingTTL:        time.Duration(configViper.GetInt("pending.ttl_days")) * 24 * time.Hour,
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.PreserveTTL <= 0 {
		return fmt.Errorf("preserve.ttl_hours must be positive")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("pending.ttl_days must be positive")
	}
	return nil
}
