package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "QUIRE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "quire.db"
	defaultDatabaseKind = "sqlite"
	defaultRelayChannel = "quire:revision-events"
	defaultLogLevel     = "info"
	defaultLogEncoding  = "json"
	defaultCookieName   = "app_session"
	defaultIssuer       = "tauth"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	RedisURL        string
	RedisChannel    string
	LogLevel        string
	LogEncoding     string
	MetricsEnabled  bool
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
	configViper.SetDefault("database.driver", defaultDatabaseKind)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("realtime.redis_url", "")
	configViper.SetDefault("realtime.channel", defaultRelayChannel)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		RedisURL:        strings.TrimSpace(configViper.GetString("realtime.redis_url")),
		RedisChannel:    strings.TrimSpace(configViper.GetString("realtime.channel")),
		LogLevel:        configViper.GetString("log.level"),
		LogEncoding:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
		MetricsEnabled:  configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or mysql, got %q", c.DatabaseDriver)
	}
	if c.RedisURL != "" && c.RedisChannel == "" {
		return fmt.Errorf("realtime.channel is required when realtime.redis_url is set")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	switch c.LogEncoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	return nil
}
