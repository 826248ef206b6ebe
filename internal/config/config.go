// Package config loads orbit-api runtime settings from flags, environment and an optional file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ORBIT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "orbit.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultIssuer          = "tauth"
	defaultStreamLimit     = 50
	defaultRedisChannel    = "orbit:chat:changes"
	defaultShutdownTimeout = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Minute
	maxStreamLimit         = 500
)

// Viper keys.
const (
	KeyHTTPAddress     = "http.address"
	KeyShutdownTimeout = "http.shutdown_timeout"
	KeyDatabasePath    = "database.path"
	KeyLogLevel        = "log.level"
	KeySigningSecret   = "tauth.signing_secret"
	KeyIssuer          = "tauth.issuer"
	KeyCookieName      = "tauth.cookie_name"
	KeyStreamLimit     = "stream.limit"
	KeyRedisAddress    = "redis.address"
	KeyRedisPassword   = "redis.password"
	KeyRedisChannel    = "redis.channel"
	KeyAllowedOrigins  = "cors.allowed_origins"
	KeyIdleTimeout     = "session.idle_timeout"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	ShutdownTimeout time.Duration
	DatabasePath    string
	LogLevel        string
	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string
	StreamLimit     int
	RedisAddress    string
	RedisPassword   string
	RedisChannel    string
	AllowedOrigins  []string
	IdleTimeout     time.Duration
}

// RelayEnabled reports whether chat changes are fanned out through Redis.
func (c AppConfig) RelayEnabled() bool {
	return c.RedisAddress != ""
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyShutdownTimeout, defaultShutdownTimeout)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyIssuer, defaultIssuer)
	configViper.SetDefault(KeyCookieName, defaultCookieName)
	configViper.SetDefault(KeyStreamLimit, defaultStreamLimit)
	configViper.SetDefault(KeyRedisChannel, defaultRedisChannel)
	configViper.SetDefault(KeyAllowedOrigins, []string{})
	configViper.SetDefault(KeyIdleTimeout, defaultIdleTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     strings.TrimSpace(configViper.GetString(KeyHTTPAddress)),
		ShutdownTimeout: configViper.GetDuration(KeyShutdownTimeout),
		DatabasePath:    strings.TrimSpace(configViper.GetString(KeyDatabasePath)),
		LogLevel:        strings.TrimSpace(configViper.GetString(KeyLogLevel)),
		TAuthSigningKey: configViper.GetString(KeySigningSecret),
		TAuthIssuer:     strings.TrimSpace(configViper.GetString(KeyIssuer)),
		TAuthCookieName: strings.TrimSpace(configViper.GetString(KeyCookieName)),
		StreamLimit:     configViper.GetInt(KeyStreamLimit),
		RedisAddress:    strings.TrimSpace(configViper.GetString(KeyRedisAddress)),
		RedisPassword:   configViper.GetString(KeyRedisPassword),
		RedisChannel:    strings.TrimSpace(configViper.GetString(KeyRedisChannel)),
		AllowedOrigins:  splitOrigins(configViper.GetStringSlice(KeyAllowedOrigins)),
		IdleTimeout:     configViper.GetDuration(KeyIdleTimeout),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and the comma-separated form used in env vars.
func splitOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, value := range raw {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("%s is required", KeySigningSecret)
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if c.TAuthCookieName == "" {
		return fmt.Errorf("%s is required", KeyCookieName)
	}
	if c.TAuthIssuer == "" {
		return fmt.Errorf("%s is required", KeyIssuer)
	}
	if c.StreamLimit <= 0 || c.StreamLimit > maxStreamLimit {
		return fmt.Errorf("%s must be between 1 and %d", KeyStreamLimit, maxStreamLimit)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyShutdownTimeout)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyIdleTimeout)
	}
	if c.RelayEnabled() && c.RedisChannel == "" {
		return fmt.Errorf("%s is required when %s is set", KeyRedisChannel, KeyRedisAddress)
	}
	return nil
}
