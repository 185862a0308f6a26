package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "WIKINOTE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "wikinote.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultIssuer              = "wikinote-auth"
	defaultCookieName          = "app_session"
	defaultTokenTTLMinutes     = 60
	defaultAllowedOrigins      = "*"
	defaultPingIntervalSeconds = 25
	defaultPongTimeoutSeconds  = 60
	defaultSendBuffer          = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration
	AllowedOrigins    []string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	SendBuffer        int
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("realtime.ping_interval_seconds", defaultPingIntervalSeconds)
	configViper.SetDefault("realtime.pong_timeout_seconds", defaultPongTimeoutSeconds)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthCookieName:    strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		AuthTokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins:    splitOrigins(configViper.GetString("cors.allowed_origins")),
		PingInterval:      time.Duration(configViper.GetInt("realtime.ping_interval_seconds")) * time.Second,
		PongTimeout:       time.Duration(configViper.GetInt("realtime.pong_timeout_seconds")) * time.Second,
		SendBuffer:        configViper.GetInt("realtime.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AuthCookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval_seconds must be positive")
	}
	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("realtime.pong_timeout_seconds must exceed realtime.ping_interval_seconds")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	for _, origin := range c.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors.allowed_origins entry %q must be * or an http(s) origin", origin)
		}
	}
	return nil
}

// splitOrigins accepts a comma separated list, as env vars cannot carry arrays.
func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
