package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "RELAY"
	defaultHTTPAddress        = "127.0.0.1:8787"
	defaultDatabasePath       = "relay.db"
	defaultLogLevel           = "info"
	defaultSessionIssuer      = "tauth"
	defaultCookieName         = "app_session"
	defaultTransportURL       = "wss://localhost:3001/socket"
	defaultTokenTTL           = 15 * time.Minute
	defaultReconnectAttempts  = 3
	defaultReconnectWait      = 2 * time.Second
	defaultHeartbeatInterval  = 25 * time.Second
	defaultSyncQueueSize      = 256
	defaultSessionWindowSize  = 50
	defaultOutboxMaxAttempts  = 5
	defaultOutboxRatePerSec   = 20.0
	defaultAllowedCORSOrigins = "http://localhost:5173"
)

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	SessionSecret     string
	SessionIssuer     string
	SessionCookieName string
	TransportURL      string
	TransportSecret   string
	TransportTokenTTL time.Duration
	ReconnectAttempts int
	ReconnectWait     time.Duration
	HeartbeatInterval time.Duration
	SyncQueueSize     int
	SessionWindowSize int
	OutboxEnabled     bool
	OutboxMaxAttempts int
	OutboxRatePerSec  float64
	DeviceUserID      string
	DeviceDisplayName string
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedCORSOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("transport.url", defaultTransportURL)
	configViper.SetDefault("transport.token_ttl", defaultTokenTTL)
	configViper.SetDefault("transport.reconnect_attempts", defaultReconnectAttempts)
	configViper.SetDefault("transport.reconnect_wait", defaultReconnectWait)
	configViper.SetDefault("transport.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("sync.queue_size", defaultSyncQueueSize)
	configViper.SetDefault("session.window_size", defaultSessionWindowSize)
	configViper.SetDefault("outbox.enabled", true)
	configViper.SetDefault("outbox.max_attempts", defaultOutboxMaxAttempts)
	configViper.SetDefault("outbox.rate_per_second", defaultOutboxRatePerSec)
	configViper.SetDefault("identity.user_id", "")
	configViper.SetDefault("identity.display_name", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		TransportURL:      configViper.GetString("transport.url"),
		TransportSecret:   configViper.GetString("transport.signing_secret"),
		TransportTokenTTL: configViper.GetDuration("transport.token_ttl"),
		ReconnectAttempts: configViper.GetInt("transport.reconnect_attempts"),
		ReconnectWait:     configViper.GetDuration("transport.reconnect_wait"),
		HeartbeatInterval: configViper.GetDuration("transport.heartbeat_interval"),
		SyncQueueSize:     configViper.GetInt("sync.queue_size"),
		SessionWindowSize: configViper.GetInt("session.window_size"),
		OutboxEnabled:     configViper.GetBool("outbox.enabled"),
		OutboxMaxAttempts: configViper.GetInt("outbox.max_attempts"),
		OutboxRatePerSec:  configViper.GetFloat64("outbox.rate_per_second"),
		DeviceUserID:      strings.TrimSpace(configViper.GetString("identity.user_id")),
		DeviceDisplayName: strings.TrimSpace(configViper.GetString("identity.display_name")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TransportSecret) == "" {
		return fmt.Errorf("transport.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	parsed, err := url.Parse(c.TransportURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return fmt.Errorf("transport.url must be a ws:// or wss:// URL, got %q", c.TransportURL)
	}
	if c.ReconnectWait <= 0 {
		return fmt.Errorf("transport.reconnect_wait must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("transport.heartbeat_interval must be positive")
	}
	if c.SyncQueueSize <= 0 {
		return fmt.Errorf("sync.queue_size must be positive")
	}
	if c.SessionWindowSize <= 0 {
		return fmt.Errorf("session.window_size must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be positive")
	}
	if c.OutboxRatePerSec <= 0 {
		return fmt.Errorf("outbox.rate_per_second must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
