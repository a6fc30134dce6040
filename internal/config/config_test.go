package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "session-secret")
	configViper.Set("transport.signing_secret", "transport-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ReconnectAttempts != 3 || cfg.ReconnectWait != 2*time.Second {
		t.Fatalf("unexpected reconnect defaults: %d %v", cfg.ReconnectAttempts, cfg.ReconnectWait)
	}
	if cfg.SessionWindowSize != 50 || !cfg.OutboxEnabled || cfg.OutboxMaxAttempts != 5 {
		t.Fatalf("unexpected session/outbox defaults: %+v", cfg)
	}
	if cfg.SessionIssuer != "tauth" || cfg.SessionCookieName != "app_session" {
		t.Fatalf("unexpected auth defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedCORSOrigins {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RELAY_AUTH_SIGNING_SECRET", "env-session")
	t.Setenv("RELAY_TRANSPORT_SIGNING_SECRET", "env-transport")
	t.Setenv("RELAY_TRANSPORT_RECONNECT_WAIT", "500ms")
	t.Setenv("RELAY_OUTBOX_ENABLED", "false")
	t.Setenv("RELAY_IDENTITY_USER_ID", " device-1 ")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SessionSecret != "env-session" || cfg.TransportSecret != "env-transport" {
		t.Fatalf("expected secrets from environment, got %+v", cfg)
	}
	if cfg.ReconnectWait != 500*time.Millisecond {
		t.Fatalf("expected reconnect wait from environment, got %v", cfg.ReconnectWait)
	}
	if cfg.OutboxEnabled {
		t.Fatalf("expected outbox disabled from environment")
	}
	if cfg.DeviceUserID != "device-1" {
		t.Fatalf("expected trimmed device user, got %q", cfg.DeviceUserID)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantKey   string
	}{
		{name: "missing-session-secret", overrides: map[string]any{"auth.signing_secret": ""}, wantKey: "auth.signing_secret"},
		{name: "missing-transport-secret", overrides: map[string]any{"transport.signing_secret": ""}, wantKey: "transport.signing_secret"},
		{name: "http-transport-url", overrides: map[string]any{"transport.url": "http://localhost:3001"}, wantKey: "transport.url"},
		{name: "zero-window", overrides: map[string]any{"session.window_size": 0}, wantKey: "session.window_size"},
		{name: "zero-queue", overrides: map[string]any{"sync.queue_size": 0}, wantKey: "sync.queue_size"},
		{name: "zero-rate", overrides: map[string]any{"outbox.rate_per_second": 0}, wantKey: "outbox.rate_per_second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "session-secret")
			configViper.Set("transport.signing_secret", "transport-secret")
			for key, value := range tt.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Fatalf("expected error naming %s, got %v", tt.wantKey, err)
			}
		})
	}
}
