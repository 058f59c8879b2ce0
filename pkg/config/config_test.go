package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Rooms.IDRetries != 28 {
		t.Fatalf("expected 28 room id retries, got %d", cfg.Rooms.IDRetries)
	}
	if len(cfg.WebRTC.ICEServers) != 2 {
		t.Fatalf("expected two default ICE servers, got %d", len(cfg.WebRTC.ICEServers))
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong timeout not above ping interval", func(c *Config) {
			c.Signal.PingInterval = time.Minute
			c.Signal.PongTimeout = time.Second
		}},
		{"send buffer must be > 0", func(c *Config) { c.Signal.SendBufferSize = 0 }},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 40000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"negative handshake timeout", func(c *Config) { c.Negotiation.HandshakeTimeout = -time.Second }},
		{"pass ttl must be > 0", func(c *Config) { c.Rooms.PassTTL = 0 }},
		{"chat burst needed with rate", func(c *Config) { c.Chat.Burst = 0 }},
		{"tracing sample rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max concurrent must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxConcurrent = -1 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address, got %q", cfg.Server.Address)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshmeet.yaml")
	data := []byte(`
server:
  address: ":9090"
negotiation:
  handshake_timeout: 5s
  parallel: true
rooms:
  id_retries: 3
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("expected :9090, got %q", cfg.Server.Address)
	}
	if cfg.Negotiation.HandshakeTimeout != 5*time.Second || !cfg.Negotiation.Parallel {
		t.Fatalf("negotiation section not applied: %+v", cfg.Negotiation)
	}
	if cfg.Rooms.IDRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Rooms.IDRetries)
	}
	// untouched sections keep defaults
	if cfg.Chat.Burst != 10 {
		t.Fatalf("expected default chat burst, got %d", cfg.Chat.Burst)
	}
}

func TestLoad_InvalidFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MESHMEET_SERVER_ADDRESS", ":7000")
	t.Setenv("MESHMEET_REDIS_ADDRESS", "redis:6379")
	t.Setenv("MESHMEET_HANDSHAKE_TIMEOUT", "2s")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.Address != ":7000" {
		t.Fatalf("expected :7000, got %q", cfg.Server.Address)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "redis:6379" {
		t.Fatalf("redis override not applied: %+v", cfg.Redis)
	}
	if cfg.Negotiation.HandshakeTimeout != 2*time.Second {
		t.Fatalf("expected 2s, got %v", cfg.Negotiation.HandshakeTimeout)
	}
}
