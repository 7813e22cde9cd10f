package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	minimalEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HTTPPort != 8081 {
		t.Errorf("expected default http port 8081, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Broker.Kind != BrokerAMQP {
		t.Errorf("expected default broker kind amqp, got %q", cfg.Broker.Kind)
	}
	if cfg.Broker.Exchange != "event_exchange" {
		t.Errorf("expected default exchange, got %q", cfg.Broker.Exchange)
	}
	if cfg.Broker.RoutingKey != "event.*" {
		t.Errorf("expected default routing key, got %q", cfg.Broker.RoutingKey)
	}
	if cfg.Broker.MaxRetries != 5 {
		t.Errorf("expected default max retries 5, got %d", cfg.Broker.MaxRetries)
	}
	if cfg.Broker.RetryDelay() != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %s", cfg.Broker.RetryDelay())
	}
	if cfg.Realtime.PingInterval() != 30*time.Second {
		t.Errorf("expected ping interval 30s, got %s", cfg.Realtime.PingInterval())
	}
	if cfg.Database.URL != "" {
		t.Errorf("expected empty database url, got %q", cfg.Database.URL)
	}
	if got := cfg.Recipients.PolicyList(); len(got) != 1 || got[0] != PolicyCreator {
		t.Errorf("expected creator policy, got %v", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	minimalEnv(t)
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("RETRY_DELAY", "2")
	t.Setenv("PING_INTERVAL", "15")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("BROKER_KIND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Broker.RetryDelay() != 2*time.Second {
		t.Errorf("expected retry delay 2s, got %s", cfg.Broker.RetryDelay())
	}
	if cfg.Realtime.PingInterval() != 15*time.Second {
		t.Errorf("expected ping interval 15s, got %s", cfg.Realtime.PingInterval())
	}
	origins := cfg.CORS.OriginList()
	if len(origins) != 2 || origins[1] != "http://b.example" {
		t.Errorf("unexpected origins %v", origins)
	}
	if brokers := cfg.Broker.KafkaBrokerList(); len(brokers) != 2 {
		t.Errorf("expected 2 kafka brokers, got %v", brokers)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
broker:
  kind: memory
  max_retries: 3
auth:
  jwt_secret: yaml-secret
log:
  format: console
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.Kind != BrokerMemory {
		t.Errorf("expected memory broker, got %q", cfg.Broker.Kind)
	}
	if cfg.Broker.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Broker.MaxRetries)
	}
	if cfg.Auth.JWTSecret != "yaml-secret" {
		t.Errorf("expected yaml secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown broker", func(c *Config) { c.Broker.Kind = "nats" }},
		{"kafka without brokers", func(c *Config) { c.Broker.Kind = BrokerKafka; c.Broker.KafkaBrokers = "" }},
		{"zero retries", func(c *Config) { c.Broker.MaxRetries = 0 }},
		{"zero ping interval", func(c *Config) { c.Realtime.PingIntervalSeconds = 0 }},
		{"no auth", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"oidc without client", func(c *Config) { c.Auth.OIDCIssuer = "https://issuer.example" }},
		{"unknown policy", func(c *Config) { c.Recipients.Policy = "everyone" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func validConfig() Config {
	return Config{
		Broker: BrokerConfig{
			Kind:              BrokerAMQP,
			MaxRetries:        5,
			RetryDelaySeconds: 5,
			Prefetch:          10,
		},
		Realtime:   RealtimeConfig{PingIntervalSeconds: 30, SendBuffer: 16},
		Auth:       AuthConfig{JWTSecret: "secret"},
		RateLimit:  RateLimitConfig{RPS: 10, Burst: 20},
		Recipients: RecipientsConfig{Policy: "creator,broadcast_created"},
		Log:        LogConfig{Format: "json"},
	}
}
