package config

import (
	"fmt"
	"strings"
)

// Validate checks ranges and cross-field rules. Load calls it automatically.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerAMQP, BrokerMemory:
	case BrokerKafka:
		if len(c.Broker.KafkaBrokerList()) == 0 {
			return fmt.Errorf("broker: KAFKA_BROKERS is required when BROKER_KIND=kafka")
		}
	default:
		return fmt.Errorf("broker: unknown kind %q", c.Broker.Kind)
	}
	if c.Broker.MaxRetries < 1 {
		return fmt.Errorf("broker: max_retries must be >= 1 (got %d)", c.Broker.MaxRetries)
	}
	if c.Broker.RetryDelaySeconds < 0 {
		return fmt.Errorf("broker: retry_delay must be >= 0 (got %d)", c.Broker.RetryDelaySeconds)
	}
	if c.Broker.Prefetch < 1 {
		return fmt.Errorf("broker: prefetch must be >= 1 (got %d)", c.Broker.Prefetch)
	}

	if c.Realtime.PingIntervalSeconds < 1 {
		return fmt.Errorf("realtime: ping_interval must be >= 1 (got %d)", c.Realtime.PingIntervalSeconds)
	}
	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime: send_buffer must be >= 1 (got %d)", c.Realtime.SendBuffer)
	}

	if c.Auth.JWTSecret == "" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth: JWT_SECRET or OIDC_ISSUER must be set")
	}
	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("auth: OIDC_CLIENT_ID is required with OIDC_ISSUER")
	}

	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit: rps and burst must be positive")
	}

	for _, p := range c.Recipients.PolicyList() {
		switch p {
		case PolicyCreator, PolicyBroadcastCreated, PolicyNone:
		default:
			return fmt.Errorf("recipients: unknown policy %q", p)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}

// Recipient policy names accepted in RECIPIENT_POLICY.
const (
	PolicyCreator          = "creator"
	PolicyBroadcastCreated = "broadcast_created"
	PolicyNone             = "none"
)
