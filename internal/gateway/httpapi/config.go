package httpapi

import (
	"fastsdk/internal/config"
	"time"
)

// Config holds configuration for the HTTP gateway.
type Config struct {
	Timeout          time.Duration // per-request timeout (default: 30s)
	RateLimit        float64       // requests per second per service, 0 disables (default: 20)
	RateBurst        int           // token bucket burst (default: 5)
	BreakerThreshold int           // consecutive transient failures before a host is cut off (default: 5)
	BreakerCooldown  time.Duration // time before a cut-off host is probed again (default: 30s)
	UserAgent        string
}

// LoadConfigFromEnv loads gateway configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Timeout:          config.GetDurationEnv("GATEWAY_HTTP_TIMEOUT", 30*time.Second),
		RateLimit:        config.GetFloatEnv("GATEWAY_RATE_LIMIT", 20),
		RateBurst:        config.GetIntEnv("GATEWAY_RATE_BURST", 5),
		BreakerThreshold: config.GetIntEnv("GATEWAY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "fastsdk-jobs/1.0"
	}
	return c
}
