package orchestrator

import (
	"fastsdk/internal/config"
	"fastsdk/pkg/backoff"
	"time"
)

// Config holds configuration for the orchestrator.
type Config struct {
	UploadThreshold int64          // payloads larger than this are uploaded (default: 10MiB)
	MaxAttempts     int            // attempts per step for transient failures (default: 3)
	RetryBackoff    backoff.Config // wait between attempts
	PollBackoff     backoff.Config // poll interval growth; an endpoint hint overrides Initial
	DefaultTimeout  time.Duration  // deadline when neither caller nor endpoint set one (default: 1h)
	Retention       time.Duration  // how long settled jobs are kept (default: 15m)
	SweepInterval   time.Duration  // how often expired jobs are evicted (default: 1m)
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		UploadThreshold: config.GetBytesEnv("UPLOAD_THRESHOLD", 10<<20),
		MaxAttempts:     config.GetIntEnv("MAX_ATTEMPTS", 3),
		RetryBackoff: backoff.Config{
			Initial: config.GetDurationEnv("RETRY_INITIAL", 100*time.Millisecond),
			Max:     config.GetDurationEnv("RETRY_MAX", 5*time.Second),
		},
		PollBackoff: backoff.Config{
			Initial:    config.GetDurationEnv("POLL_INITIAL", 500*time.Millisecond),
			Max:        config.GetDurationEnv("POLL_MAX", 10*time.Second),
			Multiplier: config.GetFloatEnv("POLL_MULTIPLIER", 1.5),
		},
		DefaultTimeout: config.GetDurationEnv("JOB_TIMEOUT", time.Hour),
		Retention:      config.GetDurationEnv("JOB_RETENTION", 15*time.Minute),
		SweepInterval:  config.GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.UploadThreshold <= 0 {
		c.UploadThreshold = 10 << 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff.Initial <= 0 {
		c.RetryBackoff.Initial = 100 * time.Millisecond
	}
	if c.RetryBackoff.Max <= 0 {
		c.RetryBackoff.Max = 5 * time.Second
	}
	if c.PollBackoff.Initial <= 0 {
		c.PollBackoff.Initial = 500 * time.Millisecond
	}
	if c.PollBackoff.Max <= 0 {
		c.PollBackoff.Max = 10 * time.Second
	}
	if c.PollBackoff.Multiplier < 1 {
		c.PollBackoff.Multiplier = 1.5
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}
