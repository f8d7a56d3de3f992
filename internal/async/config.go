package async

import (
	"fastsdk/internal/config"
	"time"
)

const queueReportInterval = 5 * time.Second

// Config holds configuration for the async manager.
type Config struct {
	Workers   int // concurrent computations (default: 32)
	QueueSize int // pending computations buffer (default: 1024)
}

// LoadConfigFromEnv loads async manager configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workers:   config.GetIntEnv("ASYNC_WORKERS", 32),
		QueueSize: config.GetIntEnv("ASYNC_QUEUE_SIZE", 1024),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}
