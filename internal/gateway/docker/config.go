package docker

import (
	"fastsdk/internal/config"
	"time"
)

// Config holds configuration for the Docker gateway.
type Config struct {
	StopTimeout time.Duration // grace period before a cancelled container is killed (default: 10s)
	CPU         float64       // CPU limit per container, 0 is unlimited
	Memory      int64         // memory limit per container in bytes, 0 is unlimited
	Network     string        // network mode for job containers
	ExtraHosts  []string      // extra /etc/hosts entries (e.g. ["storage.local:host-gateway"])
	LogLimit    int64         // bytes of container output kept as the result (default: 8MB)
}

// LoadConfigFromEnv loads gateway configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		StopTimeout: config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
		CPU:         config.GetFloatEnv("DOCKER_CPU", 0),
		Memory:      config.GetBytesEnv("DOCKER_MEMORY", 0),
		Network:     config.GetEnv("DOCKER_NETWORK", ""),
		ExtraHosts:  config.GetListEnv("DOCKER_EXTRA_HOSTS"),
		LogLimit:    config.GetBytesEnv("DOCKER_LOG_LIMIT", 8<<20),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.CPU < 0 {
		c.CPU = 0
	}
	if c.Memory < 0 {
		c.Memory = 0
	}
	if c.LogLimit <= 0 {
		c.LogLimit = 8 << 20
	}
	return c
}
