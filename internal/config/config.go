// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	CatalogPath       string        // YAML file describing the callable services
	LogLevel          string
	DockerEnabled     bool // run container endpoints on the local Docker daemon
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		CatalogPath:       GetEnv("CATALOG_PATH", "services.yaml"),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		DockerEnabled:     GetBoolEnv("DOCKER_ENABLED", true),
	}
}
