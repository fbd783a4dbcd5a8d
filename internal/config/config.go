// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the gov-sync service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	DatabasePath      string        // SQLite file, ":memory:" for an ephemeral store
	ProcessRateLimit  float64       // Per-tenant process triggers per second (0 disables)
	ProcessRateBurst  int
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DatabasePath:      GetEnv("DATABASE_PATH", "govsync.db"),
		ProcessRateLimit:  GetFloatEnv("PROCESS_RATE_LIMIT", 0),
		ProcessRateBurst:  GetPositiveIntEnv("PROCESS_RATE_BURST", 1),
	}
}
