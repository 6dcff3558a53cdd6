// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// EngineConfig holds configuration for the engine service.
type EngineConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string        // bearer token for /v1 routes, empty = open
	CallbackKey       string        // HMAC key for controller callbacks, empty = unsigned
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	Backend           string        // inprocess, queue or container
	RegistryFile      string        // processor registry, empty = built-in default
	DataDir           string        // datastore root shared with sidecars and workers
	TaskRetention     time.Duration // how long finished tasks stay queryable
	PruneInterval     time.Duration // how often finished tasks are pruned
}

// LoadEngineConfig loads engine configuration from environment variables.
func LoadEngineConfig() *EngineConfig {
	return &EngineConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		CallbackKey:       GetSecretFile(GetEnv("CONTROLLER_SIGNING_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Backend:           GetEnv("BACKEND", "inprocess"),
		RegistryFile:      GetEnv("REGISTRY_FILE", ""),
		DataDir:           GetEnv("DATA_DIR", "/var/lib/vizier"),
		TaskRetention:     GetDurationEnv("TASK_RETENTION", 24*time.Hour),
		PruneInterval:     GetDurationEnv("PRUNE_INTERVAL", 10*time.Minute),
	}
}
