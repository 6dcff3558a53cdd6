package inprocess

import (
	"runtime"

	"github.com/VizierDB/web-api-async-sub004/internal/config"
)

// Config holds configuration for the in-process backend.
type Config struct {
	MaxWorkers int // concurrently running tasks (default: NumCPU)
}

// LoadConfigFromEnv loads in-process backend configuration from environment
// variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxWorkers: config.GetIntEnv("INPROCESS_MAX_WORKERS", runtime.NumCPU()),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	return c
}
