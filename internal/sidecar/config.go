package sidecar

import (
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/backend/inprocess"
	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
)

// Config holds configuration for a project sidecar.
type Config struct {
	ProjectID       string
	Port            int
	DataDir         string // project datastore root, a per-project volume
	RegistryFile    string // processor registry, empty = built-in default
	ShutdownTimeout time.Duration
	Controller      controller.RemoteConfig
	InProcess       inprocess.Config
}

// LoadConfigFromEnv loads sidecar configuration from environment variables.
// The signing key may be passed directly in CONTROLLER_SIGNING_KEY by the
// container that starts the sidecar.
func LoadConfigFromEnv() Config {
	cfg := Config{
		ProjectID:       config.GetEnv("PROJECT_ID", ""),
		Port:            config.GetIntEnv("SIDECAR_PORT", 8090),
		DataDir:         config.GetEnv("DATA_DIR", "/data"),
		RegistryFile:    config.GetEnv("REGISTRY_FILE", ""),
		ShutdownTimeout: config.GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Controller:      controller.LoadRemoteConfigFromEnv(),
		InProcess:       inprocess.LoadConfigFromEnv(),
	}
	if key := config.GetEnv("CONTROLLER_SIGNING_KEY", ""); key != "" {
		cfg.Controller.SigningKey = key
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8090
	}
	if c.DataDir == "" {
		c.DataDir = "/data"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}
