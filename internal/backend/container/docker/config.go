package docker

import (
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/config"
)

// Config holds configuration for the docker project cache.
type Config struct {
	SidecarImage        string
	SidecarPort         int           // port the sidecar listens on (default: 8090)
	Network             string        // docker network shared with the engine, empty = publish ports on the host
	ControllerURL       string        // engine URL as seen from inside a sidecar
	SigningKey          string        // HMAC key sidecars sign callbacks with
	RegistryFile        string        // processor registry path inside the sidecar image, empty = built-in
	DataDir             string        // mount point of the project volume (default: /data)
	ExtraHosts          []string      // extra /etc/hosts entries (e.g. ["host.docker.internal:host-gateway"])
	StartTimeout        time.Duration // how long to wait for a sidecar to become healthy (default: 60s)
	IdleTimeout         time.Duration // stop sidecars unused for this long (default: 30m)
	MaintenanceInterval time.Duration // how often to look for idle sidecars (default: 1m)
	RequestTimeout      time.Duration // sidecar request timeout (default: 10s)
	BreakerThreshold    int
	BreakerCooldown     time.Duration
}

// LoadConfigFromEnv loads docker project cache configuration from
// environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		SidecarImage:        config.GetEnv("SIDECAR_IMAGE", "ko.local/vizier-sidecar:latest"),
		SidecarPort:         config.GetIntEnv("SIDECAR_PORT", 8090),
		Network:             config.GetEnv("SIDECAR_NETWORK", ""),
		ControllerURL:       config.GetEnv("SIDECAR_CONTROLLER_URL", "http://host.docker.internal:8080"),
		SigningKey:          config.GetSecretFile(config.GetEnv("CONTROLLER_SIGNING_KEY_FILE", "")),
		RegistryFile:        config.GetEnv("SIDECAR_REGISTRY_FILE", ""),
		DataDir:             config.GetEnv("SIDECAR_DATA_DIR", "/data"),
		ExtraHosts:          config.GetListEnv("EXTRA_HOSTS", nil),
		StartTimeout:        config.GetDurationEnv("SIDECAR_START_TIMEOUT", time.Minute),
		IdleTimeout:         config.GetDurationEnv("PROJECT_IDLE_TIMEOUT", 30*time.Minute),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		RequestTimeout:      config.GetDurationEnv("SIDECAR_TIMEOUT", 10*time.Second),
		BreakerThreshold:    config.GetIntEnv("SIDECAR_BREAKER_THRESHOLD", 5),
		BreakerCooldown:     config.GetDurationEnv("SIDECAR_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.SidecarPort <= 0 {
		c.SidecarPort = 8090
	}
	if c.DataDir == "" {
		c.DataDir = "/data"
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}
