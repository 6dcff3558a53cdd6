package queue

import (
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/registry"
)

// Default configuration values.
const (
	defaultBufferSize  = 1000
	defaultConsumers   = 2
	defaultPollWait    = 30 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultHTTPTimeout = 10 * time.Second
)

// BrokerConfig holds configuration for the in-memory broker.
type BrokerConfig struct {
	BufferSize int // messages held per queue (default: 1000)
}

// LoadBrokerConfigFromEnv loads broker configuration from environment
// variables.
func LoadBrokerConfigFromEnv() BrokerConfig {
	cfg := BrokerConfig{
		BufferSize: config.GetIntEnv("QUEUE_BUFFER_SIZE", defaultBufferSize),
	}
	return cfg.withDefaults()
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// WorkerConfig holds configuration for a queue worker process.
type WorkerConfig struct {
	BrokerURL  string        // engine base URL hosting the broker
	Queues     []string      // queues to consume (default: every routed queue)
	Consumers  int           // consumers per queue (default: 2)
	PollWait   time.Duration // long-poll duration per consume request (default: 30s)
	MaxBackoff time.Duration // cap on the delay between failed consumes (default: 30s)
}

// LoadWorkerConfigFromEnv loads worker configuration from environment
// variables.
func LoadWorkerConfigFromEnv() WorkerConfig {
	cfg := WorkerConfig{
		BrokerURL:  config.GetEnv("BROKER_URL", "http://localhost:8080"),
		Queues:     config.GetListEnv("WORKER_QUEUES", nil),
		Consumers:  config.GetIntEnv("WORKER_CONSUMERS", defaultConsumers),
		PollWait:   config.GetDurationEnv("WORKER_POLL_WAIT", defaultPollWait),
		MaxBackoff: config.GetDurationEnv("WORKER_MAX_BACKOFF", defaultMaxBackoff),
	}
	return cfg.withDefaults()
}

// withDefaults falls back to the default queue only when neither the
// environment nor the wiring names any.
func (c WorkerConfig) withDefaults() WorkerConfig {
	if len(c.Queues) == 0 {
		c.Queues = []string{registry.DefaultQueue}
	}
	if c.Consumers <= 0 {
		c.Consumers = defaultConsumers
	}
	if c.PollWait <= 0 {
		c.PollWait = defaultPollWait
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// EnvConfig is everything a worker process needs to build its Env.
type EnvConfig struct {
	Controller   controller.RemoteConfig
	DataDir      string // datastore root shared with the engine
	RegistryFile string // processor registry, empty = built-in default
}

// LoadEnvConfigFromEnv loads the worker environment configuration.
func LoadEnvConfigFromEnv() EnvConfig {
	return EnvConfig{
		Controller:   controller.LoadRemoteConfigFromEnv(),
		DataDir:      config.GetEnv("DATA_DIR", "/var/lib/vizier"),
		RegistryFile: config.GetEnv("REGISTRY_FILE", ""),
	}
}
