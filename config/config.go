package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	conductor "github.com/modelgrid/conductor"
	"github.com/modelgrid/conductor/utils/env"
)

// Weights controls the routing score formula. The engine normalizes them at
// construction, so they only need to be meaningful relative to each other.
type Weights struct {
	// Weight of (1 - errorRate).
	SuccessRate float64 `yaml:"success_rate"`

	// Weight of the inverse average latency.
	Latency float64 `yaml:"latency"`

	// Weight of the inverse cost per token.
	Cost float64 `yaml:"cost"`

	// Penalty weight applied per priority level.
	Priority float64 `yaml:"priority"`
}

// Config represents the full orchestrator configuration.
type Config struct {
	// Valkey (open-source version of Redis) endpoint backing the shared
	// cache. Empty means the in-memory store is used. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Known upstream providers.
	Providers []*conductor.Provider `yaml:"providers"`

	// Routing score weights.
	Weights Weights `yaml:"weights"`

	// TTL of cached routing decisions. Short because routing conditions
	// change as provider health changes.
	RoutingTTL time.Duration `yaml:"routing_ttl"`

	// TTL of cached provider status entries.
	StatusTTL time.Duration `yaml:"status_ttl"`

	// TTL of cached per-provider performance metrics.
	MetricsTTL time.Duration `yaml:"metrics_ttl"`

	// Interval between background health refreshes of all providers.
	HealthInterval time.Duration `yaml:"health_interval"`

	// Timeout of a single health probe round trip.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Maximum number of pending routing requests before enqueue fails fast.
	QueueCapacity int `yaml:"queue_capacity"`

	// Number of scheduler workers draining the routing queue.
	QueueWorkers int `yaml:"queue_workers"`

	// Total deadline of one enqueued routing request.
	RequestDeadline time.Duration `yaml:"request_deadline"`

	// Samples kept per provider in the rolling metrics window.
	MetricsWindow int `yaml:"metrics_window"`

	// Estimated response time used when no performance data exists yet.
	DefaultETA time.Duration `yaml:"default_eta"`

	// Maximum size of the in-memory cache in bytes.
	CacheMaxBytes int64 `yaml:"cache_max_bytes"`
}

// Default returns the built-in configuration. YAML and environment variables
// override these values, in that order.
func Default() *Config {
	return &Config{
		Port:            8080,
		Weights:         Weights{SuccessRate: 0.4, Latency: 0.3, Cost: 0.2, Priority: 0.1},
		RoutingTTL:      60 * time.Second,
		StatusTTL:       30 * time.Second,
		MetricsTTL:      5 * time.Minute,
		HealthInterval:  30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		QueueCapacity:   1000,
		QueueWorkers:    8,
		RequestDeadline: 10 * time.Second,
		MetricsWindow:   100,
		DefaultETA:      1500 * time.Millisecond,
		CacheMaxBytes:   64 * 1024 * 1024,
	}
}

// Load reads the configuration from the given YAML path and applies
// environment variable overrides on top.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	if path != "" {
		logger.Infow("Loading config", "path", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %v", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}

	// Environment variables take precedence over the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.RoutingTTL = env.OptionalDurationVariable("ROUTING_TTL", config.RoutingTTL)
	config.StatusTTL = env.OptionalDurationVariable("STATUS_TTL", config.StatusTTL)
	config.HealthInterval = env.OptionalDurationVariable("HEALTH_INTERVAL", config.HealthInterval)
	config.ProbeTimeout = env.OptionalDurationVariable("PROBE_TIMEOUT", config.ProbeTimeout)
	config.QueueCapacity = env.OptionalIntVariable("QUEUE_CAPACITY", config.QueueCapacity)
	config.QueueWorkers = env.OptionalIntVariable("QUEUE_WORKERS", config.QueueWorkers)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("queue_workers must be positive, got %d", c.QueueWorkers)
	}
	if c.MetricsWindow <= 0 {
		return fmt.Errorf("metrics_window must be positive, got %d", c.MetricsWindow)
	}
	if c.RequestDeadline <= 0 {
		return fmt.Errorf("request_deadline must be positive, got %s", c.RequestDeadline)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive, got %s", c.HealthInterval)
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
