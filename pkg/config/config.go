package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Manager    ManagerConfig    `koanf:"manager"`
	Bus        BusConfig        `koanf:"bus"`
	Queue      QueueConfig      `koanf:"queue"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
}

type ManagerConfig struct {
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ReclaimInterval time.Duration `koanf:"reclaim_interval"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
}

type BusConfig struct {
	Retention int `koanf:"retention"`
}

type QueueConfig struct {
	Capacity     int           `koanf:"capacity"`
	MaxRetries   int           `koanf:"max_retries"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type CheckpointConfig struct {
	Provider string `koanf:"provider"` // inmemory, file, sqlite
	Dir      string `koanf:"dir"`      // file provider
	DSN      string `koanf:"dsn"`      // sqlite provider
}

// Global k instance
var k = koanf.New(".")

func Load(path string) (*Config, error) {
	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.service_name", "agentry")

	k.Set("manager.idle_timeout", "15m")
	k.Set("manager.reclaim_interval", "1m")
	k.Set("manager.call_timeout", "30s")

	k.Set("bus.retention", 1024)

	k.Set("queue.capacity", 64)
	k.Set("queue.max_retries", 3)
	k.Set("queue.poll_interval", "250ms")

	k.Set("checkpoint.provider", "inmemory")
	k.Set("checkpoint.dir", "checkpoints")
	k.Set("checkpoint.dsn", "agentry.db")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (AGENTRY_QUEUE_CAPACITY -> queue.capacity)
	if err := k.Load(env.Provider("AGENTRY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AGENTRY_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
