package core

import (
	"time"
)

type Config struct {
	Cache     CacheConfig
	Queue     QueueConfig
	Providers ProvidersConfig
	Server    ServerConfig
	Log       LogConfig
}

type CacheConfig struct {
	Dir             string
	MaxSizeGB       float64
	CleanupInterval time.Duration
	// FailureTTL is how long a permanently failed track key is remembered
	// before the pipeline is allowed to run for it again.
	FailureTTL time.Duration
}

type QueueConfig struct {
	MaxConcurrentExtractions int
	RetryCount               int
	RetryDelay               time.Duration
}

type ProvidersConfig struct {
	Engine  EngineConfig
	Relay   RelayConfig
	Catalog CatalogConfig
}

type EngineConfig struct {
	// URL of the locally reachable extraction service. Empty means the
	// provider is unconfigured and resolves as a permanent failure.
	URL     string
	Timeout time.Duration
}

type RelayConfig struct {
	// Mirrors are interchangeable relay instances tried in sequence.
	Mirrors []string
	Timeout time.Duration
}

type CatalogConfig struct {
	URL     string
	Timeout time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// MaxSizeBytes returns the cache budget in bytes.
func (c CacheConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeGB * 1024 * 1024 * 1024)
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:             "./cache",
			MaxSizeGB:       50,
			CleanupInterval: time.Hour,
			FailureTTL:      15 * time.Minute,
		},
		Queue: QueueConfig{
			MaxConcurrentExtractions: 10,
			RetryCount:               2,
			RetryDelay:               2 * time.Second,
		},
		Providers: ProvidersConfig{
			Engine: EngineConfig{
				Timeout: 30 * time.Second,
			},
			Relay: RelayConfig{
				Timeout: 8 * time.Second,
			},
			Catalog: CatalogConfig{
				Timeout: 6 * time.Second,
			},
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
