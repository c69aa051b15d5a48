package config

import (
	"github.com/nkkko/reviewfeed/internal/feed"
	"github.com/nkkko/reviewfeed/internal/logging"
	"github.com/nkkko/reviewfeed/internal/storage"
	"github.com/nkkko/reviewfeed/internal/telemetry"
)

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Format = logging.LogFormat(c.Logging.Format)
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	cfg.Endpoint = c.Telemetry.Endpoint
	cfg.SamplingRatio = c.Telemetry.SamplingRatio
	cfg.Attributes = c.Telemetry.Attributes
	cfg.Backend = c.Backend.URL
	cfg.Transport = c.Stream.Transport
	return cfg
}

// ToStorageConfig converts to storage config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		Type:     storage.Type(c.Storage.Type),
		DataDir:  c.Storage.DataDir,
		Key:      c.Storage.Key,
		RedisURL: c.Storage.RedisURL,
		Timeout:  c.Storage.Timeout,
	}
}

// ToFeedConfig converts to feed config. Callbacks and the clock are left for
// the caller to set.
func (c *Config) ToFeedConfig() feed.Config {
	return feed.Config{
		TTL:           c.Feed.TTL,
		SweepInterval: c.Feed.SweepInterval,
		IndexSize:     c.Feed.IndexSize,
		Backoff:       c.Stream.Backoff,
	}
}
