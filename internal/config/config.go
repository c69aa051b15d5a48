package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Stream transports
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config represents the complete application configuration
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Stream    StreamConfig    `yaml:"stream"`
	Storage   StorageConfig   `yaml:"storage"`
	Feed      FeedConfig      `yaml:"feed"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BackendConfig identifies the review platform backend
type BackendConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	StreamPath string `yaml:"stream_path"`
}

// StreamConfig contains push connection settings
type StreamConfig struct {
	Transport   string        `yaml:"transport"`
	Channel     string        `yaml:"channel"`
	Backoff     time.Duration `yaml:"backoff"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	NATSURL     string        `yaml:"nats_url"`
	NATSSubject string        `yaml:"nats_subject"`
}

// StorageConfig contains durable slot settings
type StorageConfig struct {
	Type     string        `yaml:"type"`
	DataDir  string        `yaml:"data_dir"`
	Key      string        `yaml:"key"`
	RedisURL string        `yaml:"redis_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FeedConfig contains event retention settings
type FeedConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IndexSize     int           `yaml:"index_size"`
}

// ServerConfig contains local HTTP API settings
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:        "http://localhost:3000",
			StreamPath: "/updates",
		},
		Stream: StreamConfig{
			Transport:   TransportSSE,
			Channel:     "message",
			Backoff:     5 * time.Second,
			IdleTimeout: 60 * time.Second,
			NATSURL:     "nats://localhost:4222",
			NATSSubject: "reviews.events",
		},
		Storage: StorageConfig{
			Type:     "badger",
			DataDir:  "./data",
			Key:      "events",
			RedisURL: "redis://localhost:6379/0",
			Timeout:  2 * time.Second,
		},
		Feed: FeedConfig{
			TTL:           24 * time.Hour,
			SweepInterval: time.Minute,
			IndexSize:     4096,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORSOrigins:  []string{"*"},
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "reviewfeed",
			Endpoint:      "localhost:4317",
			SamplingRatio: 1.0,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// Flags holds command line overrides. Empty fields leave the configuration untouched.
type Flags struct {
	ConfigFile string
	BackendURL string
	DataDir    string
	ServerAddr string
	LogLevel   string
	Storage    string
	Transport  string
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadEnvFiles loads .env.local and .env from dir into the process
// environment. Variables already set are never overwritten, so the real
// environment wins over .env.local, which wins over .env.
func LoadEnvFiles(dir string) {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if err := godotenv.Load(path); err == nil {
			log.Debug().Str("file", path).Msg("Loaded environment file")
		}
	}
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(flags Flags) (*Config, error) {
	var config *Config
	var err error

	if flags.ConfigFile != "" {
		config, err = LoadConfigFromFile(flags.ConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	// Command line flags have the highest priority
	if flags.BackendURL != "" {
		config.Backend.URL = flags.BackendURL
	}
	if flags.DataDir != "" {
		absDataDir, err := filepath.Abs(flags.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if flags.ServerAddr != "" {
		config.Server.Addr = flags.ServerAddr
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
	if flags.Storage != "" {
		config.Storage.Type = flags.Storage
	}
	if flags.Transport != "" {
		config.Stream.Transport = flags.Transport
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail late or silently
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("stream.transport: unknown transport %q", c.Stream.Transport))
	}
	if c.Stream.Transport == TransportNATS && c.Stream.NATSSubject == "" {
		errs = append(errs, errors.New("stream.nats_subject is required for the nats transport"))
	}
	if c.Stream.IdleTimeout < 0 {
		errs = append(errs, errors.New("stream.idle_timeout must not be negative"))
	}
	if c.Stream.Backoff < 0 {
		errs = append(errs, errors.New("stream.backoff must not be negative"))
	}
	if c.Storage.Key == "" {
		errs = append(errs, errors.New("storage.key is required"))
	}
	if c.Feed.TTL <= 0 {
		errs = append(errs, errors.New("feed.ttl must be positive"))
	}
	if c.Feed.SweepInterval < 0 {
		errs = append(errs, errors.New("feed.sweep_interval must not be negative"))
	}

	return errors.Join(errs...)
}

// StreamURL returns the push endpoint on the backend origin
func (c *Config) StreamURL() string {
	return strings.TrimRight(c.Backend.URL, "/") + "/" + strings.TrimLeft(c.Backend.StreamPath, "/")
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) error {
	// VITE_BACKEND_URL is what the console build used; REVIEWFEED_BACKEND_URL wins
	if url := os.Getenv("VITE_BACKEND_URL"); url != "" {
		config.Backend.URL = url
	}

	strs := map[string]*string{
		"REVIEWFEED_BACKEND_URL":      &config.Backend.URL,
		"REVIEWFEED_BACKEND_TOKEN":    &config.Backend.Token,
		"REVIEWFEED_STREAM_PATH":      &config.Backend.StreamPath,
		"REVIEWFEED_STREAM_TRANSPORT": &config.Stream.Transport,
		"REVIEWFEED_STREAM_CHANNEL":   &config.Stream.Channel,
		"REVIEWFEED_NATS_URL":         &config.Stream.NATSURL,
		"REVIEWFEED_NATS_SUBJECT":     &config.Stream.NATSSubject,
		"REVIEWFEED_STORAGE_TYPE":     &config.Storage.Type,
		"REVIEWFEED_DATA_DIR":         &config.Storage.DataDir,
		"REVIEWFEED_STORAGE_KEY":      &config.Storage.Key,
		"REVIEWFEED_REDIS_URL":        &config.Storage.RedisURL,
		"REVIEWFEED_SERVER_ADDR":      &config.Server.Addr,
		"REVIEWFEED_LOG_LEVEL":        &config.Logging.Level,
		"REVIEWFEED_LOG_FORMAT":       &config.Logging.Format,
		"REVIEWFEED_OTEL_ENDPOINT":    &config.Telemetry.Endpoint,
	}
	for name, target := range strs {
		if v := os.Getenv(name); v != "" {
			*target = v
		}
	}

	durations := map[string]*time.Duration{
		"REVIEWFEED_STREAM_BACKOFF":      &config.Stream.Backoff,
		"REVIEWFEED_STREAM_IDLE_TIMEOUT": &config.Stream.IdleTimeout,
		"REVIEWFEED_STORAGE_TIMEOUT":     &config.Storage.Timeout,
		"REVIEWFEED_FEED_TTL":            &config.Feed.TTL,
		"REVIEWFEED_SWEEP_INTERVAL":      &config.Feed.SweepInterval,
	}
	for name, target := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*target = d
	}

	if v := os.Getenv("REVIEWFEED_TELEMETRY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REVIEWFEED_TELEMETRY_ENABLED: %w", err)
		}
		config.Telemetry.Enabled = enabled
	}

	return nil
}
