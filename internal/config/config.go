// Package config loads the daemon configuration.
//
// Values are layered: built-in defaults, then an optional YAML file (path in
// BUSDASH_CONFIG), then BUSDASH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "BUSDASH_"

	// ConfigPathEnvVar names the optional YAML config file.
	ConfigPathEnvVar = "BUSDASH_CONFIG"
)

// Config holds all daemon configuration.
type Config struct {
	// Backend
	BackendURL  string        `koanf:"backend_url"`  // REST base URL, e.g. http://aquapi.local/api
	PushURL     string        `koanf:"push_url"`     // SSE (http/https) or WebSocket (ws/wss); default <backend_url>/sse
	HTTPTimeout time.Duration `koanf:"http_timeout"` // per request

	// Caches
	FetchConcurrency int `koanf:"fetch_concurrency"` // parallel node fetches
	DisplayWidth     int `koanf:"display_width"`     // default chart width in px

	// Circuit breaker around the backend client
	BreakerMaxRequests  uint32        `koanf:"breaker_max_requests"`
	BreakerInterval     time.Duration `koanf:"breaker_interval"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio"`

	// Local state and API
	DBPath     string `koanf:"db_path"`     // SQLite blob store
	ListenAddr string `koanf:"listen_addr"` // status API

	// Logging
	LogLevel  string `koanf:"log_level"`  // debug, info, warn, error
	LogFormat string `koanf:"log_format"` // console or json
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		BackendURL:          "http://localhost:5000/api",
		HTTPTimeout:         10 * time.Second,
		FetchConcurrency:    8,
		DisplayWidth:        800,
		BreakerMaxRequests:  3,
		BreakerInterval:     time.Minute,
		BreakerTimeout:      30 * time.Second,
		BreakerMinRequests:  10,
		BreakerFailureRatio: 0.6,
		DBPath:              "busdash.db",
		ListenAddr:          "127.0.0.1:8088",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Load reads the configuration from defaults, the file named by
// BUSDASH_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigPathEnvVar))
}

// LoadFile is Load with an explicit config file path; an empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment, BUSDASH_BACKEND_URL -> backend_url
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if cfg.PushURL == "" {
		cfg.PushURL = strings.TrimSuffix(cfg.BackendURL, "/") + "/sse"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envTransform(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend URL is required")
	}
	if u, err := url.Parse(c.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend URL %q must be an http(s) URL", c.BackendURL)
	}
	pu, err := url.Parse(c.PushURL)
	if err != nil {
		return fmt.Errorf("push URL %q: %w", c.PushURL, err)
	}
	switch pu.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("push URL %q must use http, https, ws or wss", c.PushURL)
	}
	if c.HTTPTimeout < 100*time.Millisecond {
		return errors.New("http timeout must be at least 100ms")
	}
	if c.FetchConcurrency < 1 {
		return errors.New("fetch concurrency must be at least 1")
	}
	if c.DisplayWidth < 1 {
		return errors.New("display width must be positive")
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return errors.New("breaker failure ratio must be in (0, 1]")
	}
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log format %q must be console or json", c.LogFormat)
	}
	return nil
}
