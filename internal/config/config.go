// ============================================================================
// relaypool Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the immutable process configuration
//
// Sources, in increasing precedence:
//   1. Built-in defaults
//   2. YAML config file (optional; a missing file is not an error)
//   3. Environment variables, read once at process start
//
// Environment:
//   ENABLE_CLUSTER   "true" or "1" enables cluster mode, anything else disables
//   NUM_WORKERS      worker count (default min(NumCPU, 4))
//   PORT             HTTP port (default 3000)
//   HOST             HTTP host (default 0.0.0.0)
//   RING_CAPACITY    received-message ring size per worker (default 100)
//   SHUTDOWN_GRACE   HTTP close grace window, Go duration (default 10s)
//   METRICS_PORT     primary metrics listener port, 0 disables
//   IPC_SOCKET       unix socket path for primary <-> worker IPC
//   LOG_LEVEL        debug | info | warn | error
//   LOG_FORMAT       text | json
//
// Numeric variables that fail to parse, or are not positive, are ignored
// and the lower-precedence value is kept.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "configs/relaypool.yaml"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete process configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Cluster struct {
		Enabled    bool   `yaml:"enabled"`
		Workers    int    `yaml:"workers"`
		SocketPath string `yaml:"socket_path"`
	} `yaml:"cluster"`

	HTTP struct {
		Host          string        `yaml:"host"`
		Port          int           `yaml:"port"`
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	} `yaml:"http"`

	Worker struct {
		RingCapacity int `yaml:"ring_capacity"`
	} `yaml:"worker"`

	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultWorkerCount is min(logical CPUs, 4).
func DefaultWorkerCount() int {
	return min(runtime.NumCPU(), 4)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Cluster.Workers = DefaultWorkerCount()
	cfg.HTTP.Host = "0.0.0.0"
	cfg.HTTP.Port = 3000
	cfg.HTTP.ShutdownGrace = 10 * time.Second
	cfg.Worker.RingCapacity = 100
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads path (if it exists) and applies the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment source.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv(lookup)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) {
	if v, ok := lookup("ENABLE_CLUSTER"); ok {
		c.Cluster.Enabled = v == "true" || v == "1"
	}
	if n, ok := positiveInt(lookup, "NUM_WORKERS"); ok {
		c.Cluster.Workers = n
	}
	if v, ok := lookup("IPC_SOCKET"); ok && v != "" {
		c.Cluster.SocketPath = v
	}
	if n, ok := positiveInt(lookup, "PORT"); ok {
		c.HTTP.Port = n
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		c.HTTP.Host = v
	}
	if v, ok := lookup("SHUTDOWN_GRACE"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.HTTP.ShutdownGrace = d
		}
	}
	if n, ok := positiveInt(lookup, "RING_CAPACITY"); ok {
		c.Worker.RingCapacity = n
	}
	if v, ok := lookup("METRICS_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Metrics.Port = n
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Log.Format = v
	}
}

func positiveInt(lookup LookupFunc, key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Validate checks the invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Cluster.Workers < 1 {
		return fmt.Errorf("%w: cluster.workers must be >= 1, got %d", ErrInvalidConfig, c.Cluster.Workers)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port out of range: %d", ErrInvalidConfig, c.HTTP.Port)
	}
	if c.HTTP.ShutdownGrace <= 0 {
		return fmt.Errorf("%w: http.shutdown_grace must be positive", ErrInvalidConfig)
	}
	if c.Worker.RingCapacity < 1 {
		return fmt.Errorf("%w: worker.ring_capacity must be >= 1, got %d", ErrInvalidConfig, c.Worker.RingCapacity)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("%w: metrics.port out of range: %d", ErrInvalidConfig, c.Metrics.Port)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// SocketPath returns the configured IPC socket path, or a per-primary
// default under the temp directory.
func (c *Config) SocketPath(primaryPID int) string {
	if c.Cluster.SocketPath != "" {
		return c.Cluster.SocketPath
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("relaypool-%d.sock", primaryPID))
}
