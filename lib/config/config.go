// Package config loads sqlpool settings from TOML or YAML files and turns
// them into a backend and pool configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/sqlpool/lib/backend"
	apperrors "github.com/go-i2p/sqlpool/lib/errors"
	"github.com/go-i2p/sqlpool/lib/pool"
	"github.com/go-i2p/sqlpool/lib/resilience"
	"github.com/go-i2p/sqlpool/lib/validation"
)

// Default configuration values
const (
	DefaultDriver               = "sqlite3"
	DefaultDSN                  = "file::memory:?cache=shared"
	DefaultPoolName             = "default"
	DefaultMaxSize              = 10
	DefaultIdleTimeoutMillis    = 10000
	DefaultReapIntervalMillis   = 1000
	DefaultFailureThreshold     = 5
	DefaultSuccessThreshold     = 2
	DefaultBreakerTimeoutMillis = 30000
	DefaultMaxHalfOpenRequests  = 1
)

// Config holds all sqlpool settings.
type Config struct {
	Backend BackendConfig `toml:"backend" yaml:"backend"`
	Pool    PoolConfig    `toml:"pool" yaml:"pool"`
	Breaker BreakerConfig `toml:"breaker" yaml:"breaker"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// BackendConfig selects the database.
type BackendConfig struct {
	// Driver is a registered backend name, see backend.Drivers.
	Driver string `toml:"driver" yaml:"driver"`
	// DSN is passed to the driver unmodified.
	DSN string `toml:"dsn" yaml:"dsn"`
}

// PoolConfig mirrors pool.Config with millisecond durations.
type PoolConfig struct {
	Name                      string  `toml:"name" yaml:"name"`
	MaxSize                   int     `toml:"max_size" yaml:"max_size"`
	IdleTimeoutMillis         int64   `toml:"idle_timeout_millis" yaml:"idle_timeout_millis"`
	ConnectionTimeoutMillis   int64   `toml:"connection_timeout_millis" yaml:"connection_timeout_millis"`
	MaxUses                   int     `toml:"max_uses" yaml:"max_uses"`
	MaxLifetimeMillis         int64   `toml:"max_lifetime_millis" yaml:"max_lifetime_millis"`
	ReapIntervalMillis        int64   `toml:"reap_interval_millis" yaml:"reap_interval_millis"`
	HealthCheckIntervalMillis int64   `toml:"health_check_interval_millis" yaml:"health_check_interval_millis"`
	ConnectRate               float64 `toml:"connect_rate" yaml:"connect_rate"`
	ConnectBurst              int     `toml:"connect_burst" yaml:"connect_burst"`
}

// BreakerConfig controls the connect circuit breaker.
type BreakerConfig struct {
	Enabled             bool  `toml:"enabled" yaml:"enabled"`
	FailureThreshold    int   `toml:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold    int   `toml:"success_threshold" yaml:"success_threshold"`
	TimeoutMillis       int64 `toml:"timeout_millis" yaml:"timeout_millis"`
	MaxHalfOpenRequests int   `toml:"max_half_open_requests" yaml:"max_half_open_requests"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address to serve /metrics on. Empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Driver: DefaultDriver,
			DSN:    DefaultDSN,
		},
		Pool: PoolConfig{
			Name:               DefaultPoolName,
			MaxSize:            DefaultMaxSize,
			IdleTimeoutMillis:  DefaultIdleTimeoutMillis,
			ReapIntervalMillis: DefaultReapIntervalMillis,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    DefaultFailureThreshold,
			SuccessThreshold:    DefaultSuccessThreshold,
			TimeoutMillis:       DefaultBreakerTimeoutMillis,
			MaxHalfOpenRequests: DefaultMaxHalfOpenRequests,
		},
	}
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

// LoadConfig reads configuration from a TOML or YAML file, chosen by
// extension. If the file doesn't exist, it returns the default
// configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("path", path).Debug("config file not found, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch formatFor(path) {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", errors.Join(apperrors.ErrConfiguration, err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).WithField("driver", cfg.Backend.Driver).Debug("config loaded")
	return cfg, nil
}

// SaveConfig writes the configuration to path in the format its extension
// selects. It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch formatFor(path) {
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	default:
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// The DSN may carry credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors. Every problem is reported,
// and the result matches apperrors.ErrConfiguration.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.OneOf("backend.driver", c.Backend.Driver, backend.Drivers()))
	errs.Add(validation.Required("backend.dsn", c.Backend.DSN))

	errs.Add(validation.PoolName("pool.name", c.Pool.Name))
	errs.Add(validation.Positive("pool.max_size", c.Pool.MaxSize))
	errs.Add(validation.Millis("pool.idle_timeout_millis", c.Pool.IdleTimeoutMillis))
	errs.Add(validation.Millis("pool.connection_timeout_millis", c.Pool.ConnectionTimeoutMillis))
	errs.Add(validation.NonNegative("pool.max_uses", c.Pool.MaxUses))
	errs.Add(validation.Millis("pool.max_lifetime_millis", c.Pool.MaxLifetimeMillis))
	errs.Add(validation.Millis("pool.reap_interval_millis", c.Pool.ReapIntervalMillis))
	errs.Add(validation.Millis("pool.health_check_interval_millis", c.Pool.HealthCheckIntervalMillis))
	errs.Add(validation.Rate("pool.connect_rate", c.Pool.ConnectRate))
	errs.Add(validation.NonNegative("pool.connect_burst", c.Pool.ConnectBurst))

	if c.Breaker.Enabled {
		errs.Add(validation.Positive("breaker.failure_threshold", c.Breaker.FailureThreshold))
		errs.Add(validation.Positive("breaker.success_threshold", c.Breaker.SuccessThreshold))
		errs.Add(validation.Positive("breaker.max_half_open_requests", c.Breaker.MaxHalfOpenRequests))
		if c.Breaker.TimeoutMillis <= 0 {
			errs.Add(validation.NewResult("breaker.timeout_millis", "must be positive", validation.ErrOutOfRange))
		}
	}

	if c.Metrics.Listen != "" {
		errs.Add(validation.HostPort("metrics.listen", c.Metrics.Listen))
	}

	if errs.HasErrors() {
		return errors.Join(apperrors.ErrConfiguration, errs)
	}
	return nil
}

// PoolConfig converts the pool and breaker sections into a pool.Config.
func (c *Config) PoolConfig() pool.Config {
	cfg := pool.Config{
		Name:                c.Pool.Name,
		MaxSize:             c.Pool.MaxSize,
		IdleTimeout:         millis(c.Pool.IdleTimeoutMillis),
		ConnectionTimeout:   millis(c.Pool.ConnectionTimeoutMillis),
		MaxUses:             c.Pool.MaxUses,
		MaxLifetime:         millis(c.Pool.MaxLifetimeMillis),
		ReapInterval:        millis(c.Pool.ReapIntervalMillis),
		HealthCheckInterval: millis(c.Pool.HealthCheckIntervalMillis),
		ConnectRate:         c.Pool.ConnectRate,
		ConnectBurst:        c.Pool.ConnectBurst,
	}
	if c.Breaker.Enabled {
		cfg.Breaker = &resilience.CircuitBreakerConfig{
			FailureThreshold:    c.Breaker.FailureThreshold,
			SuccessThreshold:    c.Breaker.SuccessThreshold,
			Timeout:             millis(c.Breaker.TimeoutMillis),
			MaxHalfOpenRequests: c.Breaker.MaxHalfOpenRequests,
		}
	}
	return cfg
}

// OpenBackend opens the configured backend.
func (c *Config) OpenBackend() (*backend.Backend, error) {
	return backend.Open(c.Backend.Driver, c.Backend.DSN)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
