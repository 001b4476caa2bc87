package pool

import (
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/go-i2p/sqlpool/lib/resilience"
	"github.com/go-i2p/sqlpool/lib/types"
)

// Config configures the connection pool.
type Config struct {
	// Name labels the pool in logs, metrics and its circuit breaker.
	// Default: "default"
	Name string
	// MaxSize is the maximum number of connections, including connections
	// still being dialed.
	// Default: 10
	MaxSize int
	// IdleTimeout is how long a connection may sit idle before the reaper
	// closes it. Zero disables idle eviction.
	IdleTimeout time.Duration
	// ConnectionTimeout bounds how long Acquire waits, dial included.
	// Zero waits until the caller's context ends.
	ConnectionTimeout time.Duration
	// MaxUses retires a connection once it has been handed out this many
	// times. Zero means unlimited.
	MaxUses int
	// MaxLifetime retires a connection this long after it was established.
	// Zero means unlimited.
	MaxLifetime time.Duration
	// ReapInterval is how often idle connections are inspected.
	// Default: 1 second
	ReapInterval time.Duration
	// HealthCheckInterval is how often each idle connection is pinged.
	// Zero disables probing.
	HealthCheckInterval time.Duration
	// ConnectRate limits new handshakes per second. Zero means unlimited.
	ConnectRate float64
	// ConnectBurst is the handshake burst allowed by ConnectRate.
	// Default: 1
	ConnectBurst int
	// Breaker, when set, guards dialing with a circuit breaker.
	Breaker *resilience.CircuitBreakerConfig
	// Types converts parameters and columns.
	// Default: types.Default()
	Types *types.Registry
	// Clock drives timers and timestamps.
	// Default: the wall clock
	Clock clock.Clock
}

// DefaultConfig returns a Config with the stock settings.
func DefaultConfig() Config {
	return Config{
		Name:         "default",
		MaxSize:      10,
		IdleTimeout:  10 * time.Second,
		ReapInterval: time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	if cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = 1
	}
	if cfg.Types == nil {
		cfg.Types = types.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	return cfg
}

func (cfg Config) needsReaper() bool {
	return cfg.IdleTimeout > 0 || cfg.MaxLifetime > 0 || cfg.HealthCheckInterval > 0
}
