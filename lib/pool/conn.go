package pool

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/go-i2p/sqlpool/lib/conn"
)

// State is a pooled connection's lifecycle state.
type State int

const (
	// StateConnecting means the handshake is in flight.
	StateConnecting State = iota
	// StateIdle means the pool owns the connection and may hand it out.
	StateIdle
	// StateCheckedOut means exactly one caller owns the connection.
	StateCheckedOut
	// StateErrored means the owner still holds the connection but it must
	// be destroyed on release.
	StateErrored
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateCheckedOut:
		return "checked-out"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// member is the pool's record of one physical connection. It outlives the
// checkouts made of it.
type member struct {
	pool *Pool
	id   uint64

	// Guarded by pool.mu.
	inner      *conn.Conn
	state      State
	waiter     *waiter
	createdAt  time.Time
	releasedAt time.Time
	probedAt   time.Time
	uses       int
	probing    bool
	// checkout numbers the current hand-out; a Conn whose lease differs
	// is left over from an earlier one.
	checkout uint64
}

// Conn is one checkout of a pooled connection. Callers receive it from
// Acquire and must hand it back exactly once with Release. Once released it
// can no longer run statements, even after the pool hands the same
// physical connection to someone else.
type Conn struct {
	*member
	lease uint64
}

// view returns a handle that identifies m without owning it.
func (m *member) view() *Conn {
	return &Conn{member: m}
}

// ID returns the connection identity, unique and increasing within its pool.
// Every checkout of the same physical connection has the same ID.
func (c *Conn) ID() uint64 {
	return c.id
}

// State returns the current lifecycle state of the physical connection.
func (c *Conn) State() State {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// CreatedAt returns when the handshake completed, on the pool clock.
func (c *Conn) CreatedAt() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.createdAt
}

// ReleasedAt returns when the connection last became idle.
func (c *Conn) ReleasedAt() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.releasedAt
}

// Uses returns how many times the connection has been handed out.
func (c *Conn) Uses() int {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.uses
}

func (m *member) String() string {
	return fmt.Sprintf("%s#%d", m.pool.cfg.Name, m.id)
}

// Query runs one statement on the connection.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*conn.Result, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, query, args...)
}

// Exec runs one statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (conn.ExecResult, error) {
	s, err := c.session()
	if err != nil {
		return conn.ExecResult{}, err
	}
	return s.Exec(ctx, query, args...)
}

// Ping checks the session is alive.
func (c *Conn) Ping(ctx context.Context) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

// Raw exposes the driver connection for driver-specific calls.
func (c *Conn) Raw() (driver.Conn, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	return s.Raw(), nil
}

// Lost reports whether the transport is known to be broken.
func (c *Conn) Lost() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.inner == nil || c.inner.Lost()
}

func (c *Conn) session() (*conn.Conn, error) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	if !c.ownedLocked() {
		return nil, fmt.Errorf("%w: %s is %s", errNotCheckedOut, c, c.state)
	}
	return c.inner, nil
}

// ownedLocked reports whether c is the current checkout and still held by
// its caller. Must be called with pool.mu held.
func (c *Conn) ownedLocked() bool {
	if c.lease == 0 || c.lease != c.checkout || c.probing {
		return false
	}
	return c.state == StateCheckedOut || c.state == StateErrored
}

// broken reports whether the connection must not return to the idle set.
// Must be called with pool.mu held.
func (m *member) broken() bool {
	return m.state == StateErrored || m.inner == nil || m.inner.Lost()
}
