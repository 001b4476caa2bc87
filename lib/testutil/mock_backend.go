// Package testutil provides an in-memory database backend for exercising
// connections and pools without a real server. Connects, queries and pings
// can be scripted, delayed, blocked or broken on demand.
package testutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/sqlpool/lib/backend"
)

// Rows is a scripted result set.
type Rows struct {
	Columns []string
	Types   []string
	Values  [][]driver.Value
}

// HandlerFunc answers one statement on conn.
type HandlerFunc func(ctx context.Context, conn *MockConn, query string, args []driver.NamedValue) (*Rows, error)

// MockBackend is a driver.Connector whose sessions live in memory.
type MockBackend struct {
	mu         sync.Mutex
	connectErr error
	delay      time.Duration
	gate       chan struct{}
	handler    HandlerFunc
	conns      []*MockConn

	opened atomic.Int64
	closed atomic.Int64
	seq    atomic.Int64
}

// NewMockBackend returns a backend whose statements are answered by
// EchoHandler.
func NewMockBackend() *MockBackend {
	return &MockBackend{handler: EchoHandler}
}

// Backend wraps the mock as a pool backend using the generic classifier.
func (m *MockBackend) Backend() *backend.Backend {
	return &backend.Backend{
		Name:      "mock",
		DSN:       "mock://",
		Connector: m,
		Classify:  backend.Classify,
	}
}

// Driver implements driver.Connector.
func (m *MockBackend) Driver() driver.Driver {
	return mockDriver{m}
}

// Connect implements driver.Connector.
func (m *MockBackend) Connect(ctx context.Context) (driver.Conn, error) {
	m.mu.Lock()
	err := m.connectErr
	delay := m.delay
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &MockConn{backend: m, ID: m.seq.Add(1)}
	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.mu.Unlock()
	m.opened.Add(1)
	return c, nil
}

// FailConnects makes every following connect return err. A nil err restores
// normal behavior.
func (m *MockBackend) FailConnects(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetConnectDelay delays every following connect by d.
func (m *MockBackend) SetConnectDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// BlockConnects holds every following connect until the returned function
// is called.
func (m *MockBackend) BlockConnects() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Handle replaces the statement handler.
func (m *MockBackend) Handle(fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// Opened returns the number of successful connects.
func (m *MockBackend) Opened() int {
	return int(m.opened.Load())
}

// Closed returns the number of sessions closed by their owner.
func (m *MockBackend) Closed() int {
	return int(m.closed.Load())
}

// Live returns the number of sessions opened and not yet closed.
func (m *MockBackend) Live() int {
	return m.Opened() - m.Closed()
}

// Conns returns every session opened so far, in connect order.
func (m *MockBackend) Conns() []*MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockConn(nil), m.conns...)
}

func (m *MockBackend) currentHandler() HandlerFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

type mockDriver struct{ m *MockBackend }

func (d mockDriver) Open(string) (driver.Conn, error) {
	return d.m.Connect(context.Background())
}

// EchoHandler answers a statement without arguments with a single row
// holding int64(1), and a statement with arguments with one row echoing them.
func EchoHandler(_ context.Context, _ *MockConn, _ string, args []driver.NamedValue) (*Rows, error) {
	if len(args) == 0 {
		return &Rows{Columns: []string{"result"}, Types: []string{"INT"}, Values: [][]driver.Value{{int64(1)}}}, nil
	}
	rows := &Rows{Values: [][]driver.Value{make([]driver.Value, len(args))}}
	for i, a := range args {
		rows.Columns = append(rows.Columns, fmt.Sprintf("$%d", a.Ordinal))
		rows.Types = append(rows.Types, "")
		rows.Values[0][i] = a.Value
	}
	return rows, nil
}

// MockConn is one in-memory session.
type MockConn struct {
	ID      int64
	backend *MockBackend

	mu      sync.Mutex
	broken  bool
	closed  bool
	pingErr  error
	pingGate chan struct{}
	queries  []string
}

// Break makes every following operation fail with driver.ErrBadConn.
func (c *MockConn) Break() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

// FailPing makes Ping return err.
func (c *MockConn) FailPing(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// BlockPings holds every following Ping until the returned function is
// called or the caller's context ends.
func (c *MockConn) BlockPings() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.pingGate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.pingGate == gate {
				c.pingGate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// IsClosed reports whether Close was called.
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Queries returns the statements run on this session.
func (c *MockConn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

func (c *MockConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("mock: prepare not supported")
}

func (c *MockConn) Begin() (driver.Tx, error) {
	return nil, errors.New("mock: transactions not supported")
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.backend.closed.Add(1)
	return nil
}

// IsValid implements driver.Validator.
func (c *MockConn) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.broken && !c.closed
}

// Ping implements driver.Pinger.
func (c *MockConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	gate := c.pingGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || c.closed {
		return driver.ErrBadConn
	}
	return c.pingErr
}

// QueryContext implements driver.QueryerContext.
func (c *MockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.begin(query); err != nil {
		return nil, err
	}
	rows, err := c.backend.currentHandler()(ctx, c, query, args)
	if err != nil {
		return nil, err
	}
	return &mockRows{rows: rows}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *MockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := c.begin(query); err != nil {
		return nil, err
	}
	rows, err := c.backend.currentHandler()(ctx, c, query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(len(rows.Values)), nil
}

func (c *MockConn) begin(query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || c.closed {
		return driver.ErrBadConn
	}
	c.queries = append(c.queries, query)
	return nil
}

type mockRows struct {
	rows *Rows
	pos  int
}

func (r *mockRows) Columns() []string {
	return r.rows.Columns
}

func (r *mockRows) Close() error {
	return nil
}

func (r *mockRows) ColumnTypeDatabaseTypeName(i int) string {
	if i < len(r.rows.Types) {
		return r.rows.Types[i]
	}
	return ""
}

func (r *mockRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows.Values) {
		return io.EOF
	}
	copy(dest, r.rows.Values[r.pos])
	r.pos++
	return nil
}
