// Package conn implements a single live session to a database backend.
//
// A Conn owns exactly one physical driver.Conn. It is not safe to share a
// Conn between logical owners; the internal mutex only serializes calls so
// that a misbehaving caller cannot corrupt the driver state.
package conn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/sqlpool/lib/backend"
	apperrors "github.com/go-i2p/sqlpool/lib/errors"
	"github.com/go-i2p/sqlpool/lib/types"
)

var errClosed = errors.New("conn: closed")

var nextID atomic.Uint64

// Conn is one session to the backend.
type Conn struct {
	id        uint64
	backend   *backend.Backend
	types     *types.Registry
	createdAt time.Time

	mu  sync.Mutex
	raw driver.Conn

	lost      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Dial performs the connect handshake. Errors wrap apperrors.ErrConnect and
// never leave a half-open session behind. A nil registry disables value
// conversion.
func Dial(ctx context.Context, b *backend.Backend, reg *types.Registry) (*Conn, error) {
	if reg == nil {
		reg = types.NewRegistry()
	}

	raw, err := b.Connect(ctx)
	if err != nil {
		log.WithField("driver", b.Name).WithError(err).Debug("connect failed")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		raw.Close()
		return nil, apperrors.Connect(err)
	}

	c := &Conn{
		id:        nextID.Add(1),
		backend:   b,
		types:     reg,
		createdAt: time.Now(),
		raw:       raw,
	}
	log.WithField("id", c.id).WithField("driver", b.Name).Debug("connection established")
	return c, nil
}

// ID returns the connection identity, unique within the process.
func (c *Conn) ID() uint64 {
	return c.id
}

// CreatedAt returns when the handshake completed.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Lost reports whether the transport is known to be broken. A lost
// connection never becomes usable again.
func (c *Conn) Lost() bool {
	return c.lost.Load() || c.closed.Load()
}

// Raw exposes the underlying driver connection for driver-specific calls.
// The caller must hold the connection exclusively.
func (c *Conn) Raw() driver.Conn {
	return c.raw
}

// Query runs one statement and returns its decoded rows. Backend errors
// wrap apperrors.ErrQuery; transport failures wrap apperrors.ErrConnectionLost
// and mark the connection lost.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Lost() {
		return nil, apperrors.Lost(errClosed)
	}

	named, err := c.namedValues(args)
	if err != nil {
		return nil, err
	}

	rows, closeStmt, err := c.queryRows(ctx, query, named)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer closeStmt()

	res, err := readRows(rows, c.types)
	if cerr := rows.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return nil, err
		}
		return nil, c.classify(ctx, err)
	}
	c.checkValid()
	return res, nil
}

// Exec runs one statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Lost() {
		return ExecResult{}, apperrors.Lost(errClosed)
	}

	named, err := c.namedValues(args)
	if err != nil {
		return ExecResult{}, err
	}

	res, err := c.exec(ctx, query, named)
	if err != nil {
		return ExecResult{}, c.classify(ctx, err)
	}

	out := ExecResult{}
	if out.RowsAffected, err = res.RowsAffected(); err != nil {
		out.RowsAffected = -1
	}
	if out.LastInsertID, err = res.LastInsertId(); err != nil {
		out.LastInsertID = -1
	}
	c.checkValid()
	return out, nil
}

// Ping checks liveness. Drivers without driver.Pinger are assumed alive
// unless already marked lost.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Lost() {
		return apperrors.Lost(errClosed)
	}
	pinger, ok := c.raw.(driver.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		// A failed ping always means the session is unusable.
		c.lost.Store(true)
		return apperrors.Lost(err)
	}
	return nil
}

// MarkLost flags the transport as broken, e.g. after an asynchronous
// backend notification.
func (c *Conn) MarkLost() {
	c.lost.Store(true)
}

// Close disconnects. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
		log.WithField("id", c.id).Debug("connection closed")
	})
	return c.closeErr
}

func (c *Conn) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// The driver may have aborted mid-protocol; the session state is unknown.
		c.lost.Store(true)
		return apperrors.Lost(err)
	}

	err = c.backend.ClassifyError(err)
	if apperrors.IsConnectionLost(err) {
		c.lost.Store(true)
		log.WithField("id", c.id).WithError(err).Warn("connection lost")
	} else {
		c.checkValid()
	}
	return err
}

func (c *Conn) checkValid() {
	if v, ok := c.raw.(driver.Validator); ok && !v.IsValid() {
		c.lost.Store(true)
	}
}

func (c *Conn) namedValues(args []any) ([]driver.NamedValue, error) {
	checker, _ := c.raw.(driver.NamedValueChecker)

	named := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		nv := driver.NamedValue{Ordinal: i + 1}
		if na, ok := arg.(namedArg); ok {
			nv.Name = na.Name
			arg = na.Value
		}

		var err error
		if nv.Value, err = c.types.Encode(arg); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}

		if checker != nil {
			err = checker.CheckNamedValue(&nv)
			if err == nil {
				named[i] = nv
				continue
			}
			if !errors.Is(err, driver.ErrSkip) {
				return nil, fmt.Errorf("argument %d: %w", i+1, err)
			}
		}
		if nv.Value, err = driver.DefaultParameterConverter.ConvertValue(nv.Value); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		named[i] = nv
	}
	return named, nil
}

func (c *Conn) queryRows(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, func(), error) {
	noop := func() {}

	if q, ok := c.raw.(driver.QueryerContext); ok {
		rows, err := q.QueryContext(ctx, query, args)
		if !errors.Is(err, driver.ErrSkip) {
			return rows, noop, err
		}
	}

	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, noop, err
	}
	closeStmt := func() { stmt.Close() }

	var rows driver.Rows
	if sq, ok := stmt.(driver.StmtQueryContext); ok {
		rows, err = sq.QueryContext(ctx, args)
	} else {
		rows, err = stmt.Query(plainValues(args)) //nolint:staticcheck // legacy drivers
	}
	if err != nil {
		closeStmt()
		return nil, noop, err
	}
	return rows, closeStmt, nil
}

func (c *Conn) exec(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if e, ok := c.raw.(driver.ExecerContext); ok {
		res, err := e.ExecContext(ctx, query, args)
		if !errors.Is(err, driver.ErrSkip) {
			return res, err
		}
	}

	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	if se, ok := stmt.(driver.StmtExecContext); ok {
		return se.ExecContext(ctx, args)
	}
	return stmt.Exec(plainValues(args)) //nolint:staticcheck // legacy drivers
}

func (c *Conn) prepare(ctx context.Context, query string) (driver.Stmt, error) {
	if p, ok := c.raw.(driver.ConnPrepareContext); ok {
		return p.PrepareContext(ctx, query)
	}
	return c.raw.Prepare(query)
}

func plainValues(args []driver.NamedValue) []driver.Value {
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	return vals
}
