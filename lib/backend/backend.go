// Package backend adapts database/sql drivers into connectors the pool can
// dial one physical session at a time, together with a classifier that sorts
// driver errors into query failures and transport failures.
package backend

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"syscall"

	apperrors "github.com/go-i2p/sqlpool/lib/errors"
)

// Classifier maps a raw driver error onto the apperrors kinds. It must
// return nil for nil and should wrap, not replace, the driver error.
type Classifier func(err error) error

// Backend describes how to reach one database server.
type Backend struct {
	// Name is the driver name, e.g. "mysql" or "sqlite3".
	Name string
	// DSN is the driver-specific data source name, passed through unmodified.
	DSN string
	// Connector opens physical sessions.
	Connector driver.Connector
	// Classify sorts driver errors. Defaults to Classify.
	Classify Classifier
}

// Connect opens one physical session. Failures wrap apperrors.ErrConnect.
func (b *Backend) Connect(ctx context.Context) (driver.Conn, error) {
	c, err := b.Connector.Connect(ctx)
	if err != nil {
		return nil, apperrors.Connect(err)
	}
	return c, nil
}

// ClassifyError applies the backend classifier.
func (b *Backend) ClassifyError(err error) error {
	if b.Classify != nil {
		return b.Classify(err)
	}
	return Classify(err)
}

// Opener builds a Backend from a DSN.
type Opener func(dsn string) (*Backend, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes an opener available under name. Registering the same name
// twice replaces the previous opener.
func Register(name string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[name] = open
}

// Drivers returns the sorted list of registered driver names.
func Drivers() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()

	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open returns a Backend for the named driver.
func Open(name, dsn string) (*Backend, error) {
	openersMu.RLock()
	open, ok := openers[name]
	openersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownBackend, name)
	}
	b, err := open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	log.WithField("driver", name).Debug("backend opened")
	return b, nil
}

// FromDriver wraps a plain driver.Driver so each Connect opens a new session
// with the given DSN. Drivers that implement driver.DriverContext are asked
// for their own connector instead.
func FromDriver(name, dsn string, d driver.Driver, classify Classifier) (*Backend, error) {
	var connector driver.Connector
	if dc, ok := d.(driver.DriverContext); ok {
		c, err := dc.OpenConnector(dsn)
		if err != nil {
			return nil, err
		}
		connector = c
	} else {
		connector = dsnConnector{dsn: dsn, driver: d}
	}
	return &Backend{
		Name:      name,
		DSN:       dsn,
		Connector: connector,
		Classify:  classify,
	}, nil
}

type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c dsnConnector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.driver.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.driver
}

// Classify is the driver-independent classifier: bad-connection markers,
// EOFs, resets and network errors are transport failures; context errors
// pass through untouched; anything else is reported by the backend.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.IsQuery(err) || apperrors.IsConnectionLost(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsTransport(err) {
		return apperrors.Lost(err)
	}
	return apperrors.Query(err)
}

// IsTransport reports whether err looks like a dead or unusable transport.
func IsTransport(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
