package pool

import (
	"context"

	"github.com/go-i2p/sqlpool/lib/conn"
	apperrors "github.com/go-i2p/sqlpool/lib/errors"
)

// Query acquires a connection, runs one statement and releases the
// connection before returning. A lost transport destroys the connection; a
// statement error leaves it reusable. Consecutive calls may run on
// different connections.
func (p *Pool) Query(ctx context.Context, query string, args ...any) (*conn.Result, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.Query(ctx, query, args...)
	p.settle(c, err)
	return res, err
}

// Exec is Query for statements without rows.
func (p *Pool) Exec(ctx context.Context, query string, args ...any) (conn.ExecResult, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return conn.ExecResult{}, err
	}
	res, err := c.Exec(ctx, query, args...)
	p.settle(c, err)
	return res, err
}

// WithConn runs fn on one connection and releases it afterwards, destroying
// it when fn's error reports a lost transport.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	p.settle(c, err)
	return err
}

func (p *Pool) settle(c *Conn, err error) {
	if rerr := p.Release(c, apperrors.IsConnectionLost(err)); rerr != nil {
		log.WithField("pool", p.cfg.Name).WithError(rerr).Error("release after statement failed")
	}
}
