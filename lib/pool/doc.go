// Package pool provides a bounded, FIFO-fair connection pool for SQL
// backends.
//
// The pool supports:
//   - Configurable maximum pool size, counting connections still dialing
//   - Strict arrival-order service of queued Acquire calls
//   - Idle timeout, maximum lifetime and maximum use count
//   - Liveness probing of idle connections
//   - Lifecycle events through a publish/subscribe channel
//   - Orderly drain with End
//
// # Basic Usage
//
//	b, err := backend.Open("mysql", "app:secret@tcp(db:3306)/app")
//	if err != nil {
//	    return err
//	}
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxSize = 20
//	cfg.ConnectionTimeout = 2 * time.Second
//
//	p := pool.New(b, cfg)
//	defer p.Close()
//
//	c, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	res, err := c.Query(ctx, "SELECT id, name FROM users WHERE id = ?", 7)
//	p.Release(c, errors.IsConnectionLost(err))
//
// Query and Exec wrap that acquire, run and release sequence.
//
// # Events
//
// Subscribe delivers connect, acquire, release, error, remove,
// connect_error and end events. Each listener runs on its own goroutine and
// observes events in the order the pool state changed:
//
//	stop := p.Subscribe(func(ev pool.Event) {
//	    log.Printf("%s %v %v", ev.Type, ev.Conn, ev.Err)
//	})
//	defer stop()
//
// An error event is only raised for connections no caller owns; it is
// always followed by the remove event for the same connection.
package pool
