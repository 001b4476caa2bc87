package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/time/rate"

	"github.com/go-i2p/sqlpool/lib/backend"
	"github.com/go-i2p/sqlpool/lib/conn"
	apperrors "github.com/go-i2p/sqlpool/lib/errors"
	"github.com/go-i2p/sqlpool/lib/resilience"
)

var errNotCheckedOut = errors.New("pool: connection is not checked out")

// probeTimeout bounds a single idle liveness ping.
const probeTimeout = 5 * time.Second

// Pool manages a bounded set of connections to one backend.
type Pool struct {
	backend *backend.Backend
	cfg     Config
	clock   clock.Clock
	events  *eventBus
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter

	mu         sync.Mutex
	idle       []*member // most recently released last
	waiters    waitQueue
	connecting map[*member]struct{}
	total      int
	probing    int // idle connections borrowed by the reaper
	nextID     uint64
	draining   bool
	ended      bool
	counters   counters

	closers    sync.WaitGroup
	done       chan struct{}
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// work is what a critical section leaves to be done after unlocking.
type work struct {
	closes []*member
	dials  []*member
	ended  bool
}

// New creates a pool for b. No connection is opened until the first Acquire.
func New(b *backend.Backend, cfg Config) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		backend:    b,
		cfg:        cfg,
		clock:      cfg.Clock,
		events:     newEventBus(),
		connecting: make(map[*member]struct{}),
		done:       make(chan struct{}),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		if bc.Clock == nil {
			bc.Clock = cfg.Clock
		}
		p.breaker = resilience.NewCircuitBreaker(cfg.Name, bc)
		p.breaker.SetStateChangeCallback(p.breakerChanged)
	}
	if cfg.ConnectRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)
	}

	if cfg.needsReaper() {
		go p.reapLoop()
	} else {
		close(p.reaperDone)
	}

	log.WithField("pool", cfg.Name).
		WithField("driver", b.Name).
		WithField("maxSize", cfg.MaxSize).
		WithField("idleTimeout", cfg.IdleTimeout).
		Debug("pool created")
	return p
}

// Name returns the configured pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Breaker returns the connect circuit breaker, or nil when disabled.
func (p *Pool) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// Acquire returns a connection for exclusive use. Callers are served in
// arrival order. It fails with apperrors.ErrAcquisitionTimeout once
// ConnectionTimeout elapses, apperrors.ErrPoolDraining after End, the dial
// error when the connection dialed for this caller could not be
// established, or ctx.Err().
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	p.counters.acquires++
	if p.draining {
		p.counters.acquireFailures++
		p.mu.Unlock()
		return nil, apperrors.ErrPoolDraining
	}
	w := newWaiter(p.clock.Now())
	p.waiters.push(w)
	var wk work
	p.pulseLocked(&wk)
	p.mu.Unlock()
	p.run(wk)

	var timeout <-chan time.Time
	if p.cfg.ConnectionTimeout > 0 {
		timer := p.clock.NewTimer(p.cfg.ConnectionTimeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case r := <-w.ch:
		return p.received(r)
	case <-timeout:
		return p.abandon(w, fmt.Errorf("%w after %s", apperrors.ErrAcquisitionTimeout, p.cfg.ConnectionTimeout))
	case <-ctx.Done():
		return p.abandon(w, ctx.Err())
	}
}

func (p *Pool) received(r result) (*Conn, error) {
	if r.err != nil {
		p.mu.Lock()
		p.counters.acquireFailures++
		p.mu.Unlock()
	}
	return r.conn, r.err
}

// abandon withdraws w. A waiter fulfilled just before the deadline still
// gets its result.
func (p *Pool) abandon(w *waiter, reason error) (*Conn, error) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		return p.received(<-w.ch)
	}
	p.waiters.remove(w)
	w.done = true
	p.counters.acquireFailures++
	if apperrors.IsTimeout(reason) {
		p.counters.timeouts++
	}
	waiting := p.waiters.len()
	p.mu.Unlock()

	log.WithField("pool", p.cfg.Name).
		WithField("waited", p.clock.Since(w.enqueuedAt)).
		WithField("waiting", waiting).
		WithError(reason).
		Debug("acquire abandoned")
	return nil, reason
}

// Release hands c back. With destroy set, or when c is errored, lost, worn
// out or the pool is draining, the connection is closed; otherwise it goes
// to the longest waiting caller or the idle set. Releasing a checkout that
// was already released returns apperrors.ErrDoubleRelease, even when the
// pool has since handed the same connection to another caller.
func (p *Pool) Release(c *Conn, destroy bool) error {
	if c == nil || c.member == nil {
		return nil
	}
	if c.pool != p {
		log.WithField("pool", p.cfg.Name).WithField("conn", c.String()).Error("release to wrong pool")
		return fmt.Errorf("%w: %s", apperrors.ErrWrongPool, c)
	}

	p.mu.Lock()
	if !c.ownedLocked() {
		state, reissued := c.state, c.lease != c.checkout
		p.mu.Unlock()
		log.WithField("pool", p.cfg.Name).
			WithField("conn", c.String()).
			WithField("state", state.String()).
			WithField("reissued", reissued).
			Error("connection released twice")
		if reissued {
			return fmt.Errorf("%w: %s was handed out again", apperrors.ErrDoubleRelease, c)
		}
		return fmt.Errorf("%w: %s is %s", apperrors.ErrDoubleRelease, c, state)
	}

	p.counters.releases++
	p.emitLocked(EventRelease, c.member, nil)
	var wk work
	p.returnLocked(c.member, destroy, true, &wk)
	p.mu.Unlock()
	p.run(wk)
	return nil
}

// ReportError surfaces an asynchronous backend error for c. An idle
// connection is removed right away, after an error event. A checked-out
// connection is marked errored and destroyed when its owner releases it.
func (p *Pool) ReportError(c *Conn, err error) {
	if c == nil || c.member == nil || c.pool != p {
		return
	}

	m := c.member
	p.mu.Lock()
	var wk work
	switch {
	case m.state == StateIdle:
		p.removeIdleLocked(m)
		p.emitLocked(EventError, m, err)
		p.retireLocked(m, &wk)
		p.pulseLocked(&wk)
		p.checkDrainedLocked(&wk)
	case m.probing:
		p.emitLocked(EventError, m, err)
		m.state = StateErrored
	case m.state == StateCheckedOut:
		m.state = StateErrored
	}
	p.mu.Unlock()
	p.run(wk)

	log.WithField("pool", p.cfg.Name).WithField("conn", c.String()).WithError(err).Warn("backend reported connection error")
}

// End drains the pool: queued and future Acquire calls fail with
// apperrors.ErrPoolDraining, idle connections are closed now and checked-out
// or connecting ones as soon as they come back. End may be called more than
// once; every call waits for the same completion, bounded by ctx.
func (p *Pool) End(ctx context.Context) error {
	p.mu.Lock()
	var wk work
	if !p.draining {
		p.draining = true
		close(p.stopReaper)

		for w := p.waiters.front(); w != nil; w = p.waiters.front() {
			p.waiters.remove(w)
			w.fulfill(nil, apperrors.ErrPoolDraining)
		}
		for c := range p.connecting {
			if c.waiter != nil && !c.waiter.done {
				c.waiter.fulfill(nil, apperrors.ErrPoolDraining)
			}
		}
		for _, c := range p.idle {
			p.retireLocked(c, &wk)
		}
		p.idle = nil
		p.checkDrainedLocked(&wk)

		log.WithField("pool", p.cfg.Name).WithField("remaining", p.total).Debug("pool draining")
	}
	p.mu.Unlock()
	p.run(wk)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the pool and waits for it to finish.
func (p *Pool) Close() error {
	return p.End(context.Background())
}

// Done is closed once a draining pool has closed every connection.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// pulseLocked serves queued waiters in order: from the idle set first, then
// by dialing into a free slot, and stops when neither is possible.
func (p *Pool) pulseLocked(wk *work) {
	for p.waiters.len() > 0 {
		head := p.waiters.front()

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if c.broken() {
				p.retireLocked(c, wk)
				continue
			}
			p.handOffLocked(head, c)
			continue
		}

		if p.total < p.cfg.MaxSize {
			p.waiters.remove(head)
			p.nextID++
			c := &member{pool: p, id: p.nextID, state: StateConnecting, waiter: head}
			p.connecting[c] = struct{}{}
			p.total++
			wk.dials = append(wk.dials, c)
			continue
		}
		return
	}
}

// handOffLocked gives c to w under a fresh lease.
func (p *Pool) handOffLocked(w *waiter, c *member) {
	p.waiters.remove(w)
	p.unprobeLocked(c)
	c.state = StateCheckedOut
	c.uses++
	c.checkout++
	p.counters.handouts++
	p.emitLocked(EventAcquire, c, nil)
	w.fulfill(&Conn{member: c, lease: c.checkout}, nil)
}

// returnLocked takes back a connection that was checked out, by a caller or
// the prober. touch records the release time for idle accounting.
func (p *Pool) returnLocked(c *member, destroy, touch bool, wk *work) {
	p.unprobeLocked(c)

	if destroy || c.broken() || p.draining || p.wornOutLocked(c, p.clock.Now()) {
		p.retireLocked(c, wk)
		p.pulseLocked(wk)
		p.checkDrainedLocked(wk)
		return
	}

	if w := p.waiters.front(); w != nil {
		p.handOffLocked(w, c)
		return
	}

	c.state = StateIdle
	if touch {
		c.releasedAt = p.clock.Now()
	}
	p.idle = append(p.idle, c)
}

func (p *Pool) wornOutLocked(c *member, now time.Time) bool {
	if p.cfg.MaxUses > 0 && c.uses >= p.cfg.MaxUses {
		return true
	}
	return p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) >= p.cfg.MaxLifetime
}

// retireLocked closes c's slot. The physical close happens in run.
func (p *Pool) retireLocked(c *member, wk *work) {
	p.unprobeLocked(c)
	c.state = StateClosed
	p.total--
	p.counters.removed++
	p.emitLocked(EventRemove, c, nil)
	p.closers.Add(1)
	wk.closes = append(wk.closes, c)
}

// unprobeLocked ends the reaper's loan of c, if any.
func (p *Pool) unprobeLocked(c *member) {
	if c.probing {
		c.probing = false
		p.probing--
	}
}

func (p *Pool) removeIdleLocked(c *member) {
	for i, ic := range p.idle {
		if ic == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) checkDrainedLocked(wk *work) {
	if !p.draining || p.ended || p.total > 0 {
		return
	}
	p.ended = true
	p.emitLocked(EventEnd, nil, nil)
	wk.ended = true
}

// run performs the side effects of a critical section without the lock.
func (p *Pool) run(wk work) {
	if len(wk.closes) > 0 {
		go p.closeAll(wk.closes)
	}
	for _, c := range wk.dials {
		go p.dial(c)
	}
	if wk.ended {
		go func() {
			p.closers.Wait()
			close(p.done)
			p.events.close()
			log.WithField("pool", p.cfg.Name).Debug("pool ended")
		}()
	}
}

func (p *Pool) closeAll(conns []*member) {
	for _, c := range conns {
		if c.inner != nil {
			if err := c.inner.Close(); err != nil {
				log.WithField("pool", p.cfg.Name).WithField("conn", c.String()).WithError(err).Debug("close failed")
			}
		}
		p.closers.Done()
	}
}

// dial establishes the session for the placeholder c and settles its waiter.
func (p *Pool) dial(c *member) {
	inner, err := p.connect()

	p.mu.Lock()
	delete(p.connecting, c)
	w := c.waiter
	c.waiter = nil
	var wk work

	if err != nil {
		c.state = StateClosed
		p.total--
		p.counters.connectFailures++
		p.emitLocked(EventConnectError, nil, err)
		if !w.done {
			w.fulfill(nil, err)
		}
		p.pulseLocked(&wk)
		p.checkDrainedLocked(&wk)
		p.mu.Unlock()
		p.run(wk)

		log.WithField("pool", p.cfg.Name).WithError(err).Warn("failed to create connection")
		return
	}

	now := p.clock.Now()
	c.inner = inner
	c.createdAt = now
	c.releasedAt = now
	c.probedAt = now
	c.state = StateCheckedOut
	p.counters.created++
	p.emitLocked(EventConnect, c, nil)

	if !w.done {
		p.handOffLocked(w, c)
	} else {
		// The caller gave up while we were dialing; someone else may use it.
		p.returnLocked(c, false, true, &wk)
	}
	p.mu.Unlock()
	p.run(wk)

	log.WithField("pool", p.cfg.Name).WithField("conn", c.String()).Debug("created new connection")
}

func (p *Pool) connect() (*conn.Conn, error) {
	ctx := context.Background()
	if p.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		defer cancel()
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Connect(err)
		}
	}

	if p.breaker == nil {
		return conn.Dial(ctx, p.backend, p.cfg.Types)
	}

	var inner *conn.Conn
	err := p.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var err error
		inner, err = conn.Dial(ctx, p.backend, p.cfg.Types)
		return err
	})
	if err != nil {
		return nil, apperrors.Connect(err)
	}
	return inner, nil
}
