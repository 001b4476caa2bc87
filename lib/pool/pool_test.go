package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/sqlpool/lib/errors"
	"github.com/go-i2p/sqlpool/lib/resilience"
	"github.com/go-i2p/sqlpool/lib/testutil"
)

func TestPoolAcquireRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	p, m := newTestPool(t, cfg)

	c := mustAcquire(t, p)
	if c.State() != StateCheckedOut {
		t.Errorf("Expected checked-out, got %s", c.State())
	}
	if c.Uses() != 1 {
		t.Errorf("Expected 1 use, got %d", c.Uses())
	}

	stats := p.Stats()
	if stats.Total != 1 || stats.Idle != 0 || stats.CheckedOut != 1 {
		t.Errorf("Unexpected stats after acquire: %+v", stats)
	}

	mustRelease(t, p, c, false)
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}

	stats = p.Stats()
	if stats.Total != 1 || stats.Idle != 1 || stats.CheckedOut != 0 {
		t.Errorf("Unexpected stats after release: %+v", stats)
	}
	checkAccounting(t, p)

	again := mustAcquire(t, p)
	if !sameConn(again, c) {
		t.Error("Expected the idle connection to be reused")
	}
	if m.Opened() != 1 {
		t.Errorf("Expected 1 physical connection, got %d", m.Opened())
	}
	mustRelease(t, p, again, false)
}

func TestPoolIdleSetIsLIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	p, _ := newTestPool(t, cfg)

	c1 := mustAcquire(t, p)
	c2 := mustAcquire(t, p)
	mustRelease(t, p, c1, false)
	mustRelease(t, p, c2, false)

	got := mustAcquire(t, p)
	if !sameConn(got, c2) {
		t.Errorf("Expected most recently released connection %s, got %s", c2, got)
	}
	mustRelease(t, p, got, false)
}

func TestPoolMaxSizeReusesReleasedConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	p, m := newTestPool(t, cfg)

	a := mustAcquire(t, p)
	b := enqueue(t, p)

	mustRelease(t, p, a, false)

	r := awaitResult(t, b)
	if r.err != nil {
		t.Fatalf("Queued acquire failed: %v", r.err)
	}
	if !sameConn(r.conn, a) {
		t.Errorf("Expected queued caller to get %s, got %s", a, r.conn)
	}
	if m.Opened() != 1 {
		t.Errorf("Expected no new connection, got %d opened", m.Opened())
	}
	if r.conn.Uses() != 2 {
		t.Errorf("Expected 2 uses, got %d", r.conn.Uses())
	}
	mustRelease(t, p, r.conn, false)
}

func TestPoolFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	p, _ := newTestPool(t, cfg)

	h1 := mustAcquire(t, p)
	h2 := mustAcquire(t, p)

	a1 := enqueue(t, p)
	a2 := enqueue(t, p)
	a3 := enqueue(t, p)

	mustRelease(t, p, h1, false)
	mustRelease(t, p, h2, false)

	r1 := awaitResult(t, a1)
	r2 := awaitResult(t, a2)
	if r1.err != nil || r2.err != nil {
		t.Fatalf("Expected first two waiters served, got %v / %v", r1.err, r2.err)
	}
	if !sameConn(r1.conn, h1) || !sameConn(r2.conn, h2) {
		t.Errorf("Expected hand-offs in release order, got %s and %s", r1.conn, r2.conn)
	}
	assertPending(t, a3)
	if p.WaitingCount() != 1 {
		t.Errorf("Expected 1 waiting, got %d", p.WaitingCount())
	}
	checkAccounting(t, p)

	mustRelease(t, p, r1.conn, false)
	r3 := awaitResult(t, a3)
	if r3.err != nil || !sameConn(r3.conn, h1) {
		t.Errorf("Expected third waiter to get %s, got %v %v", h1, r3.conn, r3.err)
	}
	mustRelease(t, p, r2.conn, false)
	mustRelease(t, p, r3.conn, false)
}

func TestPoolFreshConnectionGoesToHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	p, m := newTestPool(t, cfg)

	holder := mustAcquire(t, p)
	head := enqueue(t, p)

	release := m.BlockConnects()
	// Destroying frees the slot, which dials on behalf of the queue head.
	mustRelease(t, p, holder, true)
	require.Eventually(t, func() bool { return p.Stats().Connecting == 1 }, eventually, time.Millisecond)

	late := enqueue(t, p)
	release()

	r := awaitResult(t, head)
	if r.err != nil {
		t.Fatalf("Head acquire failed: %v", r.err)
	}
	if sameConn(r.conn, holder) || r.conn.ID() != 2 {
		t.Errorf("Expected a fresh connection #2, got %s", r.conn)
	}
	assertPending(t, late)

	mustRelease(t, p, r.conn, false)
	lr := awaitResult(t, late)
	if lr.err != nil || !sameConn(lr.conn, r.conn) {
		t.Errorf("Expected late waiter to reuse %s, got %v %v", r.conn, lr.conn, lr.err)
	}
	mustRelease(t, p, lr.conn, false)
}

func TestPoolAcquisitionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.ConnectionTimeout = 100 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	holder := mustAcquire(t, p)

	start := time.Now()
	_, err := p.Acquire(context.Background())
	if !errors.Is(err, apperrors.ErrAcquisitionTimeout) {
		t.Fatalf("Expected ErrAcquisitionTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Timed out too early: %s", elapsed)
	}
	if p.WaitingCount() != 0 {
		t.Errorf("Expired waiter still queued")
	}

	next := enqueue(t, p)
	time.Sleep(50 * time.Millisecond)
	mustRelease(t, p, holder, false)

	r := awaitResult(t, next)
	if r.err != nil || !sameConn(r.conn, holder) {
		t.Fatalf("Expected the next waiter to get the released connection, got %v %v", r.conn, r.err)
	}

	stats := p.Stats()
	if stats.TimeoutCount != 1 {
		t.Errorf("Expected 1 timeout, got %d", stats.TimeoutCount)
	}
	if stats.Total != 1 {
		t.Errorf("Expected total 1, got %d", stats.Total)
	}
	mustRelease(t, p, r.conn, false)
}

func TestPoolContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	p, _ := newTestPool(t, cfg)

	holder := mustAcquire(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	ch := acquireAsync(p, ctx)
	require.Eventually(t, func() bool { return p.WaitingCount() == 1 }, eventually, time.Millisecond)
	cancel()

	r := awaitResult(t, ch)
	if !errors.Is(r.err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", r.err)
	}
	if p.WaitingCount() != 0 {
		t.Errorf("Cancelled waiter still queued")
	}

	mustRelease(t, p, holder, false)
	if p.IdleCount() != 1 {
		t.Errorf("Expected released connection to go idle, got %d idle", p.IdleCount())
	}
}

func TestPoolReleaseDestroy(t *testing.T) {
	p, m := newTestPool(t, DefaultConfig())
	rec := record(p)

	c := mustAcquire(t, p)
	mustRelease(t, p, c, true)

	if c.State() != StateClosed {
		t.Errorf("Expected closed, got %s", c.State())
	}
	if p.TotalCount() != 0 || p.IdleCount() != 0 {
		t.Errorf("Expected empty pool, got %+v", p.Stats())
	}
	rec.waitFor(t, EventRemove, 1)
	require.Eventually(t, func() bool { return m.Closed() == 1 }, eventually, time.Millisecond)

	next := mustAcquire(t, p)
	if sameConn(next, c) || next.ID() != 2 {
		t.Errorf("Expected a new connection, got %s", next)
	}
	mustRelease(t, p, next, false)
}

func TestPoolDoubleRelease(t *testing.T) {
	p, _ := newTestPool(t, DefaultConfig())

	c := mustAcquire(t, p)
	mustRelease(t, p, c, false)
	before := p.Stats()

	err := p.Release(c, false)
	if !errors.Is(err, apperrors.ErrDoubleRelease) {
		t.Fatalf("Expected ErrDoubleRelease, got %v", err)
	}
	if diff := cmp.Diff(before, p.Stats()); diff != "" {
		t.Errorf("Double release changed stats (-before +after):\n%s", diff)
	}

	destroyed := mustAcquire(t, p)
	mustRelease(t, p, destroyed, true)
	if err := p.Release(destroyed, true); !errors.Is(err, apperrors.ErrDoubleRelease) {
		t.Errorf("Expected ErrDoubleRelease for closed connection, got %v", err)
	}

	if _, err := c.Query(context.Background(), "SELECT 1"); err == nil {
		t.Error("Expected query on a connection that is not checked out to fail")
	}
	if err := p.Release(nil, false); err != nil {
		t.Errorf("Release(nil) should be a no-op, got %v", err)
	}
}

func TestPoolReleaseAfterReissue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	a := mustAcquire(t, p)
	queued := enqueue(t, p)
	mustRelease(t, p, a, false)

	r := awaitResult(t, queued)
	if r.err != nil {
		t.Fatalf("Queued acquire failed: %v", r.err)
	}
	b := r.conn
	if !sameConn(a, b) {
		t.Fatalf("Expected the queued caller to get %s, got %s", a, b)
	}

	before := p.Stats()
	if err := p.Release(a, false); !errors.Is(err, apperrors.ErrDoubleRelease) {
		t.Fatalf("Expected ErrDoubleRelease from the previous owner, got %v", err)
	}
	if diff := cmp.Diff(before, p.Stats()); diff != "" {
		t.Errorf("Stale release changed stats (-before +after):\n%s", diff)
	}
	if stats := p.Stats(); stats.Idle != 0 || stats.CheckedOut != 1 {
		t.Errorf("Expected the connection to stay checked out, got %+v", stats)
	}
	if b.State() != StateCheckedOut {
		t.Errorf("Expected checked-out, got %s", b.State())
	}
	checkAccounting(t, p)

	if _, err := a.Query(ctx, "SELECT 1"); !errors.Is(err, errNotCheckedOut) {
		t.Errorf("Expected the previous owner's query to fail, got %v", err)
	}
	if _, err := b.Query(ctx, "SELECT 1"); err != nil {
		t.Errorf("Current owner's query failed: %v", err)
	}

	// Nobody else gets the connection until its current owner gives it back.
	next := enqueue(t, p)
	assertPending(t, next)
	mustRelease(t, p, b, false)
	r = awaitResult(t, next)
	if r.err != nil || !sameConn(r.conn, b) {
		t.Fatalf("Expected the next caller to get %s, got %v %v", b, r.conn, r.err)
	}
	if err := p.Release(b, false); !errors.Is(err, apperrors.ErrDoubleRelease) {
		t.Errorf("Expected ErrDoubleRelease for the second owner too, got %v", err)
	}
	mustRelease(t, p, r.conn, false)
	checkAccounting(t, p)
}

func TestPoolEventConnIsNotACheckout(t *testing.T) {
	p, _ := newTestPool(t, DefaultConfig())
	rec := record(p)

	c := mustAcquire(t, p)
	rec.waitFor(t, EventAcquire, 1)

	var seen *Conn
	for _, ev := range rec.snapshot() {
		if ev.Type == EventAcquire {
			seen = ev.Conn
		}
	}
	if seen.ID() != c.ID() || !sameConn(seen, c) {
		t.Fatalf("Expected the acquire event to name %s, got %s", c, seen)
	}
	if err := p.Release(seen, false); !errors.Is(err, apperrors.ErrDoubleRelease) {
		t.Errorf("Expected ErrDoubleRelease for an event's connection, got %v", err)
	}
	if _, err := seen.Query(context.Background(), "SELECT 1"); err == nil {
		t.Error("Expected a query through an event's connection to fail")
	}
	mustRelease(t, p, c, false)
}

func TestPoolReleaseWrongPool(t *testing.T) {
	p1, _ := newTestPool(t, DefaultConfig())
	p2, _ := newTestPool(t, DefaultConfig())

	c := mustAcquire(t, p1)
	if err := p2.Release(c, false); !errors.Is(err, apperrors.ErrWrongPool) {
		t.Errorf("Expected ErrWrongPool, got %v", err)
	}
	if p2.TotalCount() != 0 {
		t.Errorf("Foreign release changed the other pool")
	}
	mustRelease(t, p1, c, false)
}

func TestPoolConnectError(t *testing.T) {
	p, m := newTestPool(t, DefaultConfig())
	rec := record(p)

	refused := errors.New("connection refused")
	m.FailConnects(refused)

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, apperrors.ErrConnect) || !errors.Is(err, refused) {
		t.Fatalf("Expected connect error, got %v", err)
	}

	stats := p.Stats()
	if stats.Total != 0 {
		t.Errorf("Expected slot freed after failed connect, got total %d", stats.Total)
	}
	if stats.ConnectFailures != 1 || stats.AcquireFailed != 1 {
		t.Errorf("Unexpected failure counters: %+v", stats)
	}

	rec.waitFor(t, EventConnectError, 1)
	ev := rec.snapshot()[0]
	if ev.Conn != nil || !errors.Is(ev.Err, refused) {
		t.Errorf("Unexpected connect_error event: %+v", ev)
	}

	m.FailConnects(nil)
	c := mustAcquire(t, p)
	mustRelease(t, p, c, false)
}

func TestPoolConnectErrorDoesNotAffectOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	p, m := newTestPool(t, cfg)

	ok := mustAcquire(t, p)
	m.FailConnects(errors.New("auth failed"))

	if _, err := p.Acquire(context.Background()); !apperrors.IsConnect(err) {
		t.Fatalf("Expected connect error, got %v", err)
	}
	if _, err := ok.Query(context.Background(), "SELECT 1"); err != nil {
		t.Errorf("Existing connection broken by unrelated connect failure: %v", err)
	}
	mustRelease(t, p, ok, false)
}

func TestPoolCircuitBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "breaker-test"
	cfg.Breaker = &resilience.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	p, m := newTestPool(t, cfg)
	rec := record(p)

	m.FailConnects(errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(context.Background()); !apperrors.IsConnect(err) {
			t.Fatalf("Expected connect error, got %v", err)
		}
	}

	m.FailConnects(nil)
	_, err := p.Acquire(context.Background())
	if !errors.Is(err, apperrors.ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if !apperrors.IsConnect(err) {
		t.Errorf("Expected circuit rejection to be a connect error, got %v", err)
	}
	if m.Opened() != 0 {
		t.Errorf("Open circuit should not dial, got %d opened", m.Opened())
	}
	if !p.Breaker().IsOpen() {
		t.Errorf("Expected open breaker, got %s", p.Breaker().State())
	}

	rec.waitFor(t, EventBreaker, 1)
	for _, ev := range rec.snapshot() {
		if ev.Type != EventBreaker {
			continue
		}
		if ev.Circuit != resilience.CircuitOpen || !errors.Is(ev.Err, apperrors.ErrCircuitOpen) {
			t.Errorf("Expected breaker event for an open circuit, got %s %v", ev.Circuit, ev.Err)
		}
	}
}

func TestPoolConnectRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	cfg.ConnectRate = 20
	cfg.ConnectBurst = 1
	p, _ := newTestPool(t, cfg)

	start := time.Now()
	var conns []*Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, mustAcquire(t, p))
	}
	// One token up front, then one every 50ms.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected throttled dials, took %s", elapsed)
	}
	for _, c := range conns {
		mustRelease(t, p, c, false)
	}
}

func TestPoolMaxUses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUses = 2
	p, m := newTestPool(t, cfg)

	c := mustAcquire(t, p)
	mustRelease(t, p, c, false)
	c = mustAcquire(t, p)
	mustRelease(t, p, c, false)

	if c.State() != StateClosed {
		t.Errorf("Expected worn out connection closed, got %s", c.State())
	}
	next := mustAcquire(t, p)
	if sameConn(next, c) {
		t.Error("Worn out connection was reused")
	}
	if m.Opened() != 2 {
		t.Errorf("Expected 2 connections opened, got %d", m.Opened())
	}
	mustRelease(t, p, next, false)
}

func TestPoolLostConnectionNeverIdles(t *testing.T) {
	p, m := newTestPool(t, DefaultConfig())

	c := mustAcquire(t, p)
	m.Conns()[0].Break()
	if _, err := c.Query(context.Background(), "SELECT 1"); !apperrors.IsConnectionLost(err) {
		t.Fatalf("Expected connection lost, got %v", err)
	}

	// Even a release without the destroy flag must not resurrect it.
	mustRelease(t, p, c, false)
	if c.State() != StateClosed {
		t.Errorf("Expected lost connection closed, got %s", c.State())
	}
	if p.IdleCount() != 0 {
		t.Errorf("Lost connection entered the idle set")
	}
}

func TestPoolReportError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	p, _ := newTestPool(t, cfg)
	rec := record(p)

	idle := mustAcquire(t, p)
	held := mustAcquire(t, p)
	mustRelease(t, p, idle, false)

	terminated := errors.New("terminating connection due to administrator command")
	p.ReportError(idle, terminated)

	if idle.State() != StateClosed {
		t.Errorf("Expected idle connection removed, got %s", idle.State())
	}
	if p.TotalCount() != 1 || p.IdleCount() != 0 {
		t.Errorf("Unexpected stats: %+v", p.Stats())
	}

	p.ReportError(held, terminated)
	if held.State() != StateErrored {
		t.Errorf("Expected checked-out connection marked errored, got %s", held.State())
	}
	if p.TotalCount() != 1 {
		t.Errorf("Checked-out connection must stay counted until released")
	}

	mustRelease(t, p, held, false)
	if held.State() != StateClosed {
		t.Errorf("Expected errored connection destroyed on release, got %s", held.State())
	}

	rec.waitFor(t, EventRemove, 2)
	var got []string
	for _, ev := range rec.snapshot() {
		if ev.Type == EventError || ev.Type == EventRemove {
			got = append(got, summarize([]Event{ev})[0])
		}
	}
	want := []string{"error#1", "remove#1", "remove#2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected error/remove sequence (-want +got):\n%s", diff)
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 4
	p, m := newTestPool(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 25; j++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				if _, err := c.Query(context.Background(), "SELECT 1"); err != nil {
					t.Errorf("Query failed: %v", err)
				}
				checkAccounting(t, p)
				if err := p.Release(c, rng.Intn(10) == 0); err != nil {
					t.Errorf("Release failed: %v", err)
				}
			}
		}(int64(i))
	}
	wg.Wait()

	stats := p.Stats()
	checkAccounting(t, p)
	if stats.CheckedOut != 0 || stats.Waiting != 0 {
		t.Errorf("Expected quiescent pool, got %+v", stats)
	}
	if stats.Total != stats.Idle {
		t.Errorf("Expected every connection idle, got %+v", stats)
	}
	if stats.HandoutCount != 1000 || stats.ReleaseCount != 1000 {
		t.Errorf("Expected 1000 hand-outs and releases, got %d / %d", stats.HandoutCount, stats.ReleaseCount)
	}
	require.Eventually(t, func() bool { return m.Live() == stats.Total }, eventually, time.Millisecond)
}

func TestPoolStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 5
	p, _ := newTestPool(t, cfg)

	c1 := mustAcquire(t, p)
	c2 := mustAcquire(t, p)
	c3 := mustAcquire(t, p)
	mustRelease(t, p, c1, false)

	stats := p.Stats()
	want := Stats{
		MaxSize:      5,
		Total:        3,
		Idle:         1,
		InUse:        2,
		CheckedOut:   2,
		AcquireCount: 3,
		HandoutCount: 3,
		ReleaseCount: 1,
		CreatedCount: 3,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Unexpected stats (-want +got):\n%s", diff)
	}

	mustRelease(t, p, c2, false)
	mustRelease(t, p, c3, false)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxSize != 10 {
		t.Errorf("Expected MaxSize 10, got %d", cfg.MaxSize)
	}
	if cfg.IdleTimeout != 10*time.Second {
		t.Errorf("Expected IdleTimeout 10s, got %s", cfg.IdleTimeout)
	}
	if cfg.ConnectionTimeout != 0 {
		t.Errorf("Expected no connection timeout, got %s", cfg.ConnectionTimeout)
	}

	p := New(testutil.NewMockBackend().Backend(), Config{MaxSize: -1})
	defer p.Close()
	got := p.Config()
	if got.MaxSize != 10 || got.Name != "default" || got.ReapInterval != time.Second {
		t.Errorf("Defaults not applied: %+v", got)
	}
	if got.IdleTimeout != 0 {
		t.Errorf("Zero IdleTimeout must stay disabled, got %s", got.IdleTimeout)
	}
	if got.Types == nil || got.Clock == nil {
		t.Error("Expected default type registry and clock")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateIdle, "idle"},
		{StateCheckedOut, "checked-out"},
		{StateErrored, "errored"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}
