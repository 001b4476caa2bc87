package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-i2p/sqlpool/lib/testutil"
)

const eventually = 2 * time.Second

func newTestPool(t *testing.T, cfg Config) (*Pool, *testutil.MockBackend) {
	t.Helper()
	m := testutil.NewMockBackend()
	p := New(m.Backend(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventually)
		defer cancel()
		p.End(ctx)
	})
	return p, m
}

func mustAcquire(t *testing.T, p *Pool) *Conn {
	t.Helper()
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if c == nil {
		t.Fatal("Expected non-nil connection")
	}
	return c
}

// sameConn reports whether a and b are checkouts of one physical connection.
func sameConn(a, b *Conn) bool {
	return a != nil && b != nil && a.member == b.member
}

func mustRelease(t *testing.T, p *Pool, c *Conn, destroy bool) {
	t.Helper()
	if err := p.Release(c, destroy); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

// acquireAsync starts an Acquire and returns where its outcome lands.
func acquireAsync(p *Pool, ctx context.Context) <-chan result {
	ch := make(chan result, 1)
	go func() {
		c, err := p.Acquire(ctx)
		ch <- result{conn: c, err: err}
	}()
	return ch
}

// enqueue starts an Acquire and waits until it is queued, so calls made one
// after another are queued in that order.
func enqueue(t *testing.T, p *Pool) <-chan result {
	t.Helper()
	before := p.WaitingCount()
	ch := acquireAsync(p, context.Background())
	require.Eventually(t, func() bool { return p.WaitingCount() == before+1 }, eventually, time.Millisecond)
	return ch
}

func awaitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(eventually):
		t.Fatal("acquire did not complete")
		return result{}
	}
}

func assertPending(t *testing.T, ch <-chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("expected acquire to still be waiting, got conn=%v err=%v", r.conn, r.err)
	case <-time.After(20 * time.Millisecond):
	}
}

func checkAccounting(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	if s.Total != s.Idle+s.CheckedOut+s.Connecting+s.Probing {
		t.Errorf("total %d != idle %d + checked out %d + connecting %d + probing %d",
			s.Total, s.Idle, s.CheckedOut, s.Connecting, s.Probing)
	}
	if s.Total > s.MaxSize {
		t.Errorf("total %d exceeds max size %d", s.Total, s.MaxSize)
	}
	if s.InUse != s.Total-s.Idle {
		t.Errorf("in use %d != total %d - idle %d", s.InUse, s.Total, s.Idle)
	}
}

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(p *Pool) *recorder {
	r := &recorder{}
	p.Subscribe(r.add)
	return r
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, typ EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(typ) >= n }, eventually, time.Millisecond,
		"waiting for %d %s events, have %v", n, typ, summarize(r.snapshot()))
}

// summarize renders events as "type#connID" for readable diffs.
func summarize(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		if ev.Conn == nil {
			out = append(out, string(ev.Type))
			continue
		}
		out = append(out, fmt.Sprintf("%s#%d", ev.Type, ev.Conn.ID()))
	}
	return out
}
