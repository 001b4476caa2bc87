package pool

import (
	"time"

	events "github.com/docker/go-events"

	"github.com/go-i2p/sqlpool/lib/resilience"
)

// EventType names a pool lifecycle transition.
type EventType string

const (
	// EventConnect fires when a new physical connection is established.
	EventConnect EventType = "connect"
	// EventAcquire fires when a connection is handed to a caller.
	EventAcquire EventType = "acquire"
	// EventError fires for a backend-initiated error on a connection no
	// caller owns. The connection is removed right after.
	EventError EventType = "error"
	// EventRemove fires when a connection leaves the pool.
	EventRemove EventType = "remove"
	// EventConnectError fires when a dial fails, before any caller owns
	// the connection. Conn is nil.
	EventConnectError EventType = "connect_error"
	// EventRelease fires when a caller hands a connection back.
	EventRelease EventType = "release"
	// EventEnd fires once, when a draining pool has closed its last connection.
	EventEnd EventType = "end"
	// EventBreaker fires when the connect circuit breaker changes state.
	// Circuit holds the new state; Err is resilience.ErrCircuitOpen while
	// dials are being rejected.
	EventBreaker EventType = "breaker"
)

// Event describes one transition.
type Event struct {
	Type EventType
	// Conn identifies the connection. It is not a checkout: statements on it
	// fail and releasing it returns apperrors.ErrDoubleRelease.
	Conn    *Conn
	Err     error
	Time    time.Time
	Circuit resilience.CircuitState
}

// Listener receives pool events on its own goroutine, one at a time, in the
// order the transitions happened.
type Listener func(Event)

type listenerSink struct {
	fn Listener
}

func (s listenerSink) Write(ev events.Event) error {
	if e, ok := ev.(Event); ok {
		s.fn(e)
	}
	return nil
}

func (s listenerSink) Close() error {
	return nil
}

// eventBus fans pool events out to listeners. Writes never block: the
// pool writes into an unbounded queue in front of the broadcaster and
// every listener has its own queue behind it.
type eventBus struct {
	broadcaster *events.Broadcaster
	queue       *events.Queue
}

func newEventBus() *eventBus {
	b := events.NewBroadcaster()
	return &eventBus{
		broadcaster: b,
		queue:       events.NewQueue(b),
	}
}

func (b *eventBus) publish(ev Event) {
	if err := b.queue.Write(ev); err != nil {
		log.WithField("event", string(ev.Type)).WithError(err).Debug("event dropped")
	}
}

func (b *eventBus) subscribe(sink events.Sink) func() {
	q := events.NewQueue(sink)
	if err := b.broadcaster.Add(q); err != nil {
		q.Close()
		return func() {}
	}
	return func() {
		b.broadcaster.Remove(q)
		q.Close()
	}
}

// close flushes pending events to every listener and shuts the bus down.
func (b *eventBus) close() {
	b.queue.Close()
}

// Subscribe registers fn for every event. The returned function removes
// the listener after delivering what was already queued for it; it must
// not be called from inside fn.
func (p *Pool) Subscribe(fn Listener) (unsubscribe func()) {
	return p.events.subscribe(listenerSink{fn: fn})
}

// SubscribeTypes registers fn for the given event types only.
func (p *Pool) SubscribeTypes(fn Listener, types ...EventType) (unsubscribe func()) {
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	match := events.MatcherFunc(func(ev events.Event) bool {
		e, ok := ev.(Event)
		return ok && want[e.Type]
	})
	return p.events.subscribe(events.NewFilter(listenerSink{fn: fn}, match))
}

// emitLocked publishes an event. Must be called with p.mu held so that
// listeners observe transitions in order.
func (p *Pool) emitLocked(t EventType, m *member, err error) {
	ev := Event{Type: t, Err: err, Time: p.clock.Now()}
	if m != nil {
		ev.Conn = m.view()
	}
	p.events.publish(ev)
}

// breakerChanged publishes a connect breaker transition. It runs on the
// breaker's callback goroutine.
func (p *Pool) breakerChanged(from, to resilience.CircuitState) {
	var err error
	if to == resilience.CircuitOpen {
		err = resilience.ErrCircuitOpen
	}

	p.mu.Lock()
	if !p.ended {
		p.events.publish(Event{Type: EventBreaker, Err: err, Time: p.clock.Now(), Circuit: to})
	}
	p.mu.Unlock()

	log.WithField("pool", p.cfg.Name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Debug("connect breaker changed state")
}
