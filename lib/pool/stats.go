package pool

// counters are cumulative, guarded by Pool.mu.
type counters struct {
	acquires        uint64
	acquireFailures uint64
	handouts        uint64
	releases        uint64
	timeouts        uint64
	created         uint64
	removed         uint64
	connectFailures uint64
	probeFailures   uint64
}

// Stats is a consistent snapshot of the pool.
type Stats struct {
	// MaxSize is the configured capacity.
	MaxSize int
	// Total counts every connection the pool is responsible for, including
	// ones still connecting.
	Total int
	// Idle counts connections available for reuse.
	Idle int
	// InUse is Total minus Idle.
	InUse int
	// CheckedOut counts connections owned by callers.
	CheckedOut int
	// Connecting counts handshakes in flight.
	Connecting int
	// Probing counts idle connections the reaper has borrowed for a
	// liveness ping. They are neither idle nor owned by a caller.
	Probing int
	// Waiting counts callers queued for a connection.
	Waiting int
	// Draining is set once End has been called.
	Draining bool

	// AcquireCount is the number of Acquire calls.
	AcquireCount uint64
	// AcquireFailed is the number of Acquire calls that returned an error.
	AcquireFailed uint64
	// HandoutCount is the number of times a connection was given to a caller.
	HandoutCount uint64
	// ReleaseCount is the number of accepted releases.
	ReleaseCount uint64
	// TimeoutCount is the number of acquisitions that hit ConnectionTimeout.
	TimeoutCount uint64
	// CreatedCount is the number of connections established.
	CreatedCount uint64
	// RemovedCount is the number of connections that left the pool.
	RemovedCount uint64
	// ConnectFailures is the number of failed dials.
	ConnectFailures uint64
	// ProbeFailures is the number of idle connections that failed a ping.
	ProbeFailures uint64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	connecting := len(p.connecting)
	return Stats{
		MaxSize:         p.cfg.MaxSize,
		Total:           p.total,
		Idle:            len(p.idle),
		InUse:           p.total - len(p.idle),
		CheckedOut:      p.total - len(p.idle) - connecting - p.probing,
		Connecting:      connecting,
		Probing:         p.probing,
		Waiting:         p.waiters.len(),
		Draining:        p.draining,
		AcquireCount:    p.counters.acquires,
		AcquireFailed:   p.counters.acquireFailures,
		HandoutCount:    p.counters.handouts,
		ReleaseCount:    p.counters.releases,
		TimeoutCount:    p.counters.timeouts,
		CreatedCount:    p.counters.created,
		RemovedCount:    p.counters.removed,
		ConnectFailures: p.counters.connectFailures,
		ProbeFailures:   p.counters.probeFailures,
	}
}

// TotalCount returns the number of connections, connecting ones included.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// IdleCount returns the number of idle connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// WaitingCount returns the number of queued callers.
func (p *Pool) WaitingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.len()
}
