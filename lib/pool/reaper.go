package pool

import (
	"context"
)

// reapLoop periodically evicts expired idle connections and probes the
// rest. It never looks at checked-out connections.
func (p *Pool) reapLoop() {
	defer close(p.reaperDone)

	ticker := p.clock.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C():
			probes := p.reap()
			for _, c := range probes {
				p.probe(c)
			}
		}
	}
}

// reap closes idle connections past IdleTimeout or MaxLifetime and borrows
// the ones due for a liveness probe.
func (p *Pool) reap() []*member {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}

	now := p.clock.Now()
	var wk work
	kept := make([]*member, 0, len(p.idle))
	for _, c := range p.idle {
		expired := p.cfg.IdleTimeout > 0 && now.Sub(c.releasedAt) >= p.cfg.IdleTimeout
		if expired || c.broken() || p.wornOutLocked(c, now) {
			p.retireLocked(c, &wk)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	evicted := len(wk.closes)

	// Probing only borrows connections nobody is waiting for.
	var probes []*member
	if p.cfg.HealthCheckInterval > 0 && p.waiters.len() == 0 {
		kept = p.idle[:0]
		for _, c := range p.idle {
			if now.Sub(c.probedAt) >= p.cfg.HealthCheckInterval {
				c.state = StateCheckedOut
				c.probing = true
				p.probing++
				probes = append(probes, c)
				continue
			}
			kept = append(kept, c)
		}
		p.idle = kept
	}

	if evicted > 0 {
		p.pulseLocked(&wk)
	}
	p.mu.Unlock()
	p.run(wk)

	if evicted > 0 {
		log.WithField("pool", p.cfg.Name).WithField("closed", evicted).Debug("reaper removed idle connections")
	}
	return probes
}

// probe pings a borrowed idle connection and gives it back. A failed ping
// is reported as an idle error before the connection is removed.
func (p *Pool) probe(c *member) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := c.inner.Ping(ctx)
	cancel()

	p.mu.Lock()
	c.probedAt = p.clock.Now()
	var wk work
	if err != nil {
		p.counters.probeFailures++
		p.emitLocked(EventError, c, err)
	}
	p.returnLocked(c, err != nil, false, &wk)
	p.mu.Unlock()
	p.run(wk)

	if err != nil {
		log.WithField("pool", p.cfg.Name).WithField("conn", c.String()).WithError(err).Warn("idle connection failed liveness probe")
	}
}
