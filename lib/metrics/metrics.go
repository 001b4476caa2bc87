// Package metrics exposes pool statistics in Prometheus format.
//
// A PoolCollector reads a consistent Stats snapshot on every scrape, so the
// exported gauges always agree with each other. Event counters are fed from
// a pool subscription instead, see EventCounter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-i2p/sqlpool/lib/pool"
	"github.com/go-i2p/sqlpool/lib/resilience"
)

const namespace = "sqlpool"

// StatsSource is anything that can report pool statistics.
type StatsSource interface {
	Stats() pool.Stats
}

var (
	totalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "connections"),
		"Connections the pool is responsible for, including ones still connecting.",
		[]string{"pool"}, nil)
	idleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "idle_connections"),
		"Connections available for reuse.",
		[]string{"pool"}, nil)
	inUseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "in_use_connections"),
		"Connections checked out or connecting.",
		[]string{"pool"}, nil)
	waitingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "waiting_clients"),
		"Callers queued for a connection.",
		[]string{"pool"}, nil)
	maxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "max_connections"),
		"Configured pool capacity.",
		[]string{"pool"}, nil)
	acquiresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "acquires_total"),
		"Acquire calls.",
		[]string{"pool"}, nil)
	timeoutsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "acquire_timeouts_total"),
		"Acquire calls that hit the connection timeout.",
		[]string{"pool"}, nil)
	connectFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "connect_failures_total"),
		"Failed connection attempts.",
		[]string{"pool"}, nil)
	releasesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "releases_total"),
		"Connections released by callers.",
		[]string{"pool"}, nil)
)

// PoolCollector implements prometheus.Collector over one pool.
type PoolCollector struct {
	name string
	src  StatsSource
}

// NewPoolCollector returns a collector labelling every series with name.
func NewPoolCollector(name string, src StatsSource) *PoolCollector {
	return &PoolCollector{name: name, src: src}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		totalDesc, idleDesc, inUseDesc, waitingDesc, maxDesc,
		acquiresDesc, timeoutsDesc, connectFailuresDesc, releasesDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), c.name)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), c.name)
	}

	gauge(totalDesc, s.Total)
	gauge(idleDesc, s.Idle)
	gauge(inUseDesc, s.InUse)
	gauge(waitingDesc, s.Waiting)
	gauge(maxDesc, s.MaxSize)
	counter(acquiresDesc, s.AcquireCount)
	counter(timeoutsDesc, s.TimeoutCount)
	counter(connectFailuresDesc, s.ConnectFailures)
	counter(releasesDesc, s.ReleaseCount)
}

// EventCounter counts pool events by type.
type EventCounter struct {
	events *prometheus.CounterVec
}

// NewEventCounter creates an unregistered event counter.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Pool events by type.",
		}, []string{"pool", "type"}),
	}
}

// Observe subscribes to p and returns the unsubscribe function.
func (e *EventCounter) Observe(p *pool.Pool) func() {
	name := p.Name()
	return p.Subscribe(func(ev pool.Event) {
		e.events.WithLabelValues(name, string(ev.Type)).Inc()
	})
}

// Describe implements prometheus.Collector.
func (e *EventCounter) Describe(ch chan<- *prometheus.Desc) {
	e.events.Describe(ch)
}

// Collect implements prometheus.Collector.
func (e *EventCounter) Collect(ch chan<- prometheus.Metric) {
	e.events.Collect(ch)
}

// NewRegistry returns a registry holding the circuit breaker metrics and a
// start time gauge. Pool collectors are added with Register.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(resilience.Collectors()...)

	start := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Unix timestamp when the process started.",
	})
	start.Set(float64(time.Now().Unix()))
	reg.MustRegister(start)
	return reg
}

// Register adds collectors for p to reg.
func Register(reg prometheus.Registerer, p *pool.Pool) (*EventCounter, error) {
	if err := reg.Register(NewPoolCollector(p.Name(), p)); err != nil {
		return nil, err
	}
	events := NewEventCounter()
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	events.Observe(p)
	return events, nil
}

// Handler returns an http.Handler that exposes reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
