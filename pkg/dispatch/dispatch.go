// Package dispatch routes run events to the endpoint that started the run.
package dispatch

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
)

// Sink receives events for one endpoint. Deliver may be called from several
// goroutines at once.
type Sink interface {
	Deliver(ev event.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev event.Event) error

func (f SinkFunc) Deliver(ev event.Event) error { return f(ev) }

// Delivery is the outcome of one Dispatch call.
type Delivery int

const (
	Dropped Delivery = iota
	Delivered
)

func (d Delivery) String() string {
	if d == Delivered {
		return "delivered"
	}
	return "dropped"
}

// EndpointStats counts deliveries for one endpoint.
type EndpointStats struct {
	Endpoint  string `json:"endpoint"`
	Connected bool   `json:"connected"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type connection struct {
	sink Sink
	gen  uint64
}

// DefaultIdleStats is how many endpoints without a sink keep their counters.
const DefaultIdleStats = 256

type counters struct {
	delivered atomic.Uint64
	dropped   atomic.Uint64
	// idle orders endpoints without a sink for eviction; zero while connected.
	idle uint64
}

// Dispatcher maps endpoint ids to sinks.
type Dispatcher struct {
	mu        sync.RWMutex
	conns     map[string]connection
	counters  map[string]*counters
	taps      []Sink
	nextGen   uint64
	idleCount int
	maxIdle   int
}

func New() *Dispatcher {
	return &Dispatcher{
		conns:    make(map[string]connection),
		counters: make(map[string]*counters),
		maxIdle:  DefaultIdleStats,
	}
}

// SetIdleStatsLimit bounds how many disconnected or never-connected
// endpoints keep their counters. The longest idle are forgotten first.
func (d *Dispatcher) SetIdleStatsLimit(n int) {
	if n < 0 {
		n = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxIdle = n
	d.pruneLocked()
}

// Connect registers sink for endpoint, replacing any previous sink. The
// returned func removes it; calling it after a reconnect is a no-op.
func (d *Dispatcher) Connect(endpoint string, sink Sink) (disconnect func()) {
	d.mu.Lock()
	d.nextGen++
	gen := d.nextGen
	d.conns[endpoint] = connection{sink: sink, gen: gen}
	c := d.counterLocked(endpoint)
	if c.idle != 0 {
		c.idle = 0
		d.idleCount--
	}
	d.mu.Unlock()

	log.Debug("endpoint connected", "endpoint", endpoint)

	var once sync.Once
	return func() {
		once.Do(func() { d.drop(endpoint, gen) })
	}
}

// Tap registers a sink that observes every dispatched event regardless of
// endpoint. Tap errors are logged and never affect delivery.
func (d *Dispatcher) Tap(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps = append(d.taps, sink)
}

// Connected reports whether endpoint currently has a sink.
func (d *Dispatcher) Connected(endpoint string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[endpoint]
	return ok
}

// Dispatch delivers ev to endpoint's sink. A sink that fails is disconnected.
func (d *Dispatcher) Dispatch(endpoint string, ev event.Event) Delivery {
	d.mu.RLock()
	conn, ok := d.conns[endpoint]
	taps := d.taps
	d.mu.RUnlock()

	for _, tap := range taps {
		if err := tap.Deliver(ev); err != nil {
			log.Warn("event tap failed", "run_id", ev.Meta().RunID, "error", err)
		}
	}

	if !ok {
		d.count(endpoint, Dropped)
		return Dropped
	}
	if err := conn.sink.Deliver(ev); err != nil {
		log.Warn("endpoint delivery failed; disconnecting", "endpoint", endpoint, "run_id", ev.Meta().RunID, "error", err)
		d.drop(endpoint, conn.gen)
		d.count(endpoint, Dropped)
		return Dropped
	}
	d.count(endpoint, Delivered)
	return Delivered
}

// Stats returns per-endpoint counters sorted by endpoint id.
func (d *Dispatcher) Stats() []EndpointStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]EndpointStats, 0, len(d.counters))
	for endpoint, c := range d.counters {
		_, connected := d.conns[endpoint]
		out = append(out, EndpointStats{
			Endpoint:  endpoint,
			Connected: connected,
			Delivered: c.delivered.Load(),
			Dropped:   c.dropped.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (d *Dispatcher) drop(endpoint string, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[endpoint]; ok && conn.gen == gen {
		delete(d.conns, endpoint)
		if c, ok := d.counters[endpoint]; ok {
			d.markIdleLocked(c)
			d.pruneLocked()
		}
		log.Debug("endpoint disconnected", "endpoint", endpoint)
	}
}

func (d *Dispatcher) count(endpoint string, outcome Delivery) {
	d.mu.RLock()
	c, ok := d.counters[endpoint]
	d.mu.RUnlock()
	if !ok {
		d.mu.Lock()
		c = d.counterLocked(endpoint)
		if _, connected := d.conns[endpoint]; !connected && c.idle == 0 {
			d.markIdleLocked(c)
			d.pruneLocked()
		}
		d.mu.Unlock()
	}
	if outcome == Delivered {
		c.delivered.Add(1)
	} else {
		c.dropped.Add(1)
	}
}

func (d *Dispatcher) counterLocked(endpoint string) *counters {
	c, ok := d.counters[endpoint]
	if !ok {
		c = &counters{}
		d.counters[endpoint] = c
	}
	return c
}

func (d *Dispatcher) markIdleLocked(c *counters) {
	if c.idle == 0 {
		d.idleCount++
	}
	d.nextGen++
	c.idle = d.nextGen
}

func (d *Dispatcher) pruneLocked() {
	for d.idleCount > d.maxIdle {
		var (
			oldest string
			since  uint64
		)
		for endpoint, c := range d.counters {
			if c.idle != 0 && (since == 0 || c.idle < since) {
				oldest, since = endpoint, c.idle
			}
		}
		if since == 0 {
			d.idleCount = 0
			return
		}
		delete(d.counters, oldest)
		d.idleCount--
	}
}
