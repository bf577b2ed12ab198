package stats

import (
	"sync"
	"sync/atomic"
)

// Counter is a monotonic u64 cell updated purely with atomics, as §4.I
// requires — every mutation idempotent with respect to count semantics.
type Counter struct {
	v atomic.Uint64
}

// Add increments the counter by delta and returns the new value.
func (c *Counter) Add(delta uint64) uint64 { return c.v.Add(delta) }

// Inc increments the counter by one.
func (c *Counter) Inc() uint64 { return c.v.Add(1) }

// Load returns the current value.
func (c *Counter) Load() uint64 { return c.v.Load() }

// Set is used only at construction time for sentinel initialization; normal
// operation only ever increments a counter.
func (c *Counter) Set(v uint64) { c.v.Store(v) }

// Gauge is a last-write-wins double cell, protected by a per-cell mutex per
// §4.I (no lock-free float64 CAS is assumed portable here).
type Gauge struct {
	mu sync.RWMutex
	v  float64
}

// Set stores v.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

// Load returns the current value.
func (g *Gauge) Load() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.v
}
