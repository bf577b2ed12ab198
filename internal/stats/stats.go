// Package stats is the process-wide counter/gauge registry consumed by the
// telemetry surface (§4.I). It replaces the original globals-based registry
// (§9 "Shared mutable registry") with an explicit value threaded through the
// pipeline components, while keeping the same cell semantics: counters are
// monotonic atomics, gauges are last-write-wins values guarded per cell.
package stats

import "sync"

const (
	StreamMeterBins    = 32 // matches STATS_STREAM_METER_BINS in the original monitor
	BlockTimingRingLen  = 64 // matches STATS_BLOCK_TIMING_RING_LEN
)

// Endpoint holds the per-endpoint counters from §3 "Endpoint".
type Endpoint struct {
	BytesIn         Counter
	BytesOut        Counter
	LastSBN         Gauge // last seen SBN on this endpoint, -1 if none yet
	CongestionHint  Gauge
	SocketErrors    Counter
	Open            Gauge // 1 if the socket is open and the peer is known
}

// Channel holds the per-channel counters from §4.D/§4.E.
type Channel struct {
	DupBlockCount  Counter
	OooBlockCount  Counter
	CodecErrorCount Counter
	CrcFailCount   Counter

	BlockTimingRing   [BlockTimingRingLen]Counter
	blockTimingRingPos uint32
	mu                 sync.Mutex
}

// RecordBlockTiming appends one timing sample (arbitrary units, e.g.
// microseconds between successive onBlock calls) to the ring. Snapshot
// serializes every slot in slot order; the write head is not excluded.
func (c *Channel) RecordBlockTiming(v uint32) {
	c.mu.Lock()
	pos := c.blockTimingRingPos
	c.BlockTimingRing[pos].Set(uint64(v))
	c.blockTimingRingPos = (pos + 1) % BlockTimingRingLen
	c.mu.Unlock()
}

// Audio holds the counters/gauges owned by the syncer and audio callback
// (§4.G, §4.H).
type Audio struct {
	BufferOverrunCount      Counter
	BufferUnderrunCount     Counter
	AudioLoopXrunCount      Counter
	EncodeThreadJitterCount Counter
	ReceiverSync            Gauge // filtered decode-ring fill level estimate
	DecodeRingSize          Gauge

	StreamMeterBins [StreamMeterBins]Counter
}

// Registry is the full process-wide stats surface, one instance per
// receiver, passed explicitly rather than held in a package-level global.
type Registry struct {
	Endpoints []Endpoint
	Channel1  Channel
	Audio     Audio
}

// NewRegistry allocates a registry sized for endpointCount endpoints.
func NewRegistry(endpointCount int) *Registry {
	r := &Registry{Endpoints: make([]Endpoint, endpointCount)}
	for i := range r.Endpoints {
		r.Endpoints[i].LastSBN.Set(-1) // sentinel for "unset" per §3
	}
	return r
}
