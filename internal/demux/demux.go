// Package demux implements the transport header parser and FEC block
// reassembler (§4.D). It has no knowledge of SLIP framing or codecs — it
// only recovers K*L-byte blocks and hands them to a registered BlockSink
// exactly once per SBN.
package demux

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/elimau/waterslide-recv/internal/stats"
)

// BlockSink receives a recovered FEC block. Implemented by package channel's
// Channel type; demux depends only on this interface (§9 "re-architect as
// an interface object with a registered channel set").
type BlockSink interface {
	OnBlock(buf []byte, sbn int)
}

// headerLen is the transport header size: channel id (1) + SBN (1) + ESI (1).
const headerLen = 3

// registeredChannel is demux's bookkeeping for one logical channel (§3
// "Channel"): symbol geometry, FEC decode state, and the lock serializing
// access to both, per §5 "Block delivery to the channel is serialized under
// the channel lock".
type registeredChannel struct {
	k, l, parity int
	sink         BlockSink
	enc          reedsolomon.Encoder

	mu     sync.Mutex
	blocks [256]*blockState // indexed by SBN, reused as SBNs wrap
}

// blockState tracks in-progress FEC reconstruction for one SBN.
type blockState struct {
	sbn       int
	shards    [][]byte
	present   []bool
	count     int
	delivered bool
}

// Demux routes incoming datagram payloads (post tunnel-decrypt) to the
// registered channel and drives FEC reconstruction (§4.D).
type Demux struct {
	mu       sync.RWMutex
	channels map[byte]*registeredChannel

	endpoints    []*stats.Endpoint
	congestionMu sync.Mutex
	congestion   []float64 // per-endpoint EMA of redundant-symbol ratio
}

// New constructs an empty Demux.
func New() *Demux {
	return &Demux{channels: make(map[byte]*registeredChannel)}
}

// congestionAlpha weights the per-endpoint redundant-symbol EMA (§3
// "congestion hint"): a symbol is redundant when it arrives for a block
// already reconstructed or an ESI already seen, the multi-homed case where
// more than one endpoint is delivering the same logical stream.
const congestionAlpha = 0.1

// SetEndpointStats wires per-endpoint gauges so HandlePacket can update
// lastSBN/congestionHint as packets arrive. Optional: nil-safe when unset,
// matching ingress.Manager.SetDecrypter's deferred-wiring pattern.
func (d *Demux) SetEndpointStats(endpoints []*stats.Endpoint) {
	d.endpoints = endpoints
	d.congestion = make([]float64, len(endpoints))
}

// RegisterChannel registers channel id with its FEC geometry (K source
// symbols of L bytes each, with parityShards redundant symbols) and the
// sink that receives recovered blocks. Must be called before ingress starts
// (§3 "Channel... registered before ingress starts").
func (d *Demux) RegisterChannel(id byte, k, l, parityShards int, sink BlockSink) error {
	if k <= 0 || l <= 0 {
		return fmt.Errorf("demux: invalid FEC geometry k=%d l=%d", k, l)
	}
	if parityShards <= 0 {
		parityShards = k // sane default: tolerate up to 50% symbol loss
	}
	if k+parityShards > 256 {
		return fmt.Errorf("demux: k+parityShards must be <= 256, got %d", k+parityShards)
	}
	enc, err := reedsolomon.New(k, parityShards)
	if err != nil {
		return fmt.Errorf("demux: reedsolomon.New: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[id] = &registeredChannel{k: k, l: l, parity: parityShards, sink: sink, enc: enc}
	return nil
}

// HandlePacket parses the transport header from buf and feeds the payload
// into the addressed channel's FEC decoder. epIndex attributes the
// per-endpoint lastSBN/congestionHint gauges (§3 "Endpoint"); byte counters
// are already updated by ingress/tunnel before this is reached.
func (d *Demux) HandlePacket(buf []byte, epIndex int) {
	if len(buf) < headerLen {
		return
	}
	chID := buf[0]
	sbn := int(buf[1])
	esi := int(buf[2])
	payload := buf[headerLen:]

	d.mu.RLock()
	ch, ok := d.channels[chID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	if len(payload) != ch.l {
		return
	}

	ch.mu.Lock()
	block, sbnOut, redundant, ready := ch.feed(sbn, esi, payload)
	if ready {
		ch.sink.OnBlock(block, sbnOut)
	}
	ch.mu.Unlock()

	d.recordEndpointSample(epIndex, sbn, redundant)
}

// recordEndpointSample updates the per-endpoint lastSBN gauge and the
// redundant-symbol congestion EMA for epIndex, a no-op until
// SetEndpointStats has been called.
func (d *Demux) recordEndpointSample(epIndex int, sbn int, redundant bool) {
	if epIndex < 0 || epIndex >= len(d.endpoints) || d.endpoints[epIndex] == nil {
		return
	}
	d.endpoints[epIndex].LastSBN.Set(float64(sbn))

	d.congestionMu.Lock()
	sample := 0.0
	if redundant {
		sample = 1.0
	}
	ema := d.congestion[epIndex]*(1-congestionAlpha) + sample*congestionAlpha
	d.congestion[epIndex] = ema
	d.congestionMu.Unlock()

	d.endpoints[epIndex].CongestionHint.Set(ema)
}

// feed incorporates one encoding symbol into the in-progress reconstruction
// for sbn, reconstructing and returning the K*L-byte block once enough
// symbols (K of K+parity) have arrived. redundant reports whether this
// symbol didn't contribute anything new (block already delivered, or this
// exact ESI already seen) -- the expected outcome under multi-homing, where
// more than one endpoint carries the same logical block. Must be called
// with ch.mu held.
func (ch *registeredChannel) feed(sbn, esi int, payload []byte) (block []byte, sbnOut int, redundant, ready bool) {
	// The slot half the SBN space away belongs to the previous lap; clear it
	// so that SBN starts fresh when the sequence wraps back around to it.
	ch.blocks[(sbn+128)&0xFF] = nil

	bs := ch.blocks[sbn]
	if bs == nil || bs.sbn != sbn {
		bs = &blockState{
			sbn:     sbn,
			shards:  make([][]byte, ch.k+ch.parity),
			present: make([]bool, ch.k+ch.parity),
		}
		ch.blocks[sbn] = bs
	}

	if bs.delivered || esi < 0 || esi >= len(bs.shards) || bs.present[esi] {
		return nil, 0, true, false
	}

	symbol := make([]byte, ch.l)
	copy(symbol, payload)
	bs.shards[esi] = symbol
	bs.present[esi] = true
	bs.count++

	if bs.count < ch.k {
		return nil, 0, false, false
	}

	if err := ch.enc.Reconstruct(bs.shards); err != nil {
		return nil, 0, false, false
	}

	out := make([]byte, ch.k*ch.l)
	for i := 0; i < ch.k; i++ {
		copy(out[i*ch.l:(i+1)*ch.l], bs.shards[i])
	}
	bs.delivered = true
	return out, sbn, false, true
}
