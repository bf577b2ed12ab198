// Package channel implements the onBlock state machine and SLIP destuffer
// for a single logical substream (§4.E). Audio is channel id 1.
package channel

import (
	"sync"
	"time"

	"github.com/elimau/waterslide-recv/internal/ring"
	"github.com/elimau/waterslide-recv/internal/stats"
)

// FrameSink receives codec frames as the destuffer delimits them.
type FrameSink interface {
	OnFrame(frame []byte)
}

// Channel owns the per-channel destuffer scratch state and SBN tracking.
// Exactly one onBlock call is in flight at a time (serialized by the demux's
// channel lock), so no internal locking is required for the state machine
// itself; the mutex here only guards against a caller that forgets that
// contract in tests.
type Channel struct {
	ID byte

	maxEncodedPacketSize int
	frames                FrameSink
	stats                 *stats.Channel

	mu sync.Mutex

	sbnLast int // -1 initially, per §3

	lastBlockTime time.Time // zero until the first onBlock call

	audioEncodedBuf    []byte
	audioEncodedBufPos int
	slipEsc            bool
}

// New constructs a Channel. maxEncodedPacketSize bounds the destuffer
// scratch buffer (§4.E "scratch overflow is a fatal frame error").
func New(id byte, maxEncodedPacketSize int, frames FrameSink, st *stats.Channel) *Channel {
	return &Channel{
		ID:                    id,
		maxEncodedPacketSize:  maxEncodedPacketSize,
		frames:                frames,
		stats:                 st,
		sbnLast:               -1,
		audioEncodedBuf:       make([]byte, maxEncodedPacketSize),
	}
}

// sbnDelta computes the signed 8-bit wrap-aware delta described in §4.E.
func sbnDelta(last, sbn int) int {
	if last-sbn > 128 {
		return 256 - last + sbn
	}
	return sbn - last
}

// OnBlock is invoked by the demux exactly once per successfully recovered
// FEC block (§4.D). buf is K*L bytes.
func (c *Channel) OnBlock(buf []byte, sbn int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastBlockTime.IsZero() {
		c.stats.RecordBlockTiming(uint32(now.Sub(c.lastBlockTime).Microseconds()))
	}
	c.lastBlockTime = now

	first := c.sbnLast == -1
	diff := 0
	if !first {
		diff = sbnDelta(c.sbnLast, sbn)
	}

	switch {
	case first || diff == 1:
		c.slipDecode(buf)
	case diff == 0:
		c.stats.DupBlockCount.Inc()
	case diff < 0:
		c.stats.OooBlockCount.Inc()
	default: // diff > 1
		c.stats.OooBlockCount.Add(uint64(diff - 1))
		c.resetDestuffer()
	}

	c.sbnLast = sbn
}

// resetDestuffer clears destuffer scratch state, used on a detected gap or
// a destuffer protocol error (§4.E).
func (c *Channel) resetDestuffer() {
	c.audioEncodedBufPos = 0
	c.slipEsc = false
}

// slipDecode runs the byte-stuffed destuffer state machine over one block's
// payload, delivering each complete codec frame to frames.OnFrame and
// resetting on any protocol error (§4.E "SLIP destuffer").
func (c *Channel) slipDecode(buf []byte) {
	for _, b := range buf {
		if c.slipEsc {
			c.slipEsc = false
			switch b {
			case ring.SlipEscEnd:
				if !c.pushByte(ring.SlipEnd) {
					return
				}
			case ring.SlipEscEsc:
				if !c.pushByte(ring.SlipEsc) {
					return
				}
			default:
				// protocol error: unknown escape byte
				c.resetDestuffer()
				return
			}
			continue
		}

		switch b {
		case ring.SlipEsc:
			c.slipEsc = true
		case ring.SlipEnd:
			if c.audioEncodedBufPos > 0 {
				frame := make([]byte, c.audioEncodedBufPos)
				copy(frame, c.audioEncodedBuf[:c.audioEncodedBufPos])
				c.frames.OnFrame(frame)
			}
			c.audioEncodedBufPos = 0
		default:
			if !c.pushByte(b) {
				return
			}
		}
	}
}

// pushByte appends one decoded byte to the scratch buffer, returning false
// and resetting state on overflow (a fatal frame error per §4.E).
func (c *Channel) pushByte(b byte) bool {
	if c.audioEncodedBufPos >= c.maxEncodedPacketSize {
		c.resetDestuffer()
		return false
	}
	c.audioEncodedBuf[c.audioEncodedBufPos] = b
	c.audioEncodedBufPos++
	return true
}
