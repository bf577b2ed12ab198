// Package audio implements the realtime pull from the decode ring into the
// device output buffer (§4.H), plus a thin portaudio-backed driver
// satisfying the out-of-scope "opaque driver" interface from §6.
package audio

import (
	"github.com/elimau/waterslide-recv/internal/ring"
	"github.com/elimau/waterslide-recv/internal/stats"
)

// Callback pulls samples from the decode ring into the device's output
// buffer. It must never block, allocate, or acquire a non-realtime lock
// (§4.H) — Fill is written to meet that contract; callers must not add
// anything to it that violates it.
type Callback struct {
	in       *ring.SPSC
	channels int
	st       *stats.Audio
}

// NewCallback builds a Callback pulling from in.
func NewCallback(in *ring.SPSC, channels int, st *stats.Audio) *Callback {
	return &Callback{in: in, channels: channels, st: st}
}

// Fill writes len(out)/channels frames into out (interleaved), substituting
// zero and incrementing bufferUnderrunCount for any channel slot the ring
// can't supply (§4.H).
func (c *Callback) Fill(out []float32) {
	for i := 0; i < len(out); i += c.channels {
		for ch := 0; ch < c.channels && i+ch < len(out); ch++ {
			if c.in.Size() > 0 {
				out[i+ch] = ring.Float32FromWord(c.in.Dequeue())
			} else {
				out[i+ch] = 0
				c.st.BufferUnderrunCount.Inc()
			}
		}
	}
}

// OnXrun increments audioLoopXrunCount (§4.H). The portaudio Driver in this
// package does not call it; it reports no xrun events.
func (c *Callback) OnXrun() {
	c.st.AudioLoopXrunCount.Inc()
}

// OnJitter increments encodeThreadJitterCount. The portaudio Driver in this
// package does not call it.
func (c *Callback) OnJitter() {
	c.st.EncodeThreadJitterCount.Inc()
}
