// Package syncer implements the asynchronous sample-rate converter and
// soft clock-recovery loop between codec decode and the decode ring
// (§4.G). There is no libsamplerate-equivalent binding in the example
// corpus (see DESIGN.md), so the resampling kernel itself is a linear
// interpolator over math.float32 math — standard library only — while the
// drift-correction loop around it follows the teacher's low-pass-filter
// style used for kcp-go's RTT smoothing (srtt/rttvar style exponential
// averaging, applied here to ring fill level instead of round-trip time).
package syncer

import (
	"github.com/elimau/waterslide-recv/internal/ring"
	"github.com/elimau/waterslide-recv/internal/stats"
)

// lowPassAlpha weights each new ring-size sample against the running
// receiverSync estimate.
const lowPassAlpha = 0.02

// maxCorrection bounds how far the resample ratio can be nudged away from
// the nominal encodedRate/ioRate ratio by drift correction, so a single
// pathological fill-level reading can't audibly pitch-shift the stream.
const maxCorrection = 0.02

// Syncer owns the resampler state exclusively (§3 "Ownership summary").
type Syncer struct {
	out      *ring.SPSC
	channels int

	encodedRate int
	ioRate      int

	// prev holds, per channel, the last input sample from the previous
	// enqueue call so the linear interpolator has continuity across frame
	// boundaries.
	prev []float32
	havePrev bool
	// frac is the fractional position of the resampler's read head within
	// the *output* timeline, expressed as an input-sample offset.
	frac float64

	overrun    bool
	decodeRingMaxSize int

	st *stats.Audio
}

// New constructs a Syncer feeding the given decode ring.
func New(out *ring.SPSC, channels, encodedRate, ioRate, decodeRingMaxSize int, st *stats.Audio) *Syncer {
	return &Syncer{
		out:               out,
		channels:          channels,
		encodedRate:       encodedRate,
		ioRate:            ioRate,
		decodeRingMaxSize: decodeRingMaxSize,
		st:                st,
	}
}

// ratio returns the current corrected resample ratio (output samples
// produced per input sample), biased by the drift-correction loop.
func (s *Syncer) ratio() float64 {
	nominal := float64(s.ioRate) / float64(s.encodedRate)
	target := float64(s.decodeRingMaxSize) / 2
	level := s.st.ReceiverSync.Load()
	// Ring running low -> produce samples slightly faster (pull receiver
	// clock forward). Ring running high -> slow down. Bounded correction
	// keeps this inaudible.
	deviation := (target - level) / target
	correction := deviation * maxCorrection
	if correction > maxCorrection {
		correction = maxCorrection
	} else if correction < -maxCorrection {
		correction = -maxCorrection
	}
	return nominal * (1 + correction)
}

// EnqueueBuf resamples one codec frame's interleaved samples (audioFrameSize
// frames of channels samples each) to the I/O rate and pushes the result
// into the decode ring (§4.G). Always pushes a whole multiple of channels
// samples, preserving channel alignment (§3 "Decode ring" invariant).
func (s *Syncer) EnqueueBuf(samples []float32, audioFrameSize, channels int) {
	if channels != s.channels {
		return
	}

	resampled := s.resample(samples, audioFrameSize)
	frames := len(resampled) / channels

	for f := 0; f < frames; f++ {
		frame := resampled[f*channels : (f+1)*channels]
		if s.overrun {
			if s.out.Size() < s.decodeRingMaxSize/2 {
				s.overrun = false
			} else {
				continue
			}
		}
		if s.out.Size()+channels > s.decodeRingMaxSize {
			s.overrun = true
			s.st.BufferOverrunCount.Inc()
			continue
		}
		for _, v := range frame {
			s.out.Enqueue(ring.WordFromFloat32(v))
		}
		s.updateReceiverSync()
		s.recordStreamMeter(frame)
	}
}

// recordStreamMeter buckets this frame's peak absolute sample magnitude
// into one of stats.StreamMeterBins equal-width bins over [0,1], matching
// the original monitor.cpp's mapStreamMeterBins rank-preserving histogram.
func (s *Syncer) recordStreamMeter(frame []float32) {
	var peak float32
	for _, v := range frame {
		a := v
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	bin := int(peak * float32(stats.StreamMeterBins))
	if bin >= stats.StreamMeterBins {
		bin = stats.StreamMeterBins - 1
	}
	if bin < 0 {
		bin = 0
	}
	s.st.StreamMeterBins[bin].Inc()
}

// updateReceiverSync low-passes the ring size after each enqueue, per §4.G.
func (s *Syncer) updateReceiverSync() {
	level := float64(s.out.Size())
	prev := s.st.ReceiverSync.Load()
	s.st.ReceiverSync.Set(prev + lowPassAlpha*(level-prev))
	s.st.DecodeRingSize.Set(level)
}

// resample runs linear interpolation over the per-channel sample stream at
// the current drift-corrected ratio, returning interleaved output samples.
func (s *Syncer) resample(samples []float32, audioFrameSize int) []float32 {
	channels := s.channels
	r := s.ratio()

	if !s.havePrev {
		s.prev = make([]float32, channels)
		copy(s.prev, samples[:channels])
		s.havePrev = true
	}

	// Build an input timeline of audioFrameSize+1 samples per channel: the
	// carried-over previous sample followed by this frame's samples, so the
	// interpolator has a left neighbor for the very first output sample.
	var out []float32
	step := 1.0 / r

	for s.frac < float64(audioFrameSize) {
		idx := int(s.frac)
		t := float32(s.frac - float64(idx))
		for ch := 0; ch < channels; ch++ {
			var left, right float32
			if idx == 0 {
				left = s.prev[ch]
			} else {
				left = samples[(idx-1)*channels+ch]
			}
			right = samples[idx*channels+ch]
			out = append(out, left+(right-left)*t)
		}
		s.frac += step
	}
	s.frac -= float64(audioFrameSize)

	copy(s.prev, samples[(audioFrameSize-1)*channels:audioFrameSize*channels])
	return out
}
