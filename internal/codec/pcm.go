package codec

import "github.com/elimau/waterslide-recv/internal/ring"

// PCMDecoder decodes raw 24-bit big-endian interleaved PCM codec frames
// guarded by a trailing CRC-16 (§4.F).
type PCMDecoder struct {
	channels       int
	audioFrameSize int
	st             *channelCounters
}

// NewPCMDecoder constructs a decoder for channelCount channels of
// audioFrameSize samples.
func NewPCMDecoder(channelCount, audioFrameSize int, st *channelCounters) *PCMDecoder {
	return &PCMDecoder{channels: channelCount, audioFrameSize: audioFrameSize, st: st}
}

// Decode validates the trailing CRC-16 and unpacks the big-endian 24-bit
// samples into [-1, 1] floats. Returns false (after incrementing
// crcFailCount) on mismatch or a malformed frame length.
func (d *PCMDecoder) Decode(frame []byte) ([]float32, bool) {
	sampleBytes := 3 * d.channels * d.audioFrameSize
	if len(frame) != sampleBytes+2 {
		d.st.CrcFailCount.Inc()
		return nil, false
	}

	samples := frame[:sampleBytes]
	wantCRC := uint16(frame[sampleBytes])<<8 | uint16(frame[sampleBytes+1])
	if ring.CRC16(samples) != wantCRC {
		d.st.CrcFailCount.Inc()
		return nil, false
	}

	out := make([]float32, d.channels*d.audioFrameSize)
	for i := range out {
		off := i * 3
		out[i] = ring.NormalizeS24(ring.BE24(samples[off : off+3]))
	}
	return out, true
}
