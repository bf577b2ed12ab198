package codec

import (
	"github.com/thesyncim/gopus/multistream"
)

// OpusDecoder decodes one Opus multistream packet per frame (§4.F):
// networkChannelCount independent uncoupled (mono) elementary streams under
// an identity channel mapping, with no stereo coupling -- channels here are
// independent capture feeds, not a stereo pair. Sub-packet framing is
// handled entirely by multistream.Decoder, which implements libopus's own
// self-delimiting framing (RFC 6716 Appendix B / RFC 7845 §5.1.1).
type OpusDecoder struct {
	ms             *multistream.Decoder
	channels       int
	audioFrameSize int
	st             *channelCounters
}

// NewOpusDecoder constructs a decoder for channelCount mono streams at
// sampleRate, each producing audioFrameSize samples per Decode call.
func NewOpusDecoder(sampleRate, channelCount, audioFrameSize int, st *channelCounters) (*OpusDecoder, error) {
	mapping := make([]byte, channelCount)
	for i := range mapping {
		mapping[i] = byte(i)
	}
	ms, err := multistream.NewDecoder(sampleRate, channelCount, channelCount, 0, mapping)
	if err != nil {
		return nil, err
	}
	return &OpusDecoder{ms: ms, channels: channelCount, audioFrameSize: audioFrameSize, st: st}, nil
}

// Decode hands frame to the multistream decoder whole and converts its
// interleaved float64 output to float32. Returns false (and increments
// codecErrorCount) if the packet fails to parse or decode.
func (d *OpusDecoder) Decode(frame []byte) ([]float32, bool) {
	samples, err := d.ms.Decode(frame, d.audioFrameSize)
	if err != nil || len(samples) != d.audioFrameSize*d.channels {
		d.st.CodecErrorCount.Inc()
		return nil, false
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s)
	}
	return out, true
}
