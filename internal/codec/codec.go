// Package codec decodes one codec frame (as delimited by the destuffer)
// into interleaved float32 samples (§4.F).
package codec

import "github.com/elimau/waterslide-recv/internal/stats"

// Decoder decodes a single codec frame into interleaved float32 samples,
// networkChannelCount channels by audioFrameSize frames.
type Decoder interface {
	Decode(frame []byte) ([]float32, bool)
}

// channelCounters is the subset of stats.Channel codec decoders touch.
type channelCounters = stats.Channel
