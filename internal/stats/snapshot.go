package stats

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot serializes the registry into the wire format consumed by the
// monitor (§6 "protobuf snapshot serialized over WebSocket"). Rather than
// checking in protoc-generated code (this repo has no build step that could
// regenerate it), the snapshot is hand-encoded with protowire — the same
// low-level package protoc-gen-go itself emits calls into — which keeps the
// wire format real protobuf without requiring a generated schema file.
//
// Field numbers below are stable and documented here as the message schema:
//
//	1  dupBlockCount       (varint)
//	2  oooBlockCount       (varint)
//	3  codecErrorCount     (varint)
//	4  crcFailCount        (varint)
//	5  bufferOverrunCount  (varint)
//	6  bufferUnderrunCount (varint)
//	7  audioLoopXrunCount  (varint)
//	8  encodeThreadJitterCount (varint)
//	9  receiverSync        (fixed64, double)
//	10 decodeRingSize      (fixed64, double)
//	11 endpoint (repeated, embedded message: bytesIn, bytesOut, lastSBN, open, congestionHint)
//	12 streamMeterBins     (repeated varint, StreamMeterBins entries)
//	13 blockTimingRing     (repeated varint, BlockTimingRingLen entries)
func (r *Registry) Snapshot() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Channel1.DupBlockCount.Load())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Channel1.OooBlockCount.Load())
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Channel1.CodecErrorCount.Load())
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Channel1.CrcFailCount.Load())
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Audio.BufferOverrunCount.Load())
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Audio.BufferUnderrunCount.Load())
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Audio.AudioLoopXrunCount.Load())
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Audio.EncodeThreadJitterCount.Load())
	b = protowire.AppendTag(b, 9, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, doubleBits(r.Audio.ReceiverSync.Load()))
	b = protowire.AppendTag(b, 10, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, doubleBits(r.Audio.DecodeRingSize.Load()))

	for i := range r.Endpoints {
		ep := &r.Endpoints[i]
		var epb []byte
		epb = protowire.AppendTag(epb, 1, protowire.VarintType)
		epb = protowire.AppendVarint(epb, ep.BytesIn.Load())
		epb = protowire.AppendTag(epb, 2, protowire.VarintType)
		epb = protowire.AppendVarint(epb, ep.BytesOut.Load())
		epb = protowire.AppendTag(epb, 3, protowire.Fixed64Type)
		epb = protowire.AppendFixed64(epb, doubleBits(ep.LastSBN.Load()))
		epb = protowire.AppendTag(epb, 4, protowire.Fixed64Type)
		epb = protowire.AppendFixed64(epb, doubleBits(ep.Open.Load()))
		epb = protowire.AppendTag(epb, 5, protowire.Fixed64Type)
		epb = protowire.AppendFixed64(epb, doubleBits(ep.CongestionHint.Load()))

		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, epb)
	}

	for i := range r.Audio.StreamMeterBins {
		b = protowire.AppendTag(b, 12, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Audio.StreamMeterBins[i].Load())
	}
	for i := range r.Channel1.BlockTimingRing {
		b = protowire.AppendTag(b, 13, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Channel1.BlockTimingRing[i].Load())
	}

	return b
}

// doubleBits encodes a float64 as the IEEE-754 bit pattern protoc-gen-go
// emits for a `double` field under the fixed64 wire type.
func doubleBits(f float64) uint64 {
	return math.Float64bits(f)
}
