package demux

import (
	"testing"

	"github.com/klauspost/reedsolomon"

	"github.com/elimau/waterslide-recv/internal/stats"
)

type recordingSink struct {
	calls []struct {
		buf []byte
		sbn int
	}
}

func (s *recordingSink) OnBlock(buf []byte, sbn int) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.calls = append(s.calls, struct {
		buf []byte
		sbn int
	}{cp, sbn})
}

// encodeBlock builds K+parity shards for a K*L byte block using the same
// reedsolomon geometry the demux will decode with.
func encodeBlock(t *testing.T, k, parity, l int, data []byte) [][]byte {
	t.Helper()
	enc, err := reedsolomon.New(k, parity)
	if err != nil {
		t.Fatalf("reedsolomon.New: %v", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := enc.Encode(shards); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return shards
}

func packet(chID byte, sbn, esi int, payload []byte) []byte {
	buf := make([]byte, 3+len(payload))
	buf[0] = chID
	buf[1] = byte(sbn)
	buf[2] = byte(esi)
	copy(buf[3:], payload)
	return buf
}

func TestHandlePacketRecoversFromDataShardsOnly(t *testing.T) {
	const k, parity, l = 4, 2, 8
	d := New()
	sink := &recordingSink{}
	if err := d.RegisterChannel(1, k, l, parity, sink); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}

	data := make([]byte, k*l)
	for i := range data {
		data[i] = byte(i)
	}
	shards := encodeBlock(t, k, parity, l, data)

	for esi := 0; esi < k; esi++ {
		d.HandlePacket(packet(1, 5, esi, shards[esi]), 0)
	}

	if len(sink.calls) != 1 {
		t.Fatalf("expected exactly one OnBlock call, got %d", len(sink.calls))
	}
	if sink.calls[0].sbn != 5 {
		t.Fatalf("sbn = %d, want 5", sink.calls[0].sbn)
	}
	for i, b := range sink.calls[0].buf {
		if b != data[i] {
			t.Fatalf("recovered block mismatch at byte %d: got %d want %d", i, b, data[i])
		}
	}
}

func TestHandlePacketRecoversWithLostDataShard(t *testing.T) {
	const k, parity, l = 4, 2, 8
	d := New()
	sink := &recordingSink{}
	if err := d.RegisterChannel(1, k, l, parity, sink); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}

	data := make([]byte, k*l)
	for i := range data {
		data[i] = byte(i * 3)
	}
	shards := encodeBlock(t, k, parity, l, data)

	// Drop data shard 0, deliver data shards 1-3 plus one parity shard (index k).
	d.HandlePacket(packet(1, 9, 1, shards[1]), 0)
	d.HandlePacket(packet(1, 9, 2, shards[2]), 0)
	d.HandlePacket(packet(1, 9, 3, shards[3]), 0)
	d.HandlePacket(packet(1, 9, k, shards[k]), 0)

	if len(sink.calls) != 1 {
		t.Fatalf("expected exactly one OnBlock call, got %d", len(sink.calls))
	}
	for i, b := range sink.calls[0].buf {
		if b != data[i] {
			t.Fatalf("recovered block mismatch at byte %d: got %d want %d", i, b, data[i])
		}
	}
}

func TestHandlePacketDeliversOnceOnlyPerSBN(t *testing.T) {
	const k, parity, l = 4, 2, 8
	d := New()
	sink := &recordingSink{}
	if err := d.RegisterChannel(1, k, l, parity, sink); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}

	data := make([]byte, k*l)
	shards := encodeBlock(t, k, parity, l, data)

	for esi := 0; esi < k+parity; esi++ {
		d.HandlePacket(packet(1, 2, esi, shards[esi]), 0)
	}

	if len(sink.calls) != 1 {
		t.Fatalf("expected exactly one OnBlock call even with all shards delivered, got %d", len(sink.calls))
	}
}

func TestHandlePacketUnknownChannelIgnored(t *testing.T) {
	d := New()
	d.HandlePacket(packet(9, 0, 0, make([]byte, 8)), 0)
}

// TestHandlePacketUpdatesEndpointStats checks that a registered endpoint's
// lastSBN tracks the most recent header seen on it, and that a redundant
// symbol (arriving after the block it belongs to is already delivered)
// raises that endpoint's congestion hint.
func TestHandlePacketUpdatesEndpointStats(t *testing.T) {
	const k, parity, l = 4, 2, 8
	d := New()
	sink := &recordingSink{}
	if err := d.RegisterChannel(1, k, l, parity, sink); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}
	endpoints := []*stats.Endpoint{{}, {}}
	d.SetEndpointStats(endpoints)

	data := make([]byte, k*l)
	shards := encodeBlock(t, k, parity, l, data)

	for esi := 0; esi < k; esi++ {
		d.HandlePacket(packet(1, 7, esi, shards[esi]), 0)
	}
	if got := endpoints[0].LastSBN.Load(); got != 7 {
		t.Fatalf("endpoint 0 lastSBN = %v, want 7", got)
	}
	if got := endpoints[1].LastSBN.Load(); got != 0 {
		t.Fatalf("endpoint 1 lastSBN should be untouched, got %v", got)
	}

	before := endpoints[0].CongestionHint.Load()
	// Block 7 is already fully delivered -- this shard is redundant.
	d.HandlePacket(packet(1, 7, k, shards[k]), 0)
	if after := endpoints[0].CongestionHint.Load(); after <= before {
		t.Fatalf("congestionHint did not rise after a redundant symbol: before=%v after=%v", before, after)
	}
}
