package syncer

import (
	"testing"

	"github.com/elimau/waterslide-recv/internal/ring"
	"github.com/elimau/waterslide-recv/internal/stats"
)

func silentFrame(channels, frameSize int) []float32 {
	return make([]float32, channels*frameSize)
}

func TestEnqueueBufKeepsChannelAlignment(t *testing.T) {
	st := &stats.Audio{}
	out := ring.NewSPSC(4096)
	s := New(out, 2, 48000, 48000, 4096, st)

	s.EnqueueBuf(silentFrame(2, 480), 480, 2)

	if out.Size()%2 != 0 {
		t.Fatalf("ring size %d is not a multiple of channel count", out.Size())
	}
}

func TestOverrunSetsFlagAndHalfDrainClears(t *testing.T) {
	st := &stats.Audio{}
	const maxSize = 64
	out := ring.NewSPSC(maxSize)
	s := New(out, 2, 48000, 48000, maxSize, st)

	// Feed far more than the ring can hold.
	for i := 0; i < 20; i++ {
		s.EnqueueBuf(silentFrame(2, 480), 480, 2)
	}

	if st.BufferOverrunCount.Load() == 0 {
		t.Fatal("expected bufferOverrunCount to have incremented")
	}
	if !s.overrun {
		t.Fatal("expected overrun flag to be set")
	}

	// Drain below half capacity; next enqueue (small enough to fit in the
	// freed space) should be accepted again.
	for out.Size() >= maxSize/2 {
		out.Dequeue()
	}
	before := st.BufferOverrunCount.Load()
	s.EnqueueBuf(silentFrame(2, 8), 8, 2)
	if s.overrun {
		t.Fatal("expected overrun flag to clear after half-drain")
	}
	if after := st.BufferOverrunCount.Load(); after != before {
		t.Fatalf("bufferOverrunCount = %d after half-drain enqueue, want %d", after, before)
	}
}

func TestOverrunCountStrictlyMonotonicUntilDrained(t *testing.T) {
	st := &stats.Audio{}
	const maxSize = 32
	out := ring.NewSPSC(maxSize)
	s := New(out, 2, 48000, 48000, maxSize, st)

	var last uint64
	for i := 0; i < 10; i++ {
		s.EnqueueBuf(silentFrame(2, 480), 480, 2)
		cur := st.BufferOverrunCount.Load()
		if cur < last {
			t.Fatalf("bufferOverrunCount decreased: %d -> %d", last, cur)
		}
		last = cur
	}
	if last == 0 {
		t.Fatal("expected overrun count to have increased at least once")
	}
}
