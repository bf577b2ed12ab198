package codec

import (
	"testing"

	"github.com/elimau/waterslide-recv/internal/ring"
	"github.com/elimau/waterslide-recv/internal/stats"
)

func encodePCMFrame(channels, frameSize int, samples []int32) []byte {
	buf := make([]byte, 3*channels*frameSize+2)
	for i, s := range samples {
		ring.PutBE24(buf[i*3:], s)
	}
	crc := ring.CRC16(buf[:3*channels*frameSize])
	buf[3*channels*frameSize] = byte(crc >> 8)
	buf[3*channels*frameSize+1] = byte(crc)
	return buf
}

func TestPCMDecodeSuccess(t *testing.T) {
	st := &stats.Channel{}
	dec := NewPCMDecoder(2, 4, st)
	samples := []int32{100, -100, 200, -200, 300, -300, 400, -400}
	frame := encodePCMFrame(2, 4, samples)

	out, ok := dec.Decode(frame)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if len(out) != 8 {
		t.Fatalf("len(out) = %d, want 8", len(out))
	}
	if st.CrcFailCount.Load() != 0 {
		t.Fatalf("crcFailCount = %d, want 0", st.CrcFailCount.Load())
	}
}

func TestPCMDecodeCRCMismatch(t *testing.T) {
	st := &stats.Channel{}
	dec := NewPCMDecoder(1, 2, st)
	frame := encodePCMFrame(1, 2, []int32{1, 2})
	frame[0] ^= 0xFF // corrupt a sample byte without touching the CRC

	_, ok := dec.Decode(frame)
	if ok {
		t.Fatal("expected decode failure on CRC mismatch")
	}
	if st.CrcFailCount.Load() != 1 {
		t.Fatalf("crcFailCount = %d, want 1", st.CrcFailCount.Load())
	}
}

func TestPCMDecodeWrongLength(t *testing.T) {
	st := &stats.Channel{}
	dec := NewPCMDecoder(2, 4, st)
	_, ok := dec.Decode(make([]byte, 5))
	if ok {
		t.Fatal("expected decode failure on wrong length")
	}
}

func TestPCMSilentFrameDecodesToZero(t *testing.T) {
	st := &stats.Channel{}
	dec := NewPCMDecoder(2, 480, st)
	frame := encodePCMFrame(2, 480, make([]int32, 960))
	out, ok := dec.Decode(frame)
	if !ok {
		t.Fatal("expected successful decode")
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %f, want 0", i, v)
		}
	}
}
