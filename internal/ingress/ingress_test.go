package ingress

import (
	"net"
	"testing"
	"time"

	"github.com/elimau/waterslide-recv/internal/stats"
)

type recordingDecrypter struct {
	datagrams [][]byte
	epIndexes []int
}

func (d *recordingDecrypter) Decrypt(datagram []byte, epIndex int) {
	d.datagrams = append(d.datagrams, append([]byte(nil), datagram...))
	d.epIndexes = append(d.epIndexes, epIndex)
}

func TestSendToAllSkipsEndpointsWithoutPeer(t *testing.T) {
	registry := stats.NewRegistry(2)
	m := New([]Config{
		{Interface: "lo", Addr: "127.0.0.1", Port: 0},
		{Interface: "lo", Addr: "127.0.0.1", Port: 0},
	}, &recordingDecrypter{}, registry)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Neither endpoint has discovered a peer yet; SendToAll must be a no-op
	// and must not panic.
	m.SendToAll([]byte("hello"))

	if registry.Endpoints[0].BytesOut.Load() != 0 || registry.Endpoints[1].BytesOut.Load() != 0 {
		t.Fatal("expected no bytes sent before peer discovery")
	}
}

func TestDiscoveryAndReceiveForwardToDecrypter(t *testing.T) {
	registry := stats.NewRegistry(1)
	dec := &recordingDecrypter{}
	m := New([]Config{{Interface: "lo", Addr: "127.0.0.1", Port: 0}}, dec, registry)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	localPort := m.endpoints[0].conn.LocalAddr().(*net.UDPAddr).Port

	sender, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: localPort})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Endpoints[0].Open.Load() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Endpoints[0].Open.Load() != 1 {
		t.Fatal("expected endpoint to be marked open after discovery datagram")
	}

	if _, err := sender.Write([]byte("audio-block")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(dec.datagrams) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(dec.datagrams) == 0 {
		t.Fatal("expected at least one datagram forwarded to the decrypter")
	}
}
