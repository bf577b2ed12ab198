// Package tunnel adapts a WireGuard-style secure engine to the receiver's
// multi-homed transport (§4.C). The handshake/rekey state machine itself is
// an out-of-scope external collaborator (§1) — only the three operations
// (decrypt, encrypt, tick) and their outcome contract are specified, so the
// engine behind this adapter is swappable via the Engine interface.
package tunnel

import (
	"encoding/binary"
	"log"
	"sync"
	"time"
)

// Op mirrors the boringtun-style outcome codes the original engine returns
// from its read/write/tick operations (§4.C).
type Op int

const (
	OpNoop Op = iota
	OpWriteToTunnelIPv4
	OpWriteToNetwork
	OpError
)

// Result is one engine outcome: Op plus, depending on Op, the payload to
// act on (decrypted plaintext or ciphertext to send) and/or an error.
type Result struct {
	Op      Op
	Payload []byte
	Err     error
}

// Engine is the minimal surface this adapter needs from the underlying
// WireGuard-compatible state machine. A concrete AEAD-based implementation
// is provided in engine.go; any engine satisfying this contract can be
// substituted (e.g. a future boringtun-FFI binding).
type Engine interface {
	// Read processes one inbound ciphertext datagram, returning zero or
	// more Results as long as there is further action to take (handshake
	// responses chain through multiple WRITE_TO_NETWORK results before a
	// WRITE_TO_TUNNEL_IPV4 or terminal result is reached).
	Read(datagram []byte, dst []byte) Result
	// Write encrypts one outbound plaintext buffer (already carrying the
	// synthetic IPv4 header) for transmission.
	Write(plaintext []byte, dst []byte) Result
	// Tick drives periodic handshake/keepalive/rekey bookkeeping.
	Tick(dst []byte) Result
}

// Sender is implemented by the ingress layer (§4.B sendToAll).
type Sender interface {
	SendToAll(buf []byte)
}

// BlockReceiver is implemented by the demux layer (§4.D).
type BlockReceiver interface {
	HandlePacket(buf []byte, epIndex int)
}

const (
	fakeIPv4HeaderLen = 20
	readBufLen        = 1500
	tickInterval       = 10 * time.Millisecond // ENDPOINT_TICK_INTERVAL
)

// Tunnel is the single process-wide cryptographic session shared by all
// endpoints (§3 "Tunnel"). Not thread-safe with respect to Encrypt calling
// itself concurrently — callers serialize (§4.C) — but Decrypt is safe to
// call from many endpoint goroutines concurrently, each using its own scratch
// buffer, exactly as the original "NOTE: this is called by multiple threads"
// comment documents.
type Tunnel struct {
	engine Engine
	sender Sender
	demux  BlockReceiver

	mu sync.Mutex // guards engine access per §5 "one mutex inside the tunnel"

	running chan struct{}
	done    chan struct{}
}

// New constructs a Tunnel around engine, wired to send outbound ciphertext
// via sender and hand decrypted plaintext to demux.
func New(engine Engine, sender Sender, demux BlockReceiver) *Tunnel {
	return &Tunnel{
		engine:  engine,
		sender:  sender,
		demux:   demux,
		running: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Decrypt handles one inbound datagram from epIndex (§4.C "decrypt").
// Dispatches engine results until it reports no further action.
func (t *Tunnel) Decrypt(datagram []byte, epIndex int) {
	dst := make([]byte, readBufLen)
	buf := datagram

	for {
		t.mu.Lock()
		res := t.engine.Read(buf, dst)
		t.mu.Unlock()

		switch res.Op {
		case OpWriteToTunnelIPv4:
			if len(res.Payload) > fakeIPv4HeaderLen {
				t.demux.HandlePacket(res.Payload[fakeIPv4HeaderLen:], epIndex)
			}
			return
		case OpWriteToNetwork:
			if len(res.Payload) > 0 {
				t.sender.SendToAll(res.Payload)
			}
			buf = nil // handshake traffic: engine drives further steps internally
			continue
		case OpError:
			if !isDuplicateCounterError(res.Err) {
				log.Printf("tunnel: decrypt error: %v", res.Err)
			}
			return
		default:
			return
		}
	}
}

// Encrypt wraps plaintext in a synthetic IPv4 header and encrypts it via
// the engine, sending the ciphertext to all known endpoints (§4.C
// "encrypt"). Not safe to call concurrently with itself.
func (t *Tunnel) Encrypt(plaintext []byte) error {
	framed := wrapFakeIPv4(plaintext)
	dst := make([]byte, readBufLen)

	t.mu.Lock()
	res := t.engine.Write(framed, dst)
	t.mu.Unlock()

	if res.Op == OpError {
		return res.Err
	}
	if res.Op == OpWriteToNetwork && len(res.Payload) > 0 {
		t.sender.SendToAll(res.Payload)
	}
	return nil
}

// StartTick launches the background timer goroutine (§4.C "tick"). The
// goroutine runs at normal scheduling priority: nothing in this module
// raises its OS thread to a realtime priority.
func (t *Tunnel) StartTick() {
	go t.tickLoop()
}

// Stop signals the tick loop to exit and waits for it to do so.
func (t *Tunnel) Stop() {
	close(t.running)
	<-t.done
}

func (t *Tunnel) tickLoop() {
	defer close(t.done)
	dst := make([]byte, readBufLen)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.running:
			return
		case <-ticker.C:
			t.mu.Lock()
			res := t.engine.Tick(dst)
			t.mu.Unlock()
			if res.Op == OpWriteToNetwork && len(res.Payload) > 0 {
				t.sender.SendToAll(res.Payload)
			}
		}
	}
}

// wrapFakeIPv4 prepends a minimal IPv4 header (version=4, IHL=5, correct
// total length, all else zero) so the engine's packet validation accepts
// the plaintext (§9 "Fake IPv4 header for the tunnel").
func wrapFakeIPv4(payload []byte) []byte {
	out := make([]byte, fakeIPv4HeaderLen+len(payload))
	out[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[fakeIPv4HeaderLen:], payload)
	return out
}

func isDuplicateCounterError(err error) bool {
	return err == ErrDuplicateCounter
}
