package tunnel

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"
)

func genKeypair(t *testing.T) (privB64, pubB64 string) {
	t.Helper()
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatal(err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]), base64.StdEncoding.EncodeToString(pub)
}

func TestDecodeX25519KeyRejectsWrongLength(t *testing.T) {
	if _, err := DecodeX25519Key(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecodeX25519KeyRoundTrip(t *testing.T) {
	priv, pub := genKeypair(t)
	if _, err := DecodeX25519Key(priv); err != nil {
		t.Fatalf("decode priv: %v", err)
	}
	if _, err := DecodeX25519Key(pub); err != nil {
		t.Fatalf("decode pub: %v", err)
	}
}

// TestHandshakeAndTransportRoundTrip drives a full initiator/responder
// handshake and one transport message through two independent AEADEngine
// instances, verifying the derived transport keys actually agree.
func TestHandshakeAndTransportRoundTrip(t *testing.T) {
	privA, pubA := genKeypair(t)
	privB, pubB := genKeypair(t)

	initiator, err := NewAEADEngine(EngineConfig{
		PrivateKeyBase64:    privA,
		PeerPublicKeyBase64: pubB,
		Initiator:           true,
		KeepaliveInterval:   25 * time.Second,
	})
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, err := NewAEADEngine(EngineConfig{
		PrivateKeyBase64:    privB,
		PeerPublicKeyBase64: pubA,
		KeepaliveInterval:   25 * time.Second,
	})
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	buf1 := make([]byte, 1500)
	initRes := initiator.StartHandshake(buf1)
	if initRes.Op != OpWriteToNetwork {
		t.Fatalf("StartHandshake: op = %v, err = %v", initRes.Op, initRes.Err)
	}
	initiation := append([]byte(nil), initRes.Payload...)

	buf2 := make([]byte, 1500)
	respRes := responder.Read(initiation, buf2)
	if respRes.Op != OpWriteToNetwork {
		t.Fatalf("responder.Read(initiation): op = %v, err = %v", respRes.Op, respRes.Err)
	}
	response := append([]byte(nil), respRes.Payload...)
	if !responder.established {
		t.Fatal("responder not established after sending response")
	}

	buf3 := make([]byte, 1500)
	finalRes := initiator.Read(response, buf3)
	if finalRes.Op != OpNoop {
		t.Fatalf("initiator.Read(response): op = %v, err = %v", finalRes.Op, finalRes.Err)
	}
	if !initiator.established {
		t.Fatal("initiator not established after processing response")
	}

	if initiator.sendKey != responder.recvKey {
		t.Fatal("initiator send key does not match responder recv key")
	}
	if responder.sendKey != initiator.recvKey {
		t.Fatal("responder send key does not match initiator recv key")
	}

	plaintext := []byte("synthetic IPv4 framed audio block")
	buf4 := make([]byte, 1500)
	writeRes := initiator.Write(plaintext, buf4)
	if writeRes.Op != OpWriteToNetwork {
		t.Fatalf("initiator.Write: op = %v, err = %v", writeRes.Op, writeRes.Err)
	}
	transportMsg := append([]byte(nil), writeRes.Payload...)

	buf5 := make([]byte, 1500)
	readRes := responder.Read(transportMsg, buf5)
	if readRes.Op != OpWriteToTunnelIPv4 {
		t.Fatalf("responder.Read(transport): op = %v, err = %v", readRes.Op, readRes.Err)
	}
	if !bytes.Equal(readRes.Payload, plaintext) {
		t.Fatalf("decrypted payload = %q, want %q", readRes.Payload, plaintext)
	}
}

func TestHandshakeRejectsUnknownPeer(t *testing.T) {
	privA, _ := genKeypair(t)
	privB, pubB := genKeypair(t)
	_, pubC := genKeypair(t)

	initiator, err := NewAEADEngine(EngineConfig{
		PrivateKeyBase64:    privA,
		PeerPublicKeyBase64: pubB,
		Initiator:           true,
	})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewAEADEngine(EngineConfig{
		PrivateKeyBase64:    privB,
		PeerPublicKeyBase64: pubC, // does not match initiator's actual static key
	})
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	initRes := initiator.StartHandshake(buf)
	if initRes.Op != OpWriteToNetwork {
		t.Fatalf("StartHandshake: op = %v, err = %v", initRes.Op, initRes.Err)
	}

	buf2 := make([]byte, 1500)
	res := responder.Read(initRes.Payload, buf2)
	if res.Op != OpError {
		t.Fatalf("expected OpError for mismatched peer key, got %v", res.Op)
	}
}

// TestTransportReplayIsRejected drives a real handshake, sends one transport
// message, then replays the exact same datagram a second time -- the
// multi-homed case where the same ciphertext legitimately arrives on more
// than one endpoint (§4.B/§7 "duplicate counter... ignore").
func TestTransportReplayIsRejected(t *testing.T) {
	privA, pubA := genKeypair(t)
	privB, pubB := genKeypair(t)

	initiator, err := NewAEADEngine(EngineConfig{
		PrivateKeyBase64:    privA,
		PeerPublicKeyBase64: pubB,
		Initiator:           true,
		KeepaliveInterval:   25 * time.Second,
	})
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, err := NewAEADEngine(EngineConfig{
		PrivateKeyBase64:    privB,
		PeerPublicKeyBase64: pubA,
		KeepaliveInterval:   25 * time.Second,
	})
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	buf1 := make([]byte, 1500)
	initRes := initiator.StartHandshake(buf1)
	if initRes.Op != OpWriteToNetwork {
		t.Fatalf("StartHandshake: op = %v, err = %v", initRes.Op, initRes.Err)
	}
	initiation := append([]byte(nil), initRes.Payload...)

	buf2 := make([]byte, 1500)
	respRes := responder.Read(initiation, buf2)
	if respRes.Op != OpWriteToNetwork {
		t.Fatalf("responder.Read(initiation): op = %v, err = %v", respRes.Op, respRes.Err)
	}
	response := append([]byte(nil), respRes.Payload...)

	buf3 := make([]byte, 1500)
	if finalRes := initiator.Read(response, buf3); finalRes.Op != OpNoop {
		t.Fatalf("initiator.Read(response): op = %v, err = %v", finalRes.Op, finalRes.Err)
	}

	plaintext := []byte("synthetic IPv4 framed audio block")
	buf4 := make([]byte, 1500)
	writeRes := initiator.Write(plaintext, buf4)
	if writeRes.Op != OpWriteToNetwork {
		t.Fatalf("initiator.Write: op = %v, err = %v", writeRes.Op, writeRes.Err)
	}
	transportMsg := append([]byte(nil), writeRes.Payload...)

	buf5 := make([]byte, 1500)
	firstRes := responder.Read(transportMsg, buf5)
	if firstRes.Op != OpWriteToTunnelIPv4 {
		t.Fatalf("responder.Read(transport) first delivery: op = %v, err = %v", firstRes.Op, firstRes.Err)
	}

	buf6 := make([]byte, 1500)
	replayRes := responder.Read(transportMsg, buf6)
	if replayRes.Op != OpError {
		t.Fatalf("responder.Read(transport) replay: op = %v, want OpError", replayRes.Op)
	}
	if replayRes.Err != ErrDuplicateCounter {
		t.Fatalf("responder.Read(transport) replay: err = %v, want ErrDuplicateCounter", replayRes.Err)
	}
}
