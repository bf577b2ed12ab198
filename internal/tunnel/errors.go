package tunnel

import "errors"

var (
	// ErrDuplicateCounter is returned by Read when a datagram's AEAD nonce
	// counter has already been consumed (replay). It is expected traffic
	// under packet duplication/reordering and is not logged as a failure.
	ErrDuplicateCounter = errors.New("tunnel: duplicate nonce counter")
	ErrHandshakeTimeout = errors.New("tunnel: handshake timed out")
	ErrNotHandshaked    = errors.New("tunnel: no active session")
	ErrShortPacket      = errors.New("tunnel: packet too short")
	ErrBadMAC           = errors.New("tunnel: authentication failed")
	ErrUnknownType      = errors.New("tunnel: unrecognized message type")
)
