package ring

import (
	"encoding/base64"
	"fmt"
)

// KeyLength is the x25519 key size in bytes (SEC_KEY_LENGTH in the original
// globals registry refers to the base64-encoded length of this).
const KeyLength = 32

// DecodeKey decodes a standard-base64 x25519 key (the format WireGuard
// tooling uses for `wg genkey`/`wg pubkey` output) into its raw 32 bytes.
func DecodeKey(s string) ([KeyLength]byte, error) {
	var out [KeyLength]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ring: invalid base64 key: %w", err)
	}
	if len(raw) != KeyLength {
		return out, fmt.Errorf("ring: key must decode to %d bytes, got %d", KeyLength, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeKey is the inverse of DecodeKey.
func EncodeKey(k [KeyLength]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}
