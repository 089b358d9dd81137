package pagecache

import (
	"encoding/hex"
	"fmt"
)

// KeySize is the size of a cache key in bytes (256-bit BLAKE3 digest).
const KeySize = 32

// Key is the fingerprint of a cacheable request. Two requests map to the
// same entry exactly when their keys are equal.
type Key [KeySize]byte

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for display.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// Dir returns the first two hex characters of the key, used for sharding
// entries into subdirectories.
func (k Key) Dir() string {
	return hex.EncodeToString(k[:1])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded key string.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}
