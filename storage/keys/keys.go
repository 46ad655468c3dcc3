package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// KeySize is the length in bytes of every key produced
// by ForName. All keys stored in the system have this size.
const KeySize = 16

// Key is a single key
type Key []byte

// ForName derives the storage key for a name. The derivation
// is deterministic and uniform over the key space so that
// names spread evenly across shards regardless of their
// lexical distribution.
func ForName(name string) Key {
	sum := sha256.Sum256([]byte(name))

	return Key(sum[:KeySize])
}

// Compare compares two keys
// -1 means a < b
// 1 means a > b
// 0 means a = b
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// Equal returns true if a and b are the same key
func Equal(a, b Key) bool {
	return bytes.Equal(a, b)
}

// Dup returns a copy of the key that does not share
// backing storage with the original.
func Dup(key Key) Key {
	if key == nil {
		return nil
	}

	dup := make(Key, len(key))
	copy(dup, key)

	return dup
}

func (key Key) String() string {
	return hex.EncodeToString(key)
}
