package keeper

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"
)

// Key is the key of a value: the sha256 hash of its content.
type Key [sha256.Size]byte

// Zero is the zero value of a Key.
var Zero Key

// Digest computes the Key of a complete buffer.
func Digest(b []byte) Key {
	return sha256.Sum256(b)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Less tells whether k sorts before other.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

// IsZero tells whether k is the zero Key.
func (k Key) IsZero() bool {
	return k == Zero
}

// FromHex sets k from its hex representation.
func (k *Key) FromHex(s string) error {
	if len(s) != 2*sha256.Size {
		return errors.Errorf("wrong length %d for hex key", len(s))
	}
	_, err := hex.Decode(k[:], []byte(s))
	return errors.Wrapf(err, "decoding hex key %s", s)
}

// KeyFromHex parses the hex representation of a Key.
func KeyFromHex(s string) (Key, error) {
	var out Key
	err := out.FromHex(s)
	return out, err
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) Key {
	var out Key
	copy(out[:], b)
	return out
}

// Hasher computes a Key incrementally.
// Feeding the same bytes in any sequence of chunks produces the same Key.
type Hasher struct {
	h hash.Hash
}

// NewHasher produces a Hasher with no input.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write adds p to the digest in progress.
// It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum finalizes the digest and returns its Key.
func (h *Hasher) Sum() Key {
	return KeyFromBytes(h.h.Sum(nil))
}

// Value implements driver.Valuer,
// storing a Key in a database as its raw bytes.
func (k Key) Value() (driver.Value, error) {
	return k[:], nil
}

// Scan implements sql.Scanner.
func (k *Key) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into a key", src)
	}
	if len(b) != len(k) {
		return errors.Errorf("got %d bytes, want %d", len(b), len(k))
	}
	copy(k[:], b)
	return nil
}
