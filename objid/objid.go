// Package objid defines the object identifier used to name every object
// in the store: the SHA-256 digest of an object's canonical serialization.
package objid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// Size is the length of an ID in raw bytes.
const Size = sha256.Size

// HexSize is the length of an ID's hex encoding.
const HexSize = Size * 2

// ErrInvalidLength is returned when decoding a byte slice or hex string that
// is not exactly Size bytes / HexSize hex characters long.
var ErrInvalidLength = errors.New("objid: invalid length")

// ID is a 32-byte SHA-256 digest naming one object.
type ID [Size]byte

// Zero is the all-zero ID, used as the empty "from" id of a from-scratch
// delta and as the empty parent id of a repository's first commit.
var Zero ID

// IsZero reports whether id is the all-zero ID.
func (id ID) IsZero() bool {
	return id == Zero
}

// String returns the lowercase hex encoding of id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32 bytes of id.
func (id ID) Bytes() []byte {
	return id[:]
}

// FromBytes builds an ID from a raw 32-byte slice.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a 64-character hex string into an ID.
func FromHex(s string) (ID, error) {
	var id ID
	if len(s) != HexSize {
		return id, fmt.Errorf("%w: got %d chars, want %d", ErrInvalidLength, len(s), HexSize)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("objid: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// Hasher computes an ID incrementally from a stream, so callers can tee a
// write into it without buffering the whole object in memory.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher ready to consume bytes.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write implements io.Writer.
func (hs *Hasher) Write(p []byte) (int, error) {
	return hs.h.Write(p)
}

// Sum returns the ID of everything written so far without resetting state.
func (hs *Hasher) Sum() ID {
	var id ID
	copy(id[:], hs.h.Sum(nil))
	return id
}

// Sum256 is a convenience wrapper computing the ID of a single byte slice.
func Sum256(b []byte) ID {
	return ID(sha256.Sum256(b))
}
