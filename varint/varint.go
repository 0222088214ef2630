// Package varint implements the unsigned base-128 varint encoding used
// throughout the object and delta wire formats (spec §4.1): little-endian
// groups of 7 bits with the high bit marking "more bytes follow". This is
// the same scheme encoding/binary's Uvarint/PutUvarint already implement,
// including the ten-byte overflow cutoff for uint64, so this package is a
// thin, explicitly-named wrapper rather than a second implementation of an
// external primitive (spec §1, §9).
package varint

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned by Decode when the input ends before a
// complete value has been read.
var ErrTruncated = errors.New("varint: truncated input")

// ErrOverflow is returned by Decode when a value would need more than ten
// bytes to represent, which cannot happen for a valid uint64.
var ErrOverflow = errors.New("varint: overflow")

// MaxLen is the maximum number of bytes Encode ever produces, and the
// maximum Decode ever consumes, for a uint64.
const MaxLen = binary.MaxVarintLen64

// Encode appends the varint encoding of n to dst and returns the result.
func Encode(dst []byte, n uint64) []byte {
	return binary.AppendUvarint(dst, n)
}

// Decode reads a varint from the front of b, returning the decoded value
// and the number of bytes consumed. It fails if the input ends mid-value
// or if more than ten bytes would be needed.
func Decode(b []byte) (value uint64, n int, err error) {
	value, n = binary.Uvarint(b)
	switch {
	case n > 0:
		return value, n, nil
	case n == 0:
		return 0, 0, ErrTruncated
	default: // n < 0: overflow, -n is the number of bytes read
		return 0, 0, ErrOverflow
	}
}
