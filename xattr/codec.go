package xattr

import (
	"bytes"
	"fmt"

	"github.com/objtree/objtree/varint"
)

// Encode appends the canonical wire encoding of l (assumed already sorted)
// to dst: a varint count followed by, for each pair, a varint name length,
// the name bytes, a varint value length, and the value bytes.
func Encode(dst []byte, l List) []byte {
	dst = varint.Encode(dst, uint64(len(l)))
	for _, p := range l {
		dst = varint.Encode(dst, uint64(len(p.Name)))
		dst = append(dst, p.Name...)
		dst = varint.Encode(dst, uint64(len(p.Value)))
		dst = append(dst, p.Value...)
	}
	return dst
}

// Decode parses a List previously written by Encode from the front of b,
// returning the list and the number of bytes consumed.
func Decode(b []byte) (List, int, error) {
	count, n, err := varint.Decode(b)
	if err != nil {
		return nil, 0, fmt.Errorf("xattr: decode count: %w", err)
	}
	off := n

	list := make(List, 0, count)
	for i := uint64(0); i < count; i++ {
		nameLen, nn, err := varint.Decode(b[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("xattr: decode name length: %w", err)
		}
		off += nn
		if uint64(len(b)-off) < nameLen {
			return nil, 0, fmt.Errorf("xattr: truncated name")
		}
		name := append([]byte(nil), b[off:off+int(nameLen)]...)
		off += int(nameLen)

		valLen, nn, err := varint.Decode(b[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("xattr: decode value length: %w", err)
		}
		off += nn
		if uint64(len(b)-off) < valLen {
			return nil, 0, fmt.Errorf("xattr: truncated value")
		}
		val := append([]byte(nil), b[off:off+int(valLen)]...)
		off += int(valLen)

		list = append(list, Pair{Name: name, Value: val})
	}

	if !list.Sorted() {
		return nil, 0, fmt.Errorf("xattr: list not in canonical sorted order")
	}

	return list, off, nil
}

// Equal reports whether a and b contain the same pairs in the same order.
func Equal(a, b List) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Name, b[i].Name) || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
