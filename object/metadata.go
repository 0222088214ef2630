package object

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/objtree/objtree/varint"
)

// Value is a free-form metadata value, modeled as a small closed set of
// tagged variants (spec §9 "Dynamic GVariant dictionaries" design note)
// rather than an open interface{}, so encode/decode stays exhaustive.
type Value struct {
	kind byte
	b    []byte
	u    uint64
	boo  bool
}

const (
	valueBytes  byte = 0
	valueString byte = 1
	valueUint64 byte = 2
	valueBool   byte = 3
)

// BytesValue wraps a raw byte slice.
func BytesValue(b []byte) Value { return Value{kind: valueBytes, b: b} }

// StringValue wraps a UTF-8 string.
func StringValue(s string) Value { return Value{kind: valueString, b: []byte(s)} }

// Uint64Value wraps an unsigned integer.
func Uint64Value(u uint64) Value { return Value{kind: valueUint64, u: u} }

// BoolValue wraps a boolean.
func BoolValue(v bool) Value { return Value{kind: valueBool, boo: v} }

// AsBytes returns the underlying bytes for a BytesValue or StringValue.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind == valueBytes || v.kind == valueString {
		return v.b, true
	}
	return nil, false
}

// AsString returns the underlying string for a StringValue.
func (v Value) AsString() (string, bool) {
	if v.kind == valueString {
		return string(v.b), true
	}
	return "", false
}

// AsUint64 returns the underlying integer for a Uint64Value.
func (v Value) AsUint64() (uint64, bool) {
	if v.kind == valueUint64 {
		return v.u, true
	}
	return 0, false
}

// AsBool returns the underlying boolean for a BoolValue.
func (v Value) AsBool() (bool, bool) {
	if v.kind == valueBool {
		return v.boo, true
	}
	return false, false
}

func (v Value) equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case valueBytes, valueString:
		return string(v.b) == string(o.b)
	case valueUint64:
		return v.u == o.u
	case valueBool:
		return v.boo == o.boo
	}
	return false
}

func (v Value) encode(dst []byte) []byte {
	dst = append(dst, v.kind)
	switch v.kind {
	case valueBytes, valueString:
		dst = varint.Encode(dst, uint64(len(v.b)))
		dst = append(dst, v.b...)
	case valueUint64:
		dst = binary.BigEndian.AppendUint64(dst, v.u)
	case valueBool:
		if v.boo {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

func decodeValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("object: truncated metadata value")
	}
	kind := b[0]
	off := 1
	switch kind {
	case valueBytes, valueString:
		length, n, err := varint.Decode(b[off:])
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		if uint64(len(b)-off) < length {
			return Value{}, 0, fmt.Errorf("object: truncated metadata value bytes")
		}
		val := append([]byte(nil), b[off:off+int(length)]...)
		off += int(length)
		return Value{kind: kind, b: val}, off, nil
	case valueUint64:
		if len(b)-off < 8 {
			return Value{}, 0, fmt.Errorf("object: truncated metadata uint64")
		}
		u := binary.BigEndian.Uint64(b[off : off+8])
		return Value{kind: kind, u: u}, off + 8, nil
	case valueBool:
		if len(b)-off < 1 {
			return Value{}, 0, fmt.Errorf("object: truncated metadata bool")
		}
		return Value{kind: kind, boo: b[off] != 0}, off + 1, nil
	default:
		return Value{}, 0, fmt.Errorf("object: unknown metadata value tag %d", kind)
	}
}

// Metadata is the freeform dict[str, variant] carried by commit objects
// and (outside this package) by delta superblocks and detached commit
// metadata (spec §9's opaque Map<string,Value> design note).
type Metadata map[string]Value

// Encode appends the canonical serialization of m to dst: a varint count
// followed by key/value pairs sorted by key for determinism.
func (m Metadata) Encode(dst []byte) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst = varint.Encode(dst, uint64(len(keys)))
	for _, k := range keys {
		dst = varint.Encode(dst, uint64(len(k)))
		dst = append(dst, k...)
		dst = m[k].encode(dst)
	}
	return dst
}

// DecodeMetadata parses a Metadata dict previously written by Encode,
// returning the number of bytes consumed. Exported for the delta package,
// whose superblock carries the same freeform dict[str,variant] shape
// (spec §4.5 "Superblock" field 1) as a commit's own metadata.
func DecodeMetadata(b []byte) (Metadata, int, error) {
	return decodeMetadata(b)
}

func decodeMetadata(b []byte) (Metadata, int, error) {
	count, n, err := varint.Decode(b)
	if err != nil {
		return nil, 0, err
	}
	off := n

	m := make(Metadata, count)
	for i := uint64(0); i < count; i++ {
		klen, nn, err := varint.Decode(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += nn
		if uint64(len(b)-off) < klen {
			return nil, 0, fmt.Errorf("object: truncated metadata key")
		}
		key := string(b[off : off+int(klen)])
		off += int(klen)

		val, nn, err := decodeValue(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += nn

		m[key] = val
	}

	return m, off, nil
}
