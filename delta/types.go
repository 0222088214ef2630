// Package delta implements the static-delta wire format (spec §4.5): a
// superblock naming zero or more parts and a fallback list, a generator
// that produces one from a pair of commits, and an applicator that
// replays a part's opcode stream into a repository. Binary layout follows
// the same varint/BigEndian conventions as the object package rather than
// reproducing the original's GVariant tuple encoding bit-for-bit, per the
// precedent recorded in DESIGN.md's "Exact byte layout of the
// header-record fields" decision.
package delta

import (
	"encoding/binary"
	"fmt"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/varint"
)

// ObjectRef names one object a part (or the fallback list) refers to.
type ObjectRef struct {
	Type objid.Type
	ID   objid.ID
}

func (o ObjectRef) encode(dst []byte) []byte {
	dst = append(dst, byte(o.Type))
	return append(dst, o.ID[:]...)
}

func decodeObjectRef(b []byte) (ObjectRef, int, error) {
	if len(b) < 1+objid.Size {
		return ObjectRef{}, 0, fmt.Errorf("delta: truncated object ref")
	}
	typ := objid.Type(b[0])
	id, err := objid.FromBytes(b[1 : 1+objid.Size])
	if err != nil {
		return ObjectRef{}, 0, err
	}
	return ObjectRef{Type: typ, ID: id}, 1 + objid.Size, nil
}

// PartHeader describes one part blob a superblock references (spec §4.5
// "Part header"). Checksum is the compressed part's own SHA-256, used to
// name it on disk and to verify a non-inline part before execution.
type PartHeader struct {
	Version          uint32
	Checksum         objid.ID
	CompressedSize   uint64
	UncompressedSize uint64
	Objects          []ObjectRef
}

func (p PartHeader) encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, p.Version)
	dst = append(dst, p.Checksum[:]...)
	dst = binary.BigEndian.AppendUint64(dst, p.CompressedSize)
	dst = binary.BigEndian.AppendUint64(dst, p.UncompressedSize)
	dst = varint.Encode(dst, uint64(len(p.Objects)))
	for _, o := range p.Objects {
		dst = o.encode(dst)
	}
	return dst
}

func decodePartHeader(b []byte) (PartHeader, int, error) {
	var p PartHeader
	if len(b) < 4+objid.Size+8+8 {
		return p, 0, fmt.Errorf("delta: truncated part header")
	}
	off := 0
	p.Version = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	checksum, err := objid.FromBytes(b[off : off+objid.Size])
	if err != nil {
		return p, 0, err
	}
	p.Checksum = checksum
	off += objid.Size
	p.CompressedSize = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.UncompressedSize = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	count, n, err := varint.Decode(b[off:])
	if err != nil {
		return p, 0, fmt.Errorf("delta: part header object count: %w", err)
	}
	off += n
	p.Objects = make([]ObjectRef, 0, count)
	for i := uint64(0); i < count; i++ {
		ref, n, err := decodeObjectRef(b[off:])
		if err != nil {
			return p, 0, err
		}
		off += n
		p.Objects = append(p.Objects, ref)
	}
	return p, off, nil
}

// FallbackEntry names an object the generator refused to pack (spec §4.5
// "Fallback entry"): the applicator must obtain it some other way, which
// is out of this module's scope, so a non-empty fallback list always
// fails offline application.
type FallbackEntry struct {
	Type             objid.Type
	ID               objid.ID
	CompressedSize   uint64
	UncompressedSize uint64
}

func (f FallbackEntry) encode(dst []byte) []byte {
	dst = append(dst, byte(f.Type))
	dst = append(dst, f.ID[:]...)
	dst = binary.BigEndian.AppendUint64(dst, f.CompressedSize)
	dst = binary.BigEndian.AppendUint64(dst, f.UncompressedSize)
	return dst
}

func decodeFallbackEntry(b []byte) (FallbackEntry, int, error) {
	var f FallbackEntry
	if len(b) < 1+objid.Size+8+8 {
		return f, 0, fmt.Errorf("delta: truncated fallback entry")
	}
	off := 0
	f.Type = objid.Type(b[off])
	off++
	id, err := objid.FromBytes(b[off : off+objid.Size])
	if err != nil {
		return f, 0, err
	}
	f.ID = id
	off += objid.Size
	f.CompressedSize = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	f.UncompressedSize = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	return f, off, nil
}

// Superblock is the top-level delta descriptor (spec §4.5 "Superblock").
type Superblock struct {
	Metadata       object.Metadata
	Timestamp      uint64
	From           objid.ID // zero value means "from scratch"
	To             objid.ID
	ToCommitRaw    []byte // TO's full canonical commit encoding, embedded
	AncestorDeltas []byte // reserved, always empty
	Parts          []PartHeader
	Fallbacks      []FallbackEntry

	// InlineData holds, parallel to Parts by index, a part's on-disk bytes
	// when the "inline-parts" tuning option folded it directly into the
	// superblock instead of a sibling file (spec §4.5 "inline-parts",
	// default false; meant for single-file deltas). A nil entry means that
	// part is stored as a sibling file instead.
	InlineData [][]byte
}

// Encode appends the canonical serialization of sb to dst.
func (sb Superblock) Encode(dst []byte) []byte {
	dst = sb.Metadata.Encode(dst)
	dst = binary.BigEndian.AppendUint64(dst, sb.Timestamp)
	dst = encodeOptionalID(dst, sb.From)
	dst = append(dst, sb.To[:]...)
	dst = varint.Encode(dst, uint64(len(sb.ToCommitRaw)))
	dst = append(dst, sb.ToCommitRaw...)
	dst = varint.Encode(dst, uint64(len(sb.AncestorDeltas)))
	dst = append(dst, sb.AncestorDeltas...)

	dst = varint.Encode(dst, uint64(len(sb.Parts)))
	for _, p := range sb.Parts {
		dst = p.encode(dst)
	}
	dst = varint.Encode(dst, uint64(len(sb.Fallbacks)))
	for _, f := range sb.Fallbacks {
		dst = f.encode(dst)
	}

	dst = varint.Encode(dst, uint64(len(sb.InlineData)))
	for _, d := range sb.InlineData {
		dst = varint.Encode(dst, uint64(len(d)))
		dst = append(dst, d...)
	}
	return dst
}

// DecodeSuperblock parses a Superblock previously written by Encode.
func DecodeSuperblock(b []byte) (Superblock, error) {
	var sb Superblock
	off := 0

	md, n, err := object.DecodeMetadata(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock metadata: %w", err)
	}
	sb.Metadata = md
	off += n

	if len(b)-off < 8 {
		return sb, fmt.Errorf("delta: superblock: truncated timestamp")
	}
	sb.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	from, n, err := decodeOptionalID(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock from: %w", err)
	}
	sb.From = from
	off += n

	if len(b)-off < objid.Size {
		return sb, fmt.Errorf("delta: superblock: truncated to id")
	}
	to, err := objid.FromBytes(b[off : off+objid.Size])
	if err != nil {
		return sb, err
	}
	sb.To = to
	off += objid.Size

	commitLen, n, err := varint.Decode(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock to-commit length: %w", err)
	}
	off += n
	if uint64(len(b)-off) < commitLen {
		return sb, fmt.Errorf("delta: superblock: truncated to-commit")
	}
	sb.ToCommitRaw = append([]byte(nil), b[off:off+int(commitLen)]...)
	off += int(commitLen)

	ancLen, n, err := varint.Decode(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock ancestor-deltas length: %w", err)
	}
	off += n
	if uint64(len(b)-off) < ancLen {
		return sb, fmt.Errorf("delta: superblock: truncated ancestor-deltas")
	}
	sb.AncestorDeltas = append([]byte(nil), b[off:off+int(ancLen)]...)
	off += int(ancLen)

	partCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock part count: %w", err)
	}
	off += n
	sb.Parts = make([]PartHeader, 0, partCount)
	for i := uint64(0); i < partCount; i++ {
		p, n, err := decodePartHeader(b[off:])
		if err != nil {
			return sb, err
		}
		off += n
		sb.Parts = append(sb.Parts, p)
	}

	fallbackCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock fallback count: %w", err)
	}
	off += n
	sb.Fallbacks = make([]FallbackEntry, 0, fallbackCount)
	for i := uint64(0); i < fallbackCount; i++ {
		f, n, err := decodeFallbackEntry(b[off:])
		if err != nil {
			return sb, err
		}
		off += n
		sb.Fallbacks = append(sb.Fallbacks, f)
	}

	inlineCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return sb, fmt.Errorf("delta: superblock inline-data count: %w", err)
	}
	off += n
	sb.InlineData = make([][]byte, 0, inlineCount)
	for i := uint64(0); i < inlineCount; i++ {
		length, n, err := varint.Decode(b[off:])
		if err != nil {
			return sb, fmt.Errorf("delta: superblock inline-data length: %w", err)
		}
		off += n
		if uint64(len(b)-off) < length {
			return sb, fmt.Errorf("delta: superblock: truncated inline data")
		}
		sb.InlineData = append(sb.InlineData, append([]byte(nil), b[off:off+int(length)]...))
		off += int(length)
	}

	if off != len(b) {
		return sb, fmt.Errorf("delta: superblock: %d trailing bytes", len(b)-off)
	}
	return sb, nil
}

// encodeOptionalID/decodeOptionalID mirror object/commit.go's Parent
// encoding: a zero id is "from scratch" rather than a real content hash,
// distinguished the same way a commit's absent parent is.
func encodeOptionalID(dst []byte, id objid.ID) []byte {
	if id.IsZero() {
		return varint.Encode(dst, 0)
	}
	dst = varint.Encode(dst, objid.Size)
	return append(dst, id[:]...)
}

func decodeOptionalID(b []byte) (objid.ID, int, error) {
	length, n, err := varint.Decode(b)
	if err != nil {
		return objid.ID{}, 0, err
	}
	off := n
	if length == 0 {
		return objid.ID{}, off, nil
	}
	if length != objid.Size {
		return objid.ID{}, 0, fmt.Errorf("delta: invalid id length %d", length)
	}
	if uint64(len(b)-off) < objid.Size {
		return objid.ID{}, 0, fmt.Errorf("delta: truncated id")
	}
	id, err := objid.FromBytes(b[off : off+objid.Size])
	if err != nil {
		return objid.ID{}, 0, err
	}
	return id, off + objid.Size, nil
}
