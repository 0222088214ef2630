// Package object implements the canonical serialization of the four
// object variants named in spec §3.1 (commit, dir-tree, dir-meta, file)
// plus the content-stream framing of spec §3.2. Every encode function is
// deterministic byte-for-byte given the same Go value, which is what lets
// object ids be pure content hashes.
package object

import (
	"encoding/binary"
	"fmt"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/varint"
)

// Commit is the top-level object naming a filesystem-tree snapshot.
type Commit struct {
	Metadata   Metadata
	Parent     objid.ID // zero value means "no parent"
	Subject    string
	Body       string
	Timestamp  uint64 // seconds since the UNIX epoch
	RootTree   objid.ID
	RootMeta   objid.ID
}

// Encode appends the canonical serialization of c to dst.
func (c Commit) Encode(dst []byte) []byte {
	dst = c.Metadata.Encode(dst)
	dst = encodeOptionalID(dst, c.Parent)
	dst = encodeString(dst, c.Subject)
	dst = encodeString(dst, c.Body)
	dst = binary.BigEndian.AppendUint64(dst, c.Timestamp)
	dst = append(dst, c.RootTree[:]...)
	dst = append(dst, c.RootMeta[:]...)
	return dst
}

// DecodeCommit parses a Commit previously written by Encode.
func DecodeCommit(b []byte) (Commit, error) {
	var c Commit
	off := 0

	md, n, err := decodeMetadata(b[off:])
	if err != nil {
		return c, fmt.Errorf("object: commit metadata: %w", err)
	}
	c.Metadata = md
	off += n

	parent, n, err := decodeOptionalID(b[off:])
	if err != nil {
		return c, fmt.Errorf("object: commit parent: %w", err)
	}
	c.Parent = parent
	off += n

	subject, n, err := decodeString(b[off:])
	if err != nil {
		return c, fmt.Errorf("object: commit subject: %w", err)
	}
	c.Subject = subject
	off += n

	body, n, err := decodeString(b[off:])
	if err != nil {
		return c, fmt.Errorf("object: commit body: %w", err)
	}
	c.Body = body
	off += n

	if len(b)-off < 8+objid.Size*2 {
		return c, fmt.Errorf("object: commit: truncated trailer")
	}
	c.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	copy(c.RootTree[:], b[off:off+objid.Size])
	off += objid.Size
	copy(c.RootMeta[:], b[off:off+objid.Size])
	off += objid.Size

	if off != len(b) {
		return c, fmt.Errorf("object: commit: %d trailing bytes", len(b)-off)
	}

	return c, nil
}

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
		return objid.ID{}, 0, fmt.Errorf("invalid id length %d", length)
	}
	if len(b)-off < objid.Size {
		return objid.ID{}, 0, fmt.Errorf("truncated id")
	}
	id, err := objid.FromBytes(b[off : off+objid.Size])
	if err != nil {
		return objid.ID{}, 0, err
	}
	return id, off + objid.Size, nil
}

func encodeString(dst []byte, s string) []byte {
	dst = varint.Encode(dst, uint64(len(s)))
	return append(dst, s...)
}

func decodeString(b []byte) (string, int, error) {
	length, n, err := varint.Decode(b)
	if err != nil {
		return "", 0, err
	}
	off := n
	if uint64(len(b)-off) < length {
		return "", 0, fmt.Errorf("truncated string")
	}
	s := string(b[off : off+int(length)])
	return s, off + int(length), nil
}
