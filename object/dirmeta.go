package object

import (
	"encoding/binary"
	"fmt"

	"github.com/objtree/objtree/xattr"
)

// DirMeta is the metadata (owner, mode, xattrs) of one directory, kept
// separate from its listing so identical contents with different
// permissions can still share a DirTree object (spec §3.1, glossary).
type DirMeta struct {
	UID, GID, Mode uint32
	Xattrs         xattr.List
}

// Encode appends the canonical serialization of m to dst.
func (m DirMeta) Encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.UID)
	dst = binary.BigEndian.AppendUint32(dst, m.GID)
	dst = binary.BigEndian.AppendUint32(dst, m.Mode)
	dst = xattr.Encode(dst, m.Xattrs)
	return dst
}

// DecodeDirMeta parses a DirMeta previously written by Encode.
func DecodeDirMeta(b []byte) (DirMeta, error) {
	var m DirMeta
	if len(b) < 12 {
		return m, fmt.Errorf("object: dirmeta: truncated header")
	}
	m.UID = binary.BigEndian.Uint32(b[0:4])
	m.GID = binary.BigEndian.Uint32(b[4:8])
	m.Mode = binary.BigEndian.Uint32(b[8:12])

	xl, n, err := xattr.Decode(b[12:])
	if err != nil {
		return m, fmt.Errorf("object: dirmeta xattrs: %w", err)
	}
	if 12+n != len(b) {
		return m, fmt.Errorf("object: dirmeta: %d trailing bytes", len(b)-12-n)
	}
	m.Xattrs = xl
	return m, nil
}
