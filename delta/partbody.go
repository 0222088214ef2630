package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/objtree/objtree/varint"
	"github.com/objtree/objtree/xattr"
)

// ModeEntry is one row of a part's owner/mode dedup table (spec §4.5 "Part
// body"): many files in a tree share the same (uid,gid,mode), so the
// opcode stream references rows here by index instead of repeating them.
// Rdev is not carried: every file object this store writes has Rdev 0
// (object.FileHeader's own comment), so there is nothing to dedup.
type ModeEntry struct {
	UID, GID, Mode uint32
}

func (m ModeEntry) encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.UID)
	dst = binary.BigEndian.AppendUint32(dst, m.GID)
	dst = binary.BigEndian.AppendUint32(dst, m.Mode)
	return dst
}

func decodeModeEntry(b []byte) (ModeEntry, int, error) {
	if len(b) < 12 {
		return ModeEntry{}, 0, fmt.Errorf("delta: truncated mode entry")
	}
	return ModeEntry{
		UID:  binary.BigEndian.Uint32(b[0:4]),
		GID:  binary.BigEndian.Uint32(b[4:8]),
		Mode: binary.BigEndian.Uint32(b[8:12]),
	}, 12, nil
}

// PartBody is a part's uncompressed payload (spec §4.5 "Part body"): the
// mode and xattr dedup tables, the content blob every opcode's
// blob_offset indexes into, and the opcode stream itself.
type PartBody struct {
	Modes       []ModeEntry
	XattrGroups []xattr.List
	Blob        []byte
	Ops         []byte
}

func (p PartBody) encode(dst []byte) []byte {
	dst = varint.Encode(dst, uint64(len(p.Modes)))
	for _, m := range p.Modes {
		dst = m.encode(dst)
	}

	dst = varint.Encode(dst, uint64(len(p.XattrGroups)))
	for _, xl := range p.XattrGroups {
		dst = xattr.Encode(dst, xl)
	}

	dst = varint.Encode(dst, uint64(len(p.Blob)))
	dst = append(dst, p.Blob...)

	dst = varint.Encode(dst, uint64(len(p.Ops)))
	dst = append(dst, p.Ops...)
	return dst
}

func decodePartBody(b []byte) (PartBody, error) {
	var p PartBody
	off := 0

	modeCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return p, fmt.Errorf("delta: part body mode count: %w", err)
	}
	off += n
	p.Modes = make([]ModeEntry, 0, modeCount)
	for i := uint64(0); i < modeCount; i++ {
		m, n, err := decodeModeEntry(b[off:])
		if err != nil {
			return p, err
		}
		off += n
		p.Modes = append(p.Modes, m)
	}

	xattrCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return p, fmt.Errorf("delta: part body xattr group count: %w", err)
	}
	off += n
	p.XattrGroups = make([]xattr.List, 0, xattrCount)
	for i := uint64(0); i < xattrCount; i++ {
		xl, n, err := xattr.Decode(b[off:])
		if err != nil {
			return p, fmt.Errorf("delta: part body xattr group: %w", err)
		}
		off += n
		p.XattrGroups = append(p.XattrGroups, xl)
	}

	blobLen, n, err := varint.Decode(b[off:])
	if err != nil {
		return p, fmt.Errorf("delta: part body blob length: %w", err)
	}
	off += n
	if uint64(len(b)-off) < blobLen {
		return p, fmt.Errorf("delta: part body: truncated blob")
	}
	p.Blob = append([]byte(nil), b[off:off+int(blobLen)]...)
	off += int(blobLen)

	opsLen, n, err := varint.Decode(b[off:])
	if err != nil {
		return p, fmt.Errorf("delta: part body ops length: %w", err)
	}
	off += n
	if uint64(len(b)-off) < opsLen {
		return p, fmt.Errorf("delta: part body: truncated ops")
	}
	p.Ops = append([]byte(nil), b[off:off+int(opsLen)]...)
	off += int(opsLen)

	if off != len(b) {
		return p, fmt.Errorf("delta: part body: %d trailing bytes", len(b)-off)
	}
	return p, nil
}

// compressionNone/compressionLZMA tag a part's on-disk framing (spec §4.5
// "compression" tuning parameter: currently always lzma, but the tag
// byte leaves room for a future "none" part without a format change).
const (
	compressionNone byte = 0
	compressionLZMA byte = 1
)

// encodePartFile builds a part's on-disk bytes: a one-byte compression
// tag followed by the (optionally LZMA-compressed) encoded PartBody.
func encodePartFile(body PartBody, compress bool) ([]byte, error) {
	raw := body.encode(nil)

	if !compress {
		return append([]byte{compressionNone}, raw...), nil
	}

	var compressed bytes.Buffer
	w, err := lzma.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("delta: lzma writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("delta: lzma compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("delta: lzma compress: %w", err)
	}

	out := make([]byte, 0, 1+compressed.Len())
	out = append(out, compressionLZMA)
	out = append(out, compressed.Bytes()...)
	return out, nil
}

// decodePartFile reverses encodePartFile, transparently decompressing
// when the part's tag says it is LZMA-framed.
func decodePartFile(raw []byte) (PartBody, error) {
	if len(raw) < 1 {
		return PartBody{}, fmt.Errorf("delta: empty part file")
	}
	tag, payload := raw[0], raw[1:]

	switch tag {
	case compressionNone:
		return decodePartBody(payload)
	case compressionLZMA:
		r, err := lzma.NewReader(bytes.NewReader(payload))
		if err != nil {
			return PartBody{}, fmt.Errorf("delta: lzma reader: %w", err)
		}
		decoded, err := io.ReadAll(r)
		if err != nil {
			return PartBody{}, fmt.Errorf("delta: lzma decompress: %w", err)
		}
		return decodePartBody(decoded)
	default:
		return PartBody{}, fmt.Errorf("delta: unknown part compression tag %d", tag)
	}
}
