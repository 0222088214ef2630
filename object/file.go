package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/objtree/objtree/varint"
	"github.com/objtree/objtree/xattr"
)

// FileHeader is the per-file metadata carried in a file object's content
// stream (spec §3.1, §3.2). Rdev is always 0 in this store (spec §3.1); it
// is kept so the on-disk shape matches the spec's header-record exactly.
type FileHeader struct {
	UID, GID, Mode, Rdev uint32
	Symlink              string // empty unless this is a symlink
	Xattrs               xattr.List
}

func (h FileHeader) encodeFields(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.UID)
	dst = binary.BigEndian.AppendUint32(dst, h.GID)
	dst = binary.BigEndian.AppendUint32(dst, h.Mode)
	dst = binary.BigEndian.AppendUint32(dst, h.Rdev)
	dst = encodeString(dst, h.Symlink)
	dst = xattr.Encode(dst, h.Xattrs)
	return dst
}

func decodeHeaderFields(b []byte) (FileHeader, int, error) {
	var h FileHeader
	if len(b) < 16 {
		return h, 0, fmt.Errorf("object: file header: truncated fixed fields")
	}
	h.UID = binary.BigEndian.Uint32(b[0:4])
	h.GID = binary.BigEndian.Uint32(b[4:8])
	h.Mode = binary.BigEndian.Uint32(b[8:12])
	h.Rdev = binary.BigEndian.Uint32(b[12:16])
	off := 16

	symlink, n, err := decodeString(b[off:])
	if err != nil {
		return h, 0, fmt.Errorf("object: file header symlink: %w", err)
	}
	h.Symlink = symlink
	off += n

	xl, n, err := xattr.Decode(b[off:])
	if err != nil {
		return h, 0, fmt.Errorf("object: file header xattrs: %w", err)
	}
	h.Xattrs = xl
	off += n

	return h, off, nil
}

// EncodeUncompressedFraming builds the framing whose SHA-256 is the
// file-object id (spec §3.2), regardless of how it is actually stored on
// disk: BE-u32 header-length || header-record{uid,gid,mode,rdev,symlink,
// xattrs} || payload.
func EncodeUncompressedFraming(h FileHeader, payload []byte) []byte {
	header := h.encodeFields(nil)

	out := make([]byte, 0, 4+len(header)+len(payload))
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// DecodeUncompressedFraming parses framing built by EncodeUncompressedFraming.
func DecodeUncompressedFraming(b []byte) (FileHeader, []byte, error) {
	if len(b) < 4 {
		return FileHeader{}, nil, fmt.Errorf("object: file stream: truncated header length")
	}
	headerLen := binary.BigEndian.Uint32(b[0:4])
	off := 4
	if uint64(len(b)-off) < uint64(headerLen) {
		return FileHeader{}, nil, fmt.Errorf("object: file stream: truncated header")
	}

	h, n, err := decodeHeaderFields(b[off : off+int(headerLen)])
	if err != nil {
		return FileHeader{}, nil, err
	}
	if n != int(headerLen) {
		return FileHeader{}, nil, fmt.Errorf("object: file stream: %d trailing header bytes", int(headerLen)-n)
	}
	off += int(headerLen)

	return h, b[off:], nil
}

// compressedHeader is the compressed-storage-mode header record (spec
// §3.2): the same fields as the uncompressed framing, plus the
// uncompressed payload size up front.
type compressedHeader struct {
	FileHeader
	Size uint64
}

func (h compressedHeader) encode(dst []byte) []byte {
	dst = varint.Encode(dst, h.Size)
	return h.FileHeader.encodeFields(dst)
}

func decodeCompressedHeader(b []byte) (compressedHeader, int, error) {
	size, n, err := varint.Decode(b)
	if err != nil {
		return compressedHeader{}, 0, fmt.Errorf("object: compressed header size: %w", err)
	}
	off := n

	fh, nn, err := decodeHeaderFields(b[off:])
	if err != nil {
		return compressedHeader{}, 0, err
	}
	off += nn

	return compressedHeader{FileHeader: fh, Size: size}, off, nil
}

// EncodeCompressedFraming builds the archive-mode on-disk stream (spec
// §3.2, §3.3 ".filez"): BE-u32 header-length || header-record{size,uid,
// gid,mode,rdev,symlink,xattrs} || zlib(payload).
func EncodeCompressedFraming(h FileHeader, payload []byte) ([]byte, error) {
	ch := compressedHeader{FileHeader: h, Size: uint64(len(payload))}
	header := ch.encode(nil)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("object: zlib compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("object: zlib compress: %w", err)
	}

	out := make([]byte, 0, 4+len(header)+compressed.Len())
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, compressed.Bytes()...)
	return out, nil
}

// DecodeCompressedFramingHeader parses only the header of an archive-mode
// stream, leaving the caller a reader over the zlib-compressed tail. This
// is the shape the object loader needs (spec §4.3): it wants to decide
// whether to map or read the file before committing to decompressing the
// whole payload.
func DecodeCompressedFramingHeader(r io.Reader) (FileHeader, uint64, io.Reader, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return FileHeader{}, 0, nil, fmt.Errorf("object: compressed stream: header length: %w", err)
	}
	headerLen := binary.BigEndian.Uint32(lenBuf[:])

	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return FileHeader{}, 0, nil, fmt.Errorf("object: compressed stream: header: %w", err)
	}

	ch, n, err := decodeCompressedHeader(headerBuf)
	if err != nil {
		return FileHeader{}, 0, nil, err
	}
	if n != len(headerBuf) {
		return FileHeader{}, 0, nil, fmt.Errorf("object: compressed stream: %d trailing header bytes", len(headerBuf)-n)
	}

	zr, err := zlib.NewReader(r)
	if err != nil {
		return FileHeader{}, 0, nil, fmt.Errorf("object: compressed stream: zlib: %w", err)
	}

	return ch.FileHeader, ch.Size, zr, nil
}
