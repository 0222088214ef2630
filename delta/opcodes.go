package delta

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
	"github.com/objtree/objtree/repo"
	"github.com/objtree/objtree/varint"
	"github.com/objtree/objtree/xattr"
)

// Opcode bytes (spec §4.5 "Opcodes").
const (
	OpOpenSpliceClose byte = 1
	OpOpen            byte = 2
	OpWrite           byte = 3
	OpSetReadSource   byte = 4
	OpUnsetReadSource byte = 5
	OpClose           byte = 6
	OpBspatch         byte = 7
)

const (
	modeTypeMask    = 0o170000
	modeTypeSymlink = 0o120000
)

func isSymlinkMode(mode uint32) bool {
	return mode&modeTypeMask == modeTypeSymlink
}

// opReader walks a part's opcode stream one varint/byte at a time, the
// same incremental-cursor shape plumbing/format/packfile/patch_delta.go
// uses for its copy/insert instruction stream.
type opReader struct {
	b   []byte
	pos int
}

func (r *opReader) byte() (byte, bool) {
	if r.pos >= len(r.b) {
		return 0, false
	}
	v := r.b[r.pos]
	r.pos++
	return v, true
}

func (r *opReader) varint() (uint64, error) {
	v, n, err := varint.Decode(r.b[r.pos:])
	if err != nil {
		return 0, fmt.Errorf("delta: truncated opcode operand: %w", err)
	}
	r.pos += n
	return v, nil
}

func (r *opReader) done() bool { return r.pos >= len(r.b) }

func protoErr(op string, err error) error {
	return ostreeerr.New(ostreeerr.KindInvalidFormat, op, err)
}

// reconstructFileHeader rebuilds the FileHeader of a file object named by
// modeIdx/xattrIdx into body's dedup tables. Rdev is always 0 (the store
// never writes anything else), and Symlink is filled in by the caller
// once it knows whether the reconstructed bytes are a payload or a
// symlink target.
func reconstructFileHeader(body PartBody, modeIdx, xattrIdx uint64) (object.FileHeader, error) {
	if modeIdx >= uint64(len(body.Modes)) {
		return object.FileHeader{}, fmt.Errorf("mode index %d out of range (%d entries)", modeIdx, len(body.Modes))
	}
	if xattrIdx >= uint64(len(body.XattrGroups)) {
		return object.FileHeader{}, fmt.Errorf("xattr index %d out of range (%d entries)", xattrIdx, len(body.XattrGroups))
	}
	m := body.Modes[modeIdx]
	return object.FileHeader{UID: m.UID, GID: m.GID, Mode: m.Mode, Xattrs: body.XattrGroups[xattrIdx]}, nil
}

// splitFileHeaderContent decides, from the reconstructed header's mode
// bits, whether reconstructed bytes are a symlink target or a regular
// payload, filling in whichever FileHeader field applies.
func splitFileHeaderContent(h object.FileHeader, content []byte) (object.FileHeader, []byte) {
	if isSymlinkMode(h.Mode) {
		h.Symlink = string(content)
		return h, nil
	}
	return h, content
}

// execState tracks the single currently-open object, if any. The opcode
// stream is strictly sequential: only one object may be open at a time
// (spec §4.5's IDLE/OPEN state machine).
type execState struct {
	open       bool
	objIdx     int
	header     object.FileHeader
	expectSize uint64
	buf        []byte
	readSource []byte // nil means "unset": current source is body.Blob
	sourceSet  bool
}

// executeOps replays a part's opcode stream against repo, writing one
// trusted object per close (spec §4.5 "Offline application"). objects is
// the part header's declared object list, in the order opens/closes must
// produce them.
func executeOps(r *repo.Repository, t *repo.Transaction, body PartBody, objects []ObjectRef) error {
	rd := &opReader{b: body.Ops}
	var st execState
	objIdx := 0

	finishObject := func(content []byte) error {
		ref := objects[objIdx]
		header, payload := splitFileHeaderContent(st.header, content)
		id, err := r.WriteContent(t, &ref.ID, header, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if id != ref.ID {
			return protoErr("delta.executeOps", fmt.Errorf("object %d: computed id %s does not match declared id %s", objIdx, id, ref.ID))
		}
		objIdx++
		st = execState{}
		return nil
	}

	for !rd.done() {
		opcode, ok := rd.byte()
		if !ok {
			break
		}

		switch opcode {
		case OpOpenSpliceClose:
			if st.open {
				return protoErr("delta.executeOps", fmt.Errorf("open-splice-close while an object is already open"))
			}
			if objIdx >= len(objects) {
				return protoErr("delta.executeOps", fmt.Errorf("opcode stream exceeds declared object count %d", len(objects)))
			}
			ref := objects[objIdx]

			if ref.Type == objid.TypeFile {
				modeIdx, err := rd.varint()
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				xattrIdx, err := rd.varint()
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				size, err := rd.varint()
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				blobOffset, err := rd.varint()
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				if blobOffset+size > uint64(len(body.Blob)) {
					return protoErr("delta.executeOps", fmt.Errorf("blob range [%d:%d] out of range (%d bytes)", blobOffset, blobOffset+size, len(body.Blob)))
				}
				header, err := reconstructFileHeader(body, modeIdx, xattrIdx)
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				content := body.Blob[blobOffset : blobOffset+size]
				fh, payload := splitFileHeaderContent(header, content)
				id, err := r.WriteContent(t, &ref.ID, fh, bytes.NewReader(payload))
				if err != nil {
					return err
				}
				if id != ref.ID {
					return protoErr("delta.executeOps", fmt.Errorf("object %d: computed id %s does not match declared id %s", objIdx, id, ref.ID))
				}
			} else {
				size, err := rd.varint()
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				blobOffset, err := rd.varint()
				if err != nil {
					return protoErr("delta.executeOps", err)
				}
				if blobOffset+size > uint64(len(body.Blob)) {
					return protoErr("delta.executeOps", fmt.Errorf("blob range [%d:%d] out of range (%d bytes)", blobOffset, blobOffset+size, len(body.Blob)))
				}
				raw := body.Blob[blobOffset : blobOffset+size]
				id, err := r.WriteMetadata(t, ref.Type, &ref.ID, raw)
				if err != nil {
					return err
				}
				if id != ref.ID {
					return protoErr("delta.executeOps", fmt.Errorf("object %d: computed id %s does not match declared id %s", objIdx, id, ref.ID))
				}
			}
			objIdx++

		case OpOpen:
			if st.open {
				return protoErr("delta.executeOps", fmt.Errorf("open while an object is already open"))
			}
			if objIdx >= len(objects) {
				return protoErr("delta.executeOps", fmt.Errorf("opcode stream exceeds declared object count %d", len(objects)))
			}
			ref := objects[objIdx]
			if ref.Type != objid.TypeFile {
				return protoErr("delta.executeOps", fmt.Errorf("open used for non-file object %d", objIdx))
			}
			modeIdx, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			xattrIdx, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			size, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			header, err := reconstructFileHeader(body, modeIdx, xattrIdx)
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			st = execState{open: true, objIdx: objIdx, header: header, expectSize: size}

		case OpWrite:
			if !st.open {
				return protoErr("delta.executeOps", fmt.Errorf("write while idle"))
			}
			length, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			srcOffset, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			src := body.Blob
			if st.sourceSet {
				src = st.readSource
			}
			if srcOffset+length > uint64(len(src)) {
				return protoErr("delta.executeOps", fmt.Errorf("write range [%d:%d] out of range (%d bytes)", srcOffset, srcOffset+length, len(src)))
			}
			st.buf = append(st.buf, src[srcOffset:srcOffset+length]...)

		case OpSetReadSource:
			if !st.open {
				return protoErr("delta.executeOps", fmt.Errorf("set-read-source while idle"))
			}
			blobOffset, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			if blobOffset+uint64(objid.Size) > uint64(len(body.Blob)) {
				return protoErr("delta.executeOps", fmt.Errorf("set-read-source id offset %d out of range", blobOffset))
			}
			srcID, err := objid.FromBytes(body.Blob[blobOffset : blobOffset+uint64(objid.Size)])
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			_, _, rc, err := r.LoadFile(srcID)
			if err != nil {
				return protoErr("delta.executeOps", fmt.Errorf("set-read-source %s: %w", srcID, err))
			}
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			st.readSource = data
			st.sourceSet = true

		case OpUnsetReadSource:
			if !st.open {
				return protoErr("delta.executeOps", fmt.Errorf("unset-read-source while idle"))
			}
			st.readSource = nil
			st.sourceSet = false

		case OpBspatch:
			if !st.open {
				return protoErr("delta.executeOps", fmt.Errorf("bspatch while idle"))
			}
			if !st.sourceSet {
				return protoErr("delta.executeOps", fmt.Errorf("bspatch with no read source set"))
			}
			length, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			blobOffset, err := rd.varint()
			if err != nil {
				return protoErr("delta.executeOps", err)
			}
			if blobOffset+length > uint64(len(body.Blob)) {
				return protoErr("delta.executeOps", fmt.Errorf("bspatch range [%d:%d] out of range (%d bytes)", blobOffset, blobOffset+length, len(body.Blob)))
			}
			patch := body.Blob[blobOffset : blobOffset+length]
			patched, err := bspatch.Bytes(st.readSource, patch)
			if err != nil {
				return protoErr("delta.executeOps", fmt.Errorf("bspatch: %w", err))
			}
			st.buf = append(st.buf, patched...)

		case OpClose:
			if !st.open {
				return protoErr("delta.executeOps", fmt.Errorf("close while idle"))
			}
			if err := finishObject(st.buf); err != nil {
				return err
			}

		default:
			return protoErr("delta.executeOps", fmt.Errorf("unknown opcode %d", opcode))
		}
	}

	if st.open {
		return protoErr("delta.executeOps", fmt.Errorf("opcode stream ended with an object still open"))
	}
	if objIdx != len(objects) {
		return protoErr("delta.executeOps", fmt.Errorf("opcode stream produced %d objects, part declares %d", objIdx, len(objects)))
	}
	return nil
}

// xattrKey returns a byte-comparable key for deduplicating xattr.List
// values in a part builder's table.
func xattrKey(xl xattr.List) string {
	return string(xattr.Encode(nil, xl))
}
