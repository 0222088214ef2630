package repo

import (
	"bytes"
	"io"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// LoadFile opens a file object's content stream and header, recursing
// through the parent chain on a local miss (spec §4.3 "load"). In archive
// mode the header comes back out of the canonical compressed framing; in
// bare/bare-user modes it is recovered from real filesystem attributes
// (or the user.ostreemeta xattr) rather than any framing prefix, matching
// how WriteContent stores each mode (spec §3.3, §3.4).
func (r *Repository) LoadFile(id objid.ID) (object.FileHeader, uint64, io.ReadCloser, error) {
	path := loosePath(objectsDir, id, r.config.Mode.fileExt())

	if r.config.Mode == ModeArchive {
		f, err := r.fs.Open(path)
		if err != nil {
			if r.parent != nil {
				if h, size, rc, perr := r.parent.LoadFile(id); perr == nil {
					return h, size, rc, nil
				}
			}
			return object.FileHeader{}, 0, nil, ostreeerr.New(ostreeerr.KindNotFound, "repo.LoadFile", err)
		}
		header, size, zr, err := object.DecodeCompressedFramingHeader(f)
		if err != nil {
			_ = f.Close()
			return object.FileHeader{}, 0, nil, ostreeerr.New(ostreeerr.KindCorruptedObject, "repo.LoadFile", err)
		}
		return header, size, &closeThrough{Reader: zr, closer: f}, nil
	}

	load := r.loadBareFile
	if r.config.Mode == ModeBareUser {
		load = r.loadBareUserFile
	}

	header, rc, err := load(path)
	if err != nil {
		if r.parent != nil {
			if h, size, prc, perr := r.parent.LoadFile(id); perr == nil {
				return h, size, prc, nil
			}
		}
		return object.FileHeader{}, 0, nil, ostreeerr.New(ostreeerr.KindNotFound, "repo.LoadFile", err)
	}

	if header.Symlink != "" {
		return header, 0, rc, nil
	}

	buf, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return object.FileHeader{}, 0, nil, ostreeerr.New(ostreeerr.KindIOError, "repo.LoadFile", err)
	}
	return header, uint64(len(buf)), io.NopCloser(bytes.NewReader(buf)), nil
}

// LoadMetadata reads a metadata object's (commit, dir-tree, or dir-meta)
// raw canonical encoding, recursing through the parent chain on a local
// miss. Callers decode the returned bytes with the object package.
func (r *Repository) LoadMetadata(id objid.ID, typ objid.Type) ([]byte, error) {
	ext, err := extFor(typ, r.config.Mode)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.LoadMetadata", err)
	}

	f, err := r.fs.Open(loosePath(objectsDir, id, ext))
	if err != nil {
		if r.parent != nil {
			if b, perr := r.parent.LoadMetadata(id, typ); perr == nil {
				return b, nil
			}
		}
		return nil, ostreeerr.New(ostreeerr.KindNotFound, "repo.LoadMetadata", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.LoadMetadata", err)
	}
	return raw, nil
}

// closeThrough adapts an io.Reader (typically a zlib reader) plus the
// underlying file it reads from into a single io.ReadCloser.
type closeThrough struct {
	io.Reader
	closer io.Closer
}

func (c *closeThrough) Close() error { return c.closer.Close() }
