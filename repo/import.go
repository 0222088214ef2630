package repo

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// trustedSum accumulates a SHA-256 over a copied object's bytes so an
// untrusted Import can verify the result against the id it was given.
type trustedSum struct {
	h *objid.Hasher
}

func newTrustedSum() *trustedSum {
	return &trustedSum{h: objid.NewHasher()}
}

func (s *trustedSum) Write(p []byte) (int, error) { return s.h.Write(p) }

func (s *trustedSum) id() objid.ID { return s.h.Sum() }

// Import copies one loose object from other into r, hardlinking when
// both repositories are in the same storage mode and share a filesystem,
// falling back to a copy otherwise (spec §4.2 "import"). EMLINK, EXDEV,
// and EPERM from the link attempt are treated as "hardlink not
// supported" and fall back to copy; EEXIST is treated as success.
//
// Cross-mode import (e.g. archive -> bare) is not attempted here: the two
// repositories' on-disk byte representations for file objects differ by
// mode, so an import between differing modes returns Unsupported. Cross-
// mode transfer is the object loader's job (spec §4.3), not the loose
// object store's.
func (r *Repository) Import(other *Repository, id objid.ID, typ objid.Type, trusted bool) error {
	if typ == objid.TypeFile && r.config.Mode != other.config.Mode {
		return ostreeerr.New(ostreeerr.KindUnsupported, "repo.Import",
			fmt.Errorf("cross-mode file import (%s -> %s) is not supported", other.config.Mode, r.config.Mode))
	}

	ok, err := r.Has(id, typ)
	if err != nil {
		return err
	}
	if ok {
		return r.importDetachedMeta(other, id, typ)
	}

	destExt, err := extFor(typ, r.config.Mode)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.Import", err)
	}
	srcExt, err := extFor(typ, other.config.Mode)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.Import", err)
	}

	destPath := loosePath(objectsDir, id, destExt)
	if err := r.fs.MkdirAll(bucketPath(objectsDir, id), 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}

	if r.tryHardlinkImport(other, id, srcExt, destPath) {
		return r.importDetachedMeta(other, id, typ)
	}

	if err := r.copyImport(other, loosePath(objectsDir, id, srcExt), destPath, id, typ, trusted); err != nil {
		return err
	}
	return r.importDetachedMeta(other, id, typ)
}

// tryHardlinkImport attempts linkat between the two repositories' real
// on-disk paths. It returns false (never an error) whenever linking is
// not applicable or not supported, so the caller always has a copy
// fallback path to take.
func (r *Repository) tryHardlinkImport(other *Repository, id objid.ID, srcExt, destRelPath string) bool {
	if r.root == "" || other.root == "" {
		return false
	}

	srcPath := other.root + "/" + loosePath(objectsDir, id, srcExt)
	dstPath := r.root + "/" + destRelPath

	err := unix.Link(srcPath, dstPath)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.EEXIST) {
		return true
	}
	// EMLINK/EXDEV/EPERM: hardlink not supported here, fall back to copy.
	return false
}

// copyImport copies srcRelPath (in other's filesystem) to destRelPath (in
// r's), verifying the result against id when trusted is false. Metadata
// objects (commit/dir-tree/dir-meta) are stored as their own canonical
// encoding, so their copied bytes can be hashed directly. File objects
// are not: in bare/bare-user mode the loose object is content bytes or a
// user.ostreemeta xattr rather than the id's hash input, and in archive
// mode it is zlib-compressed, so verifying a file object means decoding
// it back into header+payload and recomputing the canonical uncompressed
// framing's hash (spec §3.2) rather than hashing the copied bytes as-is.
func (r *Repository) copyImport(other *Repository, srcRelPath, destRelPath string, id objid.ID, typ objid.Type, trusted bool) error {
	src, err := other.fs.Open(srcRelPath)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	defer src.Close()

	tmpPath := joinPath(objectsDir, fmt.Sprintf("tmp-import-%s", id))
	dst, err := r.fs.Create(tmpPath)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}

	var hasher io.Writer
	var sum *trustedSum
	verifyByHash := !trusted && typ != objid.TypeFile
	if verifyByHash {
		sum = newTrustedSum()
		hasher = sum
	}

	w := io.Writer(dst)
	if hasher != nil {
		w = io.MultiWriter(dst, hasher)
	}

	if _, err := io.Copy(w, src); err != nil {
		_ = dst.Close()
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	if err := dst.Close(); err != nil {
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}

	if verifyByHash {
		if got := sum.id(); got != id {
			_ = r.fs.Remove(tmpPath)
			return &ostreeerr.CorruptedObject{Expected: id, Got: got}
		}
	}

	if !trusted && typ == objid.TypeFile {
		header, payload, err := r.decodeFileObjectAt(tmpPath)
		if err != nil {
			_ = r.fs.Remove(tmpPath)
			return ostreeerr.New(ostreeerr.KindCorruptedObject, "repo.Import", err)
		}
		if got := objid.Sum256(object.EncodeUncompressedFraming(header, payload)); got != id {
			_ = r.fs.Remove(tmpPath)
			return &ostreeerr.CorruptedObject{Expected: id, Got: got}
		}
	}

	if err := r.fs.Rename(tmpPath, destRelPath); err != nil {
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	return nil
}

// decodeFileObjectAt reads a file object at path, stored in r's own
// storage mode, back into its header and payload.
func (r *Repository) decodeFileObjectAt(path string) (object.FileHeader, []byte, error) {
	if r.config.Mode == ModeArchive {
		f, err := r.fs.Open(path)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		defer f.Close()
		header, _, zr, err := object.DecodeCompressedFramingHeader(f)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		payload, err := io.ReadAll(zr)
		return header, payload, err
	}

	load := r.loadBareFile
	if r.config.Mode == ModeBareUser {
		load = r.loadBareUserFile
	}
	header, rc, err := load(path)
	if err != nil {
		return object.FileHeader{}, nil, err
	}
	defer rc.Close()
	if header.Symlink != "" {
		return header, nil, nil
	}
	payload, err := io.ReadAll(rc)
	return header, payload, err
}

// importDetachedMeta copies a commit's detached metadata sidecar
// (signatures and similar), if any. Its absence is not an error.
func (r *Repository) importDetachedMeta(other *Repository, id objid.ID, typ objid.Type) error {
	if typ != objid.TypeCommit {
		return nil
	}

	src, err := other.fs.Open(commitMetaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	defer src.Close()

	if err := r.fs.MkdirAll(bucketPath(objectsDir, id), 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	dst, err := r.fs.Create(commitMetaPath(id))
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Import", err)
	}
	return dst.Close()
}
