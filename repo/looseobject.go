package repo

import (
	"fmt"
	"io"
	"os"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// Has reports whether id/typ exists: in the active transaction's staging
// dir first, then the primary objects dir, then recursively through the
// parent chain (spec §4.2 "has").
func (r *Repository) Has(id objid.ID, typ objid.Type) (bool, error) {
	ext, err := extFor(typ, r.config.Mode)
	if err != nil {
		return false, ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.Has", err)
	}

	if t := r.activeTxn(); t != nil {
		if ok, err := existsAt(r.fs, loosePath(t.StagingDir(), id, ext)); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}

	ok, err := existsAt(r.fs, loosePath(objectsDir, id, ext))
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	if r.parent != nil {
		return r.parent.Has(id, typ)
	}
	return false, nil
}

func (r *Repository) activeTxn() *Transaction {
	r.txnMu.Lock()
	defer r.txnMu.Unlock()
	return r.txn
}

func existsAt(fs interface{ Stat(string) (os.FileInfo, error) }, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, ostreeerr.New(ostreeerr.KindIOError, "repo.existsAt", err)
}

// WriteContent writes a file object's content inside an open transaction,
// computing its id as the SHA-256 of the canonical uncompressed framing
// regardless of storage mode (spec §3.2). If expectedID is non-nil and
// the computed id differs, the write fails with a *ostreeerr.CorruptedObject
// and no loose object is left behind (spec §4.2, §8 property 3).
func (r *Repository) WriteContent(t *Transaction, expectedID *objid.ID, header object.FileHeader, payload io.Reader) (objid.ID, error) {
	buf, err := io.ReadAll(payload)
	if err != nil {
		return objid.ID{}, ostreeerr.New(ostreeerr.KindIOError, "repo.WriteContent", err)
	}

	framing := object.EncodeUncompressedFraming(header, buf)
	id := objid.Sum256(framing)

	if expectedID != nil && id != *expectedID {
		return objid.ID{}, &ostreeerr.CorruptedObject{Expected: *expectedID, Got: id}
	}

	if r.config.Mode == ModeArchive {
		onDisk, err := object.EncodeCompressedFraming(header, buf)
		if err != nil {
			return objid.ID{}, ostreeerr.New(ostreeerr.KindIOError, "repo.WriteContent", err)
		}
		if err := r.writeStagedLoose(t, id, objid.TypeFile, onDisk); err != nil {
			return objid.ID{}, err
		}
		return id, nil
	}

	// Bare and bare-user modes store content bytes directly, with
	// metadata carried in real filesystem attributes (spec §3.3, §3.4)
	// rather than in the framing prefix used elsewhere.
	if err := r.writeStagedBareObject(t, id, header, buf); err != nil {
		return objid.ID{}, err
	}
	return id, nil
}

// writeStagedBareObject places a bare/bare-user mode file object at its
// two-level bucket path under the transaction's staging dir, the same
// layout writeStagedLoose uses, but through writeBareFile/
// writeBareUserFile instead of a plain byte-for-byte write.
func (r *Repository) writeStagedBareObject(t *Transaction, id objid.ID, header object.FileHeader, buf []byte) error {
	ext := r.config.Mode.fileExt()

	bucket := bucketPath(t.StagingDir(), id)
	if err := r.fs.MkdirAll(bucket, 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedBareObject", err)
	}

	finalPath := loosePath(t.StagingDir(), id, ext)

	var err error
	switch r.config.Mode {
	case ModeBare:
		err = r.writeBareFile(finalPath, header, buf)
	case ModeBareUser:
		err = r.writeBareUserFile(finalPath, header, buf)
	default:
		err = ostreeerr.New(ostreeerr.KindUnsupported, "repo.writeStagedBareObject",
			fmt.Errorf("mode %v has no bare file representation", r.config.Mode))
	}
	if err != nil {
		_ = r.fs.Remove(finalPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedBareObject", err)
	}

	if header.Symlink == "" {
		if err := r.fsyncFile(finalPath); err != nil {
			return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedBareObject", err)
		}
	}

	return nil
}

// WriteMetadata writes a commit/dir-tree/dir-meta object inside an open
// transaction (spec §4.2 "write_metadata"). value must already be the
// canonical encoding of the object (see the object package).
func (r *Repository) WriteMetadata(t *Transaction, typ objid.Type, expectedID *objid.ID, value []byte) (objid.ID, error) {
	if typ == objid.TypeFile {
		return objid.ID{}, ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.WriteMetadata",
			fmt.Errorf("use WriteContent for file objects"))
	}

	id := objid.Sum256(value)
	if expectedID != nil && id != *expectedID {
		return objid.ID{}, &ostreeerr.CorruptedObject{Expected: *expectedID, Got: id}
	}

	if err := r.writeStagedLoose(t, id, typ, value); err != nil {
		return objid.ID{}, err
	}
	return id, nil
}

// writeStagedLoose writes raw to a temp file under the transaction's
// staging directory and atomically renames it into the staging
// directory's own two-level bucket layout (spec §4.2: "write to a temp
// file in the staging dir...atomically renameat into the final two-level
// path"). The transaction's own staging layout mirrors objects/ exactly
// so Commit's rename pass is a plain directory-by-directory move.
func (r *Repository) writeStagedLoose(t *Transaction, id objid.ID, typ objid.Type, raw []byte) error {
	ext, err := extFor(typ, r.config.Mode)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.writeStagedLoose", err)
	}

	bucket := bucketPath(t.StagingDir(), id)
	if err := r.fs.MkdirAll(bucket, 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedLoose", err)
	}

	tmpPath := joinPath(t.StagingDir(), fmt.Sprintf("tmp-%s", id))
	f, err := r.fs.Create(tmpPath)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedLoose", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedLoose", err)
	}
	if err := f.Close(); err != nil {
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedLoose", err)
	}

	if err := r.fsyncFile(tmpPath); err != nil {
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedLoose", err)
	}

	finalPath := loosePath(t.StagingDir(), id, ext)
	if err := r.fs.Rename(tmpPath, finalPath); err != nil {
		_ = r.fs.Remove(tmpPath)
		return ostreeerr.New(ostreeerr.KindIOError, "repo.writeStagedLoose", err)
	}

	return nil
}

// Delete removes a loose object. For a commit, its detached metadata
// sidecar is also removed; if core.tombstone-commits is set, a
// tombstone-commit object is written first (spec §4.2). Deleting an
// already-deleted commit is NotFound (spec §9's resolution of that open
// question).
func (r *Repository) Delete(t *Transaction, id objid.ID, typ objid.Type) error {
	ok, err := r.Has(id, typ)
	if err != nil {
		return err
	}
	if !ok {
		return ostreeerr.New(ostreeerr.KindNotFound, "repo.Delete", fmt.Errorf("%s %s not found", typ, id))
	}

	if typ == objid.TypeCommit && r.config.TombstoneCommits {
		if _, err := r.WriteMetadata(t, objid.TypeTombstoneCommit, nil, tombstoneValue(id)); err != nil {
			return err
		}
	}

	ext, err := extFor(typ, r.config.Mode)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.Delete", err)
	}
	if err := r.fs.Remove(loosePath(objectsDir, id, ext)); err != nil && !os.IsNotExist(err) {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Delete", err)
	}

	if typ == objid.TypeCommit {
		if err := r.fs.Remove(commitMetaPath(id)); err != nil && !os.IsNotExist(err) {
			return ostreeerr.New(ostreeerr.KindIOError, "repo.Delete", err)
		}
	}

	return nil
}

// tombstoneValue is the trivial payload of a tombstone-commit object:
// just the id it marks deleted, so the object's own id differs from the
// commit it tombstones.
func tombstoneValue(id objid.ID) []byte {
	return append([]byte("tombstone:"), id[:]...)
}
