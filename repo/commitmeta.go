package repo

import (
	"io"
	"os"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// ReadCommitMeta reads a commit's detached metadata sidecar (spec §4.2's
// commitmeta file: signatures and similar out-of-band data, stored
// alongside the commit object itself rather than inside it). A missing
// sidecar is not an error: it returns (nil, nil), the same "absence is
// fine" convention importDetachedMeta already applies on the import path.
func (r *Repository) ReadCommitMeta(id objid.ID) ([]byte, error) {
	f, err := r.fs.Open(commitMetaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.ReadCommitMeta", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.ReadCommitMeta", err)
	}
	return data, nil
}

// WriteCommitMeta writes (or replaces) a commit's detached metadata
// sidecar. A nil/empty data is a no-op, since there is nothing to
// restore.
func (r *Repository) WriteCommitMeta(id objid.ID, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := r.fs.MkdirAll(bucketPath(objectsDir, id), 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.WriteCommitMeta", err)
	}
	f, err := r.fs.Create(commitMetaPath(id))
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.WriteCommitMeta", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return ostreeerr.New(ostreeerr.KindIOError, "repo.WriteCommitMeta", err)
	}
	return f.Close()
}
