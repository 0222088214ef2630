package repo

import (
	"os"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// MarkCommitPartial records that commit id's tree is only partially
// present locally (a shallow or in-progress pull left some file objects
// unfetched). This supplements spec §4.2's loose object store with the
// state/<id>.commitpartial marker original_source's repo-commit code
// keeps alongside it, so a checkout can refuse to run against an
// incomplete commit instead of producing a silently truncated tree.
func (r *Repository) MarkCommitPartial(id objid.ID) error {
	if err := r.fs.MkdirAll(stateDir, 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.MarkCommitPartial", err)
	}
	f, err := r.fs.Create(commitPartialPath(id))
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.MarkCommitPartial", err)
	}
	return f.Close()
}

// ClearCommitPartial removes the partial marker, typically once a pull
// has finished fetching every object the commit's tree reaches.
// Clearing an unmarked commit is not an error.
func (r *Repository) ClearCommitPartial(id objid.ID) error {
	if err := r.fs.Remove(commitPartialPath(id)); err != nil && !os.IsNotExist(err) {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.ClearCommitPartial", err)
	}
	return nil
}

// IsCommitPartial reports whether id is currently marked partial.
func (r *Repository) IsCommitPartial(id objid.ID) (bool, error) {
	return existsAt(r.fs, commitPartialPath(id))
}
