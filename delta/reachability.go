package delta

import (
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/repo"
)

// reach returns every object reachable from commitID: the commit object
// itself plus every dir-tree, dir-meta, and file object its tree walk
// visits (spec §4.5 "Generation algorithm" step 1), grounded on
// repo.Walk the same way plumbing/revlist/revlist.go builds a reachable
// commit set by walking parent edges.
func reach(r *repo.Repository, commitID objid.ID) (map[ObjectRef]struct{}, error) {
	set := map[ObjectRef]struct{}{
		{Type: objid.TypeCommit, ID: commitID}: {},
	}

	err := r.Walk(commitID, func(entry repo.WalkEntry) error {
		if entry.IsDir {
			set[ObjectRef{Type: objid.TypeDirTree, ID: entry.TreeID}] = struct{}{}
			set[ObjectRef{Type: objid.TypeDirMeta, ID: entry.MetaID}] = struct{}{}
		} else {
			set[ObjectRef{Type: objid.TypeFile, ID: entry.Content}] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// NewObjects computes NEW = reach(to) \ reach(from) (spec §4.5 step 1),
// without the per-object tree paths Generate itself needs for the
// similar-pair search. Useful on its own for a caller that only wants to
// size or enumerate a prospective delta's object set before committing to
// a full Generate call. An empty/zero from means "from scratch": every
// object reach(to) names is new. from must already be present locally
// when non-zero; the caller is responsible for that check (spec §4.5
// "Offline application" applies the same requirement symmetrically to
// apply-side FROM).
func NewObjects(r *repo.Repository, from, to objid.ID) ([]ObjectRef, error) {
	toSet, err := reach(r, to)
	if err != nil {
		return nil, err
	}

	if !from.IsZero() {
		fromSet, err := reach(r, from)
		if err != nil {
			return nil, err
		}
		for ref := range fromSet {
			delete(toSet, ref)
		}
	}

	out := make([]ObjectRef, 0, len(toSet))
	for ref := range toSet {
		out = append(out, ref)
	}
	return out, nil
}
