package repo

import (
	"fmt"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// WalkEntry describes one node visited by Walk.
type WalkEntry struct {
	Path    string // slash-separated, rooted at "/"
	IsDir   bool
	TreeID  objid.ID // dir-tree id, valid when IsDir
	MetaID  objid.ID // dir-meta id, valid when IsDir
	Content objid.ID // file object id, valid when !IsDir
}

// WalkFunc is called once per tree node, parents before children, in the
// same sorted order the dir-tree objects themselves store (spec §3.1). A
// non-nil return stops the walk immediately, propagated as Walk's error.
type WalkFunc func(entry WalkEntry) error

// Walk traverses the filesystem tree a commit points at, without
// checking anything out to disk (a supplemented read-only counterpart to
// the checkout package, grounded on libostree's tree-walk helpers and
// go-git's object tree walker). It resolves the commit's root dir-tree
// and dir-meta, then visits every entry depth-first.
func (r *Repository) Walk(commitID objid.ID, fn WalkFunc) error {
	raw, err := r.LoadMetadata(commitID, objid.TypeCommit)
	if err != nil {
		return err
	}
	commit, err := object.DecodeCommit(raw)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindCorruptedObject, "repo.Walk", err)
	}

	return r.walkDir("/", commit.RootTree, commit.RootMeta, fn)
}

func (r *Repository) walkDir(path string, treeID, metaID objid.ID, fn WalkFunc) error {
	if err := fn(WalkEntry{Path: path, IsDir: true, TreeID: treeID, MetaID: metaID}); err != nil {
		return err
	}

	raw, err := r.LoadMetadata(treeID, objid.TypeDirTree)
	if err != nil {
		return err
	}
	tree, err := object.DecodeDirTree(raw)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindCorruptedObject, "repo.Walk", err)
	}

	for _, f := range tree.Files {
		if err := fn(WalkEntry{Path: childPath(path, f.Name), IsDir: false, Content: f.Content}); err != nil {
			return err
		}
	}
	for _, d := range tree.Dirs {
		if err := r.walkDir(childPath(path, d.Name), d.Tree, d.Meta, fn); err != nil {
			return err
		}
	}
	return nil
}

func childPath(parent, name string) string {
	if parent == "/" {
		return fmt.Sprintf("/%s", name)
	}
	return fmt.Sprintf("%s/%s", parent, name)
}
