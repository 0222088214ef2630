package commitbuilder

import (
	"bytes"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/repo"
)

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	r, err := repo.Create(memfs.New(), repo.DefaultConfig())
	require.NoError(t, err)
	return r
}

func TestBuildSimpleTree(t *testing.T) {
	r := newTestRepo(t)
	txn, err := r.NewTransaction()
	require.NoError(t, err)

	b := New(r, txn)
	b.SetDirMeta("/", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("README.md", object.FileHeader{Mode: 0o100644}, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	_, err = b.AddFile("src/main.go", object.FileHeader{Mode: 0o100644}, bytes.NewReader([]byte("package main")))
	require.NoError(t, err)
	b.SetDirMeta("src", object.DirMeta{Mode: 0o40700})

	rootTree, rootMeta, err := b.Build()
	require.NoError(t, err)
	require.False(t, rootTree.IsZero())
	require.False(t, rootMeta.IsZero())
	require.NoError(t, txn.Commit())

	raw, err := r.LoadMetadata(rootTree, objid.TypeDirTree)
	require.NoError(t, err)
	tree, err := object.DecodeDirTree(raw)
	require.NoError(t, err)
	require.Len(t, tree.Files, 1)
	require.Equal(t, "README.md", tree.Files[0].Name)
	require.Len(t, tree.Dirs, 1)
	require.Equal(t, "src", tree.Dirs[0].Name)
}

func TestBuildIsDeterministic(t *testing.T) {
	build := func() (objid.ID, objid.ID) {
		r := newTestRepo(t)
		txn, err := r.NewTransaction()
		require.NoError(t, err)
		b := New(r, txn)
		_, err = b.AddFile("b.txt", object.FileHeader{Mode: 0o100644}, bytes.NewReader([]byte("b")))
		require.NoError(t, err)
		_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, bytes.NewReader([]byte("a")))
		require.NoError(t, err)
		tree, meta, err := b.Build()
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
		return tree, meta
	}

	tree1, meta1 := build()
	tree2, meta2 := build()
	require.Equal(t, tree1, tree2, "identical content in different insertion order must hash identically")
	require.Equal(t, meta1, meta2)
}

func TestAddFileByDevinoSkipsRewrite(t *testing.T) {
	r := newTestRepo(t)
	txn, err := r.NewTransaction()
	require.NoError(t, err)
	b := New(r, txn)

	id1, err := b.AddFileByDevino(1, 100, "a.txt", object.FileHeader{Mode: 0o100644}, bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.Equal(t, 1, r.Devino().Len())

	txn2, err := r.NewTransaction()
	require.NoError(t, err)
	b2 := New(r, txn2)
	id2, err := b2.AddFileByDevino(1, 100, "a.txt", object.FileHeader{Mode: 0o100644}, nil)
	require.NoError(t, err)
	require.NoError(t, txn2.Commit())

	require.Equal(t, id1, id2)
}

func TestBuildCommitPointsAtRoot(t *testing.T) {
	r := newTestRepo(t)
	txn, err := r.NewTransaction()
	require.NoError(t, err)
	b := New(r, txn)
	_, err = b.AddFile("f", object.FileHeader{Mode: 0o100644}, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	commitID, err := BuildCommit(b, "initial commit", "", 1700000000, objid.ID{}, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	raw, err := r.LoadMetadata(commitID, objid.TypeCommit)
	require.NoError(t, err)
	commit, err := object.DecodeCommit(raw)
	require.NoError(t, err)
	require.Equal(t, "initial commit", commit.Subject)
	require.True(t, commit.Parent.IsZero())
}
