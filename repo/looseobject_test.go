package repo

import (
	"bytes"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

func newTestRepo(t *testing.T, cfg Config) *Repository {
	t.Helper()
	fs := memfs.New()
	r, err := Create(fs, cfg)
	require.NoError(t, err)
	return r
}

func TestWriteContentAndHas(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())

	txn, err := r.NewTransaction()
	require.NoError(t, err)

	header := object.FileHeader{UID: 1000, GID: 1000, Mode: 0o100644}
	payload := []byte("hello world")

	id, err := r.WriteContent(txn, nil, header, bytes.NewReader(payload))
	require.NoError(t, err)

	ok, err := r.Has(id, objid.TypeFile)
	require.NoError(t, err)
	require.True(t, ok, "object should be visible through the open transaction's staging dir before commit")

	require.NoError(t, txn.Commit())

	ok, err = r.Has(id, objid.TypeFile)
	require.NoError(t, err)
	require.True(t, ok, "object should be visible after commit")
}

// TestWriteContentCorruption mirrors spec.md's S1 scenario: supplying an
// expected id that does not match the content's actual hash must fail
// with a CorruptedObject and leave nothing written (spec §8 property 3).
func TestWriteContentCorruption(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())

	txn, err := r.NewTransaction()
	require.NoError(t, err)

	header := object.FileHeader{Mode: 0o100644}
	payload := []byte("genuine content")

	wrongID := objid.Sum256([]byte("not the real content"))
	_, err = r.WriteContent(txn, &wrongID, header, bytes.NewReader(payload))
	require.Error(t, err)

	co, ok := ostreeerr.AsCorruptedObject(err)
	require.True(t, ok)
	require.Equal(t, wrongID, co.Expected)
	require.NotEqual(t, wrongID, co.Got)

	require.ErrorIs(t, err, ostreeerr.Corrupted)
	require.NoError(t, txn.Abort())
}

func TestWriteMetadataRejectsFileType(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())
	txn, err := r.NewTransaction()
	require.NoError(t, err)

	_, err = r.WriteMetadata(txn, objid.TypeFile, nil, []byte("x"))
	require.Error(t, err)
}

func TestDeleteCommit(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())

	txn, err := r.NewTransaction()
	require.NoError(t, err)

	commitBytes := []byte("a fake canonical commit encoding")
	id, err := r.WriteMetadata(txn, objid.TypeCommit, nil, commitBytes)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	ok, err := r.Has(id, objid.TypeCommit)
	require.NoError(t, err)
	require.True(t, ok)

	txn2, err := r.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, r.Delete(txn2, id, objid.TypeCommit))
	require.NoError(t, txn2.Commit())

	ok, err = r.Has(id, objid.TypeCommit)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting the same commit again is NotFound (spec §9 open question
	// resolution, see DESIGN.md).
	txn3, err := r.NewTransaction()
	require.NoError(t, err)
	err = r.Delete(txn3, id, objid.TypeCommit)
	require.Error(t, err)
	require.ErrorIs(t, err, ostreeerr.NotFound)
	require.NoError(t, txn3.Abort())
}

func TestDeleteWritesTombstoneWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TombstoneCommits = true
	r := newTestRepo(t, cfg)

	txn, err := r.NewTransaction()
	require.NoError(t, err)
	id, err := r.WriteMetadata(txn, objid.TypeCommit, nil, []byte("commit body"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := r.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, r.Delete(txn2, id, objid.TypeCommit))
	require.NoError(t, txn2.Commit())

	tombstoneID := objid.Sum256(tombstoneValue(id))
	ok, err := r.Has(tombstoneID, objid.TypeTombstoneCommit)
	require.NoError(t, err)
	require.True(t, ok, "tombstone-commit object should have been written")
}

func TestOnlyOneTransactionAtATime(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())
	_, err := r.NewTransaction()
	require.NoError(t, err)

	_, err = r.NewTransaction()
	require.Error(t, err)
	require.ErrorIs(t, err, ostreeerr.StateConflict)
}
