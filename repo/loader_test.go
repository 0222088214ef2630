package repo

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
)

func writeFile(t *testing.T, r *Repository, header object.FileHeader, payload []byte) objid.ID {
	t.Helper()
	txn, err := r.NewTransaction()
	require.NoError(t, err)
	id, err := r.WriteContent(txn, nil, header, bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return id
}

func TestLoadFileBareMode(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())
	header := object.FileHeader{UID: 7, GID: 7, Mode: 0o100644}
	payload := []byte("bare mode payload")
	id := writeFile(t, r, header, payload)

	gotHeader, size, rc, err := r.LoadFile(id)
	require.NoError(t, err)
	defer rc.Close()

	require.Equal(t, header.UID, gotHeader.UID)
	require.Equal(t, uint64(len(payload)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLoadFileArchiveMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeArchive
	r := newTestRepo(t, cfg)

	header := object.FileHeader{UID: 3, GID: 3, Mode: 0o100644}
	payload := []byte("archive mode payload, compressed on disk")
	id := writeFile(t, r, header, payload)

	gotHeader, size, rc, err := r.LoadFile(id)
	require.NoError(t, err)
	defer rc.Close()

	require.Equal(t, header.GID, gotHeader.GID)
	require.Equal(t, uint64(len(payload)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLoadFileFallsThroughToParent(t *testing.T) {
	parentCfg := DefaultConfig()
	parent := newTestRepo(t, parentCfg)

	header := object.FileHeader{Mode: 0o100644}
	payload := []byte("lives only in the parent")
	id := writeFile(t, parent, header, payload)

	// Build a child repo sharing the same mode, pointed at the parent via
	// config.Parent would require a real OS path; here we simulate the
	// fallback directly by wiring r.parent, exercising the same code path
	// Open's config.Parent handling uses.
	child := newTestRepo(t, DefaultConfig())
	child.parent = parent

	_, _, rc, err := child.LoadFile(id)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLoadMetadataNotFound(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())
	_, err := r.LoadMetadata(objid.Sum256([]byte("nope")), objid.TypeCommit)
	require.Error(t, err)
}
