package repo

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/require"

	"github.com/objtree/objtree/object"
)

// TestBareModeStoresRealFileAttributes exercises writeBareFile/loadBareFile
// against a real OS directory (spec §3.3, §3.4): the loose object must be
// the content bytes alone, with ownership/mode recovered from the real
// inode rather than any framing prefix.
func TestBareModeStoresRealFileAttributes(t *testing.T) {
	fs := osfs.New(t.TempDir())
	cfg := DefaultConfig()
	r, err := Create(fs, cfg)
	require.NoError(t, err)

	header := object.FileHeader{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), Mode: 0o100644}
	payload := []byte("content bytes directly")

	txn, err := r.NewTransaction()
	require.NoError(t, err)
	id, err := r.WriteContent(txn, nil, header, bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	path, ok := r.BareFileObjectPath(id)
	require.True(t, ok)

	raw, err := os.ReadFile(r.root + "/" + path)
	require.NoError(t, err)
	require.Equal(t, payload, raw, "bare mode must store content bytes directly, not the id framing")

	gotHeader, size, rc, err := r.LoadFile(id)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, header.Mode, gotHeader.Mode)
	require.Equal(t, uint64(len(payload)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestBareUserModeStoresOstreeMetaXattr checks that bare-user mode keeps
// true ownership/mode in the user.ostreemeta xattr while the real inode's
// content is still the raw payload (spec §3.4).
func TestBareUserModeStoresOstreeMetaXattr(t *testing.T) {
	fs := osfs.New(t.TempDir())
	cfg := DefaultConfig()
	cfg.Mode = ModeBareUser
	r, err := Create(fs, cfg)
	require.NoError(t, err)

	header := object.FileHeader{UID: 4242, GID: 4242, Mode: 0o100640}
	payload := []byte("bare-user content")

	txn, err := r.NewTransaction()
	require.NoError(t, err)
	id, err := r.WriteContent(txn, nil, header, bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	path, ok := r.BareFileObjectPath(id)
	require.True(t, ok)

	raw, err := os.ReadFile(r.root + "/" + path)
	require.NoError(t, err)
	require.Equal(t, payload, raw)

	gotHeader, _, rc, err := r.LoadFile(id)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, header.UID, gotHeader.UID, "true uid must come from user.ostreemeta, not the forced-owner inode")
	require.Equal(t, header.Mode, gotHeader.Mode)
}
