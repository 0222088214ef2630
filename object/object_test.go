package object_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/xattr"
	"github.com/stretchr/testify/require"
)

func TestCommitRoundTrip(t *testing.T) {
	c := object.Commit{
		Metadata:  object.Metadata{"ostree.version": object.StringValue("1")},
		Parent:    objid.Sum256([]byte("parent")),
		Subject:   "a snapshot",
		Body:      "body text\nwith newlines",
		Timestamp: 1700000000,
		RootTree:  objid.Sum256([]byte("tree")),
		RootMeta:  objid.Sum256([]byte("meta")),
	}

	enc := c.Encode(nil)
	got, err := object.DecodeCommit(enc)
	require.NoError(t, err)
	require.Equal(t, c.Subject, got.Subject)
	require.Equal(t, c.Body, got.Body)
	require.Equal(t, c.Timestamp, got.Timestamp)
	require.Equal(t, c.RootTree, got.RootTree)
	require.Equal(t, c.RootMeta, got.RootMeta)
	require.Equal(t, c.Parent, got.Parent)
	s, ok := got.Metadata["ostree.version"].AsString()
	require.True(t, ok)
	require.Equal(t, "1", s)
}

func TestCommitEmptyParent(t *testing.T) {
	c := object.Commit{Subject: "root commit"}
	enc := c.Encode(nil)
	got, err := object.DecodeCommit(enc)
	require.NoError(t, err)
	require.True(t, got.Parent.IsZero())
}

func TestDirTreeRoundTrip(t *testing.T) {
	tree := object.DirTree{
		Files: []object.FileEntry{
			{Name: "b", Content: objid.Sum256([]byte("b"))},
			{Name: "a", Content: objid.Sum256([]byte("a"))},
		},
		Dirs: []object.DirEntry{
			{Name: "sub", Tree: objid.Sum256([]byte("t")), Meta: objid.Sum256([]byte("m"))},
		},
	}
	tree.Sort()

	enc := tree.Encode(nil)
	got, err := object.DecodeDirTree(enc)
	require.NoError(t, err)
	require.Equal(t, tree, got)
}

func TestDirTreeRejectsUnsorted(t *testing.T) {
	// Hand-build an encoding with out-of-order file names.
	tree := object.DirTree{
		Files: []object.FileEntry{
			{Name: "z", Content: objid.Sum256([]byte("z"))},
			{Name: "a", Content: objid.Sum256([]byte("a"))},
		},
	}
	enc := tree.Encode(nil) // not sorted on purpose
	_, err := object.DecodeDirTree(enc)
	require.Error(t, err)
}

func TestDirMetaRoundTrip(t *testing.T) {
	m := object.DirMeta{
		UID: 0, GID: 0, Mode: 0o40755,
		Xattrs: xattr.List{{Name: []byte("user.a"), Value: []byte("1")}},
	}
	enc := m.Encode(nil)
	got, err := object.DecodeDirMeta(enc)
	require.NoError(t, err)
	require.Equal(t, m.UID, got.UID)
	require.Equal(t, m.Mode, got.Mode)
	require.True(t, xattr.Equal(m.Xattrs, got.Xattrs))
}

func TestFileUncompressedFramingRoundTrip(t *testing.T) {
	h := object.FileHeader{UID: 0, GID: 0, Mode: 0o100644}
	payload := []byte("hi")

	framing := object.EncodeUncompressedFraming(h, payload)
	gotH, gotPayload, err := object.DecodeUncompressedFraming(framing)
	require.NoError(t, err)
	require.Equal(t, h.Mode, gotH.Mode)
	require.Equal(t, payload, gotPayload)
}

// TestS1KnownID matches spec.md's S1 end-to-end example: hashing the
// uncompressed framing of a synthetic header with uid=gid=0,
// mode=0100644 over "hi" is exercised in the repo package's write_content
// tests; here we only check the framing itself is stable byte-for-byte
// across repeated calls.
func TestFramingIsDeterministic(t *testing.T) {
	h := object.FileHeader{UID: 0, GID: 0, Mode: 0o100644}
	a := object.EncodeUncompressedFraming(h, []byte("hi"))
	b := object.EncodeUncompressedFraming(h, []byte("hi"))
	require.Equal(t, a, b)
}

func TestFileCompressedFramingRoundTrip(t *testing.T) {
	h := object.FileHeader{UID: 1000, GID: 1000, Mode: 0o100644}
	payload := []byte("hello, compressed world")

	framing, err := object.EncodeCompressedFraming(h, payload)
	require.NoError(t, err)

	gotH, size, r, err := object.DecodeCompressedFramingHeader(bytes.NewReader(framing))
	require.NoError(t, err)
	require.Equal(t, h.Mode, gotH.Mode)
	require.Equal(t, uint64(len(payload)), size)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
