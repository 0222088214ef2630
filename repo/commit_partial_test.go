package repo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objtree/objtree/objid"
)

func TestCommitPartialMarker(t *testing.T) {
	r := newTestRepo(t, DefaultConfig())
	id := objid.Sum256([]byte("some commit"))

	partial, err := r.IsCommitPartial(id)
	require.NoError(t, err)
	require.False(t, partial)

	require.NoError(t, r.MarkCommitPartial(id))
	partial, err = r.IsCommitPartial(id)
	require.NoError(t, err)
	require.True(t, partial)

	require.NoError(t, r.ClearCommitPartial(id))
	partial, err = r.IsCommitPartial(id)
	require.NoError(t, err)
	require.False(t, partial)

	// Clearing an unmarked commit is not an error.
	require.NoError(t, r.ClearCommitPartial(id))
}
