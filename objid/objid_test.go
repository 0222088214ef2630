package objid_test

import (
	"testing"

	"github.com/objtree/objtree/objid"
	"github.com/stretchr/testify/require"
)

func TestHexRoundTrip(t *testing.T) {
	id := objid.Sum256([]byte("hello"))
	s := id.String()
	require.Len(t, s, objid.HexSize)

	got, err := objid.FromHex(s)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestFromHexInvalidLength(t *testing.T) {
	_, err := objid.FromHex("deadbeef")
	require.ErrorIs(t, err, objid.ErrInvalidLength)
}

func TestFromBytesInvalidLength(t *testing.T) {
	_, err := objid.FromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, objid.ErrInvalidLength)
}

func TestHasherMatchesSum256(t *testing.T) {
	h := objid.NewHasher()
	_, err := h.Write([]byte("hi"))
	require.NoError(t, err)

	require.Equal(t, objid.Sum256([]byte("hi")), h.Sum())
}

func TestZero(t *testing.T) {
	var id objid.ID
	require.True(t, id.IsZero())

	id = objid.Sum256([]byte("x"))
	require.False(t, id.IsZero())
}
