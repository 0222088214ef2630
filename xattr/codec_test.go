package xattr_test

import (
	"testing"

	"github.com/objtree/objtree/xattr"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := xattr.List{
		{Name: []byte("security.selinux"), Value: []byte("unconfined_u")},
		{Name: []byte("user.foo"), Value: []byte("bar")},
	}
	l.Sort()

	enc := xattr.Encode(nil, l)
	got, n, err := xattr.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	require.True(t, xattr.Equal(l, got))
}

func TestEncodeDecodeEmpty(t *testing.T) {
	enc := xattr.Encode(nil, nil)
	got, n, err := xattr.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	require.Empty(t, got)
}

func TestDecodeRejectsUnsorted(t *testing.T) {
	unsorted := xattr.List{
		{Name: []byte("zzz"), Value: []byte("1")},
		{Name: []byte("aaa"), Value: []byte("2")},
	}
	enc := xattr.Encode(nil, unsorted)
	_, _, err := xattr.Decode(enc)
	require.Error(t, err)
}
