package varint_test

import (
	"math"
	"testing"

	"github.com/objtree/objtree/varint"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 0x6F, 0xA0, 0xFF, 0xF0F0, 0xCAFE, 0xCAFEBABE,
		math.MaxUint64 - 1, math.MaxUint64, math.MaxUint64 / 2,
	}

	for _, n := range cases {
		enc := varint.Encode(nil, n)
		require.LessOrEqual(t, len(enc), varint.MaxLen)

		got, used, err := varint.Decode(enc)
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.Equal(t, len(enc), used)
		require.LessOrEqual(t, used, 10)
	}
}

func TestEncodeCAFE(t *testing.T) {
	enc := varint.Encode(nil, 0xCAFE)
	require.Equal(t, []byte{0xFE, 0xD5, 0x03}, enc)

	n, used, err := varint.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, uint64(0xCAFE), n)
	require.Equal(t, 3, used)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := varint.Decode([]byte{0x80, 0x80})
	require.ErrorIs(t, err, varint.ErrTruncated)
}

func TestDecodeOverflow(t *testing.T) {
	overflow := make([]byte, 11)
	for i := range overflow {
		overflow[i] = 0x80
	}
	overflow[len(overflow)-1] = 0x01

	_, _, err := varint.Decode(overflow)
	require.ErrorIs(t, err, varint.ErrOverflow)
}
