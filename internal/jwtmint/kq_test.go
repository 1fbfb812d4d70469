package jwtmint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKqEncode_AsciiIsOneByteThroughput(t *testing.T) {
	out := kqEncode("abc")
	require.Equal(t, []byte{'a', 'b', 'c'}, out)
}

func TestKqEncode_CodeUnitAbove255EmitsTwoBytes(t *testing.T) {
	// U+0100 (256) doesn't fit in one kq byte, so the low byte comes first,
	// then the high byte.
	out := kqEncode(string(rune(0x0100)))
	require.Equal(t, []byte{0x00, 0x01}, out)
}

func TestUrlSafeB64RoundTrip(t *testing.T) {
	for _, in := range [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("ab"),
		[]byte("abc"),
		[]byte("abcd"),
		[]byte{0xff, 0xfe, 0x00, 0x10},
	} {
		encoded := urlSafeB64Encode(in)
		require.NotContains(t, encoded, "=")
		decoded, err := urlSafeB64Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, in, decoded)
	}
}

func TestDecodeXsrfToken_MatchesUrlSafeB64Decode(t *testing.T) {
	want := []byte("some-hmac-key-bytes")
	token := urlSafeB64Encode(want)
	got, err := decodeXsrfToken(token)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
