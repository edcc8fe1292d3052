package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBCDRoundTrip(t *testing.T) {
	// P1: BCD round-trip for both endiannesses across a spread of byte lengths.
	for _, byteLen := range []int{1, 2, 3, 4} {
		max := uint64(1)
		for i := 0; i < 2*byteLen; i++ {
			max *= 10
		}
		for _, v := range []uint64{0, 1, 9, 10, 99, max / 2, max - 1} {
			for _, le := range []bool{true, false} {
				enc, err := EncodeBCD(v, byteLen, le)
				require.NoError(t, err)
				got, err := DecodeBCD(enc, le)
				require.NoError(t, err)
				require.Equal(t, v, got, "byteLen=%d le=%v v=%d", byteLen, le, v)
			}
		}
	}
}

func TestEncodeBCDOverflow(t *testing.T) {
	_, err := EncodeBCD(100, 1, true)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindMalformedFrame, kind)
}

func TestDecodeBCDInvalidNibble(t *testing.T) {
	_, err := DecodeBCD([]byte{0xAB}, true)
	require.Error(t, err)
}

func TestOffsetInvolution(t *testing.T) {
	// P2: removeOffset(applyOffset(b)) == b for all byte sequences.
	inputs := [][]byte{
		{},
		{0x00},
		{0xFF},
		{0x00, 0x11, 0x22, 0x33, 0xFF, 0xAB},
	}
	for _, in := range inputs {
		got := RemoveOffset(ApplyOffset(in))
		require.Equal(t, in, got)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	// P3 + worked example from §4.A.
	buf, err := AddressToBuffer("000000001234")
	require.NoError(t, err)
	require.Equal(t, []byte{0x34, 0x12, 0x00, 0x00, 0x00, 0x00}, buf)

	cases := []struct{ input, canonical string }{
		{"000000001234", "000000001234"},
		{"999999999999", "999999999999"},
		{"123456789012", "123456789012"},
		{"00-00-00-00-12-34", "000000001234"},
	}
	for _, c := range cases {
		b, err := AddressToBuffer(c.input)
		require.NoError(t, err)
		back, err := BufferToAddress(b)
		require.NoError(t, err)
		require.Equal(t, c.canonical, back)
	}
}

func TestAddressToBufferInvalidLength(t *testing.T) {
	_, err := AddressToBuffer("12345")
	require.Error(t, err)
}

func TestEncodeBCDWithPrecision(t *testing.T) {
	// §8 fixture 1: value 123456.78 kWh, resolution 0.01, little-endian BCD, 4 bytes.
	enc, err := EncodeBCDWithPrecision(123456.78, 4, 2, true)
	require.NoError(t, err)
	require.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, enc)

	dec, err := DecodeBCDWithPrecision(enc, 2, true)
	require.NoError(t, err)
	require.InDelta(t, 123456.78, dec, 1e-9)
}

func TestSignedBCD(t *testing.T) {
	for _, v := range []float64{0, 1.23, -1.23, 99.99, -99.99} {
		enc, err := EncodeSignedBCD(v, 3, 2, true)
		require.NoError(t, err)
		got, err := DecodeSignedBCD(enc, 2, true)
		require.NoError(t, err)
		require.InDelta(t, v, got, 1e-9)
	}
}
