package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAarqStructure(t *testing.T) {
	aarq := BuildAarq()
	require.Equal(t, byte(0x60), aarq[0])
	require.Equal(t, len(aarq)-2, int(aarq[1]))

	apdu, err := ParseApdu(append([]byte{0x61}, aarq[2:]...))
	require.NoError(t, err)
	require.True(t, apdu.Aare.Accepted, "no A2 result tag present in an AARQ body, so the scan defaults to accepted")
}

func TestBuildGetRequestIsExactly13BytesFixture6(t *testing.T) {
	// §8 fixture 6: GET on 1-0:12.7.0.255, class 3 (register), attribute 2.
	frame, err := BuildGetRequest(3, "1-0:12.7.0.255", 2, 7)
	require.NoError(t, err)
	require.Len(t, frame, 13)
	require.Equal(t, byte(0xC0), frame[0])
	require.Equal(t, byte(0x01), frame[1])
	require.Equal(t, byte(7), frame[2])
	require.Equal(t, []byte{0x00, 0x03}, frame[3:5])
	require.Equal(t, []byte{1, 0, 12, 7, 0, 255}, frame[5:11])
	require.Equal(t, byte(2), frame[11])
	require.Equal(t, byte(0x00), frame[12])
}

func TestBuildGetRequestDefaultsAttribute(t *testing.T) {
	frame, err := BuildGetRequest(3, "1-0:1.8.0.255", 0, 1)
	require.NoError(t, err)
	require.Equal(t, byte(2), frame[11])
}

func TestBuildGetRequestRejectsMalformedObis(t *testing.T) {
	_, err := BuildGetRequest(3, "not-an-obis", 2, 1)
	require.Error(t, err)
}

func TestBuildReleaseRequest(t *testing.T) {
	require.Equal(t, []byte{0x62, 0x03, 0x80, 0x01, 0x00}, BuildReleaseRequest(0))
}
