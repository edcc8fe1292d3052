package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESRelayCipherEncryptsDistinctly(t *testing.T) {
	c, err := NewAESRelayCipher("correct-horse-battery-staple")
	require.NoError(t, err)

	block := [16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, RelayTrip, 0}
	ct1, err := c.Encrypt(block)
	require.NoError(t, err)
	ct2, err := c.Encrypt(block)
	require.NoError(t, err)

	require.Len(t, ct1, 32) // IV(16) + ciphertext(16)
	require.NotEqual(t, ct1, ct2, "random IV must change the ciphertext between calls")
}

func TestNewAESRelayCipherRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewAESRelayCipher("")
	require.Error(t, err)
}

func TestBuildRelayControlFrameWithClearCipher(t *testing.T) {
	frame, err := BuildRelayControlFrame("000012345678", RelayTrip,
		[6]byte{1, 2, 3, 4, 5, 6}, [4]byte{0, 0, 0, 1}, [4]byte{0, 0, 0, 0}, ClearRelayCipher{})
	require.NoError(t, err)
	parsed, err := ParseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, CtrlRelayControl, parsed.ControlCode)
	require.Len(t, parsed.Payload, 16)
}

func TestBuildRelayControlFrameRejectsUnknownCommand(t *testing.T) {
	_, err := BuildRelayControlFrame("000012345678", 0x99,
		[6]byte{}, [4]byte{}, [4]byte{}, ClearRelayCipher{})
	require.Error(t, err)
}
