package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixture2Heartbeat() []byte {
	buf := append([]byte{}, heartbeatSignature[:]...)
	buf = append(buf, []byte("311501114070")...)
	buf = append(buf, 0x16, 0xAB, 0xCD)
	return buf
}

func TestHeartbeatFixture2(t *testing.T) {
	buf := fixture2Heartbeat()
	require.Len(t, buf, heartbeatLen)
	require.True(t, IsHeartbeat(buf))

	hb, err := ParseHeartbeat(buf)
	require.NoError(t, err)
	require.Equal(t, "311501114070", hb.MeterAddress)
	require.Equal(t, [2]byte{0xAB, 0xCD}, hb.CRC)
}

func TestIsHeartbeatRejectsWrongSignature(t *testing.T) {
	buf := fixture2Heartbeat()
	buf[3] = 0x02
	require.False(t, IsHeartbeat(buf))
}

func TestParseHeartbeatRejectsNonDigitAddress(t *testing.T) {
	buf := fixture2Heartbeat()
	buf[11] = 'x'
	_, err := ParseHeartbeat(buf)
	require.Error(t, err)
}

func TestParseHeartbeatRejectsWrongLength(t *testing.T) {
	_, err := ParseHeartbeat(fixture2Heartbeat()[:20])
	require.Error(t, err)
}

func TestHeartbeatPayloadRoundTripsThroughDemux(t *testing.T) {
	// The demux strips the shared 8-byte IVY header; the router must still
	// recognise and parse what remains (§4.J content-based routing).
	d := newTestDemux()
	pkts, err := d.Push(fixture2Heartbeat())
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.True(t, IsHeartbeatPayload(pkts[0].Payload))

	hb, err := ParseHeartbeatPayload(pkts[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "311501114070", hb.MeterAddress)
}

func TestResolveHeartbeatMeterIDZeroAddressPolicy(t *testing.T) {
	zero := Heartbeat{MeterAddress: "000000000000"}

	require.Equal(t, "000000000000", ResolveHeartbeatMeterID(zero, ZeroAddressAccept, "10.0.0.1", 5001))
	require.Equal(t, "auto_10.0.0.1_5001", ResolveHeartbeatMeterID(zero, ZeroAddressUseIP, "10.0.0.1", 5001))

	nonZero := Heartbeat{MeterAddress: "311501114070"}
	require.Equal(t, "311501114070", ResolveHeartbeatMeterID(nonZero, ZeroAddressUseIP, "10.0.0.1", 5001))
}
