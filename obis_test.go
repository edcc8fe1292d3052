package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObisStringParseRoundTrip(t *testing.T) {
	cases := []string{
		"1-0:1.8.0.255",
		"1-0:15.8.0.255",
		"0-0:96.1.0.255",
		"1-0:32.7.0.255",
	}
	for _, s := range cases {
		o, err := ParseObis(s)
		require.NoError(t, err)
		require.Equal(t, s, o.String())

		raw := o.Bytes()
		back, err := ObisFromBytes(raw[:])
		require.NoError(t, err)
		require.Equal(t, o, back)
	}
}

func TestParseObisRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "1-0:1.8.0", "1:0.1.8.0.255", "1-0:1.8.0.255.9"} {
		_, err := ParseObis(s)
		require.Error(t, err)
	}
}

func TestObisFromBytesRejectsWrongLength(t *testing.T) {
	_, err := ObisFromBytes([]byte{1, 0, 1, 8, 0})
	require.Error(t, err)
}

func TestLookupObisHitsAndMisses(t *testing.T) {
	// Fixture 2's EventNotification OBIS: distinct from the registry's named
	// "combined" energy code.
	imp, ok := LookupObis(Obis{A: 1, B: 0, C: 1, D: 8, E: 0, F: 255})
	require.True(t, ok)
	require.Equal(t, "TOTAL_ACTIVE_IMPORT", imp.Key)
	require.Nil(t, imp.Scaler)

	combined, ok := LookupObis(Obis{A: 1, B: 0, C: 15, D: 8, E: 0, F: 255})
	require.True(t, ok)
	require.Equal(t, "COMBINED_ACTIVE_ENERGY", combined.Key)

	_, ok = LookupObis(Obis{A: 9, B: 9, C: 99, D: 99, E: 99, F: 99})
	require.False(t, ok)
}

func TestScalerApplyFixture6Voltage(t *testing.T) {
	// §8 fixture 6: raw UINT32 23636 on 1-0:12.7.0.255 scales to 236.36 V.
	entry, ok := LookupObis(mustParseObis("1-0:12.7.0.255"))
	require.True(t, ok)
	require.NotNil(t, entry.Scaler)
	require.InDelta(t, 236.36, entry.Scaler.Apply(23636), 1e-9)
}

func TestScalerZeroValueIsIdentity(t *testing.T) {
	var s Scaler
	require.Equal(t, 42.0, s.Apply(42))
}

func TestObisGroupMembership(t *testing.T) {
	energy := ObisGroup(RegisterGroupEnergy)
	require.Contains(t, energy, mustParseObis("1-0:15.8.0.255"))

	inst := ObisGroup(RegisterGroupInstantaneous)
	require.Contains(t, inst, mustParseObis("1-0:12.7.0.255"))
	require.Contains(t, inst, mustParseObis("1-0:1.7.0.255"))

	all := ObisGroup(RegisterGroupAll)
	require.Len(t, all, len(obisRegistry))

	require.Nil(t, ObisGroup(RegisterGroup("bogus")))
}
