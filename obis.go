package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// ObisCategory classifies an OBIS register for display/routing purposes (§3).
type ObisCategory string

const (
	ObisCategoryEnergy      ObisCategory = "energy"
	ObisCategoryVoltage     ObisCategory = "voltage"
	ObisCategoryCurrent     ObisCategory = "current"
	ObisCategoryPower       ObisCategory = "power"
	ObisCategoryPowerFactor ObisCategory = "powerFactor"
	ObisCategorySystem      ObisCategory = "system"
	ObisCategoryDemand      ObisCategory = "demand"
	ObisCategoryEvents      ObisCategory = "events"
	ObisCategoryControl     ObisCategory = "control"
)

// Obis is a 6-octet OBIS code in the A-B:C.D.E.F addressing scheme (§3).
type Obis struct {
	A, B, C, D, E, F byte
}

// String renders the textual A-B:C.D.E.F form.
func (o Obis) String() string {
	return fmt.Sprintf("%d-%d:%d.%d.%d.%d", o.A, o.B, o.C, o.D, o.E, o.F)
}

// Bytes returns the 6 raw octets in A..F order.
func (o Obis) Bytes() [6]byte {
	return [6]byte{o.A, o.B, o.C, o.D, o.E, o.F}
}

// ObisFromBytes reads 6 octets into an Obis value.
func ObisFromBytes(b []byte) (Obis, error) {
	if len(b) != 6 {
		return Obis{}, NewError(KindMalformedValue, "OBIS code must be 6 octets", nil)
	}
	return Obis{A: b[0], B: b[1], C: b[2], D: b[3], E: b[4], F: b[5]}, nil
}

// ParseObis parses the textual A-B:C.D.E.F form.
func ParseObis(s string) (Obis, error) {
	dash := strings.SplitN(s, "-", 2)
	if len(dash) != 2 {
		return Obis{}, NewError(KindMalformedValue, fmt.Sprintf("invalid OBIS text %q", s), nil)
	}
	colon := strings.SplitN(dash[1], ":", 2)
	if len(colon) != 2 {
		return Obis{}, NewError(KindMalformedValue, fmt.Sprintf("invalid OBIS text %q", s), nil)
	}
	rest := strings.Split(colon[1], ".")
	if len(rest) != 4 {
		return Obis{}, NewError(KindMalformedValue, fmt.Sprintf("invalid OBIS text %q", s), nil)
	}
	parts := append([]string{dash[0], colon[0]}, rest...)
	var vals [6]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return Obis{}, NewError(KindMalformedValue, fmt.Sprintf("invalid OBIS segment %q in %q", p, s), err)
		}
		vals[i] = byte(n)
	}
	return Obis{A: vals[0], B: vals[1], C: vals[2], D: vals[3], E: vals[4], F: vals[5]}, nil
}

// Scaler is a rational multiplier applied to a raw integer DLMS reading to
// obtain engineering units (§3, §GLOSSARY).
type Scaler struct {
	Numerator, Denominator int64
}

// Apply multiplies raw by the scaler; a zero-value Scaler (Denominator==0)
// is treated as "no scaler" (multiplier of 1).
func (s Scaler) Apply(raw float64) float64 {
	if s.Denominator == 0 {
		return raw
	}
	return raw * float64(s.Numerator) / float64(s.Denominator)
}

// ObisEntry is a single static OBIS registry row (§3).
type ObisEntry struct {
	Key         string
	DisplayName string
	Unit        string
	Category    ObisCategory
	Scaler      *Scaler // optional
}

// obisRegistry is the static, read-only map of the reference meter's known
// codes (§4.H): 14 required codes, TOTAL_ACTIVE_IMPORT (1-0:1.8.0.255), and
// the standard three-phase set.
var obisRegistry = map[string]ObisEntry{
	"1-0:1.7.0.255":  {Key: "TOTAL_ACTIVE_POWER", DisplayName: "Total active power", Unit: "kW", Category: ObisCategoryPower},
	"1-0:3.7.0.255":  {Key: "TOTAL_REACTIVE_POWER", DisplayName: "Total reactive power", Unit: "kvar", Category: ObisCategoryPower},
	"1-0:9.7.0.255":  {Key: "TOTAL_APPARENT_POWER", DisplayName: "Total apparent power", Unit: "kVA", Category: ObisCategoryPower},
	"1-0:11.7.0.255": {Key: "TOTAL_CURRENT", DisplayName: "Total current", Unit: "A", Category: ObisCategoryCurrent},
	"1-0:12.7.0.255": {Key: "TOTAL_VOLTAGE", DisplayName: "Total voltage", Unit: "V", Category: ObisCategoryVoltage, Scaler: &Scaler{1, 100}},
	"1-0:13.7.0.255": {Key: "TOTAL_POWER_FACTOR", DisplayName: "Total power factor", Unit: "", Category: ObisCategoryPowerFactor, Scaler: &Scaler{1, 1000}},
	"1-0:14.7.0.255": {Key: "FREQUENCY", DisplayName: "Supply frequency", Unit: "Hz", Category: ObisCategorySystem, Scaler: &Scaler{1, 100}},
	"1-0:91.7.0.255": {Key: "NEUTRAL_CURRENT", DisplayName: "Neutral current", Unit: "A", Category: ObisCategoryCurrent},
	"1-0:15.8.0.255": {Key: "COMBINED_ACTIVE_ENERGY", DisplayName: "Combined active energy (import+export)", Unit: "kWh", Category: ObisCategoryEnergy},
	"1-0:1.8.0.255":  {Key: "TOTAL_ACTIVE_IMPORT", DisplayName: "Total active energy import", Unit: "kWh", Category: ObisCategoryEnergy},
	"0-0:1.0.0.255":  {Key: "CLOCK", DisplayName: "Clock", Unit: "", Category: ObisCategorySystem},
	"0-0:42.0.0.255": {Key: "LOGICAL_DEVICE_NAME", DisplayName: "Logical device name", Unit: "", Category: ObisCategorySystem},
	"0-0:96.1.0.255": {Key: "METER_SERIAL", DisplayName: "Meter serial number", Unit: "", Category: ObisCategorySystem},
	"0-0:96.1.1.255": {Key: "METER_ID", DisplayName: "Meter manufacturer id", Unit: "", Category: ObisCategorySystem},
	"0-0:96.14.0.255": {Key: "ACTIVE_TARIFF", DisplayName: "Active tariff", Unit: "", Category: ObisCategoryControl},

	// Three-phase compatibility set.
	"1-0:32.7.0.255": {Key: "VOLTAGE_L1", DisplayName: "Voltage phase A", Unit: "V", Category: ObisCategoryVoltage},
	"1-0:52.7.0.255": {Key: "VOLTAGE_L2", DisplayName: "Voltage phase B", Unit: "V", Category: ObisCategoryVoltage},
	"1-0:72.7.0.255": {Key: "VOLTAGE_L3", DisplayName: "Voltage phase C", Unit: "V", Category: ObisCategoryVoltage},
	"1-0:31.7.0.255": {Key: "CURRENT_L1", DisplayName: "Current phase A", Unit: "A", Category: ObisCategoryCurrent},
	"1-0:51.7.0.255": {Key: "CURRENT_L2", DisplayName: "Current phase B", Unit: "A", Category: ObisCategoryCurrent},
	"1-0:71.7.0.255": {Key: "CURRENT_L3", DisplayName: "Current phase C", Unit: "A", Category: ObisCategoryCurrent},
	"1-0:21.7.0.255": {Key: "ACTIVE_POWER_L1", DisplayName: "Active power phase A", Unit: "kW", Category: ObisCategoryPower},
	"1-0:41.7.0.255": {Key: "ACTIVE_POWER_L2", DisplayName: "Active power phase B", Unit: "kW", Category: ObisCategoryPower},
	"1-0:61.7.0.255": {Key: "ACTIVE_POWER_L3", DisplayName: "Active power phase C", Unit: "kW", Category: ObisCategoryPower},
}

// LookupObis resolves an OBIS code against the static registry. A miss is
// not an error (§4.H) — callers fall back to the raw OBIS string.
func LookupObis(code Obis) (ObisEntry, bool) {
	e, ok := obisRegistry[code.String()]
	return e, ok
}

// ObisGroup lists the OBIS codes belonging to a poller register group (§4.M).
func ObisGroup(group RegisterGroup) []Obis {
	switch group {
	case RegisterGroupEnergy:
		return []Obis{mustParseObis("1-0:15.8.0.255")}
	case RegisterGroupInstantaneous:
		return []Obis{
			mustParseObis("1-0:12.7.0.255"),
			mustParseObis("1-0:11.7.0.255"),
			mustParseObis("1-0:1.7.0.255"),
			mustParseObis("1-0:13.7.0.255"),
			mustParseObis("1-0:14.7.0.255"),
		}
	case RegisterGroupAll:
		all := make([]Obis, 0, len(obisRegistry))
		for k := range obisRegistry {
			all = append(all, mustParseObis(k))
		}
		return all
	default:
		return nil
	}
}

func mustParseObis(s string) Obis {
	o, err := ParseObis(s)
	if err != nil {
		panic("obis.go: static registry entry is malformed: " + err.Error())
	}
	return o
}
