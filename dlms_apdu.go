package gateway

import "fmt"

// ApduKind classifies a parsed DLMS APDU (§4.F).
type ApduKind string

const (
	ApduAare              ApduKind = "aare"
	ApduGetResponse       ApduKind = "get_response"
	ApduEventNotification ApduKind = "event_notification"
	ApduDataNotification  ApduKind = "data_notification"
	ApduExceptionResponse ApduKind = "exception_response"
	ApduReleaseResponse   ApduKind = "release_response"
)

// dataAccessResultNames is the DLMS Data-Access-Result enumeration (Green
// Book); only the names the gateway is known to encounter are spelled out,
// the rest fall back to a numeric label.
var dataAccessResultNames = map[byte]string{
	0: "success", 1: "hardware-fault", 2: "temporary-failure",
	3: "read-write-denied", 4: "object-undefined", 5: "object-class-inconsistent",
	6: "object-unavailable", 7: "type-unmatched", 8: "scope-of-access-violated",
	9: "data-block-unavailable", 10: "long-get-aborted", 11: "no-long-get-in-progress",
	12: "long-set-aborted", 13: "no-long-set-in-progress", 14: "data-block-number-invalid",
	250: "other-reason",
}

func dataAccessResultName(code byte) string {
	if n, ok := dataAccessResultNames[code]; ok {
		return n
	}
	return fmt.Sprintf("result-%d", code)
}

// AareResult is the decoded subset of an Association-Response APDU the
// gateway cares about: whether the association was accepted (§7
// AssociationRejected).
type AareResult struct {
	ResultCode byte
	Accepted   bool
}

// GetResponseResult is a decoded GET.response (§4.D C4 formula, §4.F).
type GetResponseResult struct {
	InvokeID  byte
	Success   bool
	Value     *DlmsValue
	ErrorCode byte
}

// EventNotificationResult is a decoded EventNotification (0xC2).
type EventNotificationResult struct {
	ClassID  uint16
	Obis     Obis
	Attr     byte
	DateTime *DlmsDateTime
	Values   []DlmsValue
}

// DataNotificationResult is a decoded DataNotification (0x0F). The wire
// format carries no OBIS/class-id, only a raw value (§4.D 0x0F formula).
type DataNotificationResult struct {
	InvokeID uint32
	DateTime *DlmsDateTime
	Value    DlmsValue
}

// ExceptionResult is a decoded ExceptionResponse (0xD8): exactly
// tag + stateError + serviceError.
type ExceptionResult struct {
	StateError   byte
	ServiceError byte
}

// Apdu is the tagged union returned by ParseApdu.
type Apdu struct {
	Kind ApduKind
	Raw  []byte

	Aare              *AareResult
	GetResponse       *GetResponseResult
	EventNotification *EventNotificationResult
	DataNotification  *DataNotificationResult
	Exception         *ExceptionResult
}

// ParseApdu inspects buf[0] and routes to the specialist parser (§4.F). buf
// must already be a single, complete APDU (the caller is the stream
// demultiplexer, which only emits complete units).
func ParseApdu(buf []byte) (Apdu, error) {
	if len(buf) == 0 {
		return Apdu{}, NewError(KindMalformedValue, "empty APDU", nil)
	}
	switch buf[0] {
	case 0x61:
		return parseAare(buf)
	case 0xC4:
		return parseGetResponse(buf)
	case 0xC2:
		return parseEventNotification(buf)
	case 0x0F:
		return parseDataNotification(buf)
	case 0xD8:
		return parseExceptionResponse(buf)
	case 0x63:
		return Apdu{Kind: ApduReleaseResponse, Raw: buf}, nil
	default:
		return Apdu{}, NewError(KindMalformedValue, fmt.Sprintf("ParseApdu: unrecognised tag 0x%02X", buf[0]), nil)
	}
}

// aareResultTag is the DLMS Association-Result's context-specific BER tag
// ([2] INTEGER, encoded 0xA2 0x03 0x02 0x01 <result>), nested inside the
// AARE's application-context/result-source choice fields.
const aareResultTag = 0xA2

func parseAare(buf []byte) (Apdu, error) {
	if len(buf) < 2 {
		return Apdu{}, NewError(KindMalformedValue, "AARE too short", nil)
	}
	result := AareResult{ResultCode: 0, Accepted: true}
	for i := 0; i+4 < len(buf); i++ {
		if buf[i] == aareResultTag && buf[i+1] == 0x03 && buf[i+2] == 0x02 && buf[i+3] == 0x01 {
			result.ResultCode = buf[i+4]
			result.Accepted = result.ResultCode == 0
			break
		}
	}
	return Apdu{Kind: ApduAare, Raw: buf, Aare: &result}, nil
}

func parseGetResponse(buf []byte) (Apdu, error) {
	if len(buf) < 5 {
		return Apdu{}, NewError(KindMalformedValue, "GET.response shorter than minimum 5 bytes", nil)
	}
	invokeID := buf[2]
	switch buf[3] {
	case 0x01:
		return Apdu{Kind: ApduGetResponse, Raw: buf, GetResponse: &GetResponseResult{
			InvokeID: invokeID, Success: false, ErrorCode: buf[4],
		}}, nil
	case 0x00:
		v, err := parseDlmsValue(buf, 4)
		if err != nil {
			return Apdu{}, err
		}
		return Apdu{Kind: ApduGetResponse, Raw: buf, GetResponse: &GetResponseResult{
			InvokeID: invokeID, Success: true, Value: &v,
		}}, nil
	default:
		return Apdu{}, NewError(KindMalformedValue, fmt.Sprintf("GET.response: unexpected result discriminator 0x%02X", buf[3]), nil)
	}
}

func parseEventNotification(buf []byte) (Apdu, error) {
	const head = 1 + 2
	if len(buf) < head+1 {
		return Apdu{}, NewError(KindMalformedValue, "EventNotification truncated before OBIS", nil)
	}
	classID := uint16(buf[1])<<8 | uint16(buf[2])

	obisStart := head
	obisLen := 6
	if buf[obisStart] == 0x06 {
		obisLen = 7
		obisStart++
	}
	if len(buf) < obisStart+obisLen+1 {
		return Apdu{}, NewError(KindMalformedValue, "EventNotification truncated inside OBIS/attr", nil)
	}
	obis, err := ObisFromBytes(buf[obisStart : obisStart+obisLen])
	if err != nil {
		return Apdu{}, err
	}
	attrOffset := obisStart + obisLen
	attr := buf[attrOffset]
	valuesStart := attrOffset + 1

	var dt *DlmsDateTime
	if len(buf) >= valuesStart+12 && looksLikeCosemDateTime(buf[valuesStart:valuesStart+12]) {
		length, ok := walkEventValues(buf, valuesStart+12)
		if ok && length == len(buf) {
			decoded := decodeCosemDateTime([12]byte(buf[valuesStart : valuesStart+12]))
			dt = &decoded
			valuesStart += 12
		}
	}

	end, ok := walkEventValues(buf, valuesStart)
	if !ok {
		return Apdu{}, NewError(KindMalformedValue, "EventNotification carries no value", nil)
	}
	var values []DlmsValue
	for offset := valuesStart; offset < end; {
		v, err := parseDlmsValue(buf, offset)
		if err != nil {
			return Apdu{}, err
		}
		values = append(values, v)
		offset += v.BytesConsumed
	}

	return Apdu{Kind: ApduEventNotification, Raw: buf, EventNotification: &EventNotificationResult{
		ClassID: classID, Obis: obis, Attr: attr, DateTime: dt, Values: values,
	}}, nil
}

func parseDataNotification(buf []byte) (Apdu, error) {
	if len(buf) < 6 {
		return Apdu{}, NewError(KindMalformedValue, "DataNotification truncated before datetime length", nil)
	}
	invokeID := uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])
	dtLen := int(buf[5])
	valueOffset := 6 + dtLen
	if len(buf) < valueOffset {
		return Apdu{}, NewError(KindMalformedValue, "DataNotification truncated inside datetime", nil)
	}
	var dt *DlmsDateTime
	if dtLen == 12 {
		decoded := decodeCosemDateTime([12]byte(buf[6:18]))
		dt = &decoded
	}
	v, err := parseDlmsValue(buf, valueOffset)
	if err != nil {
		return Apdu{}, err
	}
	return Apdu{Kind: ApduDataNotification, Raw: buf, DataNotification: &DataNotificationResult{
		InvokeID: invokeID, DateTime: dt, Value: v,
	}}, nil
}

func parseExceptionResponse(buf []byte) (Apdu, error) {
	if len(buf) != 3 {
		return Apdu{}, NewError(KindMalformedValue, "ExceptionResponse must be exactly 3 bytes", nil)
	}
	return Apdu{Kind: ApduExceptionResponse, Raw: buf, Exception: &ExceptionResult{
		StateError: buf[1], ServiceError: buf[2],
	}}, nil
}

// TelemetryReading is one entry of Telemetry.Readings (§4.F).
type TelemetryReading struct {
	Value float64
	Unit  string
	Obis  string
}

// Telemetry is the normalised shape extractTelemetry produces for downstream
// event emission (§4.F).
type Telemetry struct {
	Source    string
	Type      ApduKind
	Timestamp *DlmsDateTime
	Readings  map[string]TelemetryReading
}

// ExtractTelemetry normalises EventNotification, DataNotification, and
// successful GET.response APDUs into a Telemetry value. It returns nil (no
// error) for error responses and APDUs that carry no data, per §4.F.
func ExtractTelemetry(apdu Apdu) *Telemetry {
	switch apdu.Kind {
	case ApduEventNotification:
		en := apdu.EventNotification
		key, unit, value := resolveObisReading(en.Obis, en.Values[0])
		return &Telemetry{
			Source: "dlms", Type: apdu.Kind, Timestamp: en.DateTime,
			Readings: map[string]TelemetryReading{key: {Value: value, Unit: unit, Obis: en.Obis.String()}},
		}

	case ApduDataNotification:
		dn := apdu.DataNotification
		return &Telemetry{
			Source: "dlms", Type: apdu.Kind, Timestamp: dn.DateTime,
			Readings: map[string]TelemetryReading{"value": {Value: dn.Value.Number}},
		}

	case ApduGetResponse:
		gr := apdu.GetResponse
		if !gr.Success || gr.Value == nil {
			return nil
		}
		return &Telemetry{
			Source:   "dlms",
			Type:     apdu.Kind,
			Readings: map[string]TelemetryReading{"value": {Value: gr.Value.Number}},
		}

	default:
		return nil
	}
}

// resolveObisReading looks the OBIS code up in the static registry and
// applies its scaler, falling back to the raw OBIS string as the key and no
// unit on a miss (§4.F, §4.H).
func resolveObisReading(code Obis, raw DlmsValue) (key, unit string, value float64) {
	entry, ok := LookupObis(code)
	if !ok {
		return code.String(), "", raw.Number
	}
	value = raw.Number
	if entry.Scaler != nil {
		value = entry.Scaler.Apply(raw.Number)
	}
	return entry.Key, entry.Unit, value
}
