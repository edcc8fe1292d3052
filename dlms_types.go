package gateway

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DLMS data type tags (§4.E).
const (
	DlmsTagNull         byte = 0
	DlmsTagArray        byte = 1
	DlmsTagStructure    byte = 2
	DlmsTagBoolean      byte = 3
	DlmsTagBitString    byte = 4
	DlmsTagInt32        byte = 5
	DlmsTagUint32       byte = 6
	DlmsTagOctetString  byte = 9
	DlmsTagVisibleString byte = 10
	DlmsTagUtf8String   byte = 12
	DlmsTagInt8         byte = 15
	DlmsTagInt16        byte = 16
	DlmsTagUint8        byte = 17
	DlmsTagUint16       byte = 18
	DlmsTagInt64        byte = 20
	DlmsTagUint64       byte = 21
	DlmsTagEnum         byte = 22
	DlmsTagFloat32      byte = 23
	DlmsTagFloat64      byte = 24
	DlmsTagDateTime     byte = 25
	DlmsTagDate         byte = 26
	DlmsTagTime         byte = 27
)

// dlmsTagNames is used for DlmsValue.TagName and for the EventNotification
// "trailing value" heuristic in ivy.go (tag in 1..27).
var dlmsTagNames = map[byte]string{
	DlmsTagNull: "null", DlmsTagArray: "array", DlmsTagStructure: "structure",
	DlmsTagBoolean: "boolean", DlmsTagBitString: "bit-string",
	DlmsTagInt32: "int32", DlmsTagUint32: "uint32",
	DlmsTagOctetString: "octet-string", DlmsTagVisibleString: "visible-string",
	DlmsTagUtf8String: "utf8-string", DlmsTagInt8: "int8", DlmsTagInt16: "int16",
	DlmsTagUint8: "uint8", DlmsTagUint16: "uint16", DlmsTagInt64: "int64",
	DlmsTagUint64: "uint64", DlmsTagEnum: "enum", DlmsTagFloat32: "float32",
	DlmsTagFloat64: "float64", DlmsTagDateTime: "date-time", DlmsTagDate: "date",
	DlmsTagTime: "time",
}

// IsKnownDlmsValueTag reports whether b is a currently-specified DLMS value
// tag (1..27, excluding 0 which is NULL and carries no payload of interest
// for the "trailing value" EventNotification heuristic in §4.D).
func IsKnownDlmsValueTag(b byte) bool {
	if b == 0 || b > 27 {
		return false
	}
	_, ok := dlmsTagNames[b]
	return ok
}

// DlmsDateTime is the decoded COSEM date-time/date/time structure (§4.E).
type DlmsDateTime struct {
	Year                    *int
	Month, Day              *int
	DayOfWeek               *int
	Hour, Minute, Second    *int
	Hundredths              *int
	DeviationMinutes        *int
	DeviationNotSpecified   bool
	ISO8601                 string // populated when year, month, day are all present
}

// DlmsValue is a tagged-union decoded DLMS value (§3, §4.E, §9 design note).
type DlmsValue struct {
	Tag     byte
	TagName string

	Number   float64 // populated for numeric tags (bool uses 0/1)
	IsSigned bool
	Text     string
	Bytes    []byte
	DateTime *DlmsDateTime
	List     []DlmsValue // ARRAY and STRUCTURE arms

	BytesConsumed int
}

// parseDlmsValue parses exactly one tag-length-value at buf[offset:] and
// reports how many bytes it consumed (§4.E, P6). It never reads past
// bytesConsumed of its return on success.
func parseDlmsValue(buf []byte, offset int) (DlmsValue, error) {
	if offset >= len(buf) {
		return DlmsValue{}, NewError(KindMalformedValue, "parseDlmsValue: offset past end of buffer", nil)
	}
	tag := buf[offset]
	name := dlmsTagNames[tag]
	rest := buf[offset+1:]

	need := func(n int) error {
		if len(rest) < n {
			return NewError(KindMalformedValue, fmt.Sprintf("tag 0x%02X (%s): need %d bytes, have %d", tag, name, n, len(rest)), nil)
		}
		return nil
	}

	switch tag {
	case DlmsTagNull:
		return DlmsValue{Tag: tag, TagName: name, BytesConsumed: 1}, nil

	case DlmsTagBoolean:
		if err := need(1); err != nil {
			return DlmsValue{}, err
		}
		v := 0.0
		if rest[0] != 0 {
			v = 1
		}
		return DlmsValue{Tag: tag, TagName: name, Number: v, BytesConsumed: 2}, nil

	case DlmsTagInt8:
		if err := need(1); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(int8(rest[0])), IsSigned: true, BytesConsumed: 2}, nil

	case DlmsTagUint8, DlmsTagEnum:
		if err := need(1); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(rest[0]), BytesConsumed: 2}, nil

	case DlmsTagInt16:
		if err := need(2); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(int16(binary.BigEndian.Uint16(rest))), IsSigned: true, BytesConsumed: 3}, nil

	case DlmsTagUint16:
		if err := need(2); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(binary.BigEndian.Uint16(rest)), BytesConsumed: 3}, nil

	case DlmsTagInt32:
		if err := need(4); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(int32(binary.BigEndian.Uint32(rest))), IsSigned: true, BytesConsumed: 5}, nil

	case DlmsTagUint32:
		if err := need(4); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(binary.BigEndian.Uint32(rest)), BytesConsumed: 5}, nil

	case DlmsTagInt64:
		if err := need(8); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(int64(binary.BigEndian.Uint64(rest))), IsSigned: true, BytesConsumed: 9}, nil

	case DlmsTagUint64:
		if err := need(8); err != nil {
			return DlmsValue{}, err
		}
		return DlmsValue{Tag: tag, TagName: name, Number: float64(binary.BigEndian.Uint64(rest)), BytesConsumed: 9}, nil

	case DlmsTagFloat32:
		if err := need(4); err != nil {
			return DlmsValue{}, err
		}
		bits := binary.BigEndian.Uint32(rest)
		return DlmsValue{Tag: tag, TagName: name, Number: float64(math.Float32frombits(bits)), IsSigned: true, BytesConsumed: 5}, nil

	case DlmsTagFloat64:
		if err := need(8); err != nil {
			return DlmsValue{}, err
		}
		bits := binary.BigEndian.Uint64(rest)
		return DlmsValue{Tag: tag, TagName: name, Number: math.Float64frombits(bits), IsSigned: true, BytesConsumed: 9}, nil

	case DlmsTagOctetString, DlmsTagVisibleString, DlmsTagUtf8String:
		if err := need(1); err != nil {
			return DlmsValue{}, err
		}
		n := int(rest[0])
		if err := need(1 + n); err != nil {
			return DlmsValue{}, err
		}
		payload := append([]byte{}, rest[1:1+n]...)
		v := DlmsValue{Tag: tag, TagName: name, Bytes: payload, BytesConsumed: 2 + n}
		if tag != DlmsTagOctetString {
			v.Text = string(payload)
		}
		return v, nil

	case DlmsTagBitString:
		if err := need(1); err != nil {
			return DlmsValue{}, err
		}
		bits := int(rest[0])
		n := (bits + 7) / 8
		if err := need(1 + n); err != nil {
			return DlmsValue{}, err
		}
		payload := append([]byte{}, rest[1:1+n]...)
		return DlmsValue{Tag: tag, TagName: name, Bytes: payload, BytesConsumed: 2 + n}, nil

	case DlmsTagDateTime:
		if err := need(12); err != nil {
			return DlmsValue{}, err
		}
		dt := decodeCosemDateTime([12]byte(rest[:12]))
		return DlmsValue{Tag: tag, TagName: name, DateTime: &dt, BytesConsumed: 13}, nil

	case DlmsTagDate:
		if err := need(5); err != nil {
			return DlmsValue{}, err
		}
		dt := decodeCosemDate([5]byte(rest[:5]))
		return DlmsValue{Tag: tag, TagName: name, DateTime: &dt, BytesConsumed: 6}, nil

	case DlmsTagTime:
		if err := need(4); err != nil {
			return DlmsValue{}, err
		}
		dt := decodeCosemTime([4]byte(rest[:4]))
		return DlmsValue{Tag: tag, TagName: name, DateTime: &dt, BytesConsumed: 5}, nil

	case DlmsTagArray, DlmsTagStructure:
		if err := need(1); err != nil {
			return DlmsValue{}, err
		}
		count := int(rest[0])
		consumed := 2
		items := make([]DlmsValue, 0, count)
		for i := 0; i < count; i++ {
			child, err := parseDlmsValue(buf, offset+consumed)
			if err != nil {
				return DlmsValue{}, err
			}
			items = append(items, child)
			consumed += child.BytesConsumed
		}
		return DlmsValue{Tag: tag, TagName: name, List: items, BytesConsumed: consumed}, nil

	default:
		return DlmsValue{}, NewError(KindMalformedValue, fmt.Sprintf("unknown DLMS tag 0x%02X", tag), nil)
	}
}

// ParseDlmsValue is the exported entry point for parsing a single DLMS
// tag-length-value at the given offset.
func ParseDlmsValue(buf []byte, offset int) (DlmsValue, error) {
	return parseDlmsValue(buf, offset)
}

func intField(v int) *int { return &v }

func looksLikeCosemDateTime(b []byte) bool {
	if len(b) < 12 {
		return false
	}
	year := int(binary.BigEndian.Uint16(b[0:2]))
	month := int(b[2])
	hour := int(b[5])
	yearOk := year == 0xFFFF || (year >= 2000 && year <= 2099)
	monthOk := month == 0xFF || (month >= 1 && month <= 12)
	hourOk := hour == 0xFF || hour <= 23
	return yearOk && monthOk && hourOk
}

// decodeCosemDateTime decodes the 12-byte COSEM date-time structure (§4.D,
// §4.E): year(2) month(1) day(1) dow(1) hour(1) minute(1) second(1)
// hundredths(1) deviation(2) clockStatus(1, ignored here). 0xFFFF year or
// 0xFF fields mean "not specified" and decode to nil.
func decodeCosemDateTime(b [12]byte) DlmsDateTime {
	var dt DlmsDateTime
	year := int(binary.BigEndian.Uint16(b[0:2]))
	if year != 0xFFFF {
		dt.Year = intField(year)
	}
	if b[2] != 0xFF {
		dt.Month = intField(int(b[2]))
	}
	if b[3] != 0xFF {
		dt.Day = intField(int(b[3]))
	}
	if b[4] != 0xFF {
		dt.DayOfWeek = intField(int(b[4]))
	}
	if b[5] != 0xFF {
		dt.Hour = intField(int(b[5]))
	}
	if b[6] != 0xFF {
		dt.Minute = intField(int(b[6]))
	}
	if b[7] != 0xFF {
		dt.Second = intField(int(b[7]))
	}
	if b[8] != 0xFF {
		dt.Hundredths = intField(int(b[8]))
	}
	deviation := int16(binary.BigEndian.Uint16(b[9:11]))
	if deviation != -32768 { // 0x8000 == "not specified"
		dt.DeviationMinutes = intField(int(deviation))
	} else {
		dt.DeviationNotSpecified = true
	}
	if dt.Year != nil && dt.Month != nil && dt.Day != nil {
		h, m, s := 0, 0, 0
		if dt.Hour != nil {
			h = *dt.Hour
		}
		if dt.Minute != nil {
			m = *dt.Minute
		}
		if dt.Second != nil {
			s = *dt.Second
		}
		dt.ISO8601 = fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", *dt.Year, *dt.Month, *dt.Day, h, m, s)
	}
	return dt
}

func decodeCosemDate(b [5]byte) DlmsDateTime {
	var full [12]byte
	copy(full[0:2], b[0:2])
	full[2] = b[2]
	full[3] = b[3]
	full[4] = b[4]
	for i := 5; i < 12; i++ {
		full[i] = 0xFF
	}
	binary.BigEndian.PutUint16(full[9:11], 0x8000)
	return decodeCosemDateTime(full)
}

func decodeCosemTime(b [4]byte) DlmsDateTime {
	var full [12]byte
	binary.BigEndian.PutUint16(full[0:2], 0xFFFF)
	full[2], full[3], full[4] = 0xFF, 0xFF, 0xFF
	full[5], full[6], full[7], full[8] = b[0], b[1], b[2], b[3]
	binary.BigEndian.PutUint16(full[9:11], 0x8000)
	return decodeCosemDateTime(full)
}
