package gateway

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ivySignature is the fixed 4-byte lead the IVY wrapper requires for positive
// detection (§4.D): a 2-byte match is not enough, since raw DLMS payloads
// contain 00 01 incidentally.
var ivySignature = [4]byte{0x00, 0x01, 0x00, 0x01}

const ivyHeaderLen = 8

// IvyHeader is the 8-byte big-endian IVY wrapper header.
type IvyHeader struct {
	Version       uint16
	Source        uint16
	Destination   uint16
	PayloadLength uint16
}

// IvyPacket is one fully-framed unit handed to the protocol router: either a
// genuine IVY-wrapped payload, or a synthesised header around a bare
// raw-DLMS APDU (IsRawDlms true, §4.D "raw-DLMS mode").
type IvyPacket struct {
	Header    IvyHeader
	Payload   []byte
	IsRawDlms bool
}

// rawDlmsLengthTags are the first bytes the demultiplexer knows how to frame
// without an IVY header (§4.D length-formula table). 0xC5 and 0xC7 are part
// of the wider router detection set (§4.J) but carry no length formula here;
// encountering them leaves the demultiplexer no choice but to discard and
// resync, same as any other unrecognised lead byte.
var rawDlmsLengthTags = map[byte]bool{
	0x60: true, 0x61: true, 0x62: true, 0x63: true,
	0xC0: true, 0xC2: true, 0xC4: true, 0x0F: true, 0xD8: true,
}

// StreamDemux incrementally frames a byte stream into IVY packets and/or bare
// raw-DLMS APDUs (§4.D). It is not safe for concurrent use; the connection
// manager owns one per connection.
type StreamDemux struct {
	cfg IVYConfig
	log *logrus.Entry
	buf []byte

	discardedSinceWarn int
}

// NewStreamDemux builds a demultiplexer bounded by cfg.MaxPayloadLength.
func NewStreamDemux(cfg IVYConfig, log *logrus.Logger) *StreamDemux {
	return &StreamDemux{cfg: cfg, log: componentLogger(log, "ivy_demux")}
}

// Push appends data to the internal buffer and extracts as many complete
// packets as are available. Incomplete trailing bytes remain buffered for
// the next call (P7, P8: chunking never changes what is ultimately emitted).
func (d *StreamDemux) Push(data []byte) ([]IvyPacket, error) {
	d.buf = append(d.buf, data...)

	var out []IvyPacket
	for {
		if len(d.buf) == 0 {
			return out, nil
		}

		if len(d.buf) < len(ivySignature) && bytes.HasPrefix(ivySignature[:], d.buf) {
			return out, nil // underrun: may be the start of an IVY signature
		}

		if len(d.buf) >= 4 && matchesSignature(d.buf) {
			pkt, consumed, err := d.tryParseIvyPacket()
			if err != nil {
				return out, err
			}
			if consumed == 0 {
				return out, nil // underrun: wait for more bytes
			}
			d.buf = d.buf[consumed:]
			out = append(out, pkt)
			continue
		}

		if rawDlmsLengthTags[d.buf[0]] {
			apdu, consumed, err := d.tryParseRawDlmsApdu()
			if err != nil {
				d.discardOne()
				continue
			}
			if consumed == 0 {
				return out, nil // underrun
			}
			d.buf = d.buf[consumed:]
			out = append(out, IvyPacket{
				Header:    IvyHeader{Destination: 0x0001},
				Payload:   apdu,
				IsRawDlms: true,
			})
			continue
		}

		d.discardOne()
	}
}

func matchesSignature(buf []byte) bool {
	return buf[0] == ivySignature[0] && buf[1] == ivySignature[1] &&
		buf[2] == ivySignature[2] && buf[3] == ivySignature[3]
}

// discardOne drops a single unrecognised leading byte and prompts a re-search
// on the next loop iteration, rate-limiting the warning log (§4.D).
func (d *StreamDemux) discardOne() {
	d.discardedSinceWarn++
	if d.discardedSinceWarn == 1 || d.discardedSinceWarn%64 == 0 {
		preview := d.buf
		if len(preview) > 8 {
			preview = preview[:8]
		}
		d.log.WithFields(logrus.Fields{
			"discarded": d.discardedSinceWarn,
			"preview":   hex.EncodeToString(preview),
		}).Warn("ivy demux: discarding unrecognised byte, resynchronising")
	}
	d.buf = d.buf[1:]
}

// resyncPastSignature discards bytes from the front of the buffer up to (but
// not including) the next occurrence of the 4-byte IVY signature. When none
// is found yet it discards all but the last 3 bytes, since a later Push may
// still complete a signature straddling this call's boundary. It returns the
// number of bytes discarded, for the framing-error log line (§4.D).
func (d *StreamDemux) resyncPastSignature() int {
	for i := 1; i+4 <= len(d.buf); i++ {
		if matchesSignature(d.buf[i:]) {
			d.buf = d.buf[i:]
			return i
		}
	}
	keep := len(d.buf)
	if keep > 3 {
		keep = 3
	}
	discarded := len(d.buf) - keep
	d.buf = d.buf[discarded:]
	return discarded
}

// tryParseIvyPacket attempts to parse one complete IVY packet starting at
// d.buf[0]. consumed==0 means underrun (caller should wait for more data).
// A non-nil error means the payload length exceeded the configured cap,
// which is a framing error, not underrun.
func (d *StreamDemux) tryParseIvyPacket() (IvyPacket, int, error) {
	if len(d.buf) < ivyHeaderLen {
		return IvyPacket{}, 0, nil
	}
	hdr := IvyHeader{
		Version:       binary.BigEndian.Uint16(d.buf[0:2]),
		Source:        binary.BigEndian.Uint16(d.buf[2:4]),
		Destination:   binary.BigEndian.Uint16(d.buf[4:6]),
		PayloadLength: binary.BigEndian.Uint16(d.buf[6:8]),
	}

	maxPayload := d.cfg.MaxPayloadLength
	if maxPayload <= 0 {
		maxPayload = defaultIVYConfig().MaxPayloadLength
	}
	if int(hdr.PayloadLength) > maxPayload {
		discarded := d.resyncPastSignature()
		return IvyPacket{}, 0, NewError(KindFramingError,
			fmt.Sprintf("ivy payload length %d exceeds cap %d, discarded %d bytes resynchronising", hdr.PayloadLength, maxPayload, discarded), nil)
	}

	total := ivyHeaderLen + int(hdr.PayloadLength)
	if len(d.buf) < total {
		return IvyPacket{}, 0, nil
	}
	payload := append([]byte{}, d.buf[ivyHeaderLen:total]...)
	d.discardedSinceWarn = 0
	return IvyPacket{Header: hdr, Payload: payload}, total, nil
}

// tryParseRawDlmsApdu computes the length of the raw-DLMS APDU starting at
// d.buf[0] per the §4.D table and returns its bytes. consumed==0 means
// underrun.
func (d *StreamDemux) tryParseRawDlmsApdu() ([]byte, int, error) {
	n, err := rawDlmsApduLength(d.buf)
	if err != nil {
		return nil, 0, err
	}
	if n < 0 {
		return nil, 0, nil // underrun
	}
	if len(d.buf) < n {
		return nil, 0, nil
	}
	d.discardedSinceWarn = 0
	return append([]byte{}, d.buf[:n]...), n, nil
}

// rawDlmsApduLength implements the §4.D length-formula table. It returns
// (-1, nil) for underrun (not enough bytes yet to decide) and a
// KindFramingError/KindMalformedValue error for a genuinely malformed APDU
// that the demux should discard and resynchronise past.
func rawDlmsApduLength(buf []byte) (int, error) {
	tag := buf[0]
	switch tag {
	case 0x60, 0x61, 0x62, 0x63:
		if len(buf) < 2 {
			return -1, nil
		}
		if buf[1] >= 0x80 {
			return 0, NewError(KindFramingError, "BER-TLV long-form length not supported", nil)
		}
		return 2 + int(buf[1]), nil

	case 0xD8:
		return 3, nil

	case 0xC0:
		return 13, nil

	case 0xC4:
		if len(buf) < 4 {
			return -1, nil
		}
		switch buf[3] {
		case 0x01:
			return 5, nil
		case 0x00:
			v, err := parseDlmsValue(buf, 4)
			if err != nil {
				return -1, nil // treat as underrun; a genuinely bad tag never completes and is discarded upstream
			}
			return 4 + v.BytesConsumed, nil
		default:
			return 0, NewError(KindFramingError, fmt.Sprintf("GET.response: unexpected result discriminator 0x%02X", buf[3]), nil)
		}

	case 0xC2:
		return eventNotificationLength(buf)

	case 0x0F:
		if len(buf) < 6 {
			return -1, nil
		}
		dtLen := int(buf[5])
		valueOffset := 6 + dtLen
		if len(buf) < valueOffset {
			return -1, nil
		}
		v, err := parseDlmsValue(buf, valueOffset)
		if err != nil {
			return -1, nil
		}
		return valueOffset + v.BytesConsumed, nil

	default:
		return 0, NewError(KindFramingError, fmt.Sprintf("unrecognised raw-DLMS tag 0x%02X", tag), nil)
	}
}

// eventNotificationLength implements the 0xC2 EventNotification formula,
// including the datetime-ambiguity heuristic (§4.D): classId(2) + OBIS(6, or
// 7 with a 0x06 length prefix) + attr(1) + optional 12-byte COSEM datetime +
// one DLMS value + zero or more trailing values whose lead byte is a known
// non-zero DLMS tag.
func eventNotificationLength(buf []byte) (int, error) {
	const head = 1 + 2 // tag + classId
	if len(buf) < head+1 {
		return -1, nil
	}

	obisLen := 6
	obisStart := head
	if buf[obisStart] == 0x06 {
		obisLen = 7
		obisStart++
	}
	if len(buf) < obisStart+obisLen+1 {
		return -1, nil
	}
	attrOffset := obisStart + obisLen
	valuesStart := attrOffset + 1

	withoutDT, okNoDT := walkEventValues(buf, valuesStart)

	withDT := -1
	okDT := false
	if len(buf) >= valuesStart+12 && looksLikeCosemDateTime(buf[valuesStart:valuesStart+12]) {
		withDT, okDT = walkEventValues(buf, valuesStart+12)
	}

	switch {
	case okNoDT && !okDT:
		return withoutDT, nil
	case okDT && !okNoDT:
		return withDT, nil
	case okNoDT && okDT:
		cleanNoDT := endsCleanly(buf, withoutDT)
		cleanDT := endsCleanly(buf, withDT)
		if cleanDT && !cleanNoDT {
			return withDT, nil
		}
		return withoutDT, nil
	default:
		return -1, nil // underrun: neither candidate could be walked yet
	}
}

// walkEventValues parses one DLMS value at offset, then keeps parsing
// further values for as long as the next lead byte is a known, non-zero
// DLMS tag (§4.D). ok is false on underrun.
func walkEventValues(buf []byte, offset int) (length int, ok bool) {
	first, err := parseDlmsValue(buf, offset)
	if err != nil {
		return 0, false
	}
	total := offset + first.BytesConsumed
	for total < len(buf) && IsKnownDlmsValueTag(buf[total]) {
		next, err := parseDlmsValue(buf, total)
		if err != nil {
			break
		}
		total += next.BytesConsumed
	}
	return total, true
}

// endsCleanly reports whether consuming n bytes from buf leaves either
// nothing behind or a recognisable start of the next packet (a raw-DLMS tag
// or the IVY signature) — the disambiguator §4.D's heuristic falls back to
// when both the with- and without-datetime candidates parse successfully.
func endsCleanly(buf []byte, n int) bool {
	if n >= len(buf) {
		return true
	}
	rest := buf[n:]
	if len(rest) >= 4 && matchesSignature(rest) {
		return true
	}
	return rawDlmsLengthTags[rest[0]]
}
