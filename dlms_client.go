package gateway

import "fmt"

// dlmsApplicationContextOid is the BER OBJECT IDENTIFIER 2.16.756.5.8.1.1
// (LN referencing, no ciphering) encoded per X.690: first two arcs combine
// as 40*2+16=96=0x60, then 756, 5, 8, 1, 1 in base-128.
var dlmsApplicationContextOid = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x01, 0x01}

// dlmsInitiateRequest is the fixed InitiateRequest body buildAarq embeds in
// the AARQ's user-information field (§4.G): proposed DLMS version 6 and a
// conformance bitstring whose only asserted bit is "get" (bit 19 of the
// 24-bit COSEM conformance block, counting from the most significant bit).
var dlmsInitiateRequest = []byte{
	0x00,       // dedicated-key: absent
	0x00,       // quality-of-service: absent
	0x06,       // proposed-dlms-version-number
	0x5F, 0x1F, // proposed-conformance tag (application-class, tag number 31)
	0x04,             // length: 1 unused-bits byte + 3 content bytes
	0x00,             // unused-bits count
	0x00, 0x00, 0x10, // conformance bits: only "get" (bit 19) asserted
	0x04, 0x00, // proposed-max-pdu-size (1024)
}

// buildAarq assembles the Application-Association-Request (tag 0x60): the
// application-context-name wrapped in [A1], followed by the
// user-information wrapped in [BE] carrying the InitiateRequest (§4.G).
func buildAarq() []byte {
	appContext := berTLV(0xA1, berTLV(0x06, dlmsApplicationContextOid))
	userInfo := berTLV(0xBE, berTLV(0x04, dlmsInitiateRequest))
	body := append(append([]byte{}, appContext...), userInfo...)
	return berTLV(0x60, body)
}

// BuildAarq is the exported entry point used by the active poller.
func BuildAarq() []byte { return buildAarq() }

// berTLV wraps content in a short-form BER-TLV tag+length header. The
// gateway never emits a content longer than 127 bytes, so long-form length
// is never needed on the encode side (§4.D only has to accept it defensively
// on decode, and does not even do that — see the BER-TLV length formula).
func berTLV(tag byte, content []byte) []byte {
	if len(content) > 127 {
		panic(fmt.Sprintf("berTLV: content length %d exceeds short-form BER-TLV limit", len(content)))
	}
	out := make([]byte, 0, 2+len(content))
	out = append(out, tag, byte(len(content)))
	return append(out, content...)
}

// buildGetRequest assembles a GET.request-normal (tag 0xC0): exactly 13
// bytes, `C0 01 invokeId classIdHi classIdLo obisA..obisF attribute 00`
// (§4.G). invokeId cycles 1..255 and is the caller's responsibility
// (invokeIDCursor in ids.go).
func buildGetRequest(classID uint16, obis Obis, attribute byte, invokeID byte) []byte {
	b := obis.Bytes()
	return []byte{
		0xC0, 0x01, invokeID,
		byte(classID >> 8), byte(classID),
		b[0], b[1], b[2], b[3], b[4], b[5],
		attribute,
		0x00, // access-selection: none
	}
}

// BuildGetRequest is the exported entry point; attribute defaults to 2 (the
// COSEM "value" attribute on nearly every register class) when callers pass
// 0.
func BuildGetRequest(classID uint16, obisString string, attribute byte, invokeID byte) ([]byte, error) {
	obis, err := ParseObis(obisString)
	if err != nil {
		return nil, err
	}
	if attribute == 0 {
		attribute = 2
	}
	return buildGetRequest(classID, obis, attribute, invokeID), nil
}

// buildReleaseRequest assembles an RLRQ (tag 0x62): `62 03 80 01 reason` (§4.G).
func buildReleaseRequest(reason byte) []byte {
	return []byte{0x62, 0x03, 0x80, 0x01, reason}
}

// BuildReleaseRequest is the exported entry point; reason 0 is "normal".
func BuildReleaseRequest(reason byte) []byte { return buildReleaseRequest(reason) }
