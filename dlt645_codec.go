package gateway

import (
	"encoding/binary"
	"fmt"
)

// DL/T 645 control codes (§6).
const (
	CtrlRead          byte = 0x11
	CtrlWrite         byte = 0x14
	CtrlRelayControl   byte = 0x1C
	CtrlBroadcastTime byte = 0x08
	CtrlReadAddress   byte = 0x13
)

// Relay control commands (§4.C).
const (
	RelayTrip  byte = 0x1A
	RelayClose byte = 0x1B
)

// Broadcast addresses (§6).
const (
	BroadcastAddressAll   = "999999999999"
	BroadcastAddressQuery = "AAAAAAAAAAAA"
)

// DLT645Frame is the parsed/pre-build shape of a DL/T 645-2007 frame (§3).
type DLT645Frame struct {
	Address     string
	ControlCode byte
	DataLength  byte
	Payload     []byte
	Checksum    byte
	IsError     bool
}

// GetResponseCode / GetErrorResponseCode / GetRequestCode implement the
// control-code algebra of §4.C and P5.
func GetResponseCode(request byte) byte      { return request + 0x80 }
func GetErrorResponseCode(request byte) byte { return request + 0xC0 }
func GetRequestCode(response byte) byte {
	if response&0xC0 == 0xC0 {
		return response - 0xC0
	}
	return response - 0x80
}

func isErrorControlCode(cc byte) bool { return cc&0xC0 == 0xC0 }

func addressBuffer(address string) ([]byte, error) {
	if address == BroadcastAddressQuery {
		buf := make([]byte, 6)
		for i := range buf {
			buf[i] = 0xAA
		}
		return buf, nil
	}
	return AddressToBuffer(address)
}

// buildFrame assembles a complete, checksummed frame from its logical parts.
func buildFrame(address string, controlCode byte, payload []byte) ([]byte, error) {
	addrBuf, err := addressBuffer(address)
	if err != nil {
		return nil, err
	}
	if len(payload) > 255 {
		return nil, NewError(KindMalformedFrame, "payload exceeds 255 bytes", nil)
	}
	partial := make([]byte, 0, dlt645MinLength-2+len(payload))
	partial = append(partial, dlt645StartByte)
	partial = append(partial, addrBuf...)
	partial = append(partial, dlt645StartByte)
	partial = append(partial, controlCode)
	partial = append(partial, byte(len(payload)))
	partial = append(partial, payload...)
	return appendDLT645Checksum(partial), nil
}

// BuildReadFrame builds a read-register request (§4.C).
func BuildReadFrame(address string, dataID uint32) ([]byte, error) {
	idBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBytes, dataID)
	payload := ApplyOffset(idBytes)
	return buildFrame(address, CtrlRead, payload)
}

// BuildWriteFrame builds a write-register request (§4.C).
func BuildWriteFrame(address string, dataID uint32, value []byte) ([]byte, error) {
	idBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBytes, dataID)
	raw := append(append([]byte{}, idBytes...), value...)
	payload := ApplyOffset(raw)
	return buildFrame(address, CtrlWrite, payload)
}

// RelayCipher encrypts the 16-byte relay-control plaintext block before
// transmission. §9 leaves the production cipher unspecified; implementations
// are injected rather than hardcoded. See dlt645_relay_cipher.go for the
// default. The returned ciphertext becomes the frame payload verbatim, so an
// implementation that needs to carry an IV/nonce must prepend or append it
// itself.
type RelayCipher interface {
	Encrypt(plaintext [16]byte) (ciphertext []byte, err error)
}

// BuildRelayControlFrame builds a trip/close relay-control request. The
// 16-byte plaintext layout is timestamp(6) + operator code(4) + password(4)
// + command(1) + padding(1), per the vendor spec referenced in §4.C; cipher
// may be nil to send the block in the clear (test/lab use only).
func BuildRelayControlFrame(address string, command byte, timestamp [6]byte, operatorCode [4]byte, password [4]byte, cipher RelayCipher) ([]byte, error) {
	if command != RelayTrip && command != RelayClose {
		return nil, NewError(KindMalformedFrame, fmt.Sprintf("unknown relay command 0x%02X", command), nil)
	}
	var block [16]byte
	copy(block[0:6], timestamp[:])
	copy(block[6:10], operatorCode[:])
	copy(block[10:14], password[:])
	block[14] = command
	block[15] = 0x00
	payload := []byte(block[:])
	if cipher != nil {
		enc, err := cipher.Encrypt(block)
		if err != nil {
			return nil, fmt.Errorf("relay control: encrypt: %w", err)
		}
		payload = enc
	}
	return buildFrame(address, CtrlRelayControl, payload)
}

// BuildReadAddressFrame builds the broadcast read-address request (§4.C).
func BuildReadAddressFrame() ([]byte, error) {
	return buildFrame(BroadcastAddressQuery, CtrlReadAddress, nil)
}

// ParseFrame validates and decomposes a complete DL/T 645 frame (§4.C).
func ParseFrame(frame []byte) (*DLT645Frame, error) {
	if err := validateDLT645Frame(frame); err != nil {
		return nil, err
	}
	address := BroadcastAddressQuery
	for _, b := range frame[1:7] {
		if b != 0xAA {
			address = ""
			break
		}
	}
	if address == "" {
		var err error
		if address, err = BufferToAddress(frame[1:7]); err != nil {
			return nil, err
		}
	}
	controlCode := frame[8]
	dataLength := frame[9]
	payload := append([]byte{}, frame[10:10+int(dataLength)]...)
	return &DLT645Frame{
		Address:     address,
		ControlCode: controlCode,
		DataLength:  dataLength,
		Payload:     payload,
		Checksum:    frame[len(frame)-2],
		IsError:     isErrorControlCode(controlCode),
	}, nil
}

// ReadResponse is the decoded form of a successful read-register response (§4.C).
type ReadResponse struct {
	DataID   uint32
	RawValue []byte
	Value    float64
	Unit     string
}

// ParseReadResponse strips the +0x33 offset, reads the 4-byte little-endian
// data id, and decodes all remaining bytes as little-endian BCD with the
// register spec's decimal precision. The spec's ByteLen is not consulted: a
// value of any length is decoded as it arrives.
func ParseReadResponse(frame *DLT645Frame, spec *DLT645RegisterSpec) (*ReadResponse, error) {
	if frame.IsError {
		return nil, NewError(KindMalformedFrame, "frame carries an error control code", nil)
	}
	if len(frame.Payload) < 4 {
		return nil, NewError(KindMalformedFrame, "payload shorter than the 4-byte data id", nil)
	}
	raw := RemoveOffset(frame.Payload)
	dataID := binary.LittleEndian.Uint32(raw[0:4])
	rawValue := raw[4:]
	resp := &ReadResponse{DataID: dataID, RawValue: rawValue}
	if spec == nil {
		spec = lookupDLT645Register(dataID)
	}
	if spec != nil {
		val, err := DecodeBCDWithPrecision(rawValue, spec.DecimalPlaces, true)
		if err != nil {
			return nil, err
		}
		resp.Value = val
		resp.Unit = spec.Unit
	}
	return resp, nil
}

// DLT645RegisterSpec describes how to decode a data id's value bytes.
type DLT645RegisterSpec struct {
	DataID        uint32
	Name          string
	ByteLen       int
	DecimalPlaces int
	Unit          string
}

// dlt645Registers covers the data ids exercised by the §8 fixtures and the
// common combined active/reactive energy/power/voltage/current registers.
var dlt645Registers = []DLT645RegisterSpec{
	{DataID: 0x00000000, Name: "TOTAL_ACTIVE_ENERGY", ByteLen: 4, DecimalPlaces: 2, Unit: "kWh"},
	{DataID: 0x00010000, Name: "RATE1_ACTIVE_ENERGY", ByteLen: 4, DecimalPlaces: 2, Unit: "kWh"},
	{DataID: 0x02010100, Name: "VOLTAGE_PHASE_A", ByteLen: 2, DecimalPlaces: 1, Unit: "V"},
	{DataID: 0x02020100, Name: "CURRENT_PHASE_A", ByteLen: 2, DecimalPlaces: 3, Unit: "A"},
	{DataID: 0x02030000, Name: "INSTANT_ACTIVE_POWER", ByteLen: 4, DecimalPlaces: 4, Unit: "kW"},
}

func lookupDLT645Register(dataID uint32) *DLT645RegisterSpec {
	for i := range dlt645Registers {
		if dlt645Registers[i].DataID == dataID {
			return &dlt645Registers[i]
		}
	}
	return nil
}

// ErrorResponse is the decoded form of a DL/T 645 error response (§4.C).
type ErrorResponse struct {
	ErrorCode    byte
	ErrorMessage string
	ControlCode  byte
}

// dlt645ErrorBits names each bit of the error code byte. Bit 0x08's meaning
// is ambiguous in the source material (§9 open question); the raw byte is
// always surfaced alongside the composed message.
var dlt645ErrorBits = []struct {
	bit  byte
	name string
}{
	{0x01, "other errors"},
	{0x02, "no requested data"},
	{0x04, "password error / permission denied"},
	{0x08, "communication rate cannot be changed / password (ambiguous)"},
	{0x10, "year/time zone out of range or date error"},
	{0x20, "demand rate number overflow"},
	{0x40, "reserved"},
}

// ParseErrorResponse decodes a DL/T 645 error frame's bitfield into the
// named conditions of §4.C. errorCode may combine several bits.
func ParseErrorResponse(frame *DLT645Frame) (*ErrorResponse, error) {
	if !frame.IsError {
		return nil, NewError(KindMalformedFrame, "frame does not carry an error control code", nil)
	}
	if len(frame.Payload) < 1 {
		return nil, NewError(KindMalformedFrame, "error frame payload is empty", nil)
	}
	raw := RemoveOffset(frame.Payload)
	code := raw[0]
	var msg string
	for _, bit := range dlt645ErrorBits {
		if code&bit.bit != 0 {
			if msg != "" {
				msg += "; "
			}
			msg += bit.name
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("unclassified error code 0x%02X", code)
	}
	return &ErrorResponse{ErrorCode: code, ErrorMessage: msg, ControlCode: frame.ControlCode}, nil
}
