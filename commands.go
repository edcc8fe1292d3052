package gateway

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var commandJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandName is one of the four request shapes of §6.
type CommandName string

const (
	CommandReadRegister CommandName = "read_register"
	CommandRelayControl CommandName = "relay_control"
	CommandReadAddress  CommandName = "read_address"
	CommandReadAll      CommandName = "read_all"
)

// CommandDispatcher wires the external command-bus request/response shapes
// of §6 to the connection manager and the DL/T 645 / DLMS codecs. Requests
// and responses are loosely-typed JSON, extracted and built with
// gjson/sjson path expressions rather than intermediate structs, the same
// style the teacher uses for proxied CoAP bodies (coap_observe_sync.go).
type CommandDispatcher struct {
	manager *ConnectionManager
	cfg     Config
}

// NewCommandDispatcher binds a dispatcher to a connection manager.
func NewCommandDispatcher(manager *ConnectionManager, cfg Config) *CommandDispatcher {
	return &CommandDispatcher{manager: manager, cfg: cfg}
}

// Dispatch decodes a single JSON command envelope `{ meterId, command,
// ...fields }`, routes it to the matching handler, and returns the JSON
// response envelope (or an error for "Meter not connected" and malformed
// requests, per §6).
func (d *CommandDispatcher) Dispatch(requestJSON []byte) ([]byte, error) {
	if !gjson.ValidBytes(requestJSON) {
		return nil, NewError(KindMalformedValue, "command request is not valid JSON", nil)
	}
	root := gjson.ParseBytes(requestJSON)
	meterID := root.Get("meterId").String()
	command := CommandName(root.Get("command").String())

	if meterID == "" {
		return nil, NewError(KindMalformedValue, "command request missing meterId", nil)
	}
	conn, ok := d.manager.Lookup(meterID)
	if !ok {
		return nil, NewError(KindConnectionClosed, "Meter not connected", nil)
	}

	switch command {
	case CommandReadRegister:
		return d.readRegister(conn, root)
	case CommandRelayControl:
		return d.relayControl(conn, root)
	case CommandReadAddress:
		return d.readAddress(conn, root)
	case CommandReadAll:
		return d.readAll(conn, root)
	default:
		return nil, NewError(KindMalformedValue, fmt.Sprintf("unknown command %q", command), nil)
	}
}

// readRegister implements `read_register { register }` -> `{ register,
// dataId, value, unit, timestamp }`. `register` may be either a registry
// key (e.g. "TOTAL_VOLTAGE") or a raw OBIS string; dlms-side registers are
// GET via the same correlator the poller uses.
func (d *CommandDispatcher) readRegister(conn *Connection, root gjson.Result) ([]byte, error) {
	registerName := root.Get("register").String()
	obis, ok := resolveRegisterName(registerName)
	if !ok {
		return nil, NewError(KindMalformedValue, fmt.Sprintf("unknown register %q", registerName), nil)
	}

	invokeID := conn.NextInvokeID()
	req := buildGetRequest(registerClassID, obis, 2, invokeID)
	payload, err := conn.SendAndAwait(InvokeMatchKey(invokeID), req, d.cfg.Polling.PerRequestTimeout)
	if err != nil {
		return nil, err
	}
	apdu, ok := payload.(*Apdu)
	if !ok || apdu.GetResponse == nil {
		return nil, NewError(KindMalformedValue, "read_register: unexpected response shape", nil)
	}
	gr := apdu.GetResponse
	if !gr.Success {
		return nil, NewError(KindDataAccessError, dataAccessResultName(gr.ErrorCode), nil)
	}

	key, unit, value := resolveObisReading(obis, *gr.Value)
	out := "{}"
	out, _ = sjson.Set(out, "register", key)
	out, _ = sjson.Set(out, "dataId", obis.String())
	out, _ = sjson.Set(out, "value", value)
	out, _ = sjson.Set(out, "unit", unit)
	out, _ = sjson.Set(out, "timestamp", nowISO8601())
	return []byte(out), nil
}

// dlt645MatchKey is the SendAndAwait match-key convention for DL/T 645
// request/response correlation: there is no invoke-id on the wire, so
// requests correlate on their own control code (the resolver looks the
// request code up from the response/error code via GetRequestCode).
func dlt645MatchKey(requestControlCode byte) string {
	return fmt.Sprintf("dlt645:0x%02x", requestControlCode)
}

// relayControl implements `relay_control { state }` -> `{ relay_state,
// timestamp }` over DL/T 645's 0x1C control code.
func (d *CommandDispatcher) relayControl(conn *Connection, root gjson.Result) ([]byte, error) {
	state := root.Get("state").String()
	if state != "open" && state != "close" {
		return nil, NewError(KindMalformedValue, fmt.Sprintf("relay_control: invalid state %q", state), nil)
	}
	command := RelayTrip
	if state == "close" {
		command = RelayClose
	}

	cipher, err := d.relayCipher()
	if err != nil {
		return nil, err
	}
	req, err := BuildRelayControlFrame(conn.MeterID(), command, relayTimestampNow(), [4]byte{}, [4]byte{}, cipher)
	if err != nil {
		return nil, err
	}
	timeout := d.cfg.Polling.PerRequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	payload, err := conn.SendAndAwait(dlt645MatchKey(CtrlRelayControl), req, timeout)
	if err != nil {
		return nil, err
	}
	frame, ok := payload.(*DLT645Frame)
	if !ok {
		return nil, NewError(KindMalformedValue, "relay_control: unexpected response shape", nil)
	}
	if frame.IsError {
		errResp, parseErr := ParseErrorResponse(frame)
		if parseErr != nil {
			return nil, parseErr
		}
		return nil, NewError(KindDataAccessError, errResp.ErrorMessage, nil)
	}

	out := "{}"
	out, _ = sjson.Set(out, "relay_state", state)
	out, _ = sjson.Set(out, "timestamp", nowISO8601())
	return []byte(out), nil
}

// relayCipher builds the configured RelayCipher, falling back to sending
// the relay block in the clear when no passphrase is configured (lab use,
// §9 open question).
func (d *CommandDispatcher) relayCipher() (RelayCipher, error) {
	if d.cfg.Relay.Passphrase == "" {
		return ClearRelayCipher{}, nil
	}
	return NewAESRelayCipher(d.cfg.Relay.Passphrase)
}

// relayTimestampNow BCD-encodes the current UTC time as the relay-control
// block's 6-byte timestamp field (YY MM DD hh mm ss, §4.C).
func relayTimestampNow() [6]byte {
	now := time.Now().UTC()
	var out [6]byte
	fields := []int{now.Year() % 100, int(now.Month()), now.Day(), now.Hour(), now.Minute(), now.Second()}
	for i, v := range fields {
		b, _ := EncodeBCD(uint64(v), 1, true)
		out[i] = b[0]
	}
	return out
}

// readAddress implements `read_address {}` -> `{ address, timestamp }`
// over DL/T 645's 0x13 control code.
func (d *CommandDispatcher) readAddress(conn *Connection, _ gjson.Result) ([]byte, error) {
	req, err := BuildReadAddressFrame()
	if err != nil {
		return nil, err
	}
	timeout := d.cfg.Polling.PerRequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	payload, err := conn.SendAndAwait(dlt645MatchKey(CtrlReadAddress), req, timeout)
	if err != nil {
		return nil, err
	}
	frame, ok := payload.(*DLT645Frame)
	if !ok {
		return nil, NewError(KindMalformedValue, "read_address: unexpected response shape", nil)
	}

	out := "{}"
	out, _ = sjson.Set(out, "address", frame.Address)
	out, _ = sjson.Set(out, "timestamp", nowISO8601())
	return []byte(out), nil
}

// readAll implements `read_all { registers[] }` -> `{ readings: map }`,
// reading each named register in turn and collecting failures as nil
// entries rather than aborting the whole batch.
func (d *CommandDispatcher) readAll(conn *Connection, root gjson.Result) ([]byte, error) {
	names := root.Get("registers").Array()
	out := "{}"
	for _, nameResult := range names {
		name := nameResult.String()
		single, err := d.readRegister(conn, gjson.Parse(fmt.Sprintf(`{"register":%q}`, name)))
		if err != nil {
			out, _ = sjson.Set(out, "readings."+name, nil)
			continue
		}
		var decoded map[string]interface{}
		if jsonErr := commandJSON.Unmarshal(single, &decoded); jsonErr == nil {
			out, _ = sjson.Set(out, "readings."+name, decoded)
		}
	}
	return []byte(out), nil
}

// resolveRegisterName accepts either a registry key ("TOTAL_VOLTAGE") or a
// raw OBIS string ("1-0:12.7.0.255") and resolves it to an Obis code.
func resolveRegisterName(name string) (Obis, bool) {
	if obis, err := ParseObis(name); err == nil {
		return obis, true
	}
	for obisString, entry := range obisRegistry {
		if entry.Key == name {
			obis, err := ParseObis(obisString)
			return obis, err == nil
		}
	}
	return Obis{}, false
}
