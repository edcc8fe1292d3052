package gateway

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/matrix-org/gomatrixserverlib"
)

var eventJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind is one of the six event shapes external collaborators match on
// by name (§6): the value is exactly the indicative colon-separated event name.
type EventKind string

const (
	EventMeterConnected    EventKind = "meter:connected"
	EventMeterDisconnected EventKind = "meter:disconnected"
	EventTelemetryReceived EventKind = "telemetry:received"
	EventErrorResponse     EventKind = "error:response"
	EventDlmsEventReceived EventKind = "dlms:event:received"
	EventDlmsErrorReceived EventKind = "dlms:error:received"
)

// Event is published to the local bus for every occurrence in §6. Fields
// carries the event-specific payload (register, value, stats, ...); Kind,
// MeterID, and ConnectionID are hoisted out because every consumer keys on
// them regardless of event shape.
type Event struct {
	Kind         EventKind
	MeterID      string
	ConnectionID string
	Fields       map[string]interface{}
}

func newEvent(kind EventKind, meterID, connID string, fields map[string]interface{}) Event {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return Event{Kind: kind, MeterID: meterID, ConnectionID: connID, Fields: fields}
}

// NewMeterConnectedEvent builds meter:connected { meterId, remoteAddress, protocolType }.
func NewMeterConnectedEvent(meterID, connID, remoteAddress string, protocol ProtocolKind) Event {
	return newEvent(EventMeterConnected, meterID, connID, map[string]interface{}{
		"remoteAddress": remoteAddress,
		"protocolType":  string(protocol),
	})
}

// NewMeterDisconnectedEvent builds meter:disconnected { meterId, stats }.
func NewMeterDisconnectedEvent(meterID, connID string, stats ConnectionStats) Event {
	return newEvent(EventMeterDisconnected, meterID, connID, map[string]interface{}{
		"stats": stats,
	})
}

// NewTelemetryReceivedEvent builds telemetry:received { meterId, source,
// register: {key, name}, value, rawValue, unit, timestamp }.
func NewTelemetryReceivedEvent(meterID, connID, source, registerKey, registerName string, value, rawValue float64, unit string, timestamp string) Event {
	return newEvent(EventTelemetryReceived, meterID, connID, map[string]interface{}{
		"source":   source,
		"register": map[string]interface{}{"key": registerKey, "name": registerName},
		"value":     value,
		"rawValue":  rawValue,
		"unit":      unit,
		"timestamp": timestamp,
	})
}

// NewErrorResponseEvent builds error:response { meterId, errorCode, errorMessage }.
func NewErrorResponseEvent(meterID, connID string, errorCode byte, errorMessage string) Event {
	return newEvent(EventErrorResponse, meterID, connID, map[string]interface{}{
		"errorCode":    int(errorCode),
		"errorMessage": errorMessage,
	})
}

// NewDlmsEventReceivedEvent builds dlms:event:received { meterId, eventType, data }.
func NewDlmsEventReceivedEvent(meterID, connID string, eventType ApduKind, data map[string]interface{}) Event {
	return newEvent(EventDlmsEventReceived, meterID, connID, map[string]interface{}{
		"eventType": string(eventType),
		"data":      data,
	})
}

// NewDlmsErrorReceivedEvent builds dlms:error:received { meterId, invokeId, errorCode, errorName }.
func NewDlmsErrorReceivedEvent(meterID, connID string, invokeID, errorCode byte) Event {
	return newEvent(EventDlmsErrorReceived, meterID, connID, map[string]interface{}{
		"invokeId":  int(invokeID),
		"errorCode": int(errorCode),
		"errorName": dataAccessResultName(errorCode),
	})
}

// EventBus fans incoming events out to subscribers. The design note on
// "event-emitter objects" (§9) prefers channels for a long-lived consumer,
// which the MQTT publisher always is.
type EventBus struct {
	subscribers []chan Event
}

// NewEventBus builds an empty bus.
func NewEventBus() *EventBus { return &EventBus{} }

// Subscribe returns a channel that receives every future Publish call. The
// channel is buffered; a slow consumer drops events rather than blocking
// the connection task that published them (ingress must never stall on a
// subscriber, per the §5 suspension-point contract).
func (b *EventBus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans out ev to every subscriber without blocking.
func (b *EventBus) Publish(ev Event) {
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// eventEnumKeyToNum compacts the gateway's own event vocabulary into small CBOR
// integers for the wire, the same technique the teacher used for Matrix
// event fields (cbor_v1.go), applied to this domain's field names instead.
var eventEnumKeyToNum = map[string]int{
	"kind": 1, "meterId": 2, "connectionId": 3, "fields": 4,
	"source": 5, "register": 6, "key": 7, "name": 8,
	"value": 9, "rawValue": 10, "unit": 11, "timestamp": 12,
	"errorCode": 13, "errorMessage": 14, "eventType": 15, "data": 16,
	"invokeId": 17, "errorName": 18, "remoteAddress": 19, "protocolType": 20,
	"stats": 21,
}

var eventEnumNumToKey = func() map[int]string {
	m := make(map[int]string, len(eventEnumKeyToNum))
	for k, v := range eventEnumKeyToNum {
		if _, dup := m[v]; dup {
			panic(fmt.Sprintf("events: duplicate enum key integer %d", v))
		}
		m[v] = k
	}
	return m
}()

// EventCodec converts Events to and from compact CBOR for the local bus wire
// format, and back to canonical JSON for HTTP/debug consumers (§9 event
// design note; adapted from the teacher's CBOR/JSON bridge).
type EventCodec struct {
	Canonical bool
}

// Encode serialises ev as CBOR with enum-compacted keys.
func (c EventCodec) Encode(ev Event) ([]byte, error) {
	asMap := map[string]interface{}{
		"kind":         string(ev.Kind),
		"meterId":      ev.MeterID,
		"connectionId": ev.ConnectionID,
		"fields":       ev.Fields,
	}
	b, err := eventJSON.Marshal(asMap)
	if err != nil {
		return nil, fmt.Errorf("events: marshal intermediate JSON: %w", err)
	}
	var intermediate interface{}
	if err := eventJSON.Unmarshal(b, &intermediate); err != nil {
		return nil, fmt.Errorf("events: round-trip through JSON: %w", err)
	}
	intermediate = jsonInterfaceToCBORInterface(intermediate, eventEnumKeyToNum)
	if c.Canonical {
		enc, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("events: canonical CBOR encoder: %w", err)
		}
		return enc.Marshal(intermediate)
	}
	return cbor.Marshal(intermediate)
}

// Decode parses CBOR bytes produced by Encode back into an Event.
func (c EventCodec) Decode(data []byte) (Event, error) {
	var intermediate interface{}
	if err := cbor.NewDecoder(bytes.NewReader(data)).Decode(&intermediate); err != nil {
		return Event{}, fmt.Errorf("events: decode CBOR: %w", err)
	}
	intermediate = cborInterfaceToJSONInterface(intermediate, eventEnumNumToKey)
	b, err := eventJSON.Marshal(intermediate)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal decoded intermediate: %w", err)
	}
	if c.Canonical {
		if b, err = gomatrixserverlib.CanonicalJSON(b); err != nil {
			return Event{}, fmt.Errorf("events: canonical JSON: %w", err)
		}
	}
	var asMap map[string]interface{}
	if err := eventJSON.Unmarshal(b, &asMap); err != nil {
		return Event{}, fmt.Errorf("events: unmarshal event envelope: %w", err)
	}
	ev := Event{
		Kind:         EventKind(fmt.Sprintf("%v", asMap["kind"])),
		MeterID:      fmt.Sprintf("%v", asMap["meterId"]),
		ConnectionID: fmt.Sprintf("%v", asMap["connectionId"]),
		Fields:       map[string]interface{}{},
	}
	if fields, ok := asMap["fields"].(map[string]interface{}); ok {
		ev.Fields = fields
	}
	return ev, nil
}

// jsonInterfaceToCBORInterface walks a decoded-JSON tree (map[string]any,
// []any, bool, float64, string, nil) and rewrites object keys present in
// lookup to their integer form, leaving everything else untouched. Adapted
// from the teacher's CBOR/JSON bridge (cbor.go).
func jsonInterfaceToCBORInterface(jsonInt interface{}, lookup map[string]int) interface{} {
	if jsonInt == nil {
		return nil
	}
	thing := reflect.ValueOf(jsonInt)
	switch thing.Type().Kind() {
	case reflect.Slice:
		arr := jsonInt.([]interface{})
		for i, element := range arr {
			arr[i] = jsonInterfaceToCBORInterface(element, lookup)
		}
		return arr
	case reflect.Map:
		result := make(map[interface{}]interface{})
		m := jsonInt.(map[string]interface{})
		for k, v := range m {
			if knum, ok := lookup[k]; ok {
				result[knum] = jsonInterfaceToCBORInterface(v, lookup)
			} else {
				result[k] = jsonInterfaceToCBORInterface(v, lookup)
			}
		}
		return result
	case reflect.Bool, reflect.Float64, reflect.String:
		return jsonInt
	default:
		return fmt.Sprintf("%v", jsonInt)
	}
}

// cborInterfaceToJSONInterface is the inverse of jsonInterfaceToCBORInterface:
// it rewrites integer map keys back to their string form via lookup, keeps
// integer keys missing from lookup under their decimal string form, and
// drops any key that is neither a string nor an integer.
func cborInterfaceToJSONInterface(cborInt interface{}, lookup map[int]string) interface{} {
	if cborInt == nil {
		return nil
	}
	thing := reflect.ValueOf(cborInt)
	switch thing.Type().Kind() {
	case reflect.Slice:
		arr := cborInt.([]interface{})
		for i, element := range arr {
			arr[i] = cborInterfaceToJSONInterface(element, lookup)
		}
		return arr
	case reflect.Map:
		result := make(map[string]interface{})
		m := cborInt.(map[interface{}]interface{})
		var intKeys []int
		intMap := make(map[int]interface{})
		var strKeys []string
		for k, v := range m {
			if kstr, ok := k.(string); ok {
				strKeys = append(strKeys, kstr)
				continue
			}
			if kint, ok := cborNum(k); ok {
				intKeys = append(intKeys, kint)
				intMap[kint] = v
			}
		}
		sort.Ints(intKeys)
		sort.Strings(strKeys)
		for _, ik := range intKeys {
			if kstr, ok := lookup[ik]; ok {
				result[kstr] = cborInterfaceToJSONInterface(intMap[ik], lookup)
			} else {
				result[fmt.Sprintf("%d", ik)] = cborInterfaceToJSONInterface(intMap[ik], lookup)
			}
		}
		for _, is := range strKeys {
			result[is] = cborInterfaceToJSONInterface(m[is], lookup)
		}
		return result
	default:
		return cborInt
	}
}

// cborNum converts the input into an int if it is one of the numeric types
// the CBOR decoder produces for map keys.
func cborNum(k interface{}) (kint int, ok bool) {
	switch v := k.(type) {
	case uint64:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
