package gateway

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ProtocolKind is the once-per-connection protocol decision (§4.J).
type ProtocolKind string

const (
	ProtocolUnknown ProtocolKind = "unknown"
	ProtocolDLT645  ProtocolKind = "dlt645"
	ProtocolIvyDlms ProtocolKind = "ivy_dlms"
)

// routerRawDlmsTagSet is the wider detection set used only for the
// first-push protocol decision (§4.J); it includes 0xC5 and 0xC7, which the
// demultiplexer itself cannot frame (no length formula — see ivy.go).
var routerRawDlmsTagSet = map[byte]bool{
	0x60: true, 0x61: true, 0x62: true, 0x63: true,
	0xC0: true, 0xC2: true, 0xC4: true, 0xC5: true, 0xC7: true,
	0x0F: true, 0xD8: true,
}

// RoutedKind classifies a message the router has fully dispatched.
type RoutedKind string

const (
	RoutedHeartbeat RoutedKind = "heartbeat"
	RoutedDlms      RoutedKind = "dlms"
	RoutedDlt645    RoutedKind = "dlt645"
)

// RoutedMessage is one dispatched unit handed up to the connection manager.
type RoutedMessage struct {
	Kind      RoutedKind
	Heartbeat *Heartbeat
	Apdu      *Apdu
	Dlt645    *DLT645Frame
}

// Router performs the once-per-connection protocol detection and all
// subsequent dispatch for one connection (§4.J). It never re-detects: once
// ProtocolUnknown is latched, every later push is discarded.
type Router struct {
	log      *logrus.Entry
	detected bool
	protocol ProtocolKind

	ivy    *StreamDemux
	dlt645 *dlt645Stream

	// OnProtocolDetected, if set, fires exactly once with the decided
	// protocol (§4.J "fire a one-shot protocolDetected event").
	OnProtocolDetected func(ProtocolKind)
}

// NewRouter builds a Router bound to a single connection's IVY cap.
func NewRouter(ivyCfg IVYConfig, log *logrus.Logger) *Router {
	return &Router{
		log:    componentLogger(log, "router"),
		ivy:    NewStreamDemux(ivyCfg, log),
		dlt645: newDLT645Stream(log),
	}
}

// Push feeds bytes from the transport into the router. On first call it
// latches the connection's protocol; on every call it returns the messages
// that became completely parseable as a result.
func (r *Router) Push(data []byte) ([]RoutedMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !r.detected {
		r.detectProtocol(data)
	}

	switch r.protocol {
	case ProtocolDLT645:
		frames, err := r.dlt645.Push(data)
		if err != nil {
			return nil, err
		}
		out := make([]RoutedMessage, 0, len(frames))
		for i := range frames {
			f := frames[i]
			out = append(out, RoutedMessage{Kind: RoutedDlt645, Dlt645: &f})
		}
		return out, nil

	case ProtocolIvyDlms:
		pkts, err := r.ivy.Push(data)
		if err != nil {
			return nil, err
		}
		var out []RoutedMessage
		for _, pkt := range pkts {
			msg, ok, rerr := r.routePacket(pkt)
			if rerr != nil {
				return out, rerr
			}
			if ok {
				out = append(out, msg)
			}
		}
		return out, nil

	default: // ProtocolUnknown: data is discarded, per §4.J.
		return nil, nil
	}
}

func (r *Router) detectProtocol(data []byte) {
	r.detected = true
	b0 := data[0]
	switch {
	case b0 == dlt645StartByte:
		r.protocol = ProtocolDLT645
	case len(data) >= 4 && matchesSignature(data):
		r.protocol = ProtocolIvyDlms
	case routerRawDlmsTagSet[b0]:
		r.protocol = ProtocolIvyDlms
	default:
		r.protocol = ProtocolUnknown
		r.log.WithField("lead_byte", fmt.Sprintf("0x%02X", b0)).Warn("router: unrecognised protocol lead byte, connection stays UNKNOWN")
	}
	if r.OnProtocolDetected != nil {
		r.OnProtocolDetected(r.protocol)
	}
}

// routePacket implements the destination-based and content-based dispatch
// rules of §4.J step 3.
func (r *Router) routePacket(pkt IvyPacket) (RoutedMessage, bool, error) {
	if pkt.Header.Destination == 0x0001 {
		if IsHeartbeatPayload(pkt.Payload) {
			hb, err := ParseHeartbeatPayload(pkt.Payload)
			if err != nil {
				return RoutedMessage{}, false, err
			}
			return RoutedMessage{Kind: RoutedHeartbeat, Heartbeat: &hb}, true, nil
		}
		if len(pkt.Payload) > 0 && (routerRawDlmsTagSet[pkt.Payload[0]] || pkt.IsRawDlms) {
			apdu, err := ParseApdu(pkt.Payload)
			if err != nil {
				return RoutedMessage{}, false, err
			}
			return RoutedMessage{Kind: RoutedDlms, Apdu: &apdu}, true, nil
		}
		r.log.WithField("destination", pkt.Header.Destination).Warn("router: destination 0x0001 packet is neither heartbeat nor a known DLMS tag")
		return RoutedMessage{}, false, nil
	}

	// Destinations >= 0x0010 are DLMS legacy paths (§4.J).
	if pkt.Header.Destination >= 0x0010 {
		apdu, err := ParseApdu(pkt.Payload)
		if err != nil {
			return RoutedMessage{}, false, err
		}
		return RoutedMessage{Kind: RoutedDlms, Apdu: &apdu}, true, nil
	}

	r.log.WithField("destination", pkt.Header.Destination).Warn("router: unrouted IVY destination")
	return RoutedMessage{}, false, nil
}
