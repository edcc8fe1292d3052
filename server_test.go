package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newDispatchTestServer builds a manager+server pair and a registered (but
// not yet identified) connection with its own Router, the same shape the
// real TCP accept loop builds in handleConn.
func newDispatchTestServer(t *testing.T, connID string) (*Server, *ConnectionManager, *Connection) {
	t.Helper()
	cfg := testConfig()
	manager := NewConnectionManager(cfg, testLogger())
	server := NewServer(cfg, manager, testLogger())
	conn := NewConnection(connID, newFakeTransport(), cfg, testLogger())
	manager.Register(conn)
	return server, manager, conn
}

func drainEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// TestServerFixture1ReadEnergyTelemetry covers §8 fixture 1: a DL/T 645
// read-total-energy response arrives and is normalised into a
// telemetry:received event with the OBIS-free DL/T 645 value and unit.
func TestServerFixture1ReadEnergyTelemetry(t *testing.T) {
	server, manager, conn := newDispatchTestServer(t, "conn-f1")
	events := manager.Events.Subscribe(4)

	req, err := BuildReadFrame("000012345678", 0x00000000)
	require.NoError(t, err)
	_, err = conn.Router.Push(req)
	require.NoError(t, err) // meter never sees its own request; only drives detection

	payload := ApplyOffset([]byte{0x00, 0x00, 0x00, 0x00, 0x78, 0x56, 0x34, 0x12})
	respBytes, err := buildFrame("000012345678", GetResponseCode(CtrlRead), payload)
	require.NoError(t, err)

	msgs, err := conn.Router.Push(respBytes)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	server.dispatch(conn, msgs[0])

	require.Equal(t, "000012345678", conn.MeterID())

	connected := drainEvent(t, events)
	require.Equal(t, EventMeterConnected, connected.Kind)

	ev := drainEvent(t, events)
	require.Equal(t, EventTelemetryReceived, ev.Kind)
	require.Equal(t, "000012345678", ev.MeterID)
	require.InDelta(t, 123456.78, ev.Fields["value"].(float64), 1e-9)
	require.Equal(t, "kWh", ev.Fields["unit"])
}

// TestServerFixture2HeartbeatThenEventNotification covers §8 fixture 2:
// identification on first heartbeat, then a raw DLMS EventNotification
// normalised into telemetry:received.
func TestServerFixture2HeartbeatThenEventNotification(t *testing.T) {
	server, manager, conn := newDispatchTestServer(t, "conn-f2")
	events := manager.Events.Subscribe(4)

	msgs, err := conn.Router.Push(fixture2Heartbeat())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	server.dispatch(conn, msgs[0])

	connected := drainEvent(t, events)
	require.Equal(t, EventMeterConnected, connected.Kind)
	require.Equal(t, "311501114070", connected.MeterID)

	apduBytes := []byte{0xC2, 0x00, 0x03, 0x01, 0x00, 0x01, 0x08, 0x00, 0xFF, 0x02, 0x06, 0x00, 0x00, 0x27, 0x10}
	msgs, err = conn.Router.Push(apduBytes)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	server.dispatch(conn, msgs[0])

	dlmsEv := drainEvent(t, events)
	require.Equal(t, EventDlmsEventReceived, dlmsEv.Kind)

	tel := drainEvent(t, events)
	require.Equal(t, EventTelemetryReceived, tel.Kind)
	register := tel.Fields["register"].(map[string]interface{})
	require.Equal(t, "TOTAL_ACTIVE_IMPORT", register["key"])
	require.InDelta(t, 10000, tel.Fields["value"].(float64), 1e-9)
	require.Equal(t, "kWh", tel.Fields["unit"])
}

// TestServerFixture3IvyWrappedGetResponseError covers §8 fixture 3: an
// IVY-wrapped GET.response carrying a DLMS access error with no pending
// awaiter is normalised into dlms:error:received.
func TestServerFixture3IvyWrappedGetResponseError(t *testing.T) {
	server, manager, conn := newDispatchTestServer(t, "conn-f3")
	events := manager.Events.Subscribe(4)
	manager.Identify(conn, "meter-f3", ProtocolIvyDlms)
	<-events // drain the meter:connected emitted by Identify

	msgs, err := conn.Router.Push([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x05, 0xC4, 0x01, 0x05, 0x01, 0x04})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	server.dispatch(conn, msgs[0])

	ev := drainEvent(t, events)
	require.Equal(t, EventDlmsErrorReceived, ev.Kind)
	require.Equal(t, 5, ev.Fields["invokeId"])
	require.Equal(t, 4, ev.Fields["errorCode"])
	require.Equal(t, "object-undefined", ev.Fields["errorName"])
}

// TestServerFixture4TwoConcatenatedApdus covers §8 fixture 4: two raw
// EventNotifications delivered in a single read both normalise to their
// own telemetry:received event.
func TestServerFixture4TwoConcatenatedApdus(t *testing.T) {
	server, manager, conn := newDispatchTestServer(t, "conn-f4")
	events := manager.Events.Subscribe(4)
	manager.Identify(conn, "meter-f4", ProtocolIvyDlms)
	<-events

	in := []byte{
		0xC2, 0x00, 0x03, 0x01, 0x00, 0x20, 0x07, 0x00, 0xFF, 0x02, 0x12, 0x00, 0xE6,
		0xC2, 0x00, 0x03, 0x01, 0x00, 0x1F, 0x07, 0x00, 0xFF, 0x02, 0x12, 0x00, 0x0A,
	}
	msgs, err := conn.Router.Push(in)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		server.dispatch(conn, msg)
	}

	dlmsEv1 := drainEvent(t, events)
	ev1 := drainEvent(t, events)
	dlmsEv2 := drainEvent(t, events)
	ev2 := drainEvent(t, events)
	require.Equal(t, EventDlmsEventReceived, dlmsEv1.Kind)
	require.Equal(t, EventDlmsEventReceived, dlmsEv2.Kind)
	require.Equal(t, EventTelemetryReceived, ev1.Kind)
	require.Equal(t, EventTelemetryReceived, ev2.Kind)
	require.InDelta(t, 230, ev1.Fields["value"].(float64), 1e-9)
	require.InDelta(t, 10, ev2.Fields["value"].(float64), 1e-9)
}

// TestServerGetResponseWithAwaiterDoesNotDoublePublish confirms the
// deduplication contract: a GET.response that resolves a pending
// SendAndAwait caller must not also be normalised into a second
// telemetry:received by the server.
func TestServerGetResponseWithAwaiterDoesNotDoublePublish(t *testing.T) {
	server, manager, conn := newDispatchTestServer(t, "conn-dedup")
	events := manager.Events.Subscribe(4)
	manager.Identify(conn, "meter-dedup", ProtocolIvyDlms)
	<-events

	invokeID := conn.NextInvokeID()
	done := make(chan struct{})
	go func() {
		_, _ = conn.SendAndAwait(InvokeMatchKey(invokeID), []byte{0x00}, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(conn.OutstandingInvokeIDs()) > 0 }, time.Second, time.Millisecond)

	apdu := &Apdu{
		Kind:        ApduGetResponse,
		GetResponse: &GetResponseResult{InvokeID: invokeID, Success: true, Value: &DlmsValue{Tag: DlmsTagUint32, Number: 1}},
	}
	server.dispatchDlms(conn, apdu)
	<-done

	select {
	case ev := <-events:
		t.Fatalf("unexpected event published after awaited GET.response: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
