package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func dispatcherTestConfig() Config {
	cfg := testConfig()
	cfg.Polling.PerRequestTimeout = time.Second
	return cfg
}

// answerGetRequest waits for a GET.request invoke-id and resolves it with a
// single UINT32 value, mirroring the poller test's meter-side double.
func answerGetRequest(t *testing.T, conn *Connection, value uint32) {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.OutstandingInvokeIDs()) > 0 }, time.Second, time.Millisecond)
	var invokeID byte
	for id := range conn.OutstandingInvokeIDs() {
		invokeID = id
		break
	}
	conn.Resolve(InvokeMatchKey(invokeID), &Apdu{
		Kind:        ApduGetResponse,
		GetResponse: &GetResponseResult{InvokeID: invokeID, Success: true, Value: &DlmsValue{Tag: DlmsTagUint32, Number: value}},
	})
}

func TestDispatchReadRegisterByKey(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	conn := NewConnection("conn-cmd", newFakeTransport(), dispatcherTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-cmd", ProtocolIvyDlms)

	d := NewCommandDispatcher(m, dispatcherTestConfig())
	done := make(chan struct{})
	var resp []byte
	var err error
	go func() {
		resp, err = d.Dispatch([]byte(`{"meterId":"meter-cmd","command":"read_register","register":"TOTAL_VOLTAGE"}`))
		close(done)
	}()

	answerGetRequest(t, conn, 23636)
	<-done

	require.NoError(t, err)
	require.Equal(t, "TOTAL_VOLTAGE", gjson.GetBytes(resp, "register").String())
	require.InDelta(t, 236.36, gjson.GetBytes(resp, "value").Float(), 1e-9)
}

func TestDispatchReadRegisterUnknownMeter(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	d := NewCommandDispatcher(m, dispatcherTestConfig())

	_, err := d.Dispatch([]byte(`{"meterId":"nope","command":"read_register","register":"TOTAL_VOLTAGE"}`))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindConnectionClosed, kind)
}

func TestDispatchUnknownRegisterName(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	conn := NewConnection("conn-cmd2", newFakeTransport(), dispatcherTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-cmd2", ProtocolIvyDlms)
	d := NewCommandDispatcher(m, dispatcherTestConfig())

	_, err := d.Dispatch([]byte(`{"meterId":"meter-cmd2","command":"read_register","register":"NOT_A_REGISTER"}`))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindMalformedValue, kind)
}

func TestDispatchRelayControl(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	transport := newFakeTransport()
	conn := NewConnection("conn-relay", transport, dispatcherTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "123456789012", ProtocolDLT645)
	d := NewCommandDispatcher(m, dispatcherTestConfig())

	done := make(chan struct{})
	var resp []byte
	var err error
	go func() {
		resp, err = d.Dispatch([]byte(`{"meterId":"123456789012","command":"relay_control","state":"close"}`))
		close(done)
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.written) >= 1
	}, time.Second, time.Millisecond)
	frame := &DLT645Frame{Address: "123456789012", ControlCode: GetResponseCode(CtrlRelayControl)}
	conn.Resolve(dlt645MatchKey(CtrlRelayControl), frame)
	<-done

	require.NoError(t, err)
	require.Equal(t, "close", gjson.GetBytes(resp, "relay_state").String())
}

func TestDispatchReadAddress(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	transport := newFakeTransport()
	conn := NewConnection("conn-addr", transport, dispatcherTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-addr", ProtocolDLT645)
	d := NewCommandDispatcher(m, dispatcherTestConfig())

	done := make(chan struct{})
	var resp []byte
	var err error
	go func() {
		resp, err = d.Dispatch([]byte(`{"meterId":"meter-addr","command":"read_address"}`))
		close(done)
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.written) >= 1
	}, time.Second, time.Millisecond)
	frame := &DLT645Frame{Address: "123456789012", ControlCode: GetResponseCode(CtrlReadAddress)}
	conn.Resolve(dlt645MatchKey(CtrlReadAddress), frame)
	<-done

	require.NoError(t, err)
	require.Equal(t, "123456789012", gjson.GetBytes(resp, "address").String())
}

func TestDispatchReadAllCollectsFailures(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	conn := NewConnection("conn-all", newFakeTransport(), dispatcherTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-all", ProtocolIvyDlms)
	d := NewCommandDispatcher(m, dispatcherTestConfig())

	done := make(chan struct{})
	var resp []byte
	var err error
	go func() {
		resp, err = d.Dispatch([]byte(`{"meterId":"meter-all","command":"read_all","registers":["TOTAL_VOLTAGE","BOGUS"]}`))
		close(done)
	}()

	answerGetRequest(t, conn, 23636)
	<-done

	require.NoError(t, err)
	require.InDelta(t, 236.36, gjson.GetBytes(resp, "readings.TOTAL_VOLTAGE.value").Float(), 1e-9)
	require.True(t, gjson.GetBytes(resp, "readings.BOGUS").Exists())
}

func TestDispatchUnknownCommand(t *testing.T) {
	m := NewConnectionManager(dispatcherTestConfig(), testLogger())
	defer m.Shutdown()
	conn := NewConnection("conn-unk", newFakeTransport(), dispatcherTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-unk", ProtocolDLT645)
	d := NewCommandDispatcher(m, dispatcherTestConfig())

	_, err := d.Dispatch([]byte(`{"meterId":"meter-unk","command":"reboot"}`))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindMalformedValue, kind)
}
