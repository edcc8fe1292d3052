package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pollingTestConfig() Config {
	cfg := testConfig()
	cfg.Polling.Enabled = true
	cfg.Polling.Interval = time.Hour // only the first, stagger-delayed cycle should fire during the test
	cfg.Polling.StaggerDelay = time.Millisecond
	cfg.Polling.Timeout = time.Second
	cfg.Polling.PerRequestTimeout = time.Second
	cfg.Polling.Retries = 0
	cfg.Polling.RegisterGroup = RegisterGroupInstantaneous
	return cfg
}

// answerAssociationAndRegisters plays the meter side of one poll cycle: it
// waits for the AARQ, replies with an accepted AARE, then answers every
// GET.request it sees (matching fixture 6's UINT32 23636 on voltage) until
// the RLRQ arrives.
func answerAssociationAndRegisters(t *testing.T, conn *Connection, transport *fakeTransport) {
	t.Helper()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.written) >= 1
	}, 2*time.Second, time.Millisecond, "AARQ never sent")

	require.True(t, conn.Resolve(aareMatchKey, &Apdu{Kind: ApduAare, Aare: &AareResult{Accepted: true}}))

	codes := ObisGroup(RegisterGroupInstantaneous)
	for range codes {
		require.Eventually(t, func() bool {
			return len(conn.OutstandingInvokeIDs()) > 0
		}, 2*time.Second, time.Millisecond, "GET.request never sent")

		var invokeID byte
		for id := range conn.OutstandingInvokeIDs() {
			invokeID = id
			break
		}
		value := &DlmsValue{Tag: DlmsTagUint32, Number: 23636}
		conn.Resolve(InvokeMatchKey(invokeID), &Apdu{
			Kind: ApduGetResponse,
			GetResponse: &GetResponseResult{InvokeID: invokeID, Success: true, Value: value},
		})
	}

	require.Eventually(t, func() bool { return conn.Resolve(releaseMatchKey, &Apdu{Kind: ApduReleaseResponse}) }, 2*time.Second, time.Millisecond)
}

// TestActivePollCycleFixture6 is fixture 6 (§8): a full AARQ/GET*/RLRQ cycle
// against the instantaneous register group, where the voltage register's
// UINT32 23636 value scales to 236.36 V via the OBIS registry.
func TestActivePollCycleFixture6(t *testing.T) {
	m := NewConnectionManager(pollingTestConfig(), testLogger())
	defer m.Shutdown()

	sub := m.Events.Subscribe(32)
	transport := newFakeTransport()
	conn := NewConnection("conn-poll", transport, pollingTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-poll", ProtocolIvyDlms)
	<-sub // meter:connected

	answerAssociationAndRegisters(t, conn, transport)

	readings := map[string]float64{}
	codes := ObisGroup(RegisterGroupInstantaneous)
	for range codes {
		ev := <-sub
		require.Equal(t, EventTelemetryReceived, ev.Kind)
		reg := ev.Fields["register"].(map[string]interface{})
		readings[reg["key"].(string)] = ev.Fields["value"].(float64)
	}

	require.InDelta(t, 236.36, readings["TOTAL_VOLTAGE"], 1e-9)
}

func TestPollCycleSkipsOnAareRejection(t *testing.T) {
	m := NewConnectionManager(pollingTestConfig(), testLogger())
	defer m.Shutdown()

	sub := m.Events.Subscribe(8)
	transport := newFakeTransport()
	conn := NewConnection("conn-reject", transport, pollingTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-reject", ProtocolIvyDlms)
	<-sub // meter:connected

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.written) >= 1
	}, 2*time.Second, time.Millisecond)
	conn.Resolve(aareMatchKey, &Apdu{Kind: ApduAare, Aare: &AareResult{Accepted: false, ResultCode: 1}})

	select {
	case ev := <-sub:
		t.Fatalf("expected no telemetry after a rejected AARE, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollCycleAbortsWhenMeterDisconnectsMidCycle(t *testing.T) {
	m := NewConnectionManager(pollingTestConfig(), testLogger())
	defer m.Shutdown()

	sub := m.Events.Subscribe(8)
	transport := newFakeTransport()
	conn := NewConnection("conn-abort", transport, pollingTestConfig(), testLogger())
	m.Register(conn)
	m.Identify(conn, "meter-abort", ProtocolIvyDlms)
	<-sub // meter:connected

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.written) >= 1
	}, 2*time.Second, time.Millisecond)
	conn.Resolve(aareMatchKey, &Apdu{Kind: ApduAare, Aare: &AareResult{Accepted: true}})

	require.Eventually(t, func() bool { return len(conn.OutstandingInvokeIDs()) > 0 }, 2*time.Second, time.Millisecond)
	m.Unregister(conn, KindConnectionClosed)

	ev := <-sub
	require.Equal(t, EventMeterDisconnected, ev.Kind)

	_, ok := m.Lookup("meter-abort")
	require.False(t, ok)
}
