package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager(testConfig(), testLogger())
	t.Cleanup(m.Shutdown)
	return m
}

func TestIdentifyBindsMeterIDAndEmitsConnected(t *testing.T) {
	m := newTestManager(t)
	sub := m.Events.Subscribe(4)

	c := NewConnection("conn-a", newFakeTransport(), testConfig(), testLogger())
	m.Register(c)
	m.Identify(c, "meter-1", ProtocolDLT645)

	got, ok := m.Lookup("meter-1")
	require.True(t, ok)
	require.Equal(t, c, got)
	require.Equal(t, StateIdentified, c.State())

	ev := <-sub
	require.Equal(t, EventMeterConnected, ev.Kind)
	require.Equal(t, "meter-1", ev.MeterID)
}

// TestDuplicateMeterEvictsPriorConnection is fixture 5 (§8): connection A is
// identified as meter X, then B identifies as the same meter. A must close
// with duplicate_meter before B is marked identified, and A's pending
// requests must reject with ConnectionClosed.
func TestDuplicateMeterEvictsPriorConnection(t *testing.T) {
	m := newTestManager(t)
	sub := m.Events.Subscribe(8)

	connA := NewConnection("conn-a", newFakeTransport(), testConfig(), testLogger())
	m.Register(connA)
	m.Identify(connA, "meter-X", ProtocolIvyDlms)
	<-sub // meter:connected for A

	pendingErr := make(chan error, 1)
	go func() {
		_, err := connA.SendAndAwait(InvokeMatchKey(1), []byte{0x00}, 2*time.Second)
		pendingErr <- err
	}()
	require.Eventually(t, func() bool {
		connA.mu.Lock()
		defer connA.mu.Unlock()
		return len(connA.pending) == 1
	}, time.Second, time.Millisecond)

	connB := NewConnection("conn-b", newFakeTransport(), testConfig(), testLogger())
	m.Register(connB)
	m.Identify(connB, "meter-X", ProtocolIvyDlms)

	disconnected := <-sub
	require.Equal(t, EventMeterDisconnected, disconnected.Kind)
	require.Equal(t, "conn-a", disconnected.ConnectionID)

	connected := <-sub
	require.Equal(t, EventMeterConnected, connected.Kind)
	require.Equal(t, "conn-b", connected.ConnectionID)

	require.Equal(t, StateDisconnected, connA.State())

	err := <-pendingErr
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindConnectionClosed, kind)

	current, ok := m.Lookup("meter-X")
	require.True(t, ok)
	require.Equal(t, connB, current, "P9: only one live connection may own a meter id")
}

func TestUnregisterEmitsDisconnectedOnlyIfIdentified(t *testing.T) {
	m := newTestManager(t)
	sub := m.Events.Subscribe(4)

	unidentified := NewConnection("conn-u", newFakeTransport(), testConfig(), testLogger())
	m.Register(unidentified)
	m.Unregister(unidentified, KindConnectionClosed)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event for a connection that never identified: %+v", ev)
	default:
	}

	identified := NewConnection("conn-i", newFakeTransport(), testConfig(), testLogger())
	m.Register(identified)
	m.Identify(identified, "meter-2", ProtocolDLT645)
	<-sub // meter:connected

	m.Unregister(identified, KindConnectionClosed)
	ev := <-sub
	require.Equal(t, EventMeterDisconnected, ev.Kind)

	_, ok := m.Lookup("meter-2")
	require.False(t, ok)
}

func TestUnregisterStaleConnectionIsNoop(t *testing.T) {
	m := newTestManager(t)
	sub := m.Events.Subscribe(8)

	connA := NewConnection("conn-a", newFakeTransport(), testConfig(), testLogger())
	m.Register(connA)
	m.Identify(connA, "meter-Y", ProtocolDLT645)
	<-sub

	connB := NewConnection("conn-b", newFakeTransport(), testConfig(), testLogger())
	m.Register(connB)
	m.Identify(connB, "meter-Y", ProtocolDLT645)
	<-sub // disconnected for A (eviction)
	<-sub // connected for B

	// A late Unregister call for the already-evicted connection A must not
	// emit a second disconnected event or disturb B's binding.
	m.Unregister(connA, KindConnectionClosed)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected duplicate event: %+v", ev)
	default:
	}

	current, ok := m.Lookup("meter-Y")
	require.True(t, ok)
	require.Equal(t, connB, current)
}
