package gateway

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionManager is the single registry of live connections and the
// meter-id binding they own (§4.K, §5). A single mutex guards both maps;
// no await is ever held across the lock.
type ConnectionManager struct {
	cfg    Config
	log    *logrus.Entry
	rawLog *logrus.Logger

	mu           sync.Mutex
	byID         map[string]*Connection
	byMeterID    map[string]*Connection
	identifiedAt map[string]bool // meter ids that ever reached "identified", for MeterDisconnected gating
	pollers      map[string]*Poller

	Events *EventBus

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewConnectionManager builds an empty registry and starts its sweep task.
func NewConnectionManager(cfg Config, log *logrus.Logger) *ConnectionManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &ConnectionManager{
		cfg:          cfg,
		log:          componentLogger(log, "connection_manager"),
		rawLog:       log,
		byID:         make(map[string]*Connection),
		byMeterID:    make(map[string]*Connection),
		identifiedAt: make(map[string]bool),
		pollers:      make(map[string]*Poller),
		Events:       NewEventBus(),
		stopSweep:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Register adds a newly accepted connection to the registry.
func (m *ConnectionManager) Register(c *Connection) {
	m.mu.Lock()
	m.byID[c.ID] = c
	m.mu.Unlock()
}

// Identify binds meterID to c, evicting any other connection that currently
// owns it (§4.K "duplicate meter-id policy"). The evicted connection's
// pending requests are rejected before the new binding takes effect, per
// the ordering in §5 ("rejected atomically before removal").
func (m *ConnectionManager) Identify(c *Connection, meterID string, protocol ProtocolKind) {
	m.mu.Lock()
	evicted := m.byMeterID[meterID]
	if evicted != nil && evicted != c {
		delete(m.byID, evicted.ID)
		delete(m.byMeterID, meterID)
	}
	m.byMeterID[meterID] = c
	wasIdentified := m.identifiedAt[meterID]
	m.identifiedAt[meterID] = true
	m.mu.Unlock()

	if evicted != nil && evicted != c {
		m.log.WithFields(logrus.Fields{"meterId": meterID, "evictedConnectionId": evicted.ID, "newConnectionId": c.ID}).
			Warn("connection manager: evicting stale connection for duplicate meter id")
		m.stopPoller(meterID)
		evicted.Close(KindDuplicateMeter)
		if wasIdentified {
			m.Events.Publish(NewMeterDisconnectedEvent(meterID, evicted.ID, evicted.Stats()))
		}
	}

	c.Identify(meterID, protocol)
	m.Events.Publish(NewMeterConnectedEvent(meterID, c.ID, remoteAddressOf(c), protocol))

	if protocol == ProtocolIvyDlms && m.cfg.Polling.Enabled {
		m.startPoller(meterID, c.ID)
	}
}

// startPoller launches a poller for meterID, replacing any prior one bound
// to a now-stale connection id (duplicate-meter re-identify).
func (m *ConnectionManager) startPoller(meterID, connID string) {
	m.mu.Lock()
	if existing, ok := m.pollers[meterID]; ok {
		existing.Stop()
	}
	p := NewPoller(meterID, connID, m.cfg.Polling, m, m.rawLog)
	m.pollers[meterID] = p
	m.mu.Unlock()
	p.Start()
}

func (m *ConnectionManager) stopPoller(meterID string) {
	m.mu.Lock()
	p, ok := m.pollers[meterID]
	if ok {
		delete(m.pollers, meterID)
	}
	m.mu.Unlock()
	if ok {
		p.Stop()
	}
}

func remoteAddressOf(c *Connection) string {
	if c.Transport == nil {
		return ""
	}
	ip, port := c.Transport.RemoteAddr()
	if port == 0 {
		return ip
	}
	return ip + ":" + strconv.Itoa(port)
}

// Lookup returns the connection currently bound to meterID, if any.
func (m *ConnectionManager) Lookup(meterID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byMeterID[meterID]
	return c, ok
}

// Unregister removes a connection on close, firing MeterDisconnected if it
// was ever identified (§4.L "only for previously identified connections").
// It is a no-op if a newer connection has already replaced this one for the
// same meter id (the eviction path already emitted the event for it).
func (m *ConnectionManager) Unregister(c *Connection, reason ErrorKind) {
	meterID := c.MeterID()

	m.mu.Lock()
	_, stillCurrent := m.byID[c.ID]
	delete(m.byID, c.ID)
	if meterID != "" && m.byMeterID[meterID] == c {
		delete(m.byMeterID, meterID)
	}
	wasIdentified := meterID != "" && m.identifiedAt[meterID] && stillCurrent
	m.mu.Unlock()

	if stillCurrent && meterID != "" {
		m.stopPoller(meterID)
	}
	c.Close(reason)

	if wasIdentified {
		m.Events.Publish(NewMeterDisconnectedEvent(meterID, c.ID, c.Stats()))
	}
}

// Count returns the number of registered connections, for MaxConnections
// enforcement in the accept loop.
func (m *ConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// SendAndAwait resolves meterID to its current connection and proxies the
// request-correlation call (§4.K, used by commands.go and the poller).
func (m *ConnectionManager) SendAndAwait(meterID string, matchKey string, b []byte, timeout time.Duration) (interface{}, error) {
	c, ok := m.Lookup(meterID)
	if !ok {
		return nil, NewError(KindConnectionClosed, "meter not connected: "+meterID, nil)
	}
	return c.SendAndAwait(matchKey, b, timeout)
}

// Resolve dispatches an inbound match-key resolution to the owning
// connection, used by the server's read loop when a RoutedMessage carries
// a correlatable invoke-id.
func (m *ConnectionManager) Resolve(meterID, matchKey string, payload interface{}) bool {
	c, ok := m.Lookup(meterID)
	if !ok {
		return false
	}
	return c.Resolve(matchKey, payload)
}

// sweepLoop runs the idle/timeout sweep every heartbeatInterval (§4.K, §5).
func (m *ConnectionManager) sweepLoop() {
	interval := m.cfg.TCP.HeartbeatInterval
	if interval <= 0 {
		interval = defaultTCPConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnceNow()
		}
	}
}

func (m *ConnectionManager) sweepOnceNow() {
	m.mu.Lock()
	snapshot := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		if c.Sweep(m.cfg.TCP.HeartbeatInterval, m.cfg.TCP.ConnectionTimeout) {
			m.log.WithField("connectionId", c.ID).Info("connection manager: closing connection, idle past connectionTimeout")
			m.Unregister(c, KindConnectionClosed)
		}
	}
}

// Shutdown stops the sweep task and every running poller.
func (m *ConnectionManager) Shutdown() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
	m.mu.Lock()
	pollers := m.pollers
	m.pollers = make(map[string]*Poller)
	m.mu.Unlock()
	for _, p := range pollers {
		p.Stop()
	}
}
