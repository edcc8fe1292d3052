package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ConnectionState is a node of the §4.K state machine.
type ConnectionState string

const (
	StateConnected     ConnectionState = "connected"
	StateIdentified    ConnectionState = "identified"
	StateActive        ConnectionState = "active"
	StateIdle          ConnectionState = "idle"
	StateDisconnecting ConnectionState = "disconnecting"
	StateDisconnected  ConnectionState = "disconnected"
)

// Transport is the egress side of a connection; Server supplies a *net.TCPConn-
// backed implementation, tests supply an in-memory one.
type Transport interface {
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() (ip string, port int)
}

// ConnectionStats is the snapshot returned on disconnect (meter:disconnected
// event, §4.L) and available on demand for operational visibility.
type ConnectionStats struct {
	BytesRead        uint64
	BytesWritten     uint64
	FramesReceived   uint64
	ErrorsReceived   uint64
	RequestsSent     uint64
	RequestsTimedOut uint64
	ConnectedAt      time.Time
	LastActivity     time.Time
}

// pendingRequest is one outstanding sendAndAwait entry (§4.K, §5).
type pendingRequest struct {
	matchKey string
	response chan pendingResult
	timer    *time.Timer
}

type pendingResult struct {
	payload interface{}
	err     error
}

// Connection owns one TCP client's lifecycle: its state, transport, router,
// and pending-request table. It is the unit of mutual exclusion for egress
// and pending-table access (§5 "owned by the connection task").
type Connection struct {
	ID        string
	Transport Transport
	Router    *Router

	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	state        ConnectionState
	meterID      string
	protocol     ProtocolKind
	connectedAt  time.Time
	lastActivity time.Time

	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	framesReceived atomic.Uint64
	errorsReceived atomic.Uint64
	requestsSent   atomic.Uint64
	requestsTO     atomic.Uint64

	pending    map[string][]*pendingRequest // FIFO per match-key (§4.K "duplicate match-keys are FIFO-resolved")
	invokeIDs  *invokeIDCursor
	maxPending int
}

// NewConnection wraps an accepted transport in fresh per-connection state.
func NewConnection(id string, transport Transport, cfg Config, log *logrus.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Transport:    transport,
		Router:       NewRouter(cfg.IVY, log),
		cfg:          cfg,
		log:          componentLogger(log, "connection").WithField("connectionId", id),
		state:        StateConnected,
		connectedAt:  now,
		lastActivity: now,
		pending:      make(map[string][]*pendingRequest),
		invokeIDs:    newInvokeIDCursor(),
		maxPending:   cfg.TCP.MaxPendingRequests,
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MeterID returns the bound meter id, or "" if not yet identified.
func (c *Connection) MeterID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meterID
}

// Identify transitions connected -> identified and records the bound meter
// id and detected protocol. It is idempotent for the same meter id.
func (c *Connection) Identify(meterID string, protocol ProtocolKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meterID = meterID
	c.protocol = protocol
	if c.state == StateConnected {
		c.state = StateIdentified
	}
}

// touch records ingress/egress activity and clears idle state (§4.K
// "idle -> active on any data").
func (c *Connection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if c.state == StateIdle {
		c.state = StateActive
	} else if c.state == StateIdentified {
		c.state = StateActive
	}
}

// Sweep applies the idle/timeout transitions (§4.K) for one timer tick. It
// returns true if the connection should be closed (timeout exceeded).
func (c *Connection) Sweep(heartbeatInterval, connectionTimeout time.Duration) (shouldClose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		return false
	}
	idleSince := time.Since(c.lastActivity)
	if idleSince >= connectionTimeout {
		return true
	}
	if idleSince >= 2*heartbeatInterval && c.state == StateActive {
		c.state = StateIdle
	}
	return false
}

// Send writes bytes to the transport. It is the only path to egress; writes
// on the same connection are serialised by c.mu (§5 ordering guarantee).
func (c *Connection) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.Transport.Write(b)
	if err != nil {
		c.state = StateDisconnecting
		return NewError(KindConnectionClosed, "transport write failed", err)
	}
	c.bytesWritten.Add(uint64(n))
	c.lastActivity = time.Now()
	return nil
}

// SendAndAwait enqueues a pending request keyed by matchKey, writes b, and
// blocks until a matching Resolve call or the deadline (§4.K). The payload
// handed to Resolve is returned verbatim, letting callers correlate on
// parsed values (an *Apdu, a *DLT645Frame) rather than raw bytes.
func (c *Connection) SendAndAwait(matchKey string, b []byte, timeout time.Duration) (interface{}, error) {
	pr := &pendingRequest{matchKey: matchKey, response: make(chan pendingResult, 1)}

	c.mu.Lock()
	if len(c.allPending()) >= c.maxPending {
		c.mu.Unlock()
		return nil, NewError(KindBackpressureTimeout, "pending-request table full", nil)
	}
	c.pending[matchKey] = append(c.pending[matchKey], pr)
	c.mu.Unlock()

	if err := c.Send(b); err != nil {
		c.removePending(matchKey, pr)
		return nil, err
	}
	c.requestsSent.Add(1)

	pr.timer = time.AfterFunc(timeout, func() {
		c.removePending(matchKey, pr)
		select {
		case pr.response <- pendingResult{err: NewError(KindRequestTimeout, "no response for match key "+matchKey, nil)}:
		default:
		}
	})

	result := <-pr.response
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if result.err != nil {
		c.requestsTO.Add(1)
	}
	return result.payload, result.err
}

// Resolve completes the oldest pending request for matchKey, if any
// (FIFO, §4.K). It returns true if a waiter was resolved.
func (c *Connection) Resolve(matchKey string, payload interface{}) bool {
	c.mu.Lock()
	queue := c.pending[matchKey]
	if len(queue) == 0 {
		c.mu.Unlock()
		return false
	}
	pr := queue[0]
	c.pending[matchKey] = queue[1:]
	if len(c.pending[matchKey]) == 0 {
		delete(c.pending, matchKey)
	}
	c.mu.Unlock()

	if pr.timer != nil {
		pr.timer.Stop()
	}
	select {
	case pr.response <- pendingResult{payload: payload}:
		return true
	default:
		return false
	}
}

// RejectAll rejects every pending request with err, used on connection
// close (§4.K, §5 "rejected atomically before removal").
func (c *Connection) RejectAll(err error) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string][]*pendingRequest)
	c.mu.Unlock()

	for _, queue := range all {
		for _, pr := range queue {
			if pr.timer != nil {
				pr.timer.Stop()
			}
			select {
			case pr.response <- pendingResult{err: err}:
			default:
			}
		}
	}
}

func (c *Connection) removePending(matchKey string, target *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.pending[matchKey]
	for i, pr := range queue {
		if pr == target {
			c.pending[matchKey] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(c.pending[matchKey]) == 0 {
		delete(c.pending, matchKey)
	}
}

// allPending must be called with c.mu held.
func (c *Connection) allPending() map[string][]*pendingRequest { return c.pending }

// OutstandingInvokeIDs returns the set of invoke-ids presently awaited,
// derived from pending match-keys of the form "invoke:<id>" (§4.G, §4.M).
func (c *Connection) OutstandingInvokeIDs() map[byte]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[byte]struct{})
	for key := range c.pending {
		if id, ok := parseInvokeMatchKey(key); ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// NextInvokeID allocates the next free invoke-id for this connection.
func (c *Connection) NextInvokeID() byte {
	return c.invokeIDs.allocate(c.OutstandingInvokeIDs())
}

// Close transitions the connection to disconnected, first rejecting all
// pending requests with KindConnectionClosed (§5); reason is named in the
// rejection's message.
func (c *Connection) Close(reason ErrorKind) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	c.RejectAll(NewError(KindConnectionClosed, "connection closed: "+reason.String(), nil))
	_ = c.Transport.Close()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// Stats snapshots the connection's counters (§4.L meter:disconnected.stats).
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	connectedAt, lastActivity := c.connectedAt, c.lastActivity
	c.mu.Unlock()
	return ConnectionStats{
		BytesRead:        c.bytesRead.Load(),
		BytesWritten:     c.bytesWritten.Load(),
		FramesReceived:   c.framesReceived.Load(),
		ErrorsReceived:   c.errorsReceived.Load(),
		RequestsSent:     c.requestsSent.Load(),
		RequestsTimedOut: c.requestsTO.Load(),
		ConnectedAt:      connectedAt,
		LastActivity:     lastActivity,
	}
}

// recordIngress is invoked by the server's read loop for every chunk of
// bytes before handing them to the router.
func (c *Connection) recordIngress(n int) {
	c.bytesRead.Add(uint64(n))
	c.touch()
}

// InvokeMatchKey is the SendAndAwait match-key convention used by the DLMS
// poller for GET.request/GET.response correlation (§4.G, §4.M).
func InvokeMatchKey(invokeID byte) string {
	return fmt.Sprintf("invoke:%d", invokeID)
}

func parseInvokeMatchKey(key string) (byte, bool) {
	rest, ok := strings.CutPrefix(key, "invoke:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}
