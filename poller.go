package gateway

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// registerClassID is the COSEM class id used when building a GET.request for
// an OBIS code. Every register in the §4.H registry is modelled as a plain
// "Register" (class 3) value attribute; none of the fixtures or the
// registry needs Extended Register (4) or Profile Generic (7) semantics.
const registerClassID uint16 = 3

// Poller drives the active AARQ -> GET* -> RLRQ cycle for one identified
// IVY/DLMS connection (§4.M). One Poller per meter; the manager starts and
// stops pollers as connections identify and disconnect.
type Poller struct {
	cfg     PollingConfig
	manager *ConnectionManager
	log     *logrus.Entry

	meterID string
	connID  string

	cancel context.CancelFunc
}

// NewPoller builds a poller bound to a single meter id; the caller still
// must call Start to begin the periodic cycle.
func NewPoller(meterID, connID string, cfg PollingConfig, manager *ConnectionManager, log *logrus.Logger) *Poller {
	return &Poller{
		cfg:     cfg,
		manager: manager,
		log:     componentLogger(log, "poller").WithField("meterId", meterID),
		meterID: meterID,
		connID:  connID,
	}
}

// Start launches the periodic polling task; it returns immediately.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
}

// Stop cancels the periodic task; an in-flight cycle aborts at its next
// await point (§4.M "if a meter disconnects mid-cycle, the cycle aborts").
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) loop(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = defaultPollingConfig().Interval
	}
	timer := time.NewTimer(p.cfg.StaggerDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.runCycle(ctx)
			timer.Reset(interval)
		}
	}
}

// runCycle executes one AARQ -> GET* -> RLRQ cycle (§4.M). A failed
// association skips the rest of the cycle; a register whose GET still fails
// after its retries is skipped and the cycle goes on with the next register.
// The next cycle still runs at the normal interval.
func (p *Poller) runCycle(ctx context.Context) {
	conn, ok := p.manager.Lookup(p.meterID)
	if !ok {
		return // meter no longer connected; nothing to poll
	}

	if !p.associate(ctx, conn) {
		return
	}
	p.readRegisters(ctx, conn)
	p.release(ctx, conn)
}

func (p *Poller) associate(ctx context.Context, conn *Connection) bool {
	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPollingConfig().Timeout
	}
	result, err := p.awaitAare(ctx, conn, timeout)
	if err != nil {
		p.log.WithError(err).Warn("poller: AARQ cycle aborted, no AARE within pollTimeout")
		return false
	}
	if !result.Accepted {
		p.log.WithField("resultCode", result.ResultCode).Warn("poller: association rejected, skipping cycle")
		return false
	}
	return true
}

func (p *Poller) awaitAare(ctx context.Context, conn *Connection, timeout time.Duration) (AareResult, error) {
	payload, err := conn.SendAndAwait(aareMatchKey, BuildAarq(), timeout)
	if err != nil {
		return AareResult{}, err
	}
	apdu, ok := payload.(*Apdu)
	if !ok || apdu.Aare == nil {
		return AareResult{}, NewError(KindMalformedValue, "poller: expected AARE payload", nil)
	}
	return *apdu.Aare, nil
}

// aareMatchKey and releaseMatchKey are the fixed match-keys for the
// association lifecycle APDUs, which carry no invoke-id of their own.
const (
	aareMatchKey    = "aare"
	releaseMatchKey = "rlre"
)

func (p *Poller) readRegisters(ctx context.Context, conn *Connection) {
	codes := ObisGroup(p.cfg.RegisterGroup)
	perReq := p.cfg.PerRequestTimeout
	if perReq <= 0 {
		perReq = defaultPollingConfig().PerRequestTimeout
	}

	for _, obis := range codes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt := 0
		for {
			attempt++
			ok := p.readOneRegister(conn, obis, perReq)
			if ok || attempt > p.cfg.Retries {
				break
			}
		}
	}
}

func (p *Poller) readOneRegister(conn *Connection, obis Obis, perReq time.Duration) bool {
	invokeID := conn.NextInvokeID()
	req := buildGetRequest(registerClassID, obis, 2, invokeID)

	payload, err := conn.SendAndAwait(InvokeMatchKey(invokeID), req, perReq)
	if err != nil {
		p.log.WithError(err).WithField("obis", obis.String()).Warn("poller: GET.request timed out")
		return false
	}
	apdu, ok := payload.(*Apdu)
	if !ok || apdu.GetResponse == nil {
		return false
	}
	gr := apdu.GetResponse
	if !gr.Success {
		p.log.WithFields(logrus.Fields{"obis": obis.String(), "errorCode": gr.ErrorCode, "errorName": dataAccessResultName(gr.ErrorCode)}).
			Warn("poller: GET.response returned a data-access error")
		p.manager.Events.Publish(NewDlmsErrorReceivedEvent(p.meterID, p.connID, gr.InvokeID, gr.ErrorCode))
		return true // not a transport failure; no retry needed for an access-result error
	}

	key, unit, value := resolveObisReading(obis, *gr.Value)
	p.manager.Events.Publish(NewTelemetryReceivedEvent(
		p.meterID, p.connID, "dlms", key, key, value, gr.Value.Number, unit, nowISO8601(),
	))
	return true
}

// nowISO8601 timestamps an event at the moment it is emitted (§6 telemetry
// shape "timestamp"); used when the wire APDU itself carries no date-time.
func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (p *Poller) release(ctx context.Context, conn *Connection) {
	timeout := p.cfg.PerRequestTimeout
	if timeout <= 0 {
		timeout = defaultPollingConfig().PerRequestTimeout
	}
	_, err := conn.SendAndAwait(releaseMatchKey, BuildReleaseRequest(0), timeout)
	if err != nil {
		p.log.WithError(err).Debug("poller: no RLRE within timeout, releasing best-effort")
	}
}
