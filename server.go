package gateway

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// netConnTransport adapts a net.Conn to the Transport interface the
// connection manager works with, the same thin-wrapper style the teacher
// uses around its coap/http transports in cmd/proxy.
type netConnTransport struct {
	conn net.Conn
}

func (t *netConnTransport) Write(b []byte) (int, error) { return t.conn.Write(b) }
func (t *netConnTransport) Close() error                { return t.conn.Close() }

func (t *netConnTransport) RemoteAddr() (string, int) {
	addr, ok := t.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return t.conn.RemoteAddr().String(), 0
	}
	return addr.IP.String(), addr.Port
}

// Server is the TCP listener described in §4.L: it accepts connections,
// registers them with the manager, and normalises every inbound frame into
// the external event shapes.
type Server struct {
	cfg     Config
	manager *ConnectionManager
	log     *logrus.Entry
	rawLog  *logrus.Logger
}

// NewServer binds a listener to an already-constructed manager.
func NewServer(cfg Config, manager *ConnectionManager, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, manager: manager, log: componentLogger(log, "server"), rawLog: log}
}

// ListenAndServe binds the configured host:port and accepts connections
// until the listener errors (typically on shutdown). It blocks.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.TCP.Host, s.cfg.TCP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	defer ln.Close()
	s.log.WithField("addr", addr).Info("server: listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		if s.manager.Count() >= s.cfg.TCP.MaxConnections {
			s.log.WithField("remote", conn.RemoteAddr()).Warn("server: rejecting connection, at tcp.maxConnections")
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	id := newConnectionID()
	transport := &netConnTransport{conn: netConn}
	conn := NewConnection(id, transport, s.cfg, s.rawLog)
	s.manager.Register(conn)

	log := s.log.WithField("connectionId", id)
	log.WithField("remote", netConn.RemoteAddr()).Info("server: connection accepted")

	defer s.manager.Unregister(conn, KindConnectionClosed)

	buf := make([]byte, 4096)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			conn.recordIngress(n)
			msgs, perr := conn.Router.Push(buf[:n])
			if perr != nil {
				log.WithError(perr).Warn("server: protocol error processing inbound bytes")
			}
			for _, msg := range msgs {
				s.dispatch(conn, msg)
			}
		}
		if err != nil {
			log.WithError(err).Debug("server: connection read loop ended")
			return
		}
	}
}

// dispatch routes one fully-parsed inbound message to identification,
// request correlation, and event normalisation (§4.L).
func (s *Server) dispatch(conn *Connection, msg RoutedMessage) {
	switch msg.Kind {
	case RoutedHeartbeat:
		s.dispatchHeartbeat(conn, msg.Heartbeat)
	case RoutedDlt645:
		s.dispatchDlt645(conn, msg.Dlt645)
	case RoutedDlms:
		s.dispatchDlms(conn, msg.Apdu)
	}
}

func (s *Server) dispatchHeartbeat(conn *Connection, hb *Heartbeat) {
	if conn.MeterID() == "" {
		ip, port := conn.Transport.RemoteAddr()
		meterID := ResolveHeartbeatMeterID(*hb, s.cfg.Heartbeat.ZeroAddressAction, ip, port)
		s.manager.Identify(conn, meterID, ProtocolIvyDlms)
	}
	if s.cfg.Heartbeat.AckEnabled && len(s.cfg.Heartbeat.AckPayload) > 0 {
		if err := conn.Send(s.cfg.Heartbeat.AckPayload); err != nil {
			s.log.WithError(err).WithField("connectionId", conn.ID).Warn("server: heartbeat ACK write failed")
		}
	}
}

func (s *Server) dispatchDlt645(conn *Connection, frame *DLT645Frame) {
	if conn.MeterID() == "" {
		s.manager.Identify(conn, frame.Address, ProtocolDLT645)
	}
	meterID := conn.MeterID()
	requestCode := GetRequestCode(frame.ControlCode)
	s.manager.Resolve(meterID, dlt645MatchKey(requestCode), frame)

	if frame.IsError {
		errResp, err := ParseErrorResponse(frame)
		if err != nil {
			s.log.WithError(err).WithField("meterId", meterID).Warn("server: failed to parse dlt645 error response")
			return
		}
		s.manager.Events.Publish(NewErrorResponseEvent(meterID, conn.ID, errResp.ErrorCode, errResp.ErrorMessage))
		return
	}

	if requestCode == CtrlRead {
		resp, err := ParseReadResponse(frame, nil)
		if err != nil {
			s.log.WithError(err).WithField("meterId", meterID).Warn("server: failed to parse dlt645 read response")
			return
		}
		spec := lookupDLT645Register(resp.DataID)
		name := fmt.Sprintf("0x%08X", resp.DataID)
		if spec != nil {
			name = spec.Name
		}
		s.manager.Events.Publish(NewTelemetryReceivedEvent(meterID, conn.ID, "dlt645", name, name, resp.Value, resp.Value, resp.Unit, nowISO8601()))
	}
}

func (s *Server) dispatchDlms(conn *Connection, apdu *Apdu) {
	meterID := conn.MeterID()

	switch apdu.Kind {
	case ApduAare:
		s.manager.Resolve(meterID, aareMatchKey, apdu)
	case ApduReleaseResponse:
		s.manager.Resolve(meterID, releaseMatchKey, apdu)
	case ApduGetResponse:
		resolved := s.manager.Resolve(meterID, InvokeMatchKey(apdu.GetResponse.InvokeID), apdu)
		if resolved {
			return // the awaiting poller/command call already normalised this reading
		}
		if !apdu.GetResponse.Success {
			s.manager.Events.Publish(NewDlmsErrorReceivedEvent(meterID, conn.ID, apdu.GetResponse.InvokeID, apdu.GetResponse.ErrorCode))
			return
		}
		t := ExtractTelemetry(*apdu)
		if t == nil {
			return
		}
		for key, reading := range t.Readings {
			s.manager.Events.Publish(NewTelemetryReceivedEvent(meterID, conn.ID, "dlms", key, key, reading.Value, reading.Value, reading.Unit, nowISO8601()))
		}
	case ApduEventNotification:
		en := apdu.EventNotification
		s.manager.Events.Publish(NewDlmsEventReceivedEvent(meterID, conn.ID, apdu.Kind, map[string]interface{}{
			"classId": en.ClassID,
			"obis":    en.Obis.String(),
			"attr":    en.Attr,
		}))
		if t := ExtractTelemetry(*apdu); t != nil {
			for key, reading := range t.Readings {
				s.manager.Events.Publish(NewTelemetryReceivedEvent(meterID, conn.ID, "dlms", key, key, reading.Value, reading.Value, reading.Unit, nowISO8601()))
			}
		}
	case ApduDataNotification:
		if t := ExtractTelemetry(*apdu); t != nil {
			for key, reading := range t.Readings {
				s.manager.Events.Publish(NewTelemetryReceivedEvent(meterID, conn.ID, "dlms", key, key, reading.Value, reading.Value, reading.Unit, nowISO8601()))
			}
		}
	case ApduExceptionResponse:
		ex := apdu.Exception
		s.manager.Events.Publish(NewDlmsErrorReceivedEvent(meterID, conn.ID, 0, ex.StateError))
	}
}
