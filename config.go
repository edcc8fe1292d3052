package gateway

import "time"

// RegisterGroup selects which OBIS codes the active poller asks for each cycle.
type RegisterGroup string

const (
	RegisterGroupEnergy        RegisterGroup = "energy"
	RegisterGroupInstantaneous RegisterGroup = "instantaneous"
	RegisterGroupAll           RegisterGroup = "all"
)

// ZeroAddressAction selects the heartbeat handler's policy when the 12 ASCII
// digits in a heartbeat are all zero (§4.I).
type ZeroAddressAction string

const (
	ZeroAddressAccept ZeroAddressAction = "accept"
	ZeroAddressUseIP  ZeroAddressAction = "use_ip"
)

// TCPConfig configures the listener and connection lifecycle (§6, §4.K).
type TCPConfig struct {
	Port               int
	Host               string
	MaxConnections     int
	HeartbeatInterval  time.Duration
	ConnectionTimeout  time.Duration
	MaxPendingRequests int // I5: per-connection pending table cap, default 50
}

func defaultTCPConfig() TCPConfig {
	return TCPConfig{
		Port:               8899,
		Host:               "0.0.0.0",
		MaxConnections:     1000,
		HeartbeatInterval:  30 * time.Second,
		ConnectionTimeout:  120 * time.Second,
		MaxPendingRequests: 50,
	}
}

// PollingConfig configures the active DLMS poller (§4.M, §6).
type PollingConfig struct {
	Enabled           bool
	Interval          time.Duration
	RegisterGroup     RegisterGroup
	Timeout           time.Duration // AARE wait (pollTimeout)
	PerRequestTimeout time.Duration // GET.response wait
	Retries           int
	StaggerDelay      time.Duration
}

func defaultPollingConfig() PollingConfig {
	return PollingConfig{
		Enabled:           true,
		Interval:          60 * time.Second,
		RegisterGroup:     RegisterGroupEnergy,
		Timeout:           10 * time.Second,
		PerRequestTimeout: 5 * time.Second,
		Retries:           2,
		StaggerDelay:      100 * time.Millisecond,
	}
}

// DLMSConfig configures the DLMS/COSEM side of the gateway.
type DLMSConfig struct {
	PassiveOnly bool
}

// HeartbeatConfig configures the IVY heartbeat handler (§4.I).
type HeartbeatConfig struct {
	AckEnabled        bool
	AckPayload        []byte
	ZeroAddressAction ZeroAddressAction
}

func defaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		AckEnabled:        false,
		AckPayload:        nil,
		ZeroAddressAction: ZeroAddressAccept,
	}
}

// IVYConfig bounds the IVY wrapper parser (§4.D).
type IVYConfig struct {
	MaxPayloadLength int
}

func defaultIVYConfig() IVYConfig {
	return IVYConfig{MaxPayloadLength: 4096}
}

// RelayConfig configures the injectable DL/T 645 relay-control cipher (§9 open question).
type RelayConfig struct {
	Passphrase string
}

// Config is the top-level, explicit context struct threaded through every
// component instead of reaching for package-level singletons (§9 design
// note: "Singletons... are anti-patterns here").
type Config struct {
	TCP       TCPConfig
	Polling   PollingConfig
	DLMS      DLMSConfig
	Heartbeat HeartbeatConfig
	IVY       IVYConfig
	Relay     RelayConfig
}

// DefaultConfig returns the configuration defaults enumerated in §6.
func DefaultConfig() Config {
	return Config{
		TCP:       defaultTCPConfig(),
		Polling:   defaultPollingConfig(),
		DLMS:      DLMSConfig{PassiveOnly: false},
		Heartbeat: defaultHeartbeatConfig(),
		IVY:       defaultIVYConfig(),
	}
}

// Validate enforces §7's KindConfigInvalid: fatal only at startup.
func (c Config) Validate() error {
	if c.TCP.Port <= 0 || c.TCP.Port > 65535 {
		return NewError(KindConfigInvalid, "tcp.port out of range", nil)
	}
	if c.TCP.MaxPendingRequests <= 0 {
		return NewError(KindConfigInvalid, "tcp.maxPendingRequests must be positive", nil)
	}
	if c.Polling.Enabled {
		switch c.Polling.RegisterGroup {
		case RegisterGroupEnergy, RegisterGroupInstantaneous, RegisterGroupAll:
		default:
			return NewError(KindConfigInvalid, "polling.registerGroup invalid", nil)
		}
	}
	switch c.Heartbeat.ZeroAddressAction {
	case ZeroAddressAccept, ZeroAddressUseIP:
	default:
		return NewError(KindConfigInvalid, "heartbeat.zeroAddressAction invalid", nil)
	}
	return nil
}
