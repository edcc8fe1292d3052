package main

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	gateway "github.com/olivenet-iot/ivy-4g-gateway-sub001"
)

var (
	flagHost              = flag.String("host", "0.0.0.0", "TCP listen host")
	flagPort              = flag.Int("port", 8899, "TCP listen port")
	flagMaxConnections    = flag.Int("max-connections", 1000, "maximum concurrent meter connections")
	flagHeartbeatInterval = flag.Duration("heartbeat-interval", 30*time.Second, "sweep/heartbeat interval")
	flagConnectionTimeout = flag.Duration("connection-timeout", 120*time.Second, "idle connection timeout")

	flagPollingEnabled  = flag.Bool("polling-enabled", true, "run the active DLMS poller against identified meters")
	flagPollingInterval = flag.Duration("polling-interval", 60*time.Second, "poll cycle interval")
	flagRegisterGroup   = flag.String("register-group", "energy", "OBIS register group: energy|instantaneous|all")
	flagPollTimeout     = flag.Duration("poll-timeout", 10*time.Second, "AARE wait timeout")
	flagPollPerRequest  = flag.Duration("poll-per-request-timeout", 5*time.Second, "GET.response wait timeout")
	flagPollRetries     = flag.Int("poll-retries", 2, "GET.request retries per register")
	flagPollStagger     = flag.Duration("poll-stagger-delay", 100*time.Millisecond, "delay before a newly-started poller's first cycle")

	flagHeartbeatAck     = flag.Bool("heartbeat-ack", false, "write an ACK payload back on every heartbeat")
	flagZeroAddrUseIP    = flag.Bool("zero-address-use-ip", false, "synthesise a meter id from the remote endpoint when the heartbeat address is all zeros")
	flagRelayPassphrase  = flag.String("relay-passphrase", "", "passphrase for the DL/T 645 relay-control cipher; empty sends the control block in the clear")
	flagLogLevel         = flag.String("log-level", "info", "logrus level")
)

func main() {
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*flagLogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithError(err).Warn("gateway: invalid -log-level, defaulting to info")
	}

	cfg := gateway.DefaultConfig()
	cfg.TCP.Host = *flagHost
	cfg.TCP.Port = *flagPort
	cfg.TCP.MaxConnections = *flagMaxConnections
	cfg.TCP.HeartbeatInterval = *flagHeartbeatInterval
	cfg.TCP.ConnectionTimeout = *flagConnectionTimeout

	cfg.Polling.Enabled = *flagPollingEnabled
	cfg.Polling.Interval = *flagPollingInterval
	cfg.Polling.RegisterGroup = gateway.RegisterGroup(*flagRegisterGroup)
	cfg.Polling.Timeout = *flagPollTimeout
	cfg.Polling.PerRequestTimeout = *flagPollPerRequest
	cfg.Polling.Retries = *flagPollRetries
	cfg.Polling.StaggerDelay = *flagPollStagger

	cfg.Heartbeat.AckEnabled = *flagHeartbeatAck
	if *flagZeroAddrUseIP {
		cfg.Heartbeat.ZeroAddressAction = gateway.ZeroAddressUseIP
	}
	cfg.Relay.Passphrase = *flagRelayPassphrase

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Panicf("gateway: invalid configuration")
	}

	manager := gateway.NewConnectionManager(cfg, log)
	defer manager.Shutdown()

	server := gateway.NewServer(cfg, manager, log)
	log.WithField("addr", *flagHost).Infof("gateway: starting on port %d", *flagPort)
	if err := server.ListenAndServe(); err != nil {
		log.WithError(err).Panicf("gateway: ListenAndServe failed")
	}
}
