package chanmux

import "time"

const (
	StatePending     = 0x01
	StateReady       = 0x02
	StateUnavailable = 0x03
)

type (
	// SessionInfo is a point-in-time view of a Session.
	SessionInfo struct {
		ID            string    `json:"id" yaml:"id"`
		Proto         string    `json:"proto" yaml:"proto"`
		Address       string    `json:"address" yaml:"address"`
		State         int32     `json:"state" yaml:"state"`
		Uptime        time.Time `json:"uptime" yaml:"uptime"`
		HeartbeatTime time.Time `json:"heartbeat_time" yaml:"heartbeatTime"`
	}

	// ConnectionInfo selects and configures a transport.
	ConnectionInfo struct {
		Proto       string
		Address     string
		SecretKey   []byte
		Compress    bool
		CertFile    string
		KeyFile     string
		IdleTimeout time.Duration
		Attempts    uint
		RetryDelay  time.Duration
	}
)

func StateText(state int32) string {
	switch state {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
