package session

import (
	"fmt"
	"time"
)

// State of a Runner. States only move forward, Stopped is terminal.
type State int

const (
	Idle State = iota
	Connecting
	HandshakeSent
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake-sent"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Running reports states in which a channel is (being) held.
func (s State) Running() bool {
	return s == Connecting || s == HandshakeSent || s == Active
}

// Reason records what stopped a session.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonExternal        Reason = "external"
	ReasonPeerSilence     Reason = "peer-silence"
	ReasonAutoStop        Reason = "auto-stop"
	ReasonTransportError  Reason = "transport-error"
	ReasonTransportClosed Reason = "transport-closed"
)

// Timing holds the protocol periods.
type Timing struct {
	Heartbeat        time.Duration // outbound keep-alive period
	WatchdogInterval time.Duration // how often peer silence is evaluated
	PeerTimeout      time.Duration // allowed silence since the last peer heartbeat
}

func DefaultTiming() Timing {
	return Timing{
		Heartbeat:        15 * time.Second,
		WatchdogInterval: 5 * time.Second,
		PeerTimeout:      30 * time.Second,
	}
}

// Status is a point in time snapshot of a Runner.
type Status struct {
	ID            int
	LearningID    string
	Session       string
	Enabled       bool
	State         State
	Running       bool
	Elapsed       time.Duration // time spent since Active, frozen once stopping
	LastHeartbeat time.Time
	Reason        Reason
	Err           error
}

// FormatElapsed renders d as "3m 7s".
func FormatElapsed(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
