// Package protocol builds and recognizes the frames exchanged with the
// learning record hub. Every frame is a JSON text optionally terminated by
// a single record separator (0x1e).
//
// Recognition is content based: inbound messages are trimmed and compared
// against known shapes, no strict framing is enforced and anything unknown
// is simply not recognized.
package protocol

import (
	"encoding/json"
	"strings"
)

// RS terminates every outbound frame.
const RS = "\x1e"

const (
	// HeartbeatType is the message type of a keep-alive frame.
	HeartbeatType = 6

	handshakeAck    = "{}"
	heartbeatPrefix = `{"type":6`
)

type handshake struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type typed struct {
	Type int `json:"type"`
}

// Handshake returns the first frame sent once the channel is open.
func Handshake() string {
	return frame(handshake{Protocol: "json", Version: 1})
}

// Heartbeat returns the keep-alive frame.
func Heartbeat() string {
	return frame(typed{Type: HeartbeatType})
}

// IsHandshakeAck reports whether msg is the empty object acknowledging the handshake.
func IsHandshakeAck(msg string) bool {
	return strings.TrimSuffix(trim(msg), RS) == handshakeAck
}

// IsHeartbeat reports whether msg is a keep-alive sent by the peer.
func IsHeartbeat(msg string) bool {
	return strings.HasPrefix(trim(msg), heartbeatPrefix)
}

func trim(msg string) string {
	return strings.TrimSpace(msg)
}

func frame(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// only static structs are marshalled here
		panic(err)
	}
	return string(b) + RS
}
