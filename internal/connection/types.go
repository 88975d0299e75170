package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrStaleConnection = errors.New("connection stale (no heartbeat)")
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the connection lifecycle.
type State struct {
	Status           Status
	ReconnectAttempt int
	LastHeartbeatAt  time.Time
}

// Inbound event names pushed by the controller. Connected and Disconnected
// are synthesized locally on lifecycle transitions.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventSnapshot     = "snapshot"
	EventDelta        = "delta"
	EventAlert        = "alert"
	EventCommandAck   = "command_ack"
	EventHeartbeat    = "heartbeat"
)

// Outbound frame types.
const (
	frameCommand          = "command"
	frameSubscribe        = "subscribe"
	frameSnapshotRequest  = "snapshot_request"
	frameHeartbeatRequest = "heartbeat_request"
)

// Event is a decoded inbound message delivered to subscribers.
type Event struct {
	Name    string
	TS      time.Time
	Payload json.RawMessage
}

// Handler receives inbound events. Handlers run on the connection's event
// goroutine and must not block.
type Handler func(Event)

// envelope is the wire framing for both directions.
type envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts,omitempty"` // Unix milliseconds
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// DisconnectedMsg is the payload of a synthesized disconnected event.
type DisconnectedMsg struct {
	Reason string `json:"reason"`
}

// subscribeMsg re-registers event subscriptions after (re)connect.
type subscribeMsg struct {
	Events []string `json:"events"`
}

// Config configures the connection manager.
type Config struct {
	URL                string
	Token              string
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	HeartbeatInterval  time.Duration // Liveness check period
	HeartbeatGrace     time.Duration // Extra wait after a probe before forcing reconnect
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// Dialer overrides the default WebSocket dialer. Used by tests.
	Dialer Dialer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatGrace:     5 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}
