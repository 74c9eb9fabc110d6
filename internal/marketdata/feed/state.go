package feed

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed // terminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventKind classifies observability events emitted by the Manager.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventDegraded // no message for > 2x heartbeat; connection left alone
	EventFatal    // reconnect attempts exhausted; emitted exactly once
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventDegraded:
		return "degraded"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a connection-level notification for the owning process.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Attempt int           // consecutive failed attempts so far
	Silence time.Duration // time since last message (EventDegraded)
	Err     error
}

// Stats is a point-in-time view of the connection counters.
type Stats struct {
	State              State         `json:"state"`
	Connected          bool          `json:"connected"`
	TotalMessages      uint64        `json:"total_messages"`
	TotalReconnections uint64        `json:"total_reconnections"`
	ProtocolErrors     uint64        `json:"protocol_errors"`
	Uptime             time.Duration `json:"uptime"`
	LastMessageTime    time.Time     `json:"last_message_time"`
}
