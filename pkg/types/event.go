package types

import (
	"time"
)

// Event is a server-pushed message scoped to a single topic. The payload is
// opaque to the sync layer; listeners decide how to decode it.
type Event struct {
	// ID is the identifier assigned by the source broker, or a generated one
	// when the broker has none.
	ID string `json:"id"`
	// Topic is the logical channel the event arrived on.
	Topic string `json:"topic"`
	// Payload is the raw byte content of the event.
	Payload []byte `json:"payload"`
	// ReceivedAt is when the transport handed the event to the multiplexer.
	ReceivedAt time.Time `json:"receivedAt"`

	// Attributes holds metadata from the transport (e.g. MQTT topic, Pub/Sub attributes).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ConnectionState is the lifecycle state of a shared real-time connection.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

// String returns the lower-case name used in logs and the state endpoint.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear by name in JSON snapshots.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
