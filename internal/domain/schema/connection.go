package schema

import "time"

// ConnectionStatus is the supervisor's view of the stream.
type ConnectionStatus string

const (
	// StatusDisconnected means no stream is open or pending.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting means an open attempt is in flight.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected means the stream confirmed open.
	StatusConnected ConnectionStatus = "connected"
	// StatusReconnecting means a retry is scheduled after a failure.
	StatusReconnecting ConnectionStatus = "reconnecting"
	// StatusError means the circuit breaker tripped.
	StatusError ConnectionStatus = "error"
)

// ConnectionState is a point-in-time copy of the supervisor state. It is never persisted.
type ConnectionState struct {
	Status          ConnectionStatus `json:"status"`
	Attempts        int              `json:"attempts"`
	LastAttemptAt   time.Time        `json:"lastAttemptAt"`
	CircuitOpen     bool             `json:"circuitOpen"`
	CircuitOpenedAt time.Time        `json:"circuitOpenedAt"`
	NextAttemptAt   time.Time        `json:"nextAttemptAt"`
	LastError       string           `json:"lastError,omitempty"`
}

// Healthy reports whether the stream is currently delivering.
func (s ConnectionState) Healthy() bool {
	return s.Status == StatusConnected
}
