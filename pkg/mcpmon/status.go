package mcpmon

import "time"

// Status is the supervision state of one monitored server.
type Status string

const (
	// StatusDisconnected is the initial state before the first connect.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means a connect attempt is in flight.
	StatusConnecting Status = "connecting"
	// StatusConnected means the handshake succeeded and the connection is
	// live.
	StatusConnected Status = "connected"
	// StatusError means the last attempt failed and a reconnect is
	// scheduled.
	StatusError Status = "error"
	// StatusUnavailable is terminal: the retry budget is exhausted and no
	// automatic reconnects happen until ResetUnavailable.
	StatusUnavailable Status = "unavailable"
)

// ServerStatus is a read-only snapshot of one monitored server.
type ServerStatus struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         Status        `json:"status"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"lastError,omitempty"`
	ConnectedSince time.Time     `json:"connectedSince,omitempty"`
	ResponseTime   time.Duration `json:"responseTime"`
	ErrorCount     int           `json:"errorCount"`
}

// Sample is one live per-server metrics reading, consumed by the metrics
// cache. Counts come from the handshake capabilities; timings from the
// connection's traffic stats.
type Sample struct {
	ToolCount     int
	ResourceCount int
	ResponseTime  time.Duration
	LastActivity  time.Time
	Connected     bool
}

// UnavailableEvent reports that a server exhausted its retry budget.
type UnavailableEvent struct {
	ServerName string
	Attempts   int
	LastError  error
}
