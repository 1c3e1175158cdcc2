package mcpconn

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionClosed rejects pending requests when their connection goes
// away, distinguishing cancellation from a request-level timeout.
var ErrConnectionClosed = errors.New("mcpconn: connection closed")

// SpawnError reports that the server process could not be launched.
type SpawnError struct {
	Server string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("mcpconn: spawn %q: %v", e.Server, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError reports that the process launched but the initialize
// exchange failed or timed out.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mcpconn: handshake with %q: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RequestTimeoutError reports that one in-flight request exceeded its
// deadline. The connection itself stays up.
type RequestTimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("mcpconn: request %d (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

// ServerError carries a JSON-RPC error object returned by the server for a
// specific request.
type ServerError struct {
	Method  string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcpconn: %s: server error %d: %s", e.Method, e.Code, e.Message)
}
