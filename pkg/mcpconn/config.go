package mcpconn

import (
	"time"

	"go.uber.org/zap"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/clock"
)

// ServerConfig describes how to launch one MCP server process. It is the
// shape handed over by the configuration layer and is immutable for the
// lifetime of a connection.
type ServerConfig struct {
	// Name identifies the server in logs and events.
	Name string `json:"name" yaml:"name"`
	// Command is the executable to spawn.
	Command string `json:"command" yaml:"command"`
	// Args are passed to the command verbatim.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env entries are appended to the inherited environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Cwd is the working directory for the process; empty inherits ours.
	Cwd string `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

// Hooks are lifecycle callbacks for one connection. All callbacks are
// optional. They are invoked inline from the connection's own goroutines, so
// events for a single connection arrive in occurrence order; callbacks must
// not block for long.
type Hooks struct {
	// OnConnected fires after a successful handshake.
	OnConnected func()
	// OnDisconnected fires exactly once per process incarnation, with the
	// exit code (-1 when unknown) and terminating signal name (empty when
	// the process exited on its own).
	OnDisconnected func(code int, signal string)
	// OnError reports protocol-level trouble that did not kill the
	// connection.
	OnError func(err error)
	// OnNotification receives every server notification. The params slice
	// is only valid for the duration of the call.
	OnNotification func(method string, params []byte)
}

// Options tune one Client. The zero value is usable; unset fields fall back
// to the defaults below.
type Options struct {
	// Clock supplies time for request timeouts, kill escalation, and
	// traffic stats. Defaults to clock.Real().
	Clock clock.Clock
	// Logger receives structured connection logs. Defaults to a no-op.
	Logger *zap.Logger
	// Hooks observe the connection lifecycle.
	Hooks Hooks
	// ClientName and ClientVersion are advertised in the initialize
	// handshake. Defaults: the server name, "1.0.0".
	ClientName    string
	ClientVersion string
	// RequestTimeout bounds every in-flight request. Default 30s.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the initialize exchange. Default 30s.
	HandshakeTimeout time.Duration
	// KillGrace is how long Disconnect waits after the termination signal
	// before force-killing the process. Default 5s.
	KillGrace time.Duration
}

func (o Options) normalized() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
	return o
}
