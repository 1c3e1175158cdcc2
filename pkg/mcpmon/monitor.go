package mcpmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/clock"
	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpconn"
)

// backoffDelays is the reconnect schedule, indexed by retry number. When the
// last delay's attempt also fails the server becomes unavailable.
var backoffDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Events are supervisor-level lifecycle callbacks. All are optional and are
// invoked without internal locks held; events for a single server arrive in
// occurrence order.
type Events struct {
	// OnStatusChange fires on every state transition.
	OnStatusChange func(id string, status Status)
	// OnConnected fires after a successful handshake.
	OnConnected func(id string)
	// OnDisconnected forwards process exits, expected or not.
	OnDisconnected func(id string, code int, signal string)
	// OnError reports a failed connect attempt or health check.
	OnError func(id string, err error)
	// OnUnavailable fires once when a server exhausts its retry budget.
	OnUnavailable func(ev UnavailableEvent)
	// OnNotification forwards server notifications.
	OnNotification func(id, method string, params []byte)
}

// Options tune a Monitor. The zero value is usable.
type Options struct {
	// Clock drives reconnect timers and health tickers. Defaults to
	// clock.Real().
	Clock clock.Clock
	// Logger receives structured supervision logs. Defaults to a no-op.
	Logger *zap.Logger
	// Events observe the supervised set.
	Events Events
	// HealthCheckInterval is the per-connection liveness probe period.
	// Default 30s.
	HealthCheckInterval time.Duration
	// ClientOptions is the base configuration for spawned clients. Clock,
	// Logger, and Hooks are managed by the Monitor and overwritten.
	ClientOptions mcpconn.Options
}

func (o Options) normalized() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	return o
}

// client is the slice of mcpconn.Client the Monitor drives. Tests substitute
// scripted implementations through the factory.
type client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) (time.Duration, error)
	Stats() mcpconn.Stats
	Capabilities() mcpconn.ServerCapabilities
}

type clientFactory func(cfg mcpconn.ServerConfig, opts mcpconn.Options) client

// connection is the supervision record for one server id. A fresh record is
// created per StartMonitoring; async callbacks check record identity against
// the map so work scheduled for a replaced record is dropped.
type connection struct {
	id     string
	cfg    mcpconn.ServerConfig
	client client

	status     Status
	attempts   int
	lastErr    error
	errorCount int

	retryTimer   *clock.Timer
	healthTicker *clock.Ticker
	healthDone   chan struct{}

	// pendingExit holds a process exit observed while the record was still
	// connecting; attempt's success path consumes it instead of marking a
	// dead connection live.
	pendingExit error
}

// Monitor supervises a named set of MCP server connections.
type Monitor struct {
	opts      Options
	clk       clock.Clock
	log       *zap.Logger
	newClient clientFactory

	mu    sync.Mutex
	conns map[string]*connection
}

// NewMonitor returns an empty Monitor. Servers are added with
// StartMonitoring.
func NewMonitor(opts Options) *Monitor {
	opts = opts.normalized()
	return &Monitor{
		opts: opts,
		clk:  opts.Clock,
		log:  opts.Logger,
		newClient: func(cfg mcpconn.ServerConfig, o mcpconn.Options) client {
			return mcpconn.NewClient(cfg, o)
		},
		conns: make(map[string]*connection),
	}
}

// StartMonitoring begins supervising the server under id. If id is already
// monitored the existing connection is stopped first, so the call doubles as
// a restart. The first connect attempt runs asynchronously.
func (m *Monitor) StartMonitoring(id string, cfg mcpconn.ServerConfig) {
	m.StopMonitoring(id)

	c := &connection{id: id, cfg: cfg, status: StatusDisconnected}
	c.client = m.newClient(cfg, m.clientOptions(c))

	m.mu.Lock()
	m.conns[id] = c
	c.status = StatusConnecting
	m.mu.Unlock()

	m.log.Info("monitoring server", zap.String("id", id), zap.String("command", cfg.Command))
	m.emitStatus(id, StatusConnecting)
	go m.attempt(c)
}

func (m *Monitor) clientOptions(c *connection) mcpconn.Options {
	o := m.opts.ClientOptions
	o.Clock = m.clk
	o.Logger = m.log
	o.Hooks = mcpconn.Hooks{
		OnConnected: func() {
			if f := m.opts.Events.OnConnected; f != nil {
				f(c.id)
			}
		},
		OnDisconnected: func(code int, signal string) {
			m.handleExit(c, code, signal)
		},
		OnError: func(err error) {
			if f := m.opts.Events.OnError; f != nil {
				f(c.id, err)
			}
		},
		OnNotification: func(method string, params []byte) {
			if f := m.opts.Events.OnNotification; f != nil {
				f(c.id, method, params)
			}
		},
	}
	return o
}

// attempt runs one connect and routes the outcome into the state machine.
func (m *Monitor) attempt(c *connection) {
	m.mu.Lock()
	c.pendingExit = nil
	m.mu.Unlock()

	err := c.client.Connect(context.Background())
	if err != nil {
		m.fail(c, err)
		return
	}

	m.mu.Lock()
	if m.conns[c.id] != c {
		// Replaced or stopped while the handshake was in flight.
		m.mu.Unlock()
		_ = c.client.Disconnect(context.Background())
		return
	}
	if exitErr := c.pendingExit; exitErr != nil {
		// The process died between the handshake and here.
		c.pendingExit = nil
		m.mu.Unlock()
		m.fail(c, exitErr)
		return
	}
	c.status = StatusConnected
	c.attempts = 0
	c.lastErr = nil
	c.healthTicker = m.clk.NewTicker(m.opts.HealthCheckInterval)
	c.healthDone = make(chan struct{})
	go m.healthLoop(c, c.healthTicker, c.healthDone)
	m.mu.Unlock()

	m.emitStatus(c.id, StatusConnected)
}

// fail records a failed attempt and either schedules the next retry or
// declares the server unavailable.
func (m *Monitor) fail(c *connection, err error) {
	m.mu.Lock()
	if m.conns[c.id] != c {
		m.mu.Unlock()
		return
	}
	c.errorCount++
	c.lastErr = err

	if c.attempts >= len(backoffDelays) {
		c.status = StatusUnavailable
		ev := UnavailableEvent{ServerName: c.cfg.Name, Attempts: c.attempts, LastError: err}
		m.mu.Unlock()

		m.log.Warn("server unavailable, retries exhausted",
			zap.String("id", c.id),
			zap.Int("attempts", ev.Attempts),
			zap.Error(err),
		)
		m.emitError(c.id, &UnavailableError{Server: ev.ServerName, Attempts: ev.Attempts})
		m.emitStatus(c.id, StatusUnavailable)
		if f := m.opts.Events.OnUnavailable; f != nil {
			f(ev)
		}
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := backoffDelays[attempt-1]
	c.status = StatusError
	c.retryTimer = m.clk.AfterFunc(delay, func() { m.retry(c) })
	m.mu.Unlock()

	m.log.Warn("connect attempt failed, retry scheduled",
		zap.String("id", c.id),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	m.emitError(c.id, err)
	m.emitStatus(c.id, StatusError)
}

func (m *Monitor) retry(c *connection) {
	m.mu.Lock()
	if m.conns[c.id] != c || c.status != StatusError {
		m.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.retryTimer = nil
	m.mu.Unlock()

	m.emitStatus(c.id, StatusConnecting)
	m.attempt(c)
}

// handleExit reacts to the underlying process going away. A failed connect
// reports its own error, but an exit that lands while the record is still
// connecting must not vanish: it is parked on the connection for attempt's
// success path to consume.
func (m *Monitor) handleExit(c *connection, code int, signal string) {
	if f := m.opts.Events.OnDisconnected; f != nil {
		f(c.id, code, signal)
	}

	m.mu.Lock()
	if m.conns[c.id] != c || c.status != StatusConnected {
		if m.conns[c.id] == c && c.status == StatusConnecting {
			c.pendingExit = fmt.Errorf("process exited during connect (code %d, signal %q)", code, signal)
		}
		m.mu.Unlock()
		return
	}
	c.stopHealthLocked()
	m.mu.Unlock()

	m.fail(c, fmt.Errorf("process exited unexpectedly (code %d, signal %q)", code, signal))
}

// healthLoop pings the server on every tick until the connection stops. A
// slow server delays only its own cycle.
func (m *Monitor) healthLoop(c *connection, t *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-t.C:
			if _, err := c.client.Ping(context.Background()); err != nil {
				m.mu.Lock()
				current := m.conns[c.id] == c
				if current {
					c.errorCount++
				}
				m.mu.Unlock()
				// A ping that was in flight when the server was
				// stopped must not report for a removed id.
				if current {
					m.log.Warn("health check failed", zap.String("id", c.id), zap.Error(err))
					m.emitError(c.id, err)
				}
			}
		case <-done:
			return
		}
	}
}

// StopMonitoring disconnects the server and removes its status record.
// Pending reconnects and health checks are cancelled. Unknown ids are a
// no-op.
func (m *Monitor) StopMonitoring(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	c.stopTimersLocked()
	m.mu.Unlock()

	_ = c.client.Disconnect(context.Background())
	m.log.Info("stopped monitoring server", zap.String("id", id))
}

// StopAll stops every monitored server.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for id, c := range m.conns {
		delete(m.conns, id)
		c.stopTimersLocked()
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.client.Disconnect(context.Background())
	}
}

// ResetUnavailable clears the terminal unavailable state and resumes
// monitoring with a fresh retry budget. It fails on an unknown id and is a
// no-op for servers in any other state.
func (m *Monitor) ResetUnavailable(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mcpmon: server %q is not monitored", id)
	}
	if c.status != StatusUnavailable {
		m.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.lastErr = nil
	c.status = StatusConnecting
	m.mu.Unlock()

	m.log.Info("unavailable state reset", zap.String("id", id))
	m.emitStatus(id, StatusConnecting)
	go m.attempt(c)
	return nil
}

// Status returns the snapshot for one server id.
func (m *Monitor) Status(id string) (ServerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return ServerStatus{}, false
	}
	return c.snapshotLocked(), true
}

// AllStatuses returns a snapshot of every monitored server, keyed by id.
func (m *Monitor) AllStatuses() map[string]ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServerStatus, len(m.conns))
	for id, c := range m.conns {
		out[id] = c.snapshotLocked()
	}
	return out
}

// ConnectedCount returns how many servers are currently connected.
func (m *Monitor) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if c.status == StatusConnected {
			n++
		}
	}
	return n
}

// AverageResponseTime averages the last round-trip time over connected
// servers only. Zero when nothing is connected.
func (m *Monitor) AverageResponseTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	n := 0
	for _, c := range m.conns {
		if c.status != StatusConnected {
			continue
		}
		total += c.client.Stats().ResponseTime
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// MetricsSample returns the live metrics reading for id. The second return
// is false for unmonitored ids.
func (m *Monitor) MetricsSample(id string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Sample{}, false
	}
	caps := c.client.Capabilities()
	stats := c.client.Stats()
	return Sample{
		ToolCount:     caps.ToolCount,
		ResourceCount: caps.ResourceCount,
		ResponseTime:  stats.ResponseTime,
		LastActivity:  stats.LastActivity,
		Connected:     c.status == StatusConnected && stats.Connected,
	}, true
}

func (c *connection) snapshotLocked() ServerStatus {
	s := ServerStatus{
		ID:         c.id,
		Name:       c.cfg.Name,
		Status:     c.status,
		Attempts:   c.attempts,
		ErrorCount: c.errorCount,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	stats := c.client.Stats()
	s.ResponseTime = stats.ResponseTime
	if c.status == StatusConnected {
		s.ConnectedSince = stats.ConnectedSince
	}
	return s
}

func (c *connection) stopHealthLocked() {
	if c.healthTicker != nil {
		c.healthTicker.Stop()
		c.healthTicker = nil
	}
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}

func (c *connection) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.stopHealthLocked()
}

func (m *Monitor) emitStatus(id string, s Status) {
	if f := m.opts.Events.OnStatusChange; f != nil {
		f(id, s)
	}
}

func (m *Monitor) emitError(id string, err error) {
	if f := m.opts.Events.OnError; f != nil {
		f(id, err)
	}
}
