package mcpconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/clock"
)

// Stats is a snapshot of per-connection traffic counters, updated as a
// byproduct of requests and notifications.
type Stats struct {
	Connected      bool
	ConnectedSince time.Time
	LastActivity   time.Time
	ResponseTime   time.Duration
	ErrorCount     int
}

type pendingResult struct {
	msg *rpcMessage
	err error
}

// pendingRequest tracks one in-flight request until its response, timeout,
// or connection close.
type pendingRequest struct {
	method    string
	submitted time.Time
	ch        chan pendingResult
}

// Client manages one MCP server process and its JSON-RPC session.
type Client struct {
	cfg  ServerConfig
	opts Options
	clk  clock.Clock

	writeMu sync.Mutex // serializes stdin writes

	mu        sync.Mutex
	log       *zap.Logger
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	buf       []byte
	nextID    int64
	pending   map[int64]*pendingRequest
	connected bool
	exited    bool
	exitCh    chan struct{}
	caps      ServerCapabilities
	stats     Stats
}

// NewClient prepares a client for the given server. No process is spawned
// until Connect.
func NewClient(cfg ServerConfig, opts Options) *Client {
	opts = opts.normalized()
	return &Client{
		cfg:     cfg,
		opts:    opts,
		clk:     opts.Clock,
		log:     opts.Logger.With(zap.String("server", cfg.Name)),
		pending: make(map[int64]*pendingRequest),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// Config returns the launch configuration.
func (c *Client) Config() ServerConfig { return c.cfg }

// Capabilities returns what the server declared during the handshake. Zero
// value before Connect succeeds.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Stats returns a snapshot of the connection's traffic counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Connect spawns the server process and performs the protocol handshake.
// It returns a SpawnError when the process cannot launch and a
// HandshakeError when initialization fails or times out; in the latter case
// the process is killed before returning.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Command == "" {
		return &SpawnError{Server: c.cfg.Name, Err: errors.New("no command configured")}
	}
	c.mu.Lock()
	if c.cmd != nil && !c.exited {
		c.mu.Unlock()
		return fmt.Errorf("mcpconn: %q already connected", c.cfg.Name)
	}
	c.mu.Unlock()

	logger := c.opts.Logger.With(
		zap.String("server", c.cfg.Name),
		zap.String("spawn_id", uuid.NewString()),
	)

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Cwd
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Server: c.cfg.Name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Server: c.cfg.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Server: c.cfg.Name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Server: c.cfg.Name, Err: err}
	}
	logger.Debug("spawned server process", zap.Int("pid", cmd.Process.Pid))

	c.mu.Lock()
	c.log = logger
	c.cmd = cmd
	c.stdin = stdin
	c.buf = nil
	c.pending = make(map[int64]*pendingRequest)
	c.exited = false
	c.exitCh = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(stdout)
	go c.stderrLoop(logger, stderr)
	go c.waitLoop(cmd)

	if err := c.handshake(ctx); err != nil {
		c.kill()
		return &HandshakeError{Server: c.cfg.Name, Err: err}
	}

	now := c.clk.Now()
	c.mu.Lock()
	c.connected = true
	c.stats.Connected = true
	c.stats.ConnectedSince = now
	c.stats.LastActivity = now
	caps := c.caps
	c.mu.Unlock()

	logger.Info("connected",
		zap.String("server_name", caps.ServerInfo.Name),
		zap.String("protocol_version", caps.ProtocolVersion),
		zap.Int("tools", caps.ToolCount),
		zap.Int("resources", caps.ResourceCount),
	)
	if h := c.opts.Hooks.OnConnected; h != nil {
		h()
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	clientName := c.opts.ClientName
	if clientName == "" {
		clientName = c.cfg.Name
	}
	raw, err := c.call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      mcp.Implementation{Name: clientName, Version: c.opts.ClientVersion},
	}, c.opts.HandshakeTimeout)
	if err != nil {
		return err
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if err := c.SendNotification(methodInitialized, nil); err != nil {
		return err
	}

	caps := ServerCapabilities{
		ProtocolVersion: init.ProtocolVersion,
		ServerInfo:      init.ServerInfo,
	}
	_, caps.Tools = init.Capabilities["tools"]
	_, caps.Resources = init.Capabilities["resources"]
	_, caps.Prompts = init.Capabilities["prompts"]
	_, caps.Logging = init.Capabilities["logging"]

	if toolsRaw, err := c.call(ctx, methodListTools, nil, c.opts.RequestTimeout); err != nil {
		c.logger().Warn("tools/list failed during handshake", zap.Error(err))
	} else {
		var tl listToolsResult
		if err := json.Unmarshal(toolsRaw, &tl); err != nil {
			c.logger().Warn("unparseable tools/list result", zap.Error(err))
		} else {
			caps.ToolCount = len(tl.Tools)
		}
	}

	// A server that never declared the resources capability simply has
	// zero resources; only ask when support was advertised.
	if caps.Resources {
		if resRaw, err := c.call(ctx, methodListResources, nil, c.opts.RequestTimeout); err != nil {
			c.logger().Warn("resources/list failed during handshake", zap.Error(err))
		} else {
			var rl listResourcesResult
			if err := json.Unmarshal(resRaw, &rl); err != nil {
				c.logger().Warn("unparseable resources/list result", zap.Error(err))
			} else {
				caps.ResourceCount = len(rl.Resources)
			}
		}
	}

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	return nil
}

// SendRequest writes one JSON-RPC request and blocks until its response,
// the request timeout, or ctx cancellation. Responses correlate by id, so
// concurrent callers complete independently and possibly out of order.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, c.opts.RequestTimeout)
}

// SendNotification writes a fire-and-forget notification: no id, no
// response bookkeeping.
func (c *Client) SendNotification(method string, params any) error {
	return c.writeMessage(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Ping issues tools/list as a liveness probe and returns the measured
// round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := c.clk.Now()
	if _, err := c.call(ctx, methodListTools, nil, c.opts.RequestTimeout); err != nil {
		return 0, err
	}
	return c.clk.Now().Sub(start), nil
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.stdin == nil || c.exited {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.nextID++
	id := c.nextID
	p := &pendingRequest{method: method, submitted: c.clk.Now(), ch: make(chan pendingResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.writeMessage(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			c.bumpErrorCount()
			return nil, &ServerError{Method: method, Code: res.msg.Error.Code, Message: res.msg.Error.Message}
		}
		return res.msg.Result, nil
	case <-c.clk.After(timeout):
		c.dropPending(id)
		c.bumpErrorCount()
		return nil, &RequestTimeoutError{Method: method, ID: id, Timeout: timeout}
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) writeMessage(msg rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcpconn: marshal %s: %w", msg.Method, err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("mcpconn: write %s: %w", msg.Method, err)
	}
	return nil
}

// readLoop pumps stdout chunks into the framing buffer until the pipe
// closes.
func (c *Client) readLoop(r io.Reader) {
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.feed(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// feed appends raw bytes to the connection buffer and dispatches every
// complete newline-terminated message. A trailing partial line stays
// buffered for the next chunk.
func (c *Client) feed(data []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, data...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), bytes.TrimRight(c.buf[:i], "\r")...)
		c.buf = c.buf[i+1:]
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	c.mu.Unlock()

	for _, line := range lines {
		c.handleLine(line)
	}
}

func (c *Client) handleLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// Garbage on the stream must never abort the connection.
		c.logger().Warn("discarding unparseable message",
			zap.Error(err),
			zap.ByteString("line", truncateLine(line)),
		)
		return
	}
	switch {
	case msg.ID != nil && msg.Method == "":
		c.resolve(&msg)
	case msg.ID == nil && msg.Method != "":
		c.touch()
		if h := c.opts.Hooks.OnNotification; h != nil {
			h(msg.Method, msg.Params)
		}
	default:
		// Server-to-client requests are not part of this client's
		// surface.
		c.logger().Debug("ignoring server-to-client request", zap.String("method", msg.Method))
	}
}

func (c *Client) resolve(msg *rpcMessage) {
	c.mu.Lock()
	p, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
		now := c.clk.Now()
		c.stats.ResponseTime = now.Sub(p.submitted)
		c.stats.LastActivity = now
	}
	c.mu.Unlock()

	if !ok {
		// Timed out, cancelled, or never ours; a stale id must not be
		// matched to a newer request.
		c.logger().Debug("response with no pending request", zap.Int64("id", *msg.ID))
		return
	}
	p.ch <- pendingResult{msg: msg}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) stderrLoop(logger *zap.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

// waitLoop reaps the process and settles the connection exactly once per
// incarnation.
func (c *Client) waitLoop(cmd *exec.Cmd) {
	_ = cmd.Wait()
	code := -1
	signal := ""
	if state := cmd.ProcessState; state != nil {
		code = state.ExitCode()
		if code == -1 {
			signal = strings.TrimPrefix(state.String(), "signal: ")
		}
	}
	c.finish(code, signal)
}

func (c *Client) finish(code int, signal string) {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return
	}
	c.exited = true
	c.connected = false
	c.stats.Connected = false
	pend := c.pending
	c.pending = make(map[int64]*pendingRequest)
	exitCh := c.exitCh
	c.mu.Unlock()

	for _, p := range pend {
		p.ch <- pendingResult{err: ErrConnectionClosed}
	}
	if exitCh != nil {
		close(exitCh)
	}
	c.logger().Info("server process exited", zap.Int("code", code), zap.String("signal", signal))
	if h := c.opts.Hooks.OnDisconnected; h != nil {
		h(code, signal)
	}
}

// Disconnect asks the process to terminate, escalating to a forceful kill
// after the configured grace period. Pending requests are rejected with
// ErrConnectionClosed as soon as the process exits.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	exited := c.exited
	exitCh := c.exitCh
	c.mu.Unlock()

	if cmd == nil || exited || exitCh == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	killTimer := c.clk.AfterFunc(c.opts.KillGrace, func() {
		c.logger().Warn("process ignored termination signal, killing")
		_ = cmd.Process.Kill()
	})
	defer killTimer.Stop()

	select {
	case <-exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kill is the impatient path used when the handshake fails: no grace
// period, the process is already useless.
func (c *Client) kill() {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()
	if cmd != nil && !exited {
		_ = cmd.Process.Kill()
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.stats.LastActivity = c.clk.Now()
	c.mu.Unlock()
}

func (c *Client) bumpErrorCount() {
	c.mu.Lock()
	c.stats.ErrorCount++
	c.mu.Unlock()
}

func (c *Client) logger() *zap.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func truncateLine(line []byte) []byte {
	const max = 256
	if len(line) <= max {
		return line
	}
	return line[:max]
}
