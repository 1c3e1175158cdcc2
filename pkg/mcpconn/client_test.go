package mcpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/clock"
)

// syncBuffer is a concurrency-safe stdin stand-in for tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestClient wires a client to an in-memory stdin so protocol behavior
// can be driven by feeding byte chunks directly.
func newTestClient(t *testing.T, opts Options) (*Client, *syncBuffer) {
	t.Helper()
	c := NewClient(ServerConfig{Name: "test-server", Command: "unused"}, opts)
	stdin := &syncBuffer{}
	c.stdin = stdin
	return c, stdin
}

func (c *Client) waitForPending(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.pending)
		c.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no pending request registered")
}

func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func TestFeedBuffersPartialChunks(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0))})

	type reply struct {
		raw json.RawMessage
		err error
	}
	got := make(chan reply, 1)
	go func() {
		raw, err := c.SendRequest(context.Background(), "initialize", nil)
		got <- reply{raw, err}
	}()
	c.waitForPending(t)

	// First chunk ends mid-object; nothing may be parsed or rejected yet.
	c.feed([]byte(`{"jsonrpc":"2.0","id":1,"result":`))
	select {
	case r := <-got:
		t.Fatalf("request completed on a partial chunk: %v %v", r.raw, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	c.feed([]byte("{\"serverInfo\":{}}}\n"))
	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("SendRequest: %v", r.err)
		}
		if string(r.raw) != `{"serverInfo":{}}` {
			t.Fatalf("result = %s", r.raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request never completed after the closing chunk")
	}
}

func TestFeedDiscardsMalformedLine(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0))})

	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "tools/list", nil)
		got <- err
	}()
	c.waitForPending(t)

	// A garbage line is logged and dropped; the stream keeps working.
	c.feed([]byte("this is not json\n"))
	c.feed([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}` + "\n"))

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("connection did not survive a malformed line: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request never completed")
	}
}

func TestRequestTimeoutRemovesPendingAndIgnoresLateReply(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(time.Unix(0, 0))
	c, _ := newTestClient(t, Options{Clock: fc})

	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "tools/list", nil)
		got <- err
	}()
	c.waitForPending(t)

	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second)

	var timeoutErr *RequestTimeoutError
	select {
	case err := <-got:
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("error = %v, want RequestTimeoutError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request did not time out")
	}
	if timeoutErr.ID != 1 || timeoutErr.Timeout != 30*time.Second {
		t.Fatalf("timeout error = %+v", timeoutErr)
	}
	if n := c.pendingCount(); n != 0 {
		t.Fatalf("pending entries after timeout = %d, want 0", n)
	}

	// A late reply carrying the expired id must not match anything.
	c.feed([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"))
	if n := c.pendingCount(); n != 0 {
		t.Fatalf("late reply re-registered a pending entry")
	}

	stats := c.Stats()
	if stats.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", stats.ErrorCount)
	}
}

func TestServerErrorResponse(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0))})

	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "resources/list", nil)
		got <- err
	}()
	c.waitForPending(t)

	c.feed([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}` + "\n"))

	var serverErr *ServerError
	select {
	case err := <-got:
		if !errors.As(err, &serverErr) {
			t.Fatalf("error = %v, want ServerError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request never completed")
	}
	if serverErr.Code != -32601 || serverErr.Message != "method not found" {
		t.Fatalf("server error = %+v", serverErr)
	}
}

func TestNotificationDispatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var methods []string
	var payloads []string
	hooks := Hooks{OnNotification: func(method string, params []byte) {
		mu.Lock()
		defer mu.Unlock()
		methods = append(methods, method)
		payloads = append(payloads, string(params))
	}}

	c, _ := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0)), Hooks: hooks})

	c.feed([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}` + "\n"))
	c.feed([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":3}}` + "\n"))

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 2 {
		t.Fatalf("notifications dispatched = %d, want 2", len(methods))
	}
	if methods[0] != "notifications/tools/list_changed" || methods[1] != "notifications/progress" {
		t.Fatalf("methods = %v", methods)
	}
	if payloads[1] != `{"progress":3}` {
		t.Fatalf("second payload = %s", payloads[1])
	}
}

func TestSendNotificationHasNoID(t *testing.T) {
	t.Parallel()

	c, stdin := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0))})

	if err := c.SendNotification("notifications/initialized", nil); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	line := stdin.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("notification not newline-terminated: %q", line)
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("notification is not valid JSON: %v", err)
	}
	if _, hasID := msg["id"]; hasID {
		t.Fatalf("notification carries an id: %q", line)
	}
	if msg["method"] != "notifications/initialized" || msg["jsonrpc"] != "2.0" {
		t.Fatalf("notification = %q", line)
	}
	if n := c.pendingCount(); n != 0 {
		t.Fatalf("notification registered a pending entry")
	}
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	c, stdin := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0))})

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = c.SendRequest(context.Background(), "tools/list", nil)
			done <- struct{}{}
		}()
	}
	deadline := time.Now().Add(5 * time.Second)
	for c.pendingCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.feed([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"))
	c.feed([]byte(`{"jsonrpc":"2.0","id":2,"result":{}}` + "\n"))
	<-done
	<-done

	var ids []int64
	for _, line := range strings.Split(strings.TrimSpace(stdin.String()), "\n") {
		var req struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			t.Fatalf("unparseable request line %q: %v", line, err)
		}
		ids = append(ids, req.ID)
	}
	if len(ids) != 2 {
		t.Fatalf("requests written = %d, want 2", len(ids))
	}
	if !(ids[0] == 1 && ids[1] == 2) && !(ids[0] == 2 && ids[1] == 1) {
		t.Fatalf("ids = %v, want 1 and 2", ids)
	}
}

func TestConnectSpawnError(t *testing.T) {
	t.Parallel()

	c := NewClient(ServerConfig{
		Name:    "broken",
		Command: "/nonexistent/definitely-not-a-binary",
	}, Options{})

	err := c.Connect(context.Background())
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Connect error = %v, want SpawnError", err)
	}
	if spawnErr.Server != "broken" {
		t.Fatalf("spawn error server = %q", spawnErr.Server)
	}
}

func TestConnectRequiresCommand(t *testing.T) {
	t.Parallel()

	c := NewClient(ServerConfig{Name: "empty"}, Options{})
	var spawnErr *SpawnError
	if err := c.Connect(context.Background()); !errors.As(err, &spawnErr) {
		t.Fatalf("Connect error = %v, want SpawnError", err)
	}
}

func TestFinishRejectsPendingRequests(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, Options{Clock: clock.Fake(time.Unix(0, 0))})

	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "tools/list", nil)
		got <- err
	}()
	c.waitForPending(t)

	disconnected := make(chan struct{})
	c.opts.Hooks.OnDisconnected = func(code int, signal string) {
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
		close(disconnected)
	}
	c.finish(1, "")

	select {
	case err := <-got:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("pending rejection = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending request not rejected on exit")
	}
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("OnDisconnected not emitted")
	}

	// finish is idempotent per incarnation.
	c.finish(1, "")
}
