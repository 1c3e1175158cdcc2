// Package mcpmetrics memoizes per-server metrics behind a short TTL so a UI
// polling many servers does not translate every refresh into live protocol
// traffic. Data is derived from the supervisor's samples and never
// fabricated: an id without a live sample reads as zeros.
package mcpmetrics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/clock"
	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpmon"
)

// tokensPerResource is the documented token-usage heuristic. The estimate is
// always resourceCount * 100, never a measured value.
const tokensPerResource = 100

// Sampler supplies live per-server metrics readings. *mcpmon.Monitor
// implements it.
type Sampler interface {
	MetricsSample(id string) (mcpmon.Sample, bool)
}

// Snapshot is the cached metrics view of one server.
type Snapshot struct {
	ToolCount    int           `json:"toolCount"`
	TokenUsage   int           `json:"tokenUsage"`
	ResponseTime time.Duration `json:"responseTime"`
	LastActivity time.Time     `json:"lastActivity"`
	LastUpdated  time.Time     `json:"lastUpdated"`
	IsConnected  bool          `json:"isConnected"`
}

// Totals aggregates snapshots over a requested id set. Computed on demand,
// never persisted.
type Totals struct {
	TotalTools      int           `json:"totalTools"`
	TotalTokens     int           `json:"totalTokens"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	ConnectedCount  int           `json:"connectedCount"`
}

// Update carries out-of-band field overrides for UpdateServerMetrics. Nil
// fields leave the last known value untouched.
type Update struct {
	ToolCount    *int
	TokenUsage   *int
	ResponseTime *time.Duration
	IsConnected  *bool
}

// Options tune a Cache. The zero value is usable.
type Options struct {
	// Clock supplies timestamps for TTL expiry. Defaults to clock.Real().
	Clock clock.Clock
	// Logger receives cache activity logs. Defaults to a no-op.
	Logger *zap.Logger
	// TTL is how long a snapshot stays fresh. Default 30s.
	TTL time.Duration
}

func (o Options) normalized() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	return o
}

// refresh is one in-flight live query. Followers for the same id wait on
// done and share snap instead of issuing their own query.
type refresh struct {
	done chan struct{}
	snap Snapshot
}

// Cache is a per-server-id metrics cache over a Sampler.
type Cache struct {
	sampler Sampler
	clk     clock.Clock
	log     *zap.Logger
	ttl     time.Duration

	mu       sync.Mutex
	entries  map[string]Snapshot
	inflight map[string]*refresh
}

// NewCache returns an empty cache reading live samples from sampler.
func NewCache(sampler Sampler, opts Options) *Cache {
	opts = opts.normalized()
	return &Cache{
		sampler:  sampler,
		clk:      opts.Clock,
		log:      opts.Logger,
		ttl:      opts.TTL,
		entries:  make(map[string]Snapshot),
		inflight: make(map[string]*refresh),
	}
}

// ServerMetrics returns the snapshot for id, serving from cache while the
// entry is younger than the TTL and refreshing from the live sample
// otherwise. An id with no live sample yields a zeroed snapshot with
// IsConnected false.
func (c *Cache) ServerMetrics(id string) Snapshot {
	return c.get(id, false)
}

// ForceRefresh bypasses the cache and refreshes id unconditionally.
func (c *Cache) ForceRefresh(id string) Snapshot {
	return c.get(id, true)
}

func (c *Cache) get(id string, force bool) Snapshot {
	c.mu.Lock()
	if !force {
		if s, ok := c.entries[id]; ok && c.clk.Now().Sub(s.LastUpdated) < c.ttl {
			c.mu.Unlock()
			return s
		}
		if r, ok := c.inflight[id]; ok {
			c.mu.Unlock()
			<-r.done
			return r.snap
		}
	}
	r := &refresh{done: make(chan struct{})}
	c.inflight[id] = r
	c.mu.Unlock()

	sample, ok := c.sampler.MetricsSample(id)
	now := c.clk.Now()
	snap := Snapshot{LastUpdated: now}
	if ok {
		snap = Snapshot{
			ToolCount:    sample.ToolCount,
			TokenUsage:   sample.ResourceCount * tokensPerResource,
			ResponseTime: sample.ResponseTime,
			LastActivity: sample.LastActivity,
			LastUpdated:  now,
			IsConnected:  sample.Connected,
		}
	} else {
		c.log.Debug("no live sample, serving zeroed metrics", zap.String("id", id))
	}
	r.snap = snap

	c.mu.Lock()
	// The zeroed snapshot for an absent sample is cached too: it still
	// reads as zeros, and an id with no data must not turn every read
	// into a live query.
	c.entries[id] = snap
	if c.inflight[id] == r {
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	close(r.done)
	return snap
}

// UpdateServerMetrics merges the provided fields onto the last known
// snapshot for id, preserving everything else and bumping the timestamp.
// Useful when out-of-band information exists before any live sample.
func (c *Cache) UpdateServerMetrics(id string, u Update) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.entries[id]
	if u.ToolCount != nil {
		s.ToolCount = *u.ToolCount
	}
	if u.TokenUsage != nil {
		s.TokenUsage = *u.TokenUsage
	}
	if u.ResponseTime != nil {
		s.ResponseTime = *u.ResponseTime
	}
	if u.IsConnected != nil {
		s.IsConnected = *u.IsConnected
	}
	s.LastUpdated = c.clk.Now()
	c.entries[id] = s
	return s
}

// TotalMetrics aggregates over the given ids: tool and token sums and the
// response-time average span every listed id regardless of connectivity.
// An empty id list yields all-zero totals.
func (c *Cache) TotalMetrics(ids []string) Totals {
	var t Totals
	if len(ids) == 0 {
		return t
	}
	var totalRT time.Duration
	for _, id := range ids {
		s := c.ServerMetrics(id)
		t.TotalTools += s.ToolCount
		t.TotalTokens += s.TokenUsage
		totalRT += s.ResponseTime
		if s.IsConnected {
			t.ConnectedCount++
		}
	}
	t.AvgResponseTime = totalRT / time.Duration(len(ids))
	return t
}

// ClearServer drops the cached entry for id, forcing the next read to
// refresh.
func (c *Cache) ClearServer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// ClearAll drops every cached entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Snapshot)
}
