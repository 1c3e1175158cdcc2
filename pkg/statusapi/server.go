// Package statusapi exposes the supervisor's statuses and the metrics cache
// over a small read-only HTTP surface, for consumption by an external UI.
// The only mutating route is the administrative unavailable-reset.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpmetrics"
	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpmon"
)

// Monitor is the slice of mcpmon.Monitor the API reads from.
type Monitor interface {
	Status(id string) (mcpmon.ServerStatus, bool)
	AllStatuses() map[string]mcpmon.ServerStatus
	ConnectedCount() int
	AverageResponseTime() time.Duration
	ResetUnavailable(id string) error
}

// Metrics is the slice of mcpmetrics.Cache the API reads from.
type Metrics interface {
	ServerMetrics(id string) mcpmetrics.Snapshot
	TotalMetrics(ids []string) mcpmetrics.Totals
}

// Options tune a Server. The zero value is usable.
type Options struct {
	// Addr is the listen address for ListenAndServe. Defaults to ":8710".
	Addr string
	// Logger receives request logs. Defaults to a no-op.
	Logger *zap.Logger
	// AllowedOrigins configures CORS for browser-based consumers.
	// Defaults to allowing any origin.
	AllowedOrigins []string
	// ShutdownTimeout bounds the graceful drain on context cancel.
	// Default 5s.
	ShutdownTimeout time.Duration
}

func (o Options) normalized() Options {
	if o.Addr == "" {
		o.Addr = ":8710"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

// Server serves the status API over HTTP.
type Server struct {
	mon     Monitor
	met     Metrics
	opts    Options
	log     *zap.Logger
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer wires the routes for the given monitor and metrics cache.
func NewServer(mon Monitor, met Metrics, opts Options) *Server {
	opts = opts.normalized()
	s := &Server{mon: mon, met: met, opts: opts, log: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/servers", s.handleListServers)
	mux.HandleFunc("GET /v1/servers/{id}", s.handleGetServer)
	mux.HandleFunc("POST /v1/servers/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/metrics", s.handleTotalMetrics)
	mux.HandleFunc("GET /v1/metrics/{id}", s.handleServerMetrics)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
	return s
}

// Handler exposes the HTTP handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe runs the API until the context is cancelled or the server
// stops on its own.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	if s.httpServer != nil {
		addr := s.httpServer.Addr
		s.mu.Unlock()
		return fmt.Errorf("statusapi: server already running on %s", addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.handler}
	s.httpServer = srv
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.httpServer == srv {
			s.httpServer = nil
		}
		s.mu.Unlock()
	}()

	s.log.Info("status api listening", zap.String("addr", s.opts.Addr))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type serverListResponse struct {
	Servers         map[string]mcpmon.ServerStatus `json:"servers"`
	ConnectedCount  int                            `json:"connectedCount"`
	AvgResponseTime time.Duration                  `json:"avgResponseTime"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, serverListResponse{
		Servers:         s.mon.AllStatuses(),
		ConnectedCount:  s.mon.ConnectedCount(),
		AvgResponseTime: s.mon.AverageResponseTime(),
	})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := s.mon.Status(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("server %q is not monitored", id))
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mon.ResetUnavailable(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Info("unavailable reset requested", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTotalMetrics(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, s.met.TotalMetrics(ids))
}

func (s *Server) handleServerMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.met.ServerMetrics(r.PathValue("id")))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
