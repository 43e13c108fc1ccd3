// Package server exposes the HTTP surface: the Linear webhook endpoint, a
// small JSON API for inspecting queues and tickets, a WebSocket feed of
// task and state events, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/scheduler"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

// RateLimit reports the tracker's rate-limit state. *ratelimit.State
// satisfies it.
type RateLimit interface {
	Active() bool
	ResetAt() time.Time
	Quota() (int, bool)
}

// Gateway reports the tracker gateway's health. *gateway.Gateway
// satisfies it.
type Gateway interface {
	ConsecutiveErrors() int64
	Quota(ctx context.Context) (int, error)
}

// TagSyncer re-applies a ticket's workflow label.
type TagSyncer interface {
	Sync(ctx context.Context, ticketID, teamID string, state statemachine.State) error
}

// Config holds server configuration. Every field is optional; routes whose
// dependencies are missing are not registered.
type Config struct {
	// Hub serves /api/ws when non-nil.
	Hub *Hub
	// Webhook handles POST /webhooks/linear.
	Webhook http.Handler
	// Metrics serves GET /metrics.
	Metrics http.Handler

	DB        *db.DB
	Workflow  *queue.Workflow
	Execution *queue.Execution
	Machine   *statemachine.Machine
	Registry  *scheduler.Registry
	RateLimit RateLimit
	Gateway   Gateway

	// Tags and TeamID keep the workflow label in step after an API retry.
	Tags   TagSyncer
	TeamID string

	// Running reports executions in flight; Slots is the configured cap.
	Running func() int
	Slots   int

	// Wake is nudged without blocking after an API retry so the processor
	// picks the task up before its next tick.
	Wake chan<- struct{}

	Logger *slog.Logger
}

// Server wraps the autoflow HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
	http     *http.Server
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7750").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:      mux,
		listener: ln,
		http:     &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the server is shut down. A clean shutdown returns nil.
func (s *Server) Serve() error {
	if err := s.http.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Close shuts down immediately.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &apiHandler{cfg: cfg, logger: logger, startAt: time.Now()}
	s.mux.HandleFunc("GET /api/status", api.handleStatus)

	if cfg.Workflow != nil && cfg.Execution != nil {
		s.mux.HandleFunc("GET /api/tasks", api.handleListTasks)
	}
	if cfg.Machine != nil {
		s.mux.HandleFunc("GET /api/tickets", api.handleListTickets)
		s.mux.HandleFunc("GET /api/tickets/{id}", api.handleGetTicket)
		if cfg.Workflow != nil {
			s.mux.HandleFunc("POST /api/tickets/{id}/retry", api.handleRetryTicket)
		}
	}
	if cfg.DB != nil {
		s.mux.HandleFunc("GET /api/activity", api.handleListActivity)
	}
	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}
	if cfg.Webhook != nil {
		s.mux.Handle("POST /webhooks/linear", cfg.Webhook)
	}
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Catch-all for unregistered /api/ routes.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
