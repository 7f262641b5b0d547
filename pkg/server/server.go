package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/careflow/pkg/config"
	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/telemetry"
)

// Status reports runtime lifecycle states for the HTTP server.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusDraining Status = "draining"
)

// Workflows runs webhook workflows synchronously and expands data changes.
type Workflows interface {
	HandleIncoming(ctx context.Context, trigger string, payload interface{}) (*engine.Task, error)
	DataChangeEvents(change *engine.DataChange) []*engine.TriggerEvent
}

// Triggers looks up the event definition claiming a webhook path.
type Triggers interface {
	Lookup(trigger string) (*engine.EventDefinition, bool)
}

// EventQueue accepts events for asynchronous processing.
type EventQueue interface {
	Submit(ev *engine.TriggerEvent) (string, error)
	Pending() int
}

// Tasks reads and deletes stored tasks.
type Tasks interface {
	GetTask(ctx context.Context, taskID string) (*engine.Task, error)
	RecoverTaskState(ctx context.Context, taskID string) (*engine.TaskHistory, error)
	DeleteTaskTree(ctx context.Context, rootID string) ([]string, error)
}

// Executions exposes in-flight activity calls.
type Executions interface {
	Execution(taskID string) (*engine.Execution, bool)
	StopExecution(ctx context.Context, taskID string) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Workflows  Workflows
	Triggers   Triggers
	Queue      EventQueue
	Tasks      Tasks
	Executions Executions
	Health     HealthChecker
}

// Server is the careflow HTTP API: the webhook front door and the
// operational endpoints.
type Server struct {
	settings config.ServerConfig
	deps     Deps
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    Status
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l.With().Str("component", "server").Logger()
	}
}

// WithMetrics records request and event counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer starts a server span per request.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New prepares a server. Call Run or Start to begin serving.
func New(settings config.ServerConfig, deps Deps, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		deps:     deps,
		logger:   zerolog.Nop(),
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed and instrumented API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/webhook/{path...}", s.handleWebhook)
	s.route(mux, "GET /api/executions/{taskId}", s.handleGetExecution)
	s.route(mux, "POST /api/executions/{taskId}/stop", s.handleStopExecution)
	s.route(mux, "GET /api/tasks/{taskId}/history", s.handleTaskHistory)
	s.route(mux, "DELETE /api/tasks/{taskId}", s.handleDeleteTask)
	s.route(mux, "POST /api/data-changed/{resourceType}", s.handleDataChanged)
	s.route(mux, "GET /healthz", s.handleHealth)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.settings.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.settings.Address, err)
	}
	s.listener = listener
	s.startTime = s.clock()

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.settings.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.settings.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.server = server
	s.status = StatusReady

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("HTTP server listening")
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Run serves until ctx is done, then drains within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	// Requests keep running after ctx ends so Shutdown can drain them.
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	<-ctx.Done()

	timeout := s.settings.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}
