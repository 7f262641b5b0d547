package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the process logger, tracer, metrics and lifecycle event
// publisher built from one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds every component. Lifecycle events
// feed the metrics before any other subscriber is attached.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	events.Subscribe(metrics.ObserveLifecycle, nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Shutdown flushes pending events and spans, then closes the log output.
// The metrics listener stops with the context given to Metrics.Serve.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// WithTaskContext returns ctx carrying a logger tagged with the task and its
// event name, and annotates the active span with both.
func WithTaskContext(ctx context.Context, taskID, eventName string) context.Context {
	logger := FromContext(ctx).WithTaskID(taskID)
	if eventName != "" {
		logger = logger.WithEventName(eventName)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		AttrTaskID.String(taskID),
		AttrTriggerName.String(eventName),
	)
	return logger.WithContext(ctx)
}
