package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careflow/careflow/pkg/engine"
)

// Metrics provides Prometheus metrics for careflow. Every method is safe to
// call on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec

	// Activity metrics
	activitiesExecuted *prometheus.CounterVec
	activityDuration   *prometheus.HistogramVec

	// Event intake metrics
	eventsReceived  *prometheus.CounterVec
	eventsRetried   prometheus.Counter
	eventsAbandoned prometheus.Counter

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	queuedEvents prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of workflows started",
			},
			[]string{"trigger_kind"},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of workflows that reached a terminal status",
			},
			[]string{"status"},
		),

		activitiesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_executed_total",
				Help:      "Total number of activity calls",
			},
			[]string{"activity", "status"},
		),
		activityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Duration of activity calls in seconds",
				Buckets:   buckets,
			},
			[]string{"activity"},
		),

		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Total number of trigger events received",
			},
			[]string{"kind"},
		),
		eventsRetried: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_retried_total",
				Help:      "Total number of event processing retries",
			},
		),
		eventsAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_abandoned_total",
				Help:      "Total number of events abandoned after exhausting retries",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		queuedEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_events",
				Help:      "Current number of events waiting in the coordinator queue",
			},
		),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.activitiesExecuted,
		m.activityDuration,
		m.eventsReceived,
		m.eventsRetried,
		m.eventsAbandoned,
		m.httpRequests,
		m.httpDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.queuedEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Workflow Metrics

// RecordWorkflowStarted counts a workflow started by a trigger of the given kind.
func (m *Metrics) RecordWorkflowStarted(kind engine.TriggerKind) {
	if m == nil || m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(string(kind)).Inc()
}

// RecordWorkflowCompleted counts a workflow that reached a terminal status.
func (m *Metrics) RecordWorkflowCompleted(status engine.TaskStatus) {
	if m == nil || m.workflowsCompleted == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(string(status)).Inc()
}

// Activity Metrics

// ObserveActivity records one activity call. It implements engine.ActivityObserver.
func (m *Metrics) ObserveActivity(activity, status string, duration time.Duration) {
	if m == nil || m.activitiesExecuted == nil {
		return
	}
	m.activitiesExecuted.WithLabelValues(activity, status).Inc()
	m.activityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

// Event Metrics

// RecordEventReceived counts an incoming trigger event.
func (m *Metrics) RecordEventReceived(kind engine.TriggerKind) {
	if m == nil || m.eventsReceived == nil {
		return
	}
	m.eventsReceived.WithLabelValues(string(kind)).Inc()
}

// ObserveLifecycle updates counters from a lifecycle event. Subscribe it to
// the event publisher.
func (m *Metrics) ObserveLifecycle(event engine.LifecycleEvent) {
	if m.registry == nil {
		return
	}
	switch event.Type {
	case engine.LifecycleEventRetrying:
		m.eventsRetried.Inc()
	case engine.LifecycleEventAbandoned:
		m.eventsAbandoned.Inc()
	case engine.LifecycleTaskStatusChanged:
		if isRoot(event) && event.Status.IsTerminal() {
			m.RecordWorkflowCompleted(event.Status)
		}
	case engine.LifecycleTaskCreated:
		if isRoot(event) {
			kind, _ := event.Data["trigger_kind"].(string)
			m.RecordWorkflowStarted(engine.TriggerKind(kind))
		}
	}
}

func isRoot(event engine.LifecycleEvent) bool {
	rank, _ := event.Data["rank"].(string)
	return rank == string(engine.TaskRankRoot)
}

// HTTP Metrics

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordEngineError records err by its engine class and code. Unclassified
// errors count as permanent.
func (m *Metrics) RecordEngineError(err error) {
	if m == nil || err == nil {
		return
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		m.RecordError(string(engErr.Class), engErr.Code)
		return
	}
	m.RecordError(string(engine.ErrorClassPermanent), "")
}

// System Metrics

// SetQueuedEvents sets the coordinator queue depth. It implements engine.QueueObserver.
func (m *Metrics) SetQueuedEvents(depth int) {
	if m == nil || m.queuedEvents == nil {
		return
	}
	m.queuedEvents.Set(float64(depth))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on its own listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
