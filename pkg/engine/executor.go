package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TaskIDHeader carries the activity task ID on outbound calls.
const TaskIDHeader = "X-Task-ID"

const maxErrorBody = 64 << 10

// ActivityObserver receives the outcome of every activity call.
type ActivityObserver interface {
	ObserveActivity(activity, status string, duration time.Duration)
}

// ExecutorConfig tunes the activity executor.
type ExecutorConfig struct {
	// DefaultTimeout applies to activities that declare none.
	DefaultTimeout time.Duration

	// Retention is how long finished executions remain visible to polling.
	Retention time.Duration

	// MaxConcurrent bounds outbound calls overall. Zero means unbounded.
	MaxConcurrent int64

	// MaxPerEndpoint bounds outbound calls per endpoint host. Zero means unbounded.
	MaxPerEndpoint int64
}

// DefaultExecutorConfig returns the executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		Retention:      5 * time.Minute,
		MaxConcurrent:  64,
		MaxPerEndpoint: 8,
	}
}

// Execution is the in-memory state of one tracked activity call.
type Execution struct {
	TaskID    string     `json:"taskId"`
	Activity  string     `json:"activity"`
	Status    TaskStatus `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// ActivityExecutor performs activity calls and reports every outcome to the
// task manager.
type ActivityExecutor struct {
	tasks    *TaskManager
	catalog  PlanCatalog
	resolver PropertyResolver
	policy   ActivityPolicy
	observer ActivityObserver
	client   *http.Client
	limiter  *EndpointLimiter
	config   ExecutorConfig
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu     sync.RWMutex
	active map[string]*Execution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ExecutorOption configures an ActivityExecutor.
type ExecutorOption func(*ActivityExecutor)

// WithActivityPolicy gates outbound calls with p.
func WithActivityPolicy(p ActivityPolicy) ExecutorOption {
	return func(e *ActivityExecutor) { e.policy = p }
}

// WithActivityObserver reports call outcomes to o.
func WithActivityObserver(o ActivityObserver) ExecutorOption {
	return func(e *ActivityExecutor) { e.observer = o }
}

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *ActivityExecutor) { e.client = c }
}

// NewActivityExecutor creates an executor and starts its janitor.
func NewActivityExecutor(
	tasks *TaskManager,
	catalog PlanCatalog,
	resolver PropertyResolver,
	cfg ExecutorConfig,
	logger zerolog.Logger,
	opts ...ExecutorOption,
) *ActivityExecutor {
	defaults := DefaultExecutorConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &ActivityExecutor{
		tasks:    tasks,
		catalog:  catalog,
		resolver: resolver,
		client:   &http.Client{},
		limiter:  NewEndpointLimiter(cfg.MaxConcurrent, cfg.MaxPerEndpoint),
		config:   cfg,
		logger:   logger.With().Str("component", "activity-executor").Logger(),
		tracer:   otel.Tracer("github.com/careflow/careflow/pkg/engine"),
		active:   make(map[string]*Execution),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.janitor()
	return e
}

// ExecuteActivity runs one activity task: in-progress, resolve inputs, call
// the endpoint, then completed or failed. Failures are persisted on the task
// before they are returned.
func (e *ActivityExecutor) ExecuteActivity(ctx context.Context, task *Task, ec *ExecutionContext) (Parameters, error) {
	ctx, span := e.tracer.Start(ctx, "activity.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("activity.name", task.Name),
	))
	defer span.End()

	current, err := e.tasks.UpdateTaskStatus(ctx, task.ID, TaskStatusInProgress, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if current.Status != TaskStatusInProgress {
		// Settled (e.g. cancelled) before it started; the endpoint is not called.
		err := NewPermanentError(fmt.Sprintf("activity %s is %s and was not started", task.Name, current.Status), nil).
			WithCode(ErrCodeActivityExecutionFailed).
			WithResource(task.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.track(task)
	start := time.Now()

	outputs, err := e.execute(ctx, task, ec)
	if err != nil {
		e.observe(task.Name, string(TaskStatusFailed), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, e.fail(ctx, task, err)
	}

	stored, err := e.tasks.UpdateTaskStatus(ctx, task.ID, TaskStatusCompleted, outputs)
	if err != nil {
		e.finish(task.ID, TaskStatusFailed, err.Error())
		return nil, err
	}
	if stored.Status != TaskStatusCompleted {
		// Stopped or cancelled while the call was in flight.
		e.observe(task.Name, string(stored.Status), time.Since(start))
		return nil, NewPermanentError(fmt.Sprintf("activity %s ended %s before completion", task.Name, stored.Status), nil).
			WithCode(ErrCodeActivityExecutionFailed).
			WithResource(task.ID)
	}

	e.finish(task.ID, TaskStatusCompleted, "")
	e.observe(task.Name, string(TaskStatusCompleted), time.Since(start))
	span.SetStatus(codes.Ok, "")
	return stored.Output, nil
}

func (e *ActivityExecutor) execute(ctx context.Context, task *Task, ec *ExecutionContext) (Parameters, error) {
	def := e.catalog.FindActivity(task.InstantiatesCanonical)
	if def == nil {
		return nil, NewNotFoundError("ActivityDefinition", task.InstantiatesCanonical)
	}

	local := *ec
	if len(task.PriorOutputs) > 0 {
		local.Completed = task.PriorOutputs
	}

	resolved, err := e.resolver.ResolveActivityInputs(ctx, def, &local)
	if err != nil {
		return nil, err
	}

	if e.policy != nil {
		if err := e.policy.CheckActivity(ctx, &ActivityRequest{TaskID: task.ID, Activity: def, Resolved: resolved}); err != nil {
			return nil, err
		}
	}

	timeout := def.TimeoutOr(e.config.DefaultTimeout)
	if raw, ok := resolved.Configuration["async"]["timeout"].(string); ok {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	body, err := e.call(ctx, task.ID, resolved, timeout)
	if err != nil {
		return nil, err
	}
	return responseOutputs(body, resolved.Configuration)
}

func (e *ActivityExecutor) call(ctx context.Context, taskID string, resolved *ResolvedActivityInputs, timeout time.Duration) ([]byte, error) {
	target, err := url.Parse(resolved.Endpoint)
	if err != nil {
		return nil, NewInvalidEndpointError(resolved.Endpoint, err.Error())
	}

	release, err := e.limiter.Acquire(ctx, target.Host)
	if err != nil {
		return nil, NewActivityExecutionError(taskID, fmt.Errorf("waiting for endpoint slot: %w", err))
	}
	defer release()

	payload, err := json.Marshal(resolved.Inputs)
	if err != nil {
		return nil, NewValidationFailedError(fmt.Sprintf("inputs are not JSON encodable: %v", err), nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, NewActivityExecutionError(taskID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TaskIDHeader, taskID)
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(req.Header))

	e.logger.Debug().
		Str("task_id", taskID).
		Str("endpoint", target.String()).
		Dur("timeout", timeout).
		Msg("Calling activity endpoint")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, NewActivityExecutionError(taskID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewActivityExecutionError(taskID, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		err := NewActivityExecutionError(taskID, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))).
			WithDetail("status_code", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			err.Class = ErrorClassThrottled
		}
		return nil, err
	}
	return body, nil
}

// responseOutputs turns a response body into task outputs. A JSON object
// becomes one parameter per key; anything else is kept under "response".
// Output configuration of the form output[<name>]/path adds a parameter with
// the value found at that path.
func responseOutputs(body []byte, configuration map[string]map[string]interface{}) (Parameters, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Parameters{}, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return Parameters{StringParam("response", string(trimmed))}, nil
	}

	var params Parameters
	obj, isObject := decoded.(map[string]interface{})
	if isObject {
		p, err := ParametersFromMap(obj)
		if err != nil {
			return nil, err
		}
		params = p
	} else {
		p, err := ValueParam("response", decoded)
		if err != nil {
			return nil, err
		}
		params = Parameters{p}
	}

	extra := make(map[string]interface{})
	for key, attrs := range configuration {
		name, ok := strings.CutPrefix(key, "output/")
		if !ok {
			continue
		}
		path, _ := attrs["path"].(string)
		if path == "" {
			continue
		}
		if v, found := LookupPath(decoded, path); found {
			extra[name] = v
		}
	}
	if len(extra) > 0 {
		p, err := ParametersFromMap(extra)
		if err != nil {
			return nil, err
		}
		params = mergeParameters(params, p)
	}
	return params, nil
}

func (e *ActivityExecutor) fail(ctx context.Context, task *Task, cause error) error {
	outputs := Parameters{
		StringParam("error", cause.Error()),
		StringParam("failureTime", time.Now().UTC().Format(time.RFC3339Nano)),
	}
	if code := CodeOf(cause); code != "" {
		outputs = append(outputs, StringParam("errorCode", code))
	}

	e.finish(task.ID, TaskStatusFailed, cause.Error())

	// The failure is recorded even when the call was cancelled.
	if _, err := e.tasks.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, TaskStatusFailed, outputs); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to record activity failure")
		return fmt.Errorf("%w (recording failure: %v)", cause, err)
	}

	e.logger.Warn().
		Err(cause).
		Str("task_id", task.ID).
		Str("activity", task.Name).
		Msg("Activity failed")
	return cause
}

// Execution returns the tracked state of a task's execution.
func (e *ActivityExecutor) Execution(taskID string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.active[taskID]
	if !ok {
		return nil, false
	}
	cp := *exec
	return &cp, true
}

// StopExecution stops a running execution and records the task as stopped.
// It is a no-op when the task is not tracked as running.
func (e *ActivityExecutor) StopExecution(ctx context.Context, taskID string) error {
	if !e.transition(taskID, TaskStatusStopped, "stopped by request") {
		return nil
	}
	_, err := e.tasks.UpdateTaskStatus(ctx, taskID, TaskStatusStopped, Parameters{
		StringParam("reason", "stopped by request"),
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("task_id", taskID).Msg("Execution stopped")
	return nil
}

// Cleanup puts every running execution on hold with reason "system shutdown"
// and stops the janitor. Call it once during process shutdown.
func (e *ActivityExecutor) Cleanup(ctx context.Context) error {
	e.mu.RLock()
	var running []string
	for id, exec := range e.active {
		if exec.Status == TaskStatusInProgress {
			running = append(running, id)
		}
	}
	e.mu.RUnlock()

	var firstErr error
	for _, id := range running {
		if !e.transition(id, TaskStatusOnHold, "system shutdown") {
			continue
		}
		_, err := e.tasks.UpdateTaskStatus(ctx, id, TaskStatusOnHold, Parameters{
			StringParam("reason", "system shutdown"),
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.cancel()
	e.wg.Wait()

	if len(running) > 0 {
		e.logger.Info().Int("held", len(running)).Msg("Running executions put on hold")
	}
	return firstErr
}

func (e *ActivityExecutor) track(task *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[task.ID] = &Execution{
		TaskID:    task.ID,
		Activity:  task.Name,
		Status:    TaskStatusInProgress,
		StartTime: time.Now(),
	}
}

// finish closes a running entry. Entries already moved by StopExecution or
// Cleanup keep their status.
func (e *ActivityExecutor) finish(taskID string, status TaskStatus, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.active[taskID]
	if !ok || exec.Status != TaskStatusInProgress {
		return
	}
	now := time.Now()
	exec.Status = status
	exec.EndTime = &now
	exec.Error = errMsg
}

// transition moves a running entry to status and reports whether it was running.
func (e *ActivityExecutor) transition(taskID string, status TaskStatus, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.active[taskID]
	if !ok || exec.Status != TaskStatusInProgress {
		return false
	}
	now := time.Now()
	exec.Status = status
	exec.EndTime = &now
	exec.Reason = reason
	return true
}

func (e *ActivityExecutor) observe(activity, status string, d time.Duration) {
	if e.observer != nil {
		e.observer.ObserveActivity(activity, status, d)
	}
}

// janitor evicts finished executions once their retention has passed.
func (e *ActivityExecutor) janitor() {
	defer e.wg.Done()

	interval := e.config.Retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.evict(time.Now())
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *ActivityExecutor) evict(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for id, exec := range e.active {
		if exec.EndTime != nil && now.Sub(*exec.EndTime) >= e.config.Retention {
			delete(e.active, id)
			evicted++
		}
	}
	return evicted
}
