package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/pkg/config"
	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/telemetry"
)

type fakeWorkflows struct {
	mu      sync.Mutex
	calls   []string
	payload interface{}
	task    *engine.Task
	err     error
	changes []*engine.TriggerEvent
}

func (f *fakeWorkflows) HandleIncoming(_ context.Context, trigger string, payload interface{}) (*engine.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trigger)
	f.payload = payload
	return f.task, f.err
}

func (f *fakeWorkflows) DataChangeEvents(change *engine.DataChange) []*engine.TriggerEvent {
	out := make([]*engine.TriggerEvent, 0, len(f.changes))
	for _, ev := range f.changes {
		cp := *ev
		cp.Payload = change.Payload()
		out = append(out, &cp)
	}
	return out
}

type fakeTriggers map[string]*engine.EventDefinition

func (f fakeTriggers) Lookup(trigger string) (*engine.EventDefinition, bool) {
	def, ok := f[engine.NormalizeTriggerKey(trigger)]
	return def, ok
}

type fakeQueue struct {
	mu        sync.Mutex
	submitted []*engine.TriggerEvent
	err       error
}

func (f *fakeQueue) Submit(ev *engine.TriggerEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID == "" {
		ev.ID = "evt-" + ev.Name
	}
	if f.err != nil {
		return ev.ID, f.err
	}
	f.submitted = append(f.submitted, ev)
	return ev.ID, nil
}

func (f *fakeQueue) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeTasks struct {
	tasks   map[string]*engine.Task
	deleted []string
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (*engine.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, engine.NewNotFoundError("task", id)
	}
	return task, nil
}

func (f *fakeTasks) RecoverTaskState(ctx context.Context, id string) (*engine.TaskHistory, error) {
	task, err := f.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &engine.TaskHistory{Task: task, RecoveredStatus: task.Status, Consistent: true}, nil
}

func (f *fakeTasks) DeleteTaskTree(_ context.Context, id string) ([]string, error) {
	if _, ok := f.tasks[id]; !ok {
		return nil, engine.NewNotFoundError("task", id)
	}
	delete(f.tasks, id)
	f.deleted = append(f.deleted, id)
	return []string{id}, nil
}

type fakeExecutions struct {
	execs   map[string]*engine.Execution
	stopped []string
}

func (f *fakeExecutions) Execution(id string) (*engine.Execution, bool) {
	exec, ok := f.execs[id]
	return exec, ok
}

func (f *fakeExecutions) StopExecution(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type fixture struct {
	workflows  *fakeWorkflows
	queue      *fakeQueue
	tasks      *fakeTasks
	executions *fakeExecutions
	health     *fakeHealth
	metrics    *telemetry.Metrics
	server     *Server
	handler    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		workflows: &fakeWorkflows{},
		queue:     &fakeQueue{},
		tasks: &fakeTasks{tasks: map[string]*engine.Task{
			"task-1": {
				ID:           "task-1",
				Name:         "notify-care-team",
				Status:       engine.TaskStatusCompleted,
				AuthoredOn:   now,
				LastModified: now.Add(time.Minute),
			},
		}},
		executions: &fakeExecutions{execs: map[string]*engine.Execution{}},
		health:     &fakeHealth{},
		metrics:    metrics,
	}
	f.server = New(config.Default().Server, Deps{
		Workflows:  f.workflows,
		Triggers:   fakeTriggers{"admission": {ID: "def-1", Name: "admission"}},
		Queue:      f.queue,
		Tasks:      f.tasks,
		Executions: f.executions,
		Health:     f.health,
	}, WithMetrics(metrics), WithClock(func() time.Time { return now }))
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, header http.Header) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func (f *fixture) requestCount(t *testing.T, route, code string) float64 {
	t.Helper()
	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "careflow_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == route && labels["code"] == code {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestWebhook_RunsWorkflow(t *testing.T) {
	f := newFixture(t)
	f.workflows.task = &engine.Task{ID: "root-1"}

	rec, body := f.do(t, http.MethodPost, "/api/webhook/admission", `{"patientId":"p-1","age":42}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Workflow executed", body["message"])
	assert.Equal(t, "root-1", body["taskId"])
	assert.Equal(t, []string{"admission"}, f.workflows.calls)

	payload, ok := f.workflows.payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "p-1", payload["patientId"])
	assert.Equal(t, json.Number("42"), payload["age"])

	assert.Equal(t, 1.0, f.requestCount(t, "/api/webhook/{path...}", "200"))
}

func TestWebhook_NestedPathAndEmptyBody(t *testing.T) {
	f := newFixture(t)
	f.workflows.task = &engine.Task{ID: "root-2"}

	rec, _ := f.do(t, http.MethodPost, "/api/webhook/lab/results", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"lab/results"}, f.workflows.calls)
	assert.Nil(t, f.workflows.payload)
}

func TestWebhook_Failures(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		task       *engine.Task
		err        error
		wantStatus int
		wantError  string
		wantTaskID string
	}{
		{
			name:       "unregistered path",
			body:       `{}`,
			err:        engine.NewNotFoundError("event definition", "unknown").WithOperation("dispatch"),
			wantStatus: http.StatusNotFound,
			wantError:  "No workflow registered for path",
		},
		{
			name:       "invalid json",
			body:       `{"patientId":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid JSON",
		},
		{
			name:       "activity failure keeps task id",
			body:       `{}`,
			task:       &engine.Task{ID: "root-3"},
			err:        engine.NewActivityExecutionError("child-1", errors.New("connection refused")),
			wantStatus: http.StatusBadRequest,
			wantError:  "Workflow execution failed",
			wantTaskID: "root-3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.workflows.task = tt.task
			f.workflows.err = tt.err

			rec, body := f.do(t, http.MethodPost, "/api/webhook/admission", tt.body, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, body["error"])
			assert.NotEmpty(t, body["details"])
			if tt.wantTaskID != "" {
				assert.Equal(t, tt.wantTaskID, body["taskId"])
			} else {
				assert.NotContains(t, body, "taskId")
			}
		})
	}
}

func TestWebhook_BodyLimit(t *testing.T) {
	f := newFixture(t)
	f.server.settings.MaxBodyBytes = 16

	rec, body := f.do(t, http.MethodPost, "/api/webhook/admission", `{"note":"far too long for the limit"}`, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload exceeds limit", body["error"])
	assert.Empty(t, f.workflows.calls)
}

func TestWebhook_RespondAsync(t *testing.T) {
	async := http.Header{"Prefer": {"return=minimal, respond-async"}}

	t.Run("queued", func(t *testing.T) {
		f := newFixture(t)
		rec, body := f.do(t, http.MethodPost, "/api/webhook/admission", `{"patientId":"p-1"}`, async)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "Workflow queued", body["message"])
		assert.Equal(t, "evt-admission", body["eventId"])
		require.Len(t, f.queue.submitted, 1)
		assert.Equal(t, engine.TriggerKindNamedEvent, f.queue.submitted[0].Kind)
		assert.Nil(t, f.queue.submitted[0].User)
		assert.Empty(t, f.workflows.calls)
	})

	t.Run("caller identity", func(t *testing.T) {
		f := newFixture(t)
		h := async.Clone()
		h.Set("X-User", "pract-7")
		rec, _ := f.do(t, http.MethodPost, "/api/webhook/admission", `{}`, h)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, f.queue.submitted, 1)
		require.NotNil(t, f.queue.submitted[0].User)
		assert.Equal(t, engine.Identity{ID: "pract-7", Type: "Practitioner"}, *f.queue.submitted[0].User)

		h.Set("X-User-Type", "RelatedPerson")
		f.queue.submitted = nil
		f.do(t, http.MethodPost, "/api/webhook/admission", `{"n":1}`, h)
		require.Len(t, f.queue.submitted, 1)
		assert.Equal(t, "RelatedPerson", f.queue.submitted[0].User.Type)
	})

	t.Run("unregistered", func(t *testing.T) {
		f := newFixture(t)
		rec, _ := f.do(t, http.MethodPost, "/api/webhook/discharge", `{}`, async)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, f.queue.submitted)
	})

	t.Run("already queued", func(t *testing.T) {
		f := newFixture(t)
		f.queue.err = engine.ErrEventInFlight
		rec, _ := f.do(t, http.MethodPost, "/api/webhook/admission", `{}`, async)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("stopped", func(t *testing.T) {
		f := newFixture(t)
		f.queue.err = engine.ErrCoordinatorStopped
		rec, _ := f.do(t, http.MethodPost, "/api/webhook/admission", `{}`, async)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetExecution(t *testing.T) {
	f := newFixture(t)
	f.executions.execs["task-2"] = &engine.Execution{
		TaskID:   "task-2",
		Activity: "send-sms",
		Status:   engine.TaskStatusInProgress,
	}

	rec, body := f.do(t, http.MethodGet, "/api/executions/task-2", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "send-sms", body["activity"])
	assert.Equal(t, "in-progress", body["status"])

	// Untracked executions are rebuilt from the stored task.
	rec, body = f.do(t, http.MethodGet, "/api/executions/task-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "notify-care-team", body["activity"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "2026-03-01T09:01:00Z", body["endTime"])

	rec, _ = f.do(t, http.MethodGet, "/api/executions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopExecution(t *testing.T) {
	f := newFixture(t)
	f.executions.execs["running"] = &engine.Execution{TaskID: "running", Status: engine.TaskStatusInProgress}
	f.executions.execs["done"] = &engine.Execution{TaskID: "done", Status: engine.TaskStatusCompleted}

	rec, body := f.do(t, http.MethodPost, "/api/executions/running/stop", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Execution stopped", body["message"])
	assert.Equal(t, []string{"running"}, f.executions.stopped)

	rec, _ = f.do(t, http.MethodPost, "/api/executions/done/stop", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/executions/missing/stop", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"running"}, f.executions.stopped)
}

func TestTaskHistoryAndDelete(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/tasks/task-1/history", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["consistent"])
	assert.Equal(t, "completed", body["recovered_status"])

	rec, body = f.do(t, http.MethodDelete, "/api/tasks/task-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"task-1"}, body["deleted"])

	rec, body = f.do(t, http.MethodGet, "/api/tasks/task-1/history", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", body["error"])
}

func TestDataChanged(t *testing.T) {
	f := newFixture(t)
	f.workflows.changes = []*engine.TriggerEvent{
		{ID: "evt-a", Kind: engine.TriggerKindDataChanged, Name: "observation-created"},
		{ID: "evt-b", Kind: engine.TriggerKindDataChanged, Name: "observation-audit"},
	}

	rec, body := f.do(t, http.MethodPost, "/api/data-changed/Observation",
		`{"resourceId":"obs-1","action":"create","resource":{"value":120}}`, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Data change queued", body["message"])
	assert.Equal(t, []interface{}{"evt-a", "evt-b"}, body["eventIds"])
	require.Len(t, f.queue.submitted, 2)

	rec, body = f.do(t, http.MethodPost, "/api/data-changed/Observation", `{"resourceId":"obs-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "action is required", body["details"])

	rec, _ = f.do(t, http.MethodPost, "/api/data-changed/Observation", `[1,2]`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataChanged_NoSubscribers(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/data-changed/Patient", `{"action":"update"}`, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "No workflows subscribed", body["message"])
	assert.Empty(t, body["eventIds"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "starting", body["status"])
	assert.Equal(t, "ok", body["store"])

	f.health.err = errors.New("database is closed")
	rec, body = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "database is closed", body["store"])
}

func TestRouting_MethodMismatch(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook/admission", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, f.workflows.calls)
}

func TestServer_RunAndShutdown(t *testing.T) {
	f := newFixture(t)
	f.server.settings.Address = "127.0.0.1:0"
	f.server.settings.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()

	require.Eventually(t, func() bool { return f.server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusReady, f.server.Status())

	resp, err := http.Get("http://" + f.server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Equal(t, StatusDraining, f.server.Status())
	assert.Empty(t, f.server.Addr())
}
