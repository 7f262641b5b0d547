package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/telemetry"
)

// errorResponse is the body of every API error.
type errorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
	TaskID  string      `json:"taskId,omitempty"`
}

type webhookResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

type dataChangeResponse struct {
	Message  string   `json:"message"`
	EventIDs []string `json:"eventIds"`
}

type deleteResponse struct {
	Message string   `json:"message"`
	Deleted []string `json:"deleted"`
}

type healthResponse struct {
	Status        Status `json:"status"`
	Store         string `json:"store"`
	QueuedEvents  int    `json:"queuedEvents"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// handleWebhook runs the workflow claimed by the webhook path. With
// "Prefer: respond-async" the event is queued instead.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	payload, ok := s.readJSON(w, r)
	if !ok {
		return
	}
	s.metrics.RecordEventReceived(engine.TriggerKindNamedEvent)

	if prefersAsync(r) {
		s.queueWebhook(w, r, path, payload)
		return
	}

	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	if s.tracer != nil {
		ctx, span = s.tracer.StartWorkflowSpan(ctx, engine.TriggerKindNamedEvent, path)
		defer span.End()
	}

	task, err := s.deps.Workflows.HandleIncoming(ctx, path, payload)
	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordEngineError(err)
		resp := errorResponse{Error: "Workflow execution failed", Details: err.Error()}
		status := http.StatusBadRequest
		if task == nil && engine.IsNotFound(err) {
			resp.Error = "No workflow registered for path"
			status = http.StatusNotFound
		}
		if task != nil {
			resp.TaskID = task.ID
		}
		s.logger.Warn().Err(err).Str("path", path).Int("status", status).Msg("Webhook failed")
		writeJSON(w, status, resp)
		return
	}

	s.logger.Info().Str("path", path).Str("task_id", task.ID).Msg("Workflow executed")
	writeJSON(w, http.StatusOK, webhookResponse{Message: "Workflow executed", TaskID: task.ID})
}

func (s *Server) queueWebhook(w http.ResponseWriter, r *http.Request, path string, payload interface{}) {
	if _, ok := s.deps.Triggers.Lookup(path); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   "No workflow registered for path",
			Details: engine.NormalizeTriggerKey(path),
		})
		return
	}

	ev := &engine.TriggerEvent{
		Kind:       engine.TriggerKindNamedEvent,
		Name:       path,
		Payload:    payload,
		User:       userFromRequest(r),
		ReceivedAt: s.clock(),
	}
	id, err := s.deps.Queue.Submit(ev)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{Message: "Workflow queued", EventID: id})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")

	if exec, ok := s.deps.Executions.Execution(taskID); ok {
		writeJSON(w, http.StatusOK, exec)
		return
	}

	// Finished executions leave the tracker; fall back to the stored task.
	task, err := s.deps.Tasks.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	exec := &engine.Execution{
		TaskID:    task.ID,
		Activity:  task.Name,
		Status:    task.Status,
		StartTime: task.AuthoredOn,
	}
	if task.Status.IsTerminal() {
		end := task.LastModified
		exec.EndTime = &end
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")

	exec, ok := s.deps.Executions.Execution(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Execution not found", Details: taskID})
		return
	}
	if exec.Status != engine.TaskStatusInProgress {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:   "Execution is not running",
			Details: string(exec.Status),
			TaskID:  taskID,
		})
		return
	}

	if err := s.deps.Executions.StopExecution(r.Context(), taskID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Message: "Execution stopped", TaskID: taskID})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Tasks.RecoverTaskState(r.Context(), r.PathValue("taskId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Tasks.DeleteTaskTree(r.Context(), r.PathValue("taskId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Message: "Task deleted", Deleted: ids})
}

// handleDataChanged queues one event per definition subscribed to the
// resource type and action.
func (s *Server) handleDataChanged(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readJSON(w, r)
	if !ok {
		return
	}
	body, _ := payload.(map[string]interface{})
	if body == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid data change", Details: "body must be a JSON object"})
		return
	}

	change := &engine.DataChange{ResourceType: r.PathValue("resourceType")}
	change.ResourceID, _ = body["resourceId"].(string)
	change.Action, _ = body["action"].(string)
	change.Resource, _ = body["resource"].(map[string]interface{})
	if change.Action == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid data change", Details: "action is required"})
		return
	}
	s.metrics.RecordEventReceived(engine.TriggerKindDataChanged)

	events := s.deps.Workflows.DataChangeEvents(change)
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		id, err := s.deps.Queue.Submit(ev)
		if errors.Is(err, engine.ErrEventInFlight) {
			ids = append(ids, id)
			continue
		}
		if err != nil {
			s.writeQueueError(w, err)
			return
		}
		ids = append(ids, id)
	}

	msg := "Data change queued"
	if len(ids) == 0 {
		msg = "No workflows subscribed"
	}
	writeJSON(w, http.StatusAccepted, dataChangeResponse{Message: msg, EventIDs: ids})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        s.Status(),
		Store:         "ok",
		UptimeSeconds: s.uptimeSeconds(),
	}
	if s.deps.Queue != nil {
		resp.QueuedEvents = s.deps.Queue.Pending()
	}

	status := http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(r.Context()); err != nil {
			resp.Store = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if resp.Status == StatusDraining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// readJSON reads an optional JSON body. It writes the error response and
// returns false when the body is unusable.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request) (interface{}, bool) {
	limit := s.settings.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload exceeds limit", Details: maxErr.Limit})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Unable to read body", Details: err.Error()})
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, true
	}

	var payload interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON", Details: err.Error()})
		return nil, false
	}
	return payload, true
}

// userFromRequest reads the calling principal from X-User, typed by
// X-User-Type (default Practitioner). Without X-User the engine runs the
// workflow as the system identity.
func userFromRequest(r *http.Request) *engine.Identity {
	id := strings.TrimSpace(r.Header.Get("X-User"))
	if id == "" {
		return nil
	}
	kind := strings.TrimSpace(r.Header.Get("X-User-Type"))
	if kind == "" {
		kind = "Practitioner"
	}
	return &engine.Identity{ID: id, Type: kind}
}

func prefersAsync(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		for _, pref := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(pref), "respond-async") {
				return true
			}
		}
	}
	return false
}

// writeEngineError maps an engine error code to an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	s.metrics.RecordEngineError(err)

	status := http.StatusInternalServerError
	switch engine.CodeOf(err) {
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeValidationFailed, engine.ErrCodeInvalidEndpoint,
		engine.ErrCodeNoPlanFound, engine.ErrCodeActivityExecutionFailed:
		status = http.StatusBadRequest
	case engine.ErrCodeTransientStore:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}

	resp := errorResponse{Error: http.StatusText(status), Details: err.Error()}
	if issues := engine.Issues(err); len(issues) > 0 {
		resp.Details = issues
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEventInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Event already queued", Details: err.Error()})
	case errors.Is(err, engine.ErrCoordinatorStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Event queue stopped", Details: err.Error()})
	default:
		s.writeEngineError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
