package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	intakePlanURL     = "http://careflow.local/PlanDefinition/patient-intake"
	notifyActivityURL = "http://careflow.local/ActivityDefinition/notify-care-team"
	auditActivityURL  = "http://careflow.local/ActivityDefinition/audit-intake"
)

// testStack wires the engine components over in-memory doubles.
type testStack struct {
	store    *memStore
	catalog  *fakeCatalog
	resolver *endpointResolver
	pub      *recordingPublisher
	registry *TriggerRegistry
	tasks    *TaskManager
	executor *ActivityExecutor
	manager  *EventManager
}

func newTestStack(t *testing.T, endpoint string, opts ...ExecutorOption) *testStack {
	t.Helper()
	logger := zerolog.Nop()

	s := &testStack{
		store:    newMemStore(),
		catalog:  newFakeCatalog(),
		resolver: &endpointResolver{endpoint: endpoint},
		pub:      &recordingPublisher{},
	}
	s.registry = NewTriggerRegistry(s.store, logger, s.pub)
	s.tasks = NewTaskManager(s.store, logger,
		WithTaskPublisher(s.pub),
		WithStoreRetry(3, time.Millisecond, 2*time.Millisecond))
	s.executor = NewActivityExecutor(s.tasks, s.catalog, s.resolver,
		ExecutorConfig{DefaultTimeout: 5 * time.Second}, logger, opts...)
	t.Cleanup(func() { _ = s.executor.Cleanup(context.Background()) })
	s.manager = NewEventManager(s.registry, s.tasks, s.executor, s.catalog, logger)

	s.catalog.addActivity(&ActivityDefinition{ID: "notify-care-team", URL: notifyActivityURL, Name: "notify-care-team"})
	s.catalog.addActivity(&ActivityDefinition{ID: "audit-intake", URL: auditActivityURL, Name: "audit-intake"})
	s.catalog.addPlan(&PlanDefinition{
		ID:       "patient-intake",
		URL:      intakePlanURL,
		Name:     "patient-intake",
		Type:     PlanTypeBasic,
		Triggers: []TriggerSpec{{Type: TriggerKindNamedEvent, Name: "patient-intake"}},
		Actions:  []PlanAction{{Name: "notify", DefinitionCanonical: notifyActivityURL}},
	})
	return s
}

func (s *testStack) register(t *testing.T, name string) *EventDefinition {
	t.Helper()
	def, err := s.registry.RegisterEvent(context.Background(), &EventDefinition{Name: name})
	if err != nil {
		t.Fatalf("RegisterEvent(%s): %v", name, err)
	}
	return def
}

// activityServer answers every call with status and body and counts calls.
func activityServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func outputString(t *testing.T, task *Task, name string) string {
	t.Helper()
	raw, ok := task.Output.Get(name)
	if !ok {
		t.Fatalf("task %s has no output %q (outputs: %v)", task.ID, name, task.Output.Keys())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("output %q is not a string: %s", name, raw)
	}
	return s
}

func TestEventManager_HandleIncoming_Webhook(t *testing.T) {
	srv, calls := activityServer(t, http.StatusOK, `{"notified":true,"ticket":"T-100"}`)
	s := newTestStack(t, srv.URL)
	s.register(t, "patient-intake")

	root, err := s.manager.HandleIncoming(context.Background(), "webhook/patient-intake",
		map[string]interface{}{"resourceType": "Patient", "id": "p-1"})
	if err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	if root.Status != TaskStatusCompleted {
		t.Errorf("expected root completed, got %s", root.Status)
	}
	if root.Rank != TaskRankRoot || root.PartOf != "" {
		t.Errorf("unexpected root shape: rank=%s partOf=%q", root.Rank, root.PartOf)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 activity call, got %d", calls.Load())
	}

	want := []string{ProvenanceBasicWorkflowStart, "task-completed"}
	if got := s.store.recordsFor(root.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("root records = %v, want %v", got, want)
	}

	if _, ok := root.Input.Get(TriggerEventInput); !ok {
		t.Error("root task should carry the trigger event input")
	}

	children, err := s.tasks.Children(context.Background(), root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 activity task, got %d", len(children))
	}
	child := children[0]
	if child.Status != TaskStatusCompleted || child.Rank != TaskRankActivity {
		t.Errorf("unexpected child: status=%s rank=%s", child.Status, child.Rank)
	}
	if got := outputString(t, child, "ticket"); got != "T-100" {
		t.Errorf("expected ticket output T-100, got %q", got)
	}

	wantChild := []string{ProvenanceActivityStart, "task-in-progress", "task-completed"}
	if got := s.store.recordsFor(child.ID); !reflect.DeepEqual(got, wantChild) {
		t.Errorf("child records = %v, want %v", got, wantChild)
	}
}

func TestEventManager_HandleIncoming_UnknownTrigger(t *testing.T) {
	s := newTestStack(t, "http://127.0.0.1:1")

	root, err := s.manager.HandleIncoming(context.Background(), "webhook/nobody-home", nil)
	if root != nil {
		t.Errorf("expected no root task, got %s", root.ID)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(s.store.tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(s.store.tasks))
	}
}

func TestEventManager_HandleIncoming_NoPlanFound(t *testing.T) {
	s := newTestStack(t, "http://127.0.0.1:1")
	s.register(t, "orphaned/discharge")

	_, err := s.manager.HandleIncoming(context.Background(), "api/orphaned/discharge", nil)
	if !errors.Is(err, ErrNoPlanFound) {
		t.Fatalf("expected no plan found, got %v", err)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatal("expected EngineError")
	}
	candidates, _ := engErr.Details["candidates"].([]string)
	want := []string{"orphaned/discharge", "api/orphaned/discharge", "discharge"}
	if !reflect.DeepEqual(candidates, want) {
		t.Errorf("candidates = %v, want %v", candidates, want)
	}
}

func TestEventManager_PlanLookupByLastSegment(t *testing.T) {
	srv, _ := activityServer(t, http.StatusOK, `{}`)
	s := newTestStack(t, srv.URL)
	s.register(t, "clinic/patient-intake")

	root, err := s.manager.HandleIncoming(context.Background(), "clinic/patient-intake", nil)
	if err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	if root.InstantiatesCanonical != intakePlanURL {
		t.Errorf("expected intake plan, got %s", root.InstantiatesCanonical)
	}
}

func TestEventManager_ValidationFailureIsActivityScoped(t *testing.T) {
	srv, calls := activityServer(t, http.StatusOK, `{"ok":true}`)
	s := newTestStack(t, srv.URL)
	s.catalog.addPlan(&PlanDefinition{
		ID:       "two-step",
		URL:      "http://careflow.local/PlanDefinition/two-step",
		Name:     "two-step",
		Triggers: []TriggerSpec{{Type: TriggerKindNamedEvent, Name: "two-step"}},
		Actions: []PlanAction{
			{Name: "notify", DefinitionCanonical: notifyActivityURL},
			{Name: "audit", DefinitionCanonical: auditActivityURL},
		},
	})
	s.register(t, "two-step")
	s.resolver.err = NewValidationFailedError("incomplete activity", []ValidationIssue{
		{Kind: IssueMissingRequired, Path: "input[patient]/value", Message: "required value is empty"},
	})

	root, err := s.manager.HandleIncoming(context.Background(), "two-step", nil)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("no endpoint should be called, got %d calls", calls.Load())
	}

	children, _ := s.tasks.Children(context.Background(), root.ID)
	if len(children) != 2 {
		t.Fatalf("both activities should run, got %d tasks", len(children))
	}
	for _, c := range children {
		if c.Status != TaskStatusFailed {
			t.Errorf("activity %s: expected failed, got %s", c.Name, c.Status)
		}
		if got := outputString(t, c, "errorCode"); got != ErrCodeValidationFailed {
			t.Errorf("activity %s: expected errorCode %s, got %s", c.Name, ErrCodeValidationFailed, got)
		}
	}

	if root.Status != TaskStatusFailed {
		t.Errorf("expected root failed, got %s", root.Status)
	}
	if got := outputString(t, root, "errorCode"); got != ErrCodeValidationFailed {
		t.Errorf("expected root errorCode %s, got %s", ErrCodeValidationFailed, got)
	}
	outputString(t, root, "failureTime")
}

func TestEventManager_ComplexPlan(t *testing.T) {
	srv, calls := activityServer(t, http.StatusOK, `{"step":"done"}`)
	s := newTestStack(t, srv.URL)
	s.catalog.addPlan(&PlanDefinition{
		ID:       "admission",
		URL:      "http://careflow.local/PlanDefinition/admission",
		Name:     "admission",
		Type:     PlanTypeComplex,
		Triggers: []TriggerSpec{{Type: TriggerKindNamedEvent, Name: "admission"}},
		Actions: []PlanAction{
			{Name: "intake", DefinitionCanonical: intakePlanURL},
			{Name: "audit", DefinitionCanonical: auditActivityURL},
		},
	})
	s.register(t, "admission")

	root, err := s.manager.HandleIncoming(context.Background(), "admission", nil)
	if err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 activity calls, got %d", calls.Load())
	}

	want := []string{ProvenanceComplexWorkflowStart, "task-completed"}
	if got := s.store.recordsFor(root.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("root records = %v, want %v", got, want)
	}

	children, _ := s.tasks.Children(context.Background(), root.ID)
	var sub *Task
	for _, c := range children {
		if c.Rank == TaskRankBasicPlan {
			sub = c
		}
	}
	if sub == nil {
		t.Fatal("expected a basic-plan task")
	}
	if sub.Status != TaskStatusCompleted {
		t.Errorf("expected sub-plan completed, got %s", sub.Status)
	}
	grandchildren, _ := s.tasks.Children(context.Background(), sub.ID)
	if len(grandchildren) != 1 || grandchildren[0].Name != "notify-care-team" {
		t.Errorf("unexpected sub-plan activities: %+v", grandchildren)
	}
}

func TestEventManager_RegistersPlanTriggersOwnedByTask(t *testing.T) {
	srv, _ := activityServer(t, http.StatusOK, `{}`)
	s := newTestStack(t, srv.URL)
	s.catalog.addPlan(&PlanDefinition{
		ID:   "referral",
		URL:  "http://careflow.local/PlanDefinition/referral",
		Name: "referral",
		Triggers: []TriggerSpec{
			{Type: TriggerKindNamedEvent, Name: "referral"},
			{Type: TriggerKindNamedEvent, Name: "referral-response"},
		},
		Actions: []PlanAction{{Name: "notify", DefinitionCanonical: notifyActivityURL}},
	})
	s.register(t, "referral")

	root, err := s.manager.HandleIncoming(context.Background(), "referral", nil)
	if err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	def, ok := s.registry.Lookup("webhook/referral-response")
	if !ok {
		t.Fatal("expected referral-response to be registered")
	}
	if def.OwnerTaskID != root.ID {
		t.Errorf("expected owner %s, got %s", root.ID, def.OwnerTaskID)
	}
	if def.PlanCanonical != "http://careflow.local/PlanDefinition/referral" {
		t.Errorf("unexpected plan canonical %s", def.PlanCanonical)
	}

	if _, err := s.tasks.DeleteTaskTree(context.Background(), root.ID); err != nil {
		t.Fatalf("DeleteTaskTree failed: %v", err)
	}
	if _, ok := s.registry.Lookup("referral-response"); ok {
		t.Error("owned definition should be unregistered with its task")
	}
	if _, ok := s.registry.Lookup("referral"); !ok {
		t.Error("pre-existing definition must survive")
	}
}

func TestEventManager_DataChangeEvents(t *testing.T) {
	s := newTestStack(t, "http://127.0.0.1:1")
	_, err := s.registry.RegisterEvent(context.Background(), &EventDefinition{
		Name: "abnormal-lab",
		Triggers: []TriggerSpec{
			{Type: TriggerKindDataChanged, Name: "abnormal-lab", Resource: "Observation", Actions: []string{"create"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	change := &DataChange{ResourceType: "Observation", ResourceID: "obs-1", Action: "create"}
	events := s.manager.DataChangeEvents(change)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != TriggerKindDataChanged || ev.Name != "abnormal-lab" || ev.ID == "" {
		t.Errorf("unexpected event: %+v", ev)
	}
	payload, _ := ev.Payload.(map[string]interface{})
	if payload["id"] != "obs-1" || payload["action"] != "create" {
		t.Errorf("unexpected payload: %v", ev.Payload)
	}

	if got := s.manager.DataChangeEvents(&DataChange{ResourceType: "Observation", Action: "delete"}); len(got) != 0 {
		t.Errorf("delete is not claimed, got %d events", len(got))
	}
}

func TestEventManager_ProcessCarriesEventUser(t *testing.T) {
	srv, _ := activityServer(t, http.StatusOK, `{}`)
	s := newTestStack(t, srv.URL)
	s.register(t, "patient-intake")

	caller := &Identity{ID: "pract-7", Type: "Practitioner"}
	event := &TriggerEvent{ID: "evt-1", Kind: TriggerKindNamedEvent, Name: "patient-intake", User: caller}
	root, err := s.manager.Process(context.Background(), event, nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, err := s.manager.Finalize(context.Background(), root, nil); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	s.resolver.mu.Lock()
	seen := len(s.resolver.seen)
	first := s.resolver.seen
	s.resolver.mu.Unlock()
	if seen != 1 {
		t.Fatalf("expected 1 resolution, got %d", seen)
	}
	if got := first[0].User; got.ID != "pract-7" || got.Type != "Practitioner" {
		t.Errorf("execution context user = %+v, want pract-7/Practitioner", got)
	}

	if _, err := s.manager.HandleIncoming(context.Background(), "patient-intake", nil); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	s.resolver.mu.Lock()
	defer s.resolver.mu.Unlock()
	if got := s.resolver.seen[1].User; got.ID != SystemIdentity.ID {
		t.Errorf("anonymous event user = %+v, want system identity", got)
	}
}
