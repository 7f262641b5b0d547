package engine

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// orderProcessor records the order events are processed in and creates a
// root task for each so the coordinator can settle it.
type orderProcessor struct {
	tasks *TaskManager

	mu    sync.Mutex
	order []string
	err   error
}

func (p *orderProcessor) Process(ctx context.Context, event *TriggerEvent, root *Task) (*Task, error) {
	p.mu.Lock()
	p.order = append(p.order, event.Name)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return root, err
	}
	if root == nil {
		return p.tasks.CreatePlanTask(ctx, intakePlan, event, nil, false)
	}
	return root, nil
}

func (p *orderProcessor) Finalize(ctx context.Context, root *Task, cause error) (*Task, error) {
	if cause != nil {
		return p.tasks.UpdateTaskStatus(ctx, root.ID, TaskStatusFailed, Parameters{StringParam("error", cause.Error())})
	}
	return p.tasks.UpdateTaskStatus(ctx, root.ID, TaskStatusCompleted, nil)
}

func (p *orderProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

type depthRecorder struct {
	mu  sync.Mutex
	max int
}

func (d *depthRecorder) SetQueuedEvents(depth int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if depth > d.max {
		d.max = depth
	}
}

func fastRetries() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:        1,
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

func stopCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestCoordinator_PriorityOrder(t *testing.T) {
	store := newMemStore()
	tm := newTaskManager(store)
	proc := &orderProcessor{tasks: tm}
	depth := &depthRecorder{}
	c := NewCoordinator(proc, tm, fastRetries(), zerolog.Nop(), WithQueueObserver(depth))

	submit := []*TriggerEvent{
		{Kind: TriggerKindPeriodic, Name: "nightly-census"},
		{Kind: TriggerKindNamedEvent, Name: "intake-a"},
		{Kind: TriggerKindDataChanged, Name: "abnormal-lab"},
		{Kind: TriggerKindNamedEvent, Name: "intake-b"},
	}
	for _, ev := range submit {
		if _, err := c.Submit(ev); err != nil {
			t.Fatalf("Submit(%s): %v", ev.Name, err)
		}
	}
	if c.Pending() != 4 {
		t.Errorf("expected 4 pending, got %d", c.Pending())
	}

	c.Start(context.Background())
	defer stopCoordinator(t, c)

	waitFor(t, "all events processed", func() bool { return len(proc.processed()) == 4 })

	want := []string{"abnormal-lab", "intake-a", "intake-b", "nightly-census"}
	if got := proc.processed(); !reflect.DeepEqual(got, want) {
		t.Errorf("processing order = %v, want %v", got, want)
	}
	if depth.max != 4 {
		t.Errorf("expected observed queue depth 4, got %d", depth.max)
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	tm := newTaskManager(newMemStore())
	c := NewCoordinator(&orderProcessor{tasks: tm}, tm, fastRetries(), zerolog.Nop())

	ev := &TriggerEvent{Kind: TriggerKindNamedEvent, Name: "intake", Payload: map[string]interface{}{"id": "p-1"}}
	id, err := c.Submit(ev)
	if err != nil {
		t.Fatal(err)
	}
	if id != Fingerprint(ev) {
		t.Errorf("expected fingerprint ID, got %s", id)
	}

	dup := &TriggerEvent{Kind: TriggerKindNamedEvent, Name: "webhook/intake", Payload: map[string]interface{}{"id": "p-1"}}
	if _, err := c.Submit(dup); !errors.Is(err, ErrEventInFlight) {
		t.Errorf("expected duplicate to be refused, got %v", err)
	}

	stopCoordinator(t, c)
	if _, err := c.Submit(&TriggerEvent{Kind: TriggerKindNamedEvent, Name: "late"}); !errors.Is(err, ErrCoordinatorStopped) {
		t.Errorf("expected stopped error, got %v", err)
	}
}

func TestCoordinator_SuccessRecordsProcessed(t *testing.T) {
	store := newMemStore()
	tm := newTaskManager(store)
	proc := &orderProcessor{tasks: tm}
	c := NewCoordinator(proc, tm, fastRetries(), zerolog.Nop())
	c.Start(context.Background())
	defer stopCoordinator(t, c)

	if _, err := c.Submit(&TriggerEvent{Kind: TriggerKindNamedEvent, Name: "intake"}); err != nil {
		t.Fatal(err)
	}

	var root *Task
	waitFor(t, "root processed", func() bool {
		page, _ := tm.store.SearchTasks(context.Background(), TaskQuery{Rank: TaskRankRoot})
		if page == nil || len(page.Entries) != 1 {
			return false
		}
		root = page.Entries[0]
		return root.BusinessStatus == BusinessStatusProcessed
	})

	if root.Status != TaskStatusCompleted || root.Attempts != 1 {
		t.Errorf("unexpected root state: status=%s attempts=%d", root.Status, root.Attempts)
	}
	want := []string{ProvenanceBasicWorkflowStart, "task-completed"}
	if got := store.recordsFor(root.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestCoordinator_RetriesThenAbandons(t *testing.T) {
	srv, calls := activityServer(t, http.StatusInternalServerError, `{"error":"unavailable"}`)
	s := newTestStack(t, srv.URL)
	s.register(t, "patient-intake")

	c := NewCoordinator(s.manager, s.tasks, fastRetries(), zerolog.Nop(), WithCoordinatorPublisher(s.pub))
	c.Start(context.Background())
	defer stopCoordinator(t, c)

	if _, err := c.Submit(&TriggerEvent{
		Kind:    TriggerKindNamedEvent,
		Name:    "webhook/patient-intake",
		Payload: map[string]interface{}{"resourceType": "Patient", "id": "p-9"},
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "event abandoned", func() bool { return s.pub.count(LifecycleEventAbandoned) == 1 })

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts against the endpoint, got %d", calls.Load())
	}
	if s.pub.count(LifecycleEventRetrying) != 2 {
		t.Errorf("expected 2 retry events, got %d", s.pub.count(LifecycleEventRetrying))
	}

	page, _ := s.store.SearchTasks(context.Background(), TaskQuery{Rank: TaskRankRoot})
	if len(page.Entries) != 1 {
		t.Fatalf("retries must reuse one root task, got %d", len(page.Entries))
	}
	root := page.Entries[0]
	if root.Status != TaskStatusFailed {
		t.Errorf("expected root failed, got %s", root.Status)
	}
	if root.BusinessStatus != BusinessStatusError || root.Attempts != 3 {
		t.Errorf("unexpected attempt state: %s/%d", root.BusinessStatus, root.Attempts)
	}
	if code := outputString(t, root, "errorCode"); code != ErrCodeActivityExecutionFailed {
		t.Errorf("unexpected errorCode %s", code)
	}

	want := []string{
		ProvenanceBasicWorkflowStart,
		ProvenanceEventWaiting,
		ProvenanceEventWaiting,
		ProvenanceEventError,
		"task-failed",
	}
	if got := s.store.recordsFor(root.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("root records = %v, want %v", got, want)
	}

	children, _ := s.tasks.Children(context.Background(), root.ID)
	if len(children) != 3 {
		t.Errorf("expected one activity task per attempt, got %d", len(children))
	}
	if c.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", c.Pending())
	}
}

func TestCoordinator_PermanentErrorsAreNotRetried(t *testing.T) {
	tm := newTaskManager(newMemStore())
	pub := &recordingPublisher{}
	proc := &orderProcessor{tasks: tm, err: NewNoPlanFoundError("discharge", nil)}
	c := NewCoordinator(proc, tm, fastRetries(), zerolog.Nop(), WithCoordinatorPublisher(pub))
	c.Start(context.Background())
	defer stopCoordinator(t, c)

	ev := &TriggerEvent{Kind: TriggerKindNamedEvent, Name: "discharge"}
	if _, err := c.Submit(ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "event abandoned", func() bool { return pub.count(LifecycleEventAbandoned) == 1 })

	if got := proc.processed(); len(got) != 1 {
		t.Errorf("expected a single attempt, got %d", len(got))
	}
	if pub.count(LifecycleEventRetrying) != 0 {
		t.Error("permanent errors must not be retried")
	}

	// The event left the in-flight set, so it can be submitted again.
	waitFor(t, "event released", func() bool {
		_, err := c.Submit(&TriggerEvent{Kind: TriggerKindNamedEvent, Name: "discharge"})
		return err == nil
	})
}

// blockingProcessor holds every event until its context is cancelled.
type blockingProcessor struct {
	started chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, event *TriggerEvent, root *Task) (*Task, error) {
	close(p.started)
	<-ctx.Done()
	return root, ctx.Err()
}

func (p *blockingProcessor) Finalize(ctx context.Context, root *Task, cause error) (*Task, error) {
	return root, nil
}

func TestCoordinator_DrainTimeoutHookRunsBeforeCancel(t *testing.T) {
	proc := &blockingProcessor{started: make(chan struct{})}
	var (
		c          *Coordinator
		hookCalls  int
		liveAtHook bool
	)
	c = NewCoordinator(proc, nil, fastRetries(), zerolog.Nop(),
		WithDrainTimeoutHook(func() {
			hookCalls++
			liveAtHook = c.ctx.Err() == nil
		}))

	parent, cancelParent := context.WithCancel(context.Background())
	c.Start(context.WithoutCancel(parent))
	if _, err := c.Submit(&TriggerEvent{Kind: TriggerKindNamedEvent, Name: "patient-intake"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-proc.started

	// A cancelled parent must not reach in-flight work.
	cancelParent()
	select {
	case <-c.ctx.Done():
		t.Fatal("coordinator context followed the cancelled parent")
	case <-time.After(20 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Stop(ctx); err == nil {
		t.Fatal("expected a drain timeout")
	}
	if hookCalls != 1 || !liveAtHook {
		t.Errorf("hook calls = %d, in-flight work live at hook = %v", hookCalls, liveAtHook)
	}
	if c.ctx.Err() == nil {
		t.Error("in-flight work should be cancelled after the hook")
	}
}

func TestCoordinator_Backoff(t *testing.T) {
	c := NewCoordinator(nil, nil, CoordinatorConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, zerolog.Nop())

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 125 * time.Millisecond},
		{2, 200 * time.Millisecond, 250 * time.Millisecond},
		{3, 400 * time.Millisecond, 500 * time.Millisecond},
		{4, 800 * time.Millisecond, time.Second},
		{5, time.Second, time.Second},
		{40, time.Second, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 200; i++ {
			got := c.backoff(tt.attempt)
			if got < tt.min || got > tt.max {
				t.Fatalf("backoff(%d) = %s, want within [%s, %s]", tt.attempt, got, tt.min, tt.max)
			}
		}
	}
}

func TestCoordinator_BackoffNeverExceedsMaximum(t *testing.T) {
	c := NewCoordinator(nil, nil, CoordinatorConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
	}, zerolog.Nop())

	for attempt := 1; attempt <= 12; attempt++ {
		for i := 0; i < 200; i++ {
			if got := c.backoff(attempt); got > 4*time.Second {
				t.Fatalf("backoff(%d) = %s exceeds the 4s maximum", attempt, got)
			}
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := &TriggerEvent{Kind: TriggerKindNamedEvent, Name: "api/webhook/intake", Payload: map[string]interface{}{"id": "p-1"}}
	b := &TriggerEvent{Kind: TriggerKindNamedEvent, Name: "intake", Payload: map[string]interface{}{"id": "p-1"}}
	c := &TriggerEvent{Kind: TriggerKindNamedEvent, Name: "intake", Payload: map[string]interface{}{"id": "p-2"}}
	d := &TriggerEvent{Kind: TriggerKindPeriodic, Name: "intake", Payload: map[string]interface{}{"id": "p-1"}}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("equivalent trigger names should share a fingerprint")
	}
	if Fingerprint(b) == Fingerprint(c) {
		t.Error("different payloads should not share a fingerprint")
	}
	if Fingerprint(b) == Fingerprint(d) {
		t.Error("different kinds should not share a fingerprint")
	}
	if len(Fingerprint(a)) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(Fingerprint(a)))
	}
}
