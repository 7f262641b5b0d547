package engine

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory DocumentStore for tests.
type memStore struct {
	mu      sync.Mutex
	defs    map[string]*EventDefinition
	tasks   map[string]*Task
	records []*Provenance

	// transientFailures makes the next N calls fail with ErrTransientStore.
	transientFailures int
	calls             int
}

func newMemStore() *memStore {
	return &memStore{
		defs:  make(map[string]*EventDefinition),
		tasks: make(map[string]*Task),
	}
}

func (s *memStore) fail() error {
	s.calls++
	if s.transientFailures > 0 {
		s.transientFailures--
		return NewTransientStoreError("test", nil)
	}
	return nil
}

func copyDef(d *EventDefinition) *EventDefinition {
	cp := *d
	cp.Triggers = append([]TriggerSpec(nil), d.Triggers...)
	return &cp
}

func copyTask(t *Task) *Task {
	cp := *t
	cp.Input = append(Parameters(nil), t.Input...)
	cp.Output = append(Parameters(nil), t.Output...)
	cp.PriorOutputs = append([]SiblingOutput(nil), t.PriorOutputs...)
	return &cp
}

func (s *memStore) CreateEventDefinition(ctx context.Context, def *EventDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.defs[def.ID] = copyDef(def)
	return nil
}

func (s *memStore) GetEventDefinition(ctx context.Context, id string) (*EventDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	d, ok := s.defs[id]
	if !ok {
		return nil, NewNotFoundError("EventDefinition", id)
	}
	return copyDef(d), nil
}

func (s *memStore) UpdateEventDefinition(ctx context.Context, def *EventDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.defs[def.ID]; !ok {
		return NewNotFoundError("EventDefinition", def.ID)
	}
	s.defs[def.ID] = copyDef(def)
	return nil
}

func (s *memStore) DeleteEventDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.defs[id]; !ok {
		return NewNotFoundError("EventDefinition", id)
	}
	delete(s.defs, id)
	return nil
}

func (s *memStore) SearchEventDefinitions(ctx context.Context, q EventDefinitionQuery) (*EventDefinitionPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var all []*EventDefinition
	for _, d := range s.defs {
		if q.Name != "" && d.Name != q.Name {
			continue
		}
		if q.Status != "" && d.Status != q.Status {
			continue
		}
		if q.OwnerTaskID != "" && d.OwnerTaskID != q.OwnerTaskID {
			continue
		}
		all = append(all, copyDef(d))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if q.Offset > 0 {
		if q.Offset >= len(all) {
			all = nil
		} else {
			all = all[q.Offset:]
		}
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return &EventDefinitionPage{Entries: all, Total: total}, nil
}

func (s *memStore) CreateTask(ctx context.Context, task *Task, record *Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.tasks[task.ID] = copyTask(task)
	if record != nil {
		cp := *record
		s.records = append(s.records, &cp)
	}
	return nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, NewNotFoundError("Task", id)
	}
	return copyTask(t), nil
}

func (s *memStore) UpdateTask(ctx context.Context, task *Task, record *Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.tasks[task.ID]; !ok {
		return NewNotFoundError("Task", task.ID)
	}
	s.tasks[task.ID] = copyTask(task)
	if record != nil {
		cp := *record
		s.records = append(s.records, &cp)
	}
	return nil
}

func (s *memStore) DeleteTasks(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
		delete(s.tasks, id)
	}
	kept := s.records[:0]
	for _, r := range s.records {
		if !doomed[r.Target] {
			kept = append(kept, r)
		}
	}
	s.records = kept
	return nil
}

func (s *memStore) SearchTasks(ctx context.Context, q TaskQuery) (*TaskPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	statuses := make(map[TaskStatus]bool, len(q.Statuses))
	for _, st := range q.Statuses {
		statuses[st] = true
	}
	var out []*Task
	for _, t := range s.tasks {
		if q.PartOf != "" && t.PartOf != q.PartOf {
			continue
		}
		if q.Rank != "" && t.Rank != q.Rank {
			continue
		}
		if len(statuses) > 0 && !statuses[t.Status] {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &TaskPage{Entries: out, Total: len(out)}, nil
}

func (s *memStore) AppendProvenance(ctx context.Context, record *Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

func (s *memStore) ListProvenance(ctx context.Context, q ProvenanceQuery) ([]*Provenance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	targets := make(map[string]bool, len(q.Targets))
	for _, t := range q.Targets {
		targets[t] = true
	}
	var out []*Provenance
	for _, r := range s.records {
		if len(targets) > 0 && !targets[r.Target] {
			continue
		}
		if q.Activity != "" && r.Activity != q.Activity {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Recorded.Before(out[j].Recorded) })
	return out, nil
}

// recordsFor returns the activity codes recorded for a task, in order.
func (s *memStore) recordsFor(taskID string) []string {
	recs, _ := s.ListProvenance(context.Background(), ProvenanceQuery{Targets: []string{taskID}})
	codes := make([]string, 0, len(recs))
	for _, r := range recs {
		codes = append(codes, r.Activity)
	}
	return codes
}

// fakeCatalog is a PlanCatalog over fixed plans and activities.
type fakeCatalog struct {
	plans      map[string]*PlanDefinition
	activities map[string]*ActivityDefinition
	triggers   map[string]*PlanDefinition
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		plans:      make(map[string]*PlanDefinition),
		activities: make(map[string]*ActivityDefinition),
		triggers:   make(map[string]*PlanDefinition),
	}
}

func (c *fakeCatalog) addPlan(p *PlanDefinition) {
	c.plans[p.URL] = p
	for _, name := range p.NamedEventTriggers() {
		c.triggers[name] = p
	}
}

func (c *fakeCatalog) addActivity(a *ActivityDefinition) {
	c.activities[a.URL] = a
}

func (c *fakeCatalog) FindPlanByTriggerName(name string) *PlanDefinition { return c.triggers[name] }
func (c *fakeCatalog) FindPlan(canonical string) *PlanDefinition         { return c.plans[canonical] }
func (c *fakeCatalog) FindActivity(canonical string) *ActivityDefinition {
	return c.activities[canonical]
}

// endpointResolver resolves every activity to a fixed endpoint and echoes the
// event payload as inputs.
type endpointResolver struct {
	endpoint string
	err      error

	mu   sync.Mutex
	seen []*ExecutionContext
}

func (r *endpointResolver) ResolveActivityInputs(ctx context.Context, def *ActivityDefinition, ec *ExecutionContext) (*ResolvedActivityInputs, error) {
	r.mu.Lock()
	cp := *ec
	r.seen = append(r.seen, &cp)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	inputs := map[string]interface{}{"activity": def.Name}
	if m, ok := ec.Event.(map[string]interface{}); ok {
		for k, v := range m {
			inputs[k] = v
		}
	}
	return &ResolvedActivityInputs{Endpoint: r.endpoint, Inputs: inputs}, nil
}

// recordingPublisher captures lifecycle events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) count(t LifecycleEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
