package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// NormalizeTriggerKey strips slashes and a leading "api/" and/or "webhook/"
// segment, so "webhook/foo", "api/foo", "api/webhook/foo" and "foo" share one key.
func NormalizeTriggerKey(trigger string) string {
	key := strings.Trim(strings.TrimSpace(trigger), "/")
	key = strings.TrimPrefix(key, "api/")
	key = strings.TrimPrefix(key, "webhook/")
	return strings.Trim(key, "/")
}

// PlanCandidates returns the trigger names tried, in order, when matching a
// normalized key to a plan: the key, "api/<key>", and the key's last segment.
func PlanCandidates(key string) []string {
	candidates := []string{key, "api/" + key}
	if i := strings.LastIndex(key, "/"); i >= 0 && i < len(key)-1 {
		candidates = append(candidates, key[i+1:])
	}
	return candidates
}

// PeriodicBinding is an active definition with one periodic trigger.
type PeriodicBinding struct {
	Definition *EventDefinition
	Trigger    PeriodicTrigger
}

type dataChangedBinding struct {
	definition *EventDefinition
	trigger    DataChangedTrigger
}

// registryIndex is one immutable generation of the in-memory registry.
type registryIndex struct {
	byName      map[string]*EventDefinition
	webhooks    map[string]*EventDefinition
	periodic    []PeriodicBinding
	dataChanged map[string][]dataChangedBinding
}

func newRegistryIndex() *registryIndex {
	return &registryIndex{
		byName:      make(map[string]*EventDefinition),
		webhooks:    make(map[string]*EventDefinition),
		dataChanged: make(map[string][]dataChangedBinding),
	}
}

// add indexes def under each of its triggers. It fails on undecodable triggers.
func (ix *registryIndex) add(def *EventDefinition) error {
	triggers, err := def.DecodeTriggers()
	if err != nil {
		return err
	}
	ix.byName[NormalizeTriggerKey(def.Name)] = def
	b := indexBuilder{ix: ix, def: def}
	for _, t := range triggers {
		if err := t.Accept(b); err != nil {
			return err
		}
	}
	return nil
}

// remove drops every index entry that points at definition id.
func (ix *registryIndex) remove(id string) {
	for k, d := range ix.byName {
		if d.ID == id {
			delete(ix.byName, k)
		}
	}
	for k, d := range ix.webhooks {
		if d.ID == id {
			delete(ix.webhooks, k)
		}
	}
	periodic := ix.periodic[:0]
	for _, p := range ix.periodic {
		if p.Definition.ID != id {
			periodic = append(periodic, p)
		}
	}
	ix.periodic = periodic
	for k, bindings := range ix.dataChanged {
		kept := bindings[:0]
		for _, b := range bindings {
			if b.definition.ID != id {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(ix.dataChanged, k)
		} else {
			ix.dataChanged[k] = kept
		}
	}
}

func (ix *registryIndex) clone() *registryIndex {
	out := newRegistryIndex()
	for k, v := range ix.byName {
		out.byName[k] = v
	}
	for k, v := range ix.webhooks {
		out.webhooks[k] = v
	}
	out.periodic = append(out.periodic, ix.periodic...)
	for k, v := range ix.dataChanged {
		out.dataChanged[k] = append([]dataChangedBinding(nil), v...)
	}
	return out
}

// indexBuilder files a definition's triggers into the per-variant indexes.
type indexBuilder struct {
	ix  *registryIndex
	def *EventDefinition
}

func (b indexBuilder) VisitNamedEvent(t NamedEventTrigger) error {
	b.ix.webhooks[NormalizeTriggerKey(t.Name)] = b.def
	return nil
}

func (b indexBuilder) VisitPeriodic(t PeriodicTrigger) error {
	b.ix.periodic = append(b.ix.periodic, PeriodicBinding{Definition: b.def, Trigger: t})
	return nil
}

func (b indexBuilder) VisitDataChanged(t DataChangedTrigger) error {
	key := strings.ToLower(t.ResourceType)
	b.ix.dataChanged[key] = append(b.ix.dataChanged[key], dataChangedBinding{definition: b.def, trigger: t})
	return nil
}

// TriggerRegistry maps external signals to active event definitions. It is a
// cache over the document store, rebuilt by swapping in a fresh index.
type TriggerRegistry struct {
	store     DocumentStore
	logger    zerolog.Logger
	publisher EventPublisher
	now       func() time.Time

	mu        sync.RWMutex
	index     *registryIndex
	listeners []func()

	// writeMu serializes register and unregister against refresh.
	writeMu sync.Mutex
	refresh singleflight.Group
}

// NewTriggerRegistry creates an empty registry.
func NewTriggerRegistry(store DocumentStore, logger zerolog.Logger, publisher EventPublisher) *TriggerRegistry {
	return &TriggerRegistry{
		store:     store,
		logger:    logger.With().Str("component", "trigger-registry").Logger(),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		index:     newRegistryIndex(),
	}
}

// OnRefresh registers fn to run after every registry change.
func (r *TriggerRegistry) OnRefresh(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// RegisterEvent persists def and indexes it. An active definition with the
// same normalized name is updated in place, so one name never has two
// active definitions.
func (r *TriggerRegistry) RegisterEvent(ctx context.Context, def *EventDefinition) (*EventDefinition, error) {
	if def == nil || NormalizeTriggerKey(def.Name) == "" {
		return nil, NewValidationFailedError("event definition requires a name", nil)
	}
	if len(def.Triggers) == 0 {
		def.Triggers = []TriggerSpec{{Type: TriggerKindNamedEvent, Name: def.Name}}
	}
	if _, err := def.DecodeTriggers(); err != nil {
		return nil, NewValidationFailedError(err.Error(), []ValidationIssue{{
			Kind:    IssueError,
			Message: err.Error(),
		}}).WithResource(def.Name)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.now()
	stored := *def
	stored.Status = EventDefinitionActive
	stored.LastUpdated = now

	existing, err := r.activeByName(ctx, def.Name)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		if err := r.store.UpdateEventDefinition(ctx, &stored); err != nil {
			return nil, fmt.Errorf("failed to update event definition %s: %w", def.Name, err)
		}
	} else {
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		stored.CreatedAt = now
		if err := r.store.CreateEventDefinition(ctx, &stored); err != nil {
			return nil, fmt.Errorf("failed to create event definition %s: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	next := r.index.clone()
	next.remove(stored.ID)
	err = next.add(&stored)
	if err == nil {
		r.index = next
	}
	listeners := append([]func(){}, r.listeners...)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("event_name", stored.Name).
		Str("event_id", stored.ID).
		Str("owner_task_id", stored.OwnerTaskID).
		Msg("Registered event definition")

	if r.publisher != nil {
		err := r.publisher.Publish(ctx, &LifecycleEvent{
			ID:        uuid.New().String(),
			Type:      LifecycleTriggerRegistered,
			Timestamp: now,
			EventName: stored.Name,
			Message:   fmt.Sprintf("Event %s registered", stored.Name),
			Level:     LifecycleTriggerRegistered.Severity(),
			Data:      map[string]interface{}{"id": stored.ID, "owner_task_id": stored.OwnerTaskID},
		})
		if err != nil {
			r.logger.Debug().Err(err).Str("event_name", stored.Name).Msg("Failed to publish lifecycle event")
		}
	}

	for _, fn := range listeners {
		fn()
	}
	return &stored, nil
}

// UnregisterEvent deletes def from the store and the registry.
func (r *TriggerRegistry) UnregisterEvent(ctx context.Context, def *EventDefinition) error {
	if def == nil {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if def.ID != "" {
		if err := r.store.DeleteEventDefinition(ctx, def.ID); err != nil && !IsNotFound(err) {
			return fmt.Errorf("failed to delete event definition %s: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	next := r.index.clone()
	if def.ID != "" {
		next.remove(def.ID)
	} else if d, ok := next.byName[NormalizeTriggerKey(def.Name)]; ok {
		next.remove(d.ID)
	}
	r.index = next
	listeners := append([]func(){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Info().Str("event_name", def.Name).Str("event_id", def.ID).Msg("Unregistered event definition")

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// CleanupDuplicateEvents keeps, for every name with several active
// definitions, only the one modified last and deletes the rest. It returns
// the number of deleted definitions.
func (r *TriggerRegistry) CleanupDuplicateEvents(ctx context.Context) (int, error) {
	defs, err := r.allActive(ctx)
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]*EventDefinition)
	for _, d := range defs {
		key := NormalizeTriggerKey(d.Name)
		groups[key] = append(groups[key], d)
	}

	removed := 0
	for name, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return newerDefinition(group[i], group[j])
		})
		for _, stale := range group[1:] {
			if err := r.store.DeleteEventDefinition(ctx, stale.ID); err != nil && !IsNotFound(err) {
				return removed, fmt.Errorf("failed to delete duplicate event definition %s: %w", stale.ID, err)
			}
			removed++
		}
		r.logger.Warn().
			Str("event_name", name).
			Str("kept", group[0].ID).
			Int("removed", len(group)-1).
			Msg("Removed duplicate event definitions")
	}
	return removed, nil
}

// LoadEventDefinitions removes duplicates, then rebuilds the registry from the
// active definitions in the store and returns them.
func (r *TriggerRegistry) LoadEventDefinitions(ctx context.Context) ([]*EventDefinition, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.CleanupDuplicateEvents(ctx); err != nil {
		return nil, err
	}
	defs, err := r.allActive(ctx)
	if err != nil {
		return nil, err
	}

	next := newRegistryIndex()
	loaded := make([]*EventDefinition, 0, len(defs))
	for _, d := range defs {
		if err := next.add(d); err != nil {
			r.logger.Warn().Err(err).Str("event_name", d.Name).Msg("Skipping event definition")
			continue
		}
		loaded = append(loaded, d)
	}

	r.mu.Lock()
	r.index = next
	listeners := append([]func(){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Info().
		Int("definitions", len(loaded)).
		Int("webhooks", len(next.webhooks)).
		Int("periodic", len(next.periodic)).
		Msg("Loaded event definitions")

	for _, fn := range listeners {
		fn()
	}
	return loaded, nil
}

// RefreshTriggerMappings rebuilds the registry. Concurrent calls share one
// rebuild; lookups during the rebuild see the previous generation.
func (r *TriggerRegistry) RefreshTriggerMappings(ctx context.Context) error {
	_, err, shared := r.refresh.Do("refresh", func() (interface{}, error) {
		return r.LoadEventDefinitions(ctx)
	})
	if shared {
		r.logger.Debug().Msg("Joined in-flight trigger refresh")
	}
	return err
}

// Lookup returns the definition claiming a webhook path or event name.
func (r *TriggerRegistry) Lookup(trigger string) (*EventDefinition, bool) {
	key := NormalizeTriggerKey(trigger)
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.index.webhooks[key]
	return def, ok
}

// Definition returns the active definition registered under name.
func (r *TriggerRegistry) Definition(name string) (*EventDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.index.byName[NormalizeTriggerKey(name)]
	return def, ok
}

// Definitions returns every indexed definition sorted by name.
func (r *TriggerRegistry) Definitions() []*EventDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EventDefinition, 0, len(r.index.byName))
	for _, d := range r.index.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Periodic returns every periodic binding.
func (r *TriggerRegistry) Periodic() []PeriodicBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PeriodicBinding(nil), r.index.periodic...)
}

// DataChanged returns the definitions claiming a change of action on resourceType.
func (r *TriggerRegistry) DataChanged(resourceType, action string) []*EventDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*EventDefinition
	seen := make(map[string]bool)
	for _, b := range r.index.dataChanged[strings.ToLower(resourceType)] {
		if b.trigger.Matches(resourceType, action) && !seen[b.definition.ID] {
			seen[b.definition.ID] = true
			out = append(out, b.definition)
		}
	}
	return out
}

func (r *TriggerRegistry) activeByName(ctx context.Context, name string) (*EventDefinition, error) {
	defs, err := r.allActive(ctx)
	if err != nil {
		return nil, err
	}
	key := NormalizeTriggerKey(name)
	var best *EventDefinition
	for _, d := range defs {
		if NormalizeTriggerKey(d.Name) != key {
			continue
		}
		if best == nil || newerDefinition(d, best) {
			best = d
		}
	}
	return best, nil
}

func (r *TriggerRegistry) allActive(ctx context.Context) ([]*EventDefinition, error) {
	const pageSize = 500
	var out []*EventDefinition
	for offset := 0; ; offset += pageSize {
		page, err := r.store.SearchEventDefinitions(ctx, EventDefinitionQuery{
			Status: EventDefinitionActive,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search event definitions: %w", err)
		}
		out = append(out, page.Entries...)
		if len(page.Entries) < pageSize || len(out) >= page.Total {
			return out, nil
		}
	}
}

// newerDefinition orders definitions by last modification, then creation, then ID.
func newerDefinition(a, b *EventDefinition) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
