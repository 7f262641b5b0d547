package plans

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/careflow/careflow/pkg/engine"
)

// Bundle is the content of one plan file.
type Bundle struct {
	Plans      []*engine.PlanDefinition     `json:"plans,omitempty" yaml:"plans,omitempty" validate:"dive"`
	Activities []*engine.ActivityDefinition `json:"activities,omitempty" yaml:"activities,omitempty" validate:"dive"`
}

// Extensions lists the file types the catalog loads.
var Extensions = []string{".yaml", ".yml", ".json", ".cue"}

// snapshot is one generation of the catalog, replaced wholesale on load.
type snapshot struct {
	plans      []*engine.PlanDefinition
	activities []*engine.ActivityDefinition

	planIndex     map[string]*engine.PlanDefinition
	activityIndex map[string]*engine.ActivityDefinition
	triggers      map[string]*engine.PlanDefinition
}

func newSnapshot() *snapshot {
	return &snapshot{
		planIndex:     make(map[string]*engine.PlanDefinition),
		activityIndex: make(map[string]*engine.ActivityDefinition),
		triggers:      make(map[string]*engine.PlanDefinition),
	}
}

// Catalog loads plan and activity definitions from a directory and serves
// lookups. It implements engine.PlanCatalog.
type Catalog struct {
	dir      string
	logger   zerolog.Logger
	validate *validator.Validate
	schema   *schema

	mu        sync.RWMutex
	current   *snapshot
	loadErr   error
	hierErr   error
	listeners []func()

	// loadMu serializes reloads.
	loadMu sync.Mutex
}

// NewCatalog creates an empty catalog over dir. Call LoadAllPlans to fill it.
func NewCatalog(dir string, logger zerolog.Logger) (*Catalog, error) {
	s, err := newSchema()
	if err != nil {
		return nil, err
	}
	return &Catalog{
		dir:      dir,
		logger:   logger.With().Str("component", "plan-catalog").Logger(),
		validate: validator.New(),
		schema:   s,
		current:  newSnapshot(),
	}, nil
}

// Dir returns the directory the catalog loads from.
func (c *Catalog) Dir() string {
	return c.dir
}

// OnReload registers fn to run after every Reload.
func (c *Catalog) OnReload(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// LoadAllPlans reads every plan file under the catalog directory and replaces
// the catalog contents. Files that fail to parse or validate are skipped and
// reported by Err. It returns true when every file loaded cleanly.
func (c *Catalog) LoadAllPlans() bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	next := newSnapshot()
	var result *multierror.Error

	files, err := c.files()
	if err != nil {
		result = multierror.Append(result, err)
	}

	for _, path := range files {
		bundle, err := c.loadFile(path)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			continue
		}
		for _, p := range bundle.Plans {
			p.Source = path
			if err := addPlan(next, p); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			}
		}
		for _, a := range bundle.Activities {
			a.Source = path
			if err := addActivity(next, a); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			}
		}
	}

	next.triggers = buildTriggers(next.plans)

	loadErr := result.ErrorOrNil()
	c.mu.Lock()
	c.current = next
	c.loadErr = loadErr
	c.hierErr = nil
	c.mu.Unlock()

	event := c.logger.Info()
	if loadErr != nil {
		event = c.logger.Warn().Err(loadErr)
	}
	event.
		Str("dir", c.dir).
		Int("files", len(files)).
		Int("plans", len(next.plans)).
		Int("activities", len(next.activities)).
		Msg("Loaded plan definitions")

	return loadErr == nil
}

// Reload runs LoadAllPlans, ValidatePlanHierarchy and BuildTriggerToPlanMap
// in order and notifies listeners. It returns the combined error, if any.
func (c *Catalog) Reload() error {
	loaded := c.LoadAllPlans()
	valid := c.ValidatePlanHierarchy()
	c.BuildTriggerToPlanMap()

	c.mu.RLock()
	listeners := append([]func(){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}

	if loaded && valid {
		return nil
	}
	return c.Err()
}

// Err returns every problem found by the last load and hierarchy validation.
func (c *Catalog) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result *multierror.Error
	if c.loadErr != nil {
		result = multierror.Append(result, c.loadErr)
	}
	if c.hierErr != nil {
		result = multierror.Append(result, c.hierErr)
	}
	return result.ErrorOrNil()
}

// Plans returns every loaded plan in load order.
func (c *Catalog) Plans() []*engine.PlanDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*engine.PlanDefinition(nil), c.current.plans...)
}

// Activities returns every loaded activity in load order.
func (c *Catalog) Activities() []*engine.ActivityDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*engine.ActivityDefinition(nil), c.current.activities...)
}

// FindPlan returns the plan with the given canonical URL, ID or name, or nil.
func (c *Catalog) FindPlan(canonical string) *engine.PlanDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.planIndex[strings.TrimSpace(canonical)]
}

// FindActivity returns the activity with the given canonical URL, ID or name, or nil.
func (c *Catalog) FindActivity(canonical string) *engine.ActivityDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.activityIndex[strings.TrimSpace(canonical)]
}

// FindPlanByTriggerName returns the plan claiming the named-event trigger
// name, or nil. Names compare with surrounding slashes and whitespace removed.
func (c *Catalog) FindPlanByTriggerName(name string) *engine.PlanDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.triggers[triggerKey(name)]
}

// EventDefinitions returns one event definition per active plan that declares
// triggers, pinned to that plan.
func (c *Catalog) EventDefinitions() []*engine.EventDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var defs []*engine.EventDefinition
	for _, p := range c.current.plans {
		if len(p.Triggers) == 0 || p.Status == "retired" || p.Status == "draft" {
			continue
		}
		defs = append(defs, &engine.EventDefinition{
			Name:          p.Name,
			Triggers:      append([]engine.TriggerSpec(nil), p.Triggers...),
			PlanCanonical: p.URL,
		})
	}
	return defs
}

func (c *Catalog) files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != c.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isPlanFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk plan directory %s: %w", c.dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func isPlanFile(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// loadFile decodes one plan file and validates it against the bundle schema
// and struct tags.
func (c *Catalog) loadFile(path string) (*Bundle, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var bundle *Bundle
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		bundle, err = c.schema.decodeCUE(path, content)
		if err != nil {
			return nil, err
		}
	case ".json":
		bundle = &Bundle{}
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		if err := dec.Decode(bundle); err != nil {
			return nil, fmt.Errorf("failed to decode JSON: %w", err)
		}
	default:
		bundle = &Bundle{}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(bundle); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode YAML: %w", err)
		}
	}

	if !strings.EqualFold(filepath.Ext(path), ".cue") {
		if err := c.schema.validate(bundle); err != nil {
			return nil, err
		}
	}

	if err := c.validate.Struct(bundle); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return bundle, nil
}

func addPlan(s *snapshot, p *engine.PlanDefinition) error {
	if existing, ok := s.planIndex[p.URL]; ok {
		return fmt.Errorf("plan %s duplicates %s from %s", p.URL, existing.Name, existing.Source)
	}
	if p.Type == "" {
		p.Type = engine.PlanTypeBasic
	}
	s.plans = append(s.plans, p)
	for _, key := range []string{p.URL, p.ID, p.Name} {
		if _, taken := s.planIndex[key]; !taken {
			s.planIndex[key] = p
		}
	}
	return nil
}

func addActivity(s *snapshot, a *engine.ActivityDefinition) error {
	if existing, ok := s.activityIndex[a.URL]; ok {
		return fmt.Errorf("activity %s duplicates %s from %s", a.URL, existing.Name, existing.Source)
	}
	s.activities = append(s.activities, a)
	for _, key := range []string{a.URL, a.ID, a.Name} {
		if _, taken := s.activityIndex[key]; !taken {
			s.activityIndex[key] = a
		}
	}
	return nil
}

func triggerKey(name string) string {
	return strings.Trim(strings.TrimSpace(name), "/")
}
