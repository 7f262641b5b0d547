package plans

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/careflow/careflow/pkg/engine"
)

// ValidatePlanHierarchy checks the references between loaded definitions:
// every action resolves, only complex plans nest plans, nesting has no
// cycles, triggers decode and no named-event trigger is claimed twice. It
// returns true when the hierarchy is valid; problems are reported by Err.
func (c *Catalog) ValidatePlanHierarchy() bool {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()

	var result *multierror.Error

	claimed := make(map[string]*engine.PlanDefinition)
	for _, p := range s.plans {
		for i, spec := range p.Triggers {
			if _, err := spec.Trigger(); err != nil {
				result = multierror.Append(result, fmt.Errorf("plan %s trigger %d: %w", p.Name, i, err))
			}
		}
		for _, name := range p.NamedEventTriggers() {
			key := triggerKey(name)
			if other, ok := claimed[key]; ok && other != p {
				result = multierror.Append(result, fmt.Errorf("trigger %q is claimed by plans %s and %s", name, other.Name, p.Name))
				continue
			}
			claimed[key] = p
		}

		for _, action := range p.Actions {
			ref := action.DefinitionCanonical
			if _, ok := s.activityIndex[ref]; ok {
				continue
			}
			if _, ok := s.planIndex[ref]; ok {
				if !p.IsComplex() {
					result = multierror.Append(result, fmt.Errorf("plan %s action %s references plan %s, but only complex plans may nest plans", p.Name, action.Name, ref))
				}
				continue
			}
			result = multierror.Append(result, fmt.Errorf("plan %s action %s references unknown definition %s", p.Name, action.Name, ref))
		}
	}

	for _, a := range s.activities {
		if a.Timeout == "" {
			continue
		}
		if d, err := time.ParseDuration(a.Timeout); err != nil || d <= 0 {
			result = multierror.Append(result, fmt.Errorf("activity %s has invalid timeout %q", a.Name, a.Timeout))
		}
	}

	if cycle := findCycle(s); len(cycle) > 0 {
		result = multierror.Append(result, fmt.Errorf("circular plan nesting detected: %s", strings.Join(cycle, " -> ")))
	}

	hierErr := result.ErrorOrNil()
	c.mu.Lock()
	if c.current == s {
		c.hierErr = hierErr
	}
	c.mu.Unlock()

	if hierErr != nil {
		c.logger.Warn().Err(hierErr).Msg("Plan hierarchy is invalid")
		return false
	}
	return true
}

// BuildTriggerToPlanMap indexes plans by their named-event trigger names and
// returns a copy of the index. The first plan to claim a name keeps it.
func (c *Catalog) BuildTriggerToPlanMap() map[string]*engine.PlanDefinition {
	c.mu.Lock()
	triggers := buildTriggers(c.current.plans)
	c.current.triggers = triggers
	c.mu.Unlock()

	c.logger.Debug().Int("triggers", len(triggers)).Msg("Built trigger to plan map")

	out := make(map[string]*engine.PlanDefinition, len(triggers))
	for k, v := range triggers {
		out[k] = v
	}
	return out
}

func buildTriggers(plans []*engine.PlanDefinition) map[string]*engine.PlanDefinition {
	triggers := make(map[string]*engine.PlanDefinition)
	for _, p := range plans {
		if p.Status == "retired" {
			continue
		}
		for _, name := range p.NamedEventTriggers() {
			key := triggerKey(name)
			if _, taken := triggers[key]; !taken {
				triggers[key] = p
			}
		}
	}
	return triggers
}

// findCycle runs a depth-first search over plan-to-plan references and
// returns the first cycle found, as plan names.
func findCycle(s *snapshot) []string {
	edges := make(map[string][]string)
	for _, p := range s.plans {
		for _, action := range p.Actions {
			if sub, ok := s.planIndex[action.DefinitionCanonical]; ok {
				edges[p.URL] = append(edges[p.URL], sub.URL)
			}
		}
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(url string) []string
	visit = func(url string) []string {
		visited[url] = true
		onStack[url] = true
		path = append(path, url)

		for _, next := range edges[url] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, u := range path {
					if u == next {
						return names(s, append(append([]string(nil), path[i:]...), next))
					}
				}
			}
		}

		onStack[url] = false
		path = path[:len(path)-1]
		return nil
	}

	urls := make([]string, 0, len(edges))
	for url := range edges {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		if !visited[url] {
			if cycle := visit(url); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func names(s *snapshot, urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = s.planIndex[u].Name
	}
	return out
}

// ToDOT renders the loaded plans, their actions and nested plans as a
// Graphviz digraph.
func (c *Catalog) ToDOT() string {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph Plans {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, p := range s.plans {
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n(%s)\", fillcolor=%q, style=\"filled,rounded\"];\n",
			p.URL, p.Name, p.Type, planColor(p)))
	}
	for _, a := range s.activities {
		sb.WriteString(fmt.Sprintf("  %q [label=%q, shape=ellipse];\n", a.URL, a.Name))
	}
	sb.WriteString("\n")

	for _, p := range s.plans {
		for i, action := range p.Actions {
			target := action.DefinitionCanonical
			style := "style=solid"
			switch {
			case s.activityIndex[target] != nil:
				target = s.activityIndex[target].URL
			case s.planIndex[target] != nil:
				target = s.planIndex[target].URL
				style = "style=bold, color=blue"
			default:
				style = "style=dashed, color=red"
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q [label=\"%d. %s\", %s];\n", p.URL, target, i+1, action.Name, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func planColor(p *engine.PlanDefinition) string {
	switch {
	case p.Status == "retired":
		return "lightgray"
	case p.IsComplex():
		return "lightblue"
	default:
		return "lightgreen"
	}
}
