// Package plan maps intent actions to ordered lists of adapter steps.
package plan

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

//go:embed plans.yaml
var defaultPlans []byte

// GateKind selects the confidence check applied to a step's result.
type GateKind string

const (
	GateNone    GateKind = "none"
	GateFields  GateKind = "fields"
	GateInvoice GateKind = "invoice"
)

// Step is one position in a plan.
type Step struct {
	Adapter    string   `yaml:"adapter" json:"adapter"`
	Gate       GateKind `yaml:"gate,omitempty" json:"gate,omitempty"`
	SideEffect bool     `yaml:"side_effect,omitempty" json:"side_effect,omitempty"`
}

// Plan is the ordered step list for one action.
type Plan struct {
	Action domain.Action `json:"action"`
	Steps  []Step        `json:"steps"`
}

type file struct {
	Plans map[string][]Step `yaml:"plans"`
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (map[domain.Action]Plan, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plans: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("no plans defined")
	}

	out := make(map[domain.Action]Plan, len(f.Plans))
	for name, steps := range f.Plans {
		action := domain.Action(name)
		if action == domain.ActionUnknown {
			return nil, fmt.Errorf("plan %q: the unknown action cannot have a plan", name)
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("plan %q has no steps", name)
		}
		for i := range steps {
			s := &steps[i]
			if s.Adapter == "" {
				return nil, fmt.Errorf("plan %q step %d: adapter is required", name, i)
			}
			switch s.Gate {
			case "":
				s.Gate = GateNone
			case GateNone, GateFields, GateInvoice:
			default:
				return nil, fmt.Errorf("plan %q step %d: unknown gate %q", name, i, s.Gate)
			}
			if s.SideEffect && s.Gate != GateNone {
				return nil, fmt.Errorf("plan %q step %d: a side-effecting step cannot also be gated", name, i)
			}
		}
		out[action] = Plan{Action: action, Steps: steps}
	}
	return out, nil
}

// Catalog is a concurrency-safe, replaceable set of plans.
type Catalog struct {
	mu    sync.RWMutex
	plans map[domain.Action]Plan
}

// NewCatalog creates a catalog from parsed plans.
func NewCatalog(plans map[domain.Action]Plan) *Catalog {
	return &Catalog{plans: plans}
}

// NewDefaultCatalog loads the embedded plans.
func NewDefaultCatalog() (*Catalog, error) {
	plans, err := Parse(defaultPlans)
	if err != nil {
		return nil, err
	}
	return NewCatalog(plans), nil
}

// LoadFile reads plans from path.
func LoadFile(path string) (map[domain.Action]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return Parse(data)
}

// Lookup returns a copy of the plan for action.
func (c *Catalog) Lookup(action domain.Action) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[action]
	if !ok {
		return Plan{}, false
	}
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	return Plan{Action: p.Action, Steps: steps}, true
}

// Actions lists the actions with a plan, sorted.
func (c *Catalog) Actions() []domain.Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Action, 0, len(c.plans))
	for a := range c.plans {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Replace swaps the whole plan set.
func (c *Catalog) Replace(plans map[domain.Action]Plan) {
	c.mu.Lock()
	c.plans = plans
	c.mu.Unlock()
}

// Adapters lists every adapter name referenced by any plan.
func (c *Catalog) Adapters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, p := range c.plans {
		for _, s := range p.Steps {
			if !seen[s.Adapter] {
				seen[s.Adapter] = true
				out = append(out, s.Adapter)
			}
		}
	}
	sort.Strings(out)
	return out
}
