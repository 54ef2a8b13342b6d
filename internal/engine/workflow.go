package engine

import (
	"fmt"
	"sort"

	"pidflow/internal/config"
	"pidflow/internal/domain"
	"pidflow/internal/engine/pool"
)

// DefaultMaxTransitions bounds one outcome-processing run when the
// configuration does not set workflow.max_transitions.
const DefaultMaxTransitions = 64

type ActionKind string

const (
	// KindClaim is a selection action: pool tasks on activation, a claim on execution.
	KindClaim ActionKind = "claim"
	// KindAuto is a selection action that completes immediately.
	KindAuto   ActionKind = "auto"
	KindReview ActionKind = "review"
	KindNoop   ActionKind = "noop"
)

type Action struct {
	ID   string
	Kind ActionKind
}

// RequiresUI reports whether the action waits for a person.
func (a *Action) RequiresUI() bool {
	return a.Kind == KindClaim || a.Kind == KindReview
}

type RoleScope string

const (
	ScopeRepository RoleScope = "repository"
	ScopeCollection RoleScope = "collection"
	ScopeItem       RoleScope = "item"
)

type Role struct {
	ID      string
	Name    string
	Scope   RoleScope
	Members []string
}

type Step struct {
	ID            string
	Role          *Role
	RequiredUsers int
	Selection     *Action
	Actions       []*Action

	next     string
	outcomes map[int]string
	workflow *Workflow
}

// Action finds the selection or processing action with the id.
func (s *Step) Action(id string) *Action {
	if s.Selection.ID == id {
		return s.Selection
	}
	for _, a := range s.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// NextAction returns the action after current, or nil at the end of the step.
func (s *Step) NextAction(current *Action) *Action {
	if current == s.Selection {
		if len(s.Actions) == 0 {
			return nil
		}
		return s.Actions[0]
	}
	for i, a := range s.Actions {
		if a == current && i+1 < len(s.Actions) {
			return s.Actions[i+1]
		}
	}
	return nil
}

func (s *Step) poolStep() pool.Step {
	return pool.Step{ID: s.ID, RequiredUsers: s.RequiredUsers}
}

// Provenance identifies the step and action in rejection notes.
func (s *Step) Provenance(a *Action) string {
	return fmt.Sprintf("Step: %s - action:%s", s.ID, a.ID)
}

type Workflow struct {
	ID    string
	Name  string
	first *Step
	steps map[string]*Step
	order []string
}

func (w *Workflow) FirstStep() *Step { return w.first }

func (w *Workflow) Step(id string) *Step { return w.steps[id] }

// NextStep follows the COMPLETE transition or the outcome table. A nil step
// after COMPLETE means the workflow is done.
func (w *Workflow) NextStep(s *Step, code int) *Step {
	target := s.outcomes[code]
	if code == OutcomeComplete && target == "" {
		target = s.next
	}
	if target == "" {
		return nil
	}
	return w.steps[target]
}

// StepIDs lists the steps in configuration order.
func (w *Workflow) StepIDs() []string {
	return append([]string(nil), w.order...)
}

// Definitions is the immutable, validated set of workflows.
type Definitions struct {
	workflows      map[string]*Workflow
	collections    map[int64]string
	defaultID      string
	maxTransitions int
}

// NewDefinitions builds workflows from configuration.
func NewDefinitions(cfg config.WorkflowConfig) (*Definitions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.NewConfigurationError("%v", err)
	}
	d := &Definitions{
		workflows:      map[string]*Workflow{},
		collections:    map[int64]string{},
		defaultID:      cfg.Default,
		maxTransitions: cfg.MaxTransitions,
	}
	if d.maxTransitions == 0 {
		d.maxTransitions = DefaultMaxTransitions
	}
	for coll, id := range cfg.Collections {
		d.collections[coll] = id
	}
	roles := map[string]*Role{}
	for id, rc := range cfg.Roles {
		roles[id] = &Role{ID: id, Name: rc.Name, Scope: RoleScope(rc.Scope), Members: append([]string(nil), rc.Members...)}
	}
	for id, wd := range cfg.Workflows {
		wf := &Workflow{ID: id, Name: wd.Name, steps: map[string]*Step{}}
		for _, sd := range wd.Steps {
			step, err := buildStep(sd, roles)
			if err != nil {
				return nil, domain.NewConfigurationError("workflow %s: %v", id, err)
			}
			step.workflow = wf
			wf.steps[step.ID] = step
			wf.order = append(wf.order, step.ID)
		}
		first := wd.FirstStep
		if first == "" {
			first = wd.Steps[0].ID
		}
		wf.first = wf.steps[first]
		d.workflows[id] = wf
	}
	return d, nil
}

func buildStep(sd config.StepDef, roles map[string]*Role) (*Step, error) {
	required := sd.RequiredUsers
	if required <= 0 {
		required = 1
	}
	sel, err := buildAction(sd.Selection)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", sd.ID, err)
	}
	if sel.Kind != KindClaim && sel.Kind != KindAuto {
		return nil, fmt.Errorf("step %s: selection action must be claim or auto, got %s", sd.ID, sel.Kind)
	}
	step := &Step{
		ID:            sd.ID,
		Role:          roles[sd.Role],
		RequiredUsers: required,
		Selection:     sel,
		next:          sd.Next,
		outcomes:      map[int]string{},
	}
	if sel.Kind == KindClaim && step.Role == nil {
		return nil, fmt.Errorf("step %s: claim selection needs a role", sd.ID)
	}
	for code, target := range sd.Outcomes {
		step.outcomes[code] = target
	}
	seen := map[string]bool{sel.ID: true}
	for _, ad := range sd.Actions {
		a, err := buildAction(ad)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", sd.ID, err)
		}
		if a.Kind == KindClaim || a.Kind == KindAuto {
			return nil, fmt.Errorf("step %s: %s may only be a selection action", sd.ID, a.Kind)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("step %s: duplicate action %s", sd.ID, a.ID)
		}
		seen[a.ID] = true
		step.Actions = append(step.Actions, a)
	}
	if sel.Kind == KindAuto && len(step.Actions) > 0 && step.Actions[0].RequiresUI() && step.Role == nil {
		return nil, fmt.Errorf("step %s: auto selection before %s needs a role to assign", sd.ID, step.Actions[0].ID)
	}
	return step, nil
}

func buildAction(ad config.ActionDef) (*Action, error) {
	if ad.ID == "" {
		return nil, fmt.Errorf("action without id")
	}
	switch k := ActionKind(ad.Kind); k {
	case KindClaim, KindAuto, KindReview, KindNoop:
		return &Action{ID: ad.ID, Kind: k}, nil
	default:
		return nil, fmt.Errorf("action %s has unknown kind %q", ad.ID, ad.Kind)
	}
}

// Workflow returns the workflow with the id.
func (d *Definitions) Workflow(id string) (*Workflow, error) {
	wf, ok := d.workflows[id]
	if !ok {
		return nil, domain.NewConfigurationError("workflow %q is not defined", id)
	}
	return wf, nil
}

// ForCollection picks the collection's workflow: its own setting, then the
// configured mapping, then the default.
func (d *Definitions) ForCollection(c domain.Collection) (*Workflow, error) {
	id := c.WorkflowID
	if id == "" {
		id = d.collections[c.ID]
	}
	if id == "" {
		id = d.defaultID
	}
	if id == "" {
		return nil, domain.NewConfigurationError("no workflow configured for collection %d", c.ID)
	}
	return d.Workflow(id)
}

func (d *Definitions) MaxTransitions() int { return d.maxTransitions }

// IDs lists the workflow ids, sorted.
func (d *Definitions) IDs() []string {
	ids := make([]string, 0, len(d.workflows))
	for id := range d.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
