// Package registry is the static catalog of declared actions, the components
// they target and the pure handlers that implement them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"actionline/internal/domain"
)

var ErrUnknownAction = errors.New("unknown action")

// Outcome is what a handler hands back: the full next component map, the
// diff describing the change and a short human-readable message.
type Outcome struct {
	Components map[string]any
	Diff       []domain.DiffEntry
	Message    string
}

// Handler computes the next state from inputs and a private copy of the
// current snapshot. Handlers must not perform side effects.
type Handler func(inputs map[string]any, snap domain.Snapshot) (Outcome, error)

type entry struct {
	decl    domain.ActionDeclaration
	handler Handler
	schema  *inputSchema
}

// Registry holds actions and components keyed by id.
type Registry struct {
	mu         sync.RWMutex
	actions    map[string]entry
	components map[string]domain.ComponentDeclaration
}

func New() *Registry {
	return &Registry{
		actions:    make(map[string]entry),
		components: make(map[string]domain.ComponentDeclaration),
	}
}

// RegisterComponent adds a component declaration. Ids must be unique.
func (r *Registry) RegisterComponent(c domain.ComponentDeclaration) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("component id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[c.ID]; exists {
		return fmt.Errorf("component already registered: %s", c.ID)
	}
	r.components[c.ID] = c
	return nil
}

// Register adds an action and its handler. Every target must already be a
// registered component and the input schema must compile.
func (r *Registry) Register(decl domain.ActionDeclaration, h Handler) error {
	if strings.TrimSpace(decl.ID) == "" {
		return errors.New("action id required")
	}
	if h == nil {
		return fmt.Errorf("action %s: handler required", decl.ID)
	}
	if decl.BaseCost < 0 {
		return fmt.Errorf("action %s: base cost must be >= 0", decl.ID)
	}
	switch decl.Risk {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
	default:
		return fmt.Errorf("action %s: invalid risk %q", decl.ID, decl.Risk)
	}
	if decl.Visibility == "" {
		decl.Visibility = domain.VisibilityUser
	}
	schema, err := compileSchema(decl.InputSchema)
	if err != nil {
		return fmt.Errorf("action %s: %w", decl.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[decl.ID]; exists {
		return fmt.Errorf("action already registered: %s", decl.ID)
	}
	for _, target := range decl.Targets {
		if _, ok := r.components[target]; !ok {
			return fmt.Errorf("action %s targets unknown component %s", decl.ID, target)
		}
	}
	r.actions[decl.ID] = entry{decl: decl, handler: h, schema: schema}
	return nil
}

// MustRegister panics on registration errors. Intended for static catalogs
// assembled at startup.
func (r *Registry) MustRegister(decl domain.ActionDeclaration, h Handler) {
	if err := r.Register(decl, h); err != nil {
		panic(err)
	}
}

// Resolve returns the declaration and handler for an action id.
func (r *Registry) Resolve(actionID string) (domain.ActionDeclaration, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actions[actionID]
	if !ok {
		return domain.ActionDeclaration{}, nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	return e.decl, e.handler, nil
}

// Action returns only the declaration for an action id.
func (r *Registry) Action(actionID string) (domain.ActionDeclaration, error) {
	decl, _, err := r.Resolve(actionID)
	return decl, err
}

// ValidateInputs checks inputs against the action's input schema.
func (r *Registry) ValidateInputs(actionID string, inputs map[string]any) error {
	r.mu.RLock()
	e, ok := r.actions[actionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	return e.schema.validate(inputs)
}

// Actions lists declarations sorted by id. When includeDeveloper is false,
// developer-visibility actions are omitted.
func (r *Registry) Actions(includeDeveloper bool) []domain.ActionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ActionDeclaration, 0, len(r.actions))
	for _, e := range r.actions {
		if !includeDeveloper && e.decl.Visibility == domain.VisibilityDeveloper {
			continue
		}
		out = append(out, e.decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Components() []domain.ComponentDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ComponentDeclaration, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Component returns one component declaration.
func (r *Registry) Component(id string) (domain.ComponentDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	return c, ok
}
