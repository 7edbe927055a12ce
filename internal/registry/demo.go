package registry

import (
	"fmt"

	"actionline/internal/domain"
)

const CounterID = "demo.counter"

// NewDemo returns a registry with the demo counter component and its actions.
func NewDemo() *Registry {
	r := New()
	RegisterDemo(r)
	return r
}

// RegisterDemo adds the demo counter catalog to r.
func RegisterDemo(r *Registry) {
	if err := r.RegisterComponent(domain.ComponentDeclaration{
		ID:          CounterID,
		Title:       "Demo Counter",
		Description: "A simple integer counter.",
		StateSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "integer"}},
			"required":   []any{"value"},
		},
		Readable: true,
	}); err != nil {
		panic(err)
	}
	r.MustRegister(domain.ActionDeclaration{
		ID:          "demo.counter.set",
		Title:       "Set Counter",
		Description: "Set the counter to a specific integer value.",
		Risk:        domain.RiskLow,
		BaseCost:    1,
		Visibility:  domain.VisibilityUser,
		Targets:     []string{CounterID},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "integer"}},
			"required":   []any{"value"},
		},
	}, counterSet)
	r.MustRegister(domain.ActionDeclaration{
		ID:          "demo.counter.increment",
		Title:       "Increment Counter",
		Description: "Increase the counter value by a given amount (default 1).",
		Risk:        domain.RiskLow,
		BaseCost:    1,
		Visibility:  domain.VisibilityUser,
		Targets:     []string{CounterID},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"amount": map[string]any{"type": "integer", "default": 1}},
		},
	}, counterIncrement)
	r.MustRegister(domain.ActionDeclaration{
		ID:                   "demo.counter.reset",
		Title:                "Reset Counter",
		Description:          "Reset the counter to zero.",
		Risk:                 domain.RiskMedium,
		BaseCost:             1,
		ConfirmationRequired: true,
		Visibility:           domain.VisibilityUser,
		Targets:              []string{CounterID},
		InputSchema:          map[string]any{"type": "object"},
		Precondition:         `"demo.counter" in components`,
	}, counterReset)
	r.MustRegister(domain.ActionDeclaration{
		ID:          "demo.counter.read",
		Title:       "Read Counter",
		Description: "Report the current counter value.",
		Risk:        domain.RiskLow,
		Visibility:  domain.VisibilityUser,
		Targets:     []string{CounterID},
		ReadOnly:    true,
	}, counterRead)
}

func counterValue(snap domain.Snapshot) float64 {
	c, _ := snap.Components[CounterID].(map[string]any)
	v, _ := domain.ToFloat(c["value"])
	return v
}

func setCounter(snap domain.Snapshot, v float64) map[string]any {
	comps := snap.Components
	if comps == nil {
		comps = map[string]any{}
	}
	comps[CounterID] = map[string]any{"value": v}
	return comps
}

func counterSet(inputs map[string]any, snap domain.Snapshot) (Outcome, error) {
	v, ok := domain.ToFloat(inputs["value"])
	if !ok {
		return Outcome{}, fmt.Errorf("value must be a number")
	}
	old := counterValue(snap)
	return Outcome{
		Components: setCounter(snap, v),
		Diff:       []domain.DiffEntry{{Op: domain.DiffReplace, Path: CounterID + ".value", Value: v}},
		Message:    fmt.Sprintf("Counter set to %g (was %g)", v, old),
	}, nil
}

func counterIncrement(inputs map[string]any, snap domain.Snapshot) (Outcome, error) {
	amount := 1.0
	if raw, ok := inputs["amount"]; ok {
		a, ok := domain.ToFloat(raw)
		if !ok {
			return Outcome{}, fmt.Errorf("amount must be a number")
		}
		amount = a
	}
	next := counterValue(snap) + amount
	return Outcome{
		Components: setCounter(snap, next),
		Diff:       []domain.DiffEntry{{Op: domain.DiffReplace, Path: CounterID + ".value", Value: next}},
		Message:    fmt.Sprintf("Counter incremented by %g to %g", amount, next),
	}, nil
}

func counterReset(_ map[string]any, snap domain.Snapshot) (Outcome, error) {
	return Outcome{
		Components: setCounter(snap, 0),
		Diff:       []domain.DiffEntry{{Op: domain.DiffReplace, Path: CounterID + ".value", Value: float64(0)}},
		Message:    "Counter reset to 0",
	}, nil
}

func counterRead(_ map[string]any, snap domain.Snapshot) (Outcome, error) {
	return Outcome{
		Components: snap.Components,
		Message:    fmt.Sprintf("Counter is %g", counterValue(snap)),
	}, nil
}
