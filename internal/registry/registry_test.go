package registry

import (
	"errors"
	"testing"

	"actionline/internal/domain"
)

func TestResolveUnknown(t *testing.T) {
	r := NewDemo()
	if _, _, err := r.Resolve("nope"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	decl, h, err := r.Resolve("demo.counter.set")
	if err != nil || h == nil || decl.Risk != domain.RiskLow {
		t.Fatalf("resolve set: %+v %v", decl, err)
	}
}

func TestRegisterRejectsBadDeclarations(t *testing.T) {
	r := NewDemo()
	noop := func(map[string]any, domain.Snapshot) (Outcome, error) { return Outcome{}, nil }
	cases := []domain.ActionDeclaration{
		{ID: "demo.counter.set", Risk: domain.RiskLow},
		{ID: "x.unknown.target", Risk: domain.RiskLow, Targets: []string{"missing"}},
		{ID: "x.bad.risk", Risk: "extreme"},
		{ID: "x.bad.cost", Risk: domain.RiskLow, BaseCost: -1},
		{ID: "x.bad.schema", Risk: domain.RiskLow, InputSchema: map[string]any{"type": "tuple"}},
		{ID: "x.one.of", Risk: domain.RiskLow, InputSchema: map[string]any{
			"type":  "object",
			"oneOf": []any{map[string]any{"required": []any{"a"}}, map[string]any{"required": []any{"b"}}},
		}},
		{ID: "x.nested.any.of", Risk: domain.RiskLow, InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"v": map[string]any{"anyOf": []any{map[string]any{"type": "string"}}}},
		}},
		{ID: "x.type.list", Risk: domain.RiskLow, InputSchema: map[string]any{"type": []any{"string", "null"}}},
		{ID: "x.bad.exclusive", Risk: domain.RiskLow, InputSchema: map[string]any{"type": "integer", "exclusiveMinimum": true}},
	}
	for _, c := range cases {
		if err := r.Register(c, noop); err == nil {
			t.Fatalf("expected error registering %s", c.ID)
		}
	}
}

func TestExclusiveBoundsAreEnforced(t *testing.T) {
	r := NewDemo()
	noop := func(map[string]any, domain.Snapshot) (Outcome, error) { return Outcome{}, nil }
	err := r.Register(domain.ActionDeclaration{
		ID: "x.positive.set", Risk: domain.RiskLow,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"n": map[string]any{"type": "integer", "exclusiveMinimum": 0}},
			"required":   []any{"n"},
		},
	}, noop)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.ValidateInputs("x.positive.set", map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("n=1 rejected: %v", err)
	}
	var verr *ValidationError
	if err := r.ValidateInputs("x.positive.set", map[string]any{"n": float64(0)}); !errors.As(err, &verr) {
		t.Fatalf("n=0 should fail, got %v", err)
	}
}

func TestValidateInputs(t *testing.T) {
	r := NewDemo()
	if err := r.ValidateInputs("demo.counter.set", map[string]any{"value": float64(42)}); err != nil {
		t.Fatalf("valid inputs rejected: %v", err)
	}
	var verr *ValidationError
	if err := r.ValidateInputs("demo.counter.set", map[string]any{}); !errors.As(err, &verr) {
		t.Fatalf("missing value should fail, got %v", err)
	}
	if err := r.ValidateInputs("demo.counter.set", map[string]any{"value": "abc"}); !errors.As(err, &verr) {
		t.Fatalf("string value should fail, got %v", err)
	}
	if err := r.ValidateInputs("demo.counter.read", nil); err != nil {
		t.Fatalf("schema-less action should accept nil inputs: %v", err)
	}
}

func TestActionsHidesDeveloperActions(t *testing.T) {
	r := NewDemo()
	r.MustRegister(domain.ActionDeclaration{
		ID: "demo.counter.debug", Risk: domain.RiskLow, Visibility: domain.VisibilityDeveloper, Targets: []string{CounterID},
	}, counterRead)
	for _, a := range r.Actions(false) {
		if a.ID == "demo.counter.debug" {
			t.Fatalf("developer action listed for users")
		}
	}
	if got := len(r.Actions(true)); got != 5 {
		t.Fatalf("expected 5 actions, got %d", got)
	}
}

func TestIncrementDefaultsToOne(t *testing.T) {
	snap := domain.Snapshot{Components: map[string]any{CounterID: map[string]any{"value": float64(4)}}}
	out, err := counterIncrement(map[string]any{}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Components[CounterID].(map[string]any)["value"]; got != float64(5) {
		t.Fatalf("expected 5, got %v", got)
	}
}
