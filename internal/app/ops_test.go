package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/events"
	"actionline/internal/registry"
)

func TestChangeRole(t *testing.T) {
	ctx := context.Background()
	r, ws := newRepo(t)
	if _, _, err := ResolveProjectAndConfig(ctx, ws, "proj-1", "alice", r); err != nil {
		t.Fatal(err)
	}
	if err := ChangeRole(ctx, r, "proj-1", "alice", "bob", "Operator", true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	roles, _ := r.ActorRoles(ctx, "proj-1", "bob")
	if len(roles) != 1 || roles[0] != "operator" {
		t.Fatalf("expected operator, got %v", roles)
	}
	if err := ChangeRole(ctx, r, "proj-1", "alice", "bob", "operator", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	roles, _ = r.ActorRoles(ctx, "proj-1", "bob")
	if len(roles) != 0 {
		t.Fatalf("expected no roles after revoke, got %v", roles)
	}
	if err := ChangeRole(ctx, r, "proj-1", "alice", "bob", "owner", true); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	evts, err := r.LatestEvents(ctx, 10, "proj-1", events.RoleRevoked)
	if err != nil || len(evts) != 1 || evts[0].ActorID != "alice" || evts[0].EntityID != "bob" {
		t.Fatalf("expected one revoke event by alice, got %+v (%v)", evts, err)
	}
}

func TestUpdateLimits(t *testing.T) {
	ctx := context.Background()
	r, ws := newRepo(t)
	if _, _, err := ResolveProjectAndConfig(ctx, ws, "proj-1", "alice", r); err != nil {
		t.Fatal(err)
	}
	reg := registry.NewDemo()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	daily, rate := 5.0, 2
	l, err := UpdateLimits(ctx, r, reg, "proj-1", "alice", LimitsChange{
		DailyBudget:   &daily,
		RatePerMinute: &rate,
		ActionBudgets: map[string]float64{"demo.counter.reset": 5},
	}, now)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if l.DailyBudget == nil || *l.DailyBudget != 5 || l.RatePerMinute != 2 {
		t.Fatalf("unexpected limits %+v", l)
	}
	budgets, _ := r.ListActionBudgets(ctx, "proj-1", now)
	if len(budgets) != 1 || budgets[0].DailyBudget != 5 {
		t.Fatalf("expected reset action budget, got %+v", budgets)
	}

	_, err = UpdateLimits(ctx, r, reg, "proj-1", "alice", LimitsChange{
		Unlimited:     true,
		ActionBudgets: map[string]float64{"nope": 1},
	}, now)
	if !errors.Is(err, registry.ErrUnknownAction) {
		t.Fatalf("expected unknown action error, got %v", err)
	}
	l, _ = r.GetProjectLimits(ctx, "proj-1")
	if l.DailyBudget == nil || *l.DailyBudget != 5 {
		t.Fatalf("failed update must not change limits, got %+v", l)
	}

	l, err = UpdateLimits(ctx, r, reg, "proj-1", "alice", LimitsChange{Unlimited: true}, now)
	if err != nil || l.DailyBudget != nil {
		t.Fatalf("expected unlimited, got %+v (%v)", l, err)
	}

	hourly := 30
	windows := []domain.ExecutionWindow{{Days: []string{"fri"}, Start: "08:00", End: "18:00"}}
	l, err = UpdateLimits(ctx, r, reg, "proj-1", "alice", LimitsChange{RatePerHour: &hourly, Windows: &windows}, now)
	if err != nil || l.RatePerHour != 30 || len(l.Windows) != 1 || l.Windows[0].Days[0] != "fri" || l.RatePerMinute != 2 {
		t.Fatalf("expected hourly rate and window, got %+v (%v)", l, err)
	}
	bad := []domain.ExecutionWindow{{Days: []string{"fri"}, Start: "18:00", End: "08:00"}}
	if _, err := UpdateLimits(ctx, r, reg, "proj-1", "alice", LimitsChange{Windows: &bad}, now); err == nil {
		t.Fatalf("expected inverted window to be rejected")
	}
	none := []domain.ExecutionWindow{}
	l, err = UpdateLimits(ctx, r, reg, "proj-1", "alice", LimitsChange{Windows: &none}, now)
	if err != nil || len(l.Windows) != 0 || l.RatePerHour != 30 {
		t.Fatalf("expected windows cleared, got %+v (%v)", l, err)
	}
}

func TestRolloverAndAdapt(t *testing.T) {
	ctx := context.Background()
	r, ws := newRepo(t)
	if _, _, err := ResolveProjectAndConfig(ctx, ws, "proj-1", "alice", r); err != nil {
		t.Fatal(err)
	}
	e := engine.New(r, registry.NewDemo())
	res := e.Execute(ctx, domain.ExecutionContext{UserID: "alice", Roles: []string{"admin"}, ProjectID: "proj-1"}, domain.Intent{
		ActionID: "demo.counter.set",
		Inputs:   map[string]any{"value": 4},
	})
	if !res.Succeeded() {
		t.Fatalf("execute: %+v", res)
	}
	l, _ := r.GetProjectLimits(ctx, "proj-1")
	if l.BudgetUsed != 1 {
		t.Fatalf("expected 1 used, got %v", l.BudgetUsed)
	}
	if err := RolloverAll(ctx, r, "system", time.Now().UTC()); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	l, _ = r.GetProjectLimits(ctx, "proj-1")
	if l.BudgetUsed != 0 {
		t.Fatalf("expected usage reset, got %v", l.BudgetUsed)
	}
	evts, _ := r.LatestEvents(ctx, 10, "proj-1", events.BudgetReset)
	if len(evts) != 1 {
		t.Fatalf("expected one reset event, got %d", len(evts))
	}

	adapted, err := AdaptBudget(ctx, r, "proj-1", "alice", 0, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if adapted.Changed {
		t.Fatalf("one day of history must not adapt the budget: %+v", adapted)
	}
	results, err := AdaptAll(ctx, r, "system", time.Now().UTC())
	if err != nil || len(results) != 0 {
		t.Fatalf("adaptive budgets are off by default, got %+v (%v)", results, err)
	}
}
