package analytics_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"actionline/internal/analytics"
	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/migrate"
	"actionline/internal/registry"
	"actionline/internal/repo"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertProject(context.Background(), nil, domain.Project{ID: "p", CreatedAt: now}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r
}

var seq int64

func spend(t *testing.T, r repo.Repo, ts time.Time, cost float64) {
	t.Helper()
	seq++
	snap := domain.Snapshot{ID: fmt.Sprintf("snap-%d", seq), ProjectID: "p", Seq: seq, Timestamp: ts, Components: map[string]any{}}
	res := domain.ExecutionResult{RequestID: fmt.Sprintf("req-%d", seq), ActionID: "demo.counter.set", ProjectID: "p",
		Status: domain.StatusSuccess, SnapshotID: snap.ID, Cost: cost, Timestamp: ts}
	if err := r.SaveExecutionAndSnapshot(context.Background(), repo.Commit{Snapshot: snap, Result: res}); err != nil {
		t.Fatalf("save execution: %v", err)
	}
}

func TestAdaptBudget(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	spend(t, r, now.AddDate(0, 0, -1), 10)
	spend(t, r, now.AddDate(0, 0, -2), 20)

	res, err := analytics.AdaptBudget(ctx, r, "p", 5, 100, now)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if res.Changed || res.Days != 2 {
		t.Fatalf("expected no change with two days, got %+v", res)
	}

	spend(t, r, now.AddDate(0, 0, -3), 30)
	spend(t, r, now, 500) // today is not a complete day
	res, err = analytics.AdaptBudget(ctx, r, "p", 5, 100, now)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if !res.Changed || res.Mean != 20 || res.Budget == nil || *res.Budget != 24 {
		t.Fatalf("expected budget 24 from mean 20, got %+v", res)
	}
	l, _ := r.GetProjectLimits(ctx, "p")
	if l.DailyBudget == nil || *l.DailyBudget != 24 {
		t.Fatalf("limits not updated: %+v", l)
	}

	res, _ = analytics.AdaptBudget(ctx, r, "p", 5, 22, now)
	if *res.Budget != 22 {
		t.Fatalf("expected clamp to 22, got %v", *res.Budget)
	}
	if _, err := analytics.AdaptBudget(ctx, r, "p", 10, 5, now); err == nil {
		t.Fatalf("expected error for empty range")
	}
}

func TestForecast(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	f, err := analytics.Forecast(ctx, r, "p", 6*time.Hour, now)
	if err != nil || f.Status != analytics.ForecastInsufficientData {
		t.Fatalf("expected insufficient_data, got %+v %v", f, err)
	}

	rejected := domain.ExecutionResult{RequestID: "rej", ActionID: "a", ProjectID: "p", Status: domain.StatusRejected,
		Error: &domain.ExecutionError{Code: domain.CodePermissionViewer}, Timestamp: now.Add(-time.Hour)}
	if err := r.SaveExecution(ctx, rejected, domain.Intent{}); err != nil {
		t.Fatal(err)
	}
	f, _ = analytics.Forecast(ctx, r, "p", 6*time.Hour, now)
	if f.Status != analytics.ForecastNoBurn {
		t.Fatalf("expected no_burn, got %+v", f)
	}

	spend(t, r, now.Add(-2*time.Hour), 12)
	f, _ = analytics.Forecast(ctx, r, "p", 6*time.Hour, now)
	if f.Status != analytics.ForecastNoLimit || f.BurnRatePerHour != 2 {
		t.Fatalf("expected no_limit at 2/h, got %+v", f)
	}

	daily := 30.0
	if err := r.SetDailyBudget(ctx, "p", &daily); err != nil {
		t.Fatal(err)
	}
	f, _ = analytics.Forecast(ctx, r, "p", 6*time.Hour, now)
	if f.Status != analytics.ForecastOK || f.HoursRemaining != 9 {
		t.Fatalf("expected 9 hours remaining, got %+v", f)
	}
	if f.ExhaustionAt == nil || !f.ExhaustionAt.Equal(now.Add(9*time.Hour)) {
		t.Fatalf("unexpected exhaustion time %v", f.ExhaustionAt)
	}
}

func TestSimulatePlanIsReadOnly(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	reg := registry.NewDemo()
	daily := 10.0
	if err := r.UpsertProjectLimits(ctx, nil, domain.ProjectLimits{ProjectID: "p", DailyBudget: &daily}); err != nil {
		t.Fatal(err)
	}
	spend(t, r, now.Add(-time.Hour), 7)
	if err := r.SetActionBudget(ctx, nil, "p", "demo.counter.reset", 5, now); err != nil {
		t.Fatal(err)
	}
	before, _ := r.GetLatestSnapshot(ctx, "p")

	plan := domain.Plan{PlanID: "plan-1", Steps: []domain.Intent{
		{ActionID: "demo.counter.set", Inputs: map[string]any{"value": 1}},
		{ActionID: "demo.counter.increment"},
		{ActionID: "demo.counter.reset"},
	}}
	var first analytics.Simulation
	for i := 0; i < 2; i++ {
		sim, err := analytics.SimulatePlan(ctx, r, reg, "p", plan, now)
		if err != nil {
			t.Fatalf("simulate: %v", err)
		}
		if i == 0 {
			first = sim
			continue
		}
		if fmt.Sprint(sim) != fmt.Sprint(first) {
			t.Fatalf("simulation not idempotent: %+v vs %+v", first, sim)
		}
	}
	if first.TotalCost != 7 || len(first.Steps) != 3 {
		t.Fatalf("unexpected simulation %+v", first)
	}
	if first.Steps[0].WouldExceedBudget || first.Steps[1].WouldExceedBudget || !first.Steps[2].WouldExceedBudget {
		t.Fatalf("unexpected budget flags %+v", first.Steps)
	}
	if first.Steps[2].CumulativeCost != 7 || first.Steps[2].WouldExceedActionBudget {
		t.Fatalf("reset costs 5 against a ceiling of 5, got %+v", first.Steps[2])
	}
	if !first.WouldExceedProjectBudget {
		t.Fatalf("expected project budget overrun")
	}

	after, _ := r.GetLatestSnapshot(ctx, "p")
	if after.ID != before.ID || after.Seq != before.Seq {
		t.Fatalf("simulation changed snapshots: %+v -> %+v", before, after)
	}
	l, _ := r.GetProjectLimits(ctx, "p")
	if l.BudgetUsed != 7 {
		t.Fatalf("simulation changed budget usage: %v", l.BudgetUsed)
	}

	bad := domain.Plan{PlanID: "x", Steps: []domain.Intent{{ActionID: "nope"}}}
	if _, err := analytics.SimulatePlan(ctx, r, reg, "p", bad, now); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestRollupAndAlerts(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	daily := 20.0
	if err := r.UpsertProjectLimits(ctx, nil, domain.ProjectLimits{ProjectID: "p", DailyBudget: &daily}); err != nil {
		t.Fatal(err)
	}
	spend(t, r, now.Add(-time.Hour), 16)
	spend(t, r, now.AddDate(0, 0, -1), 3)

	rows, err := analytics.Rollup(ctx, r, now)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rollup: %+v %v", rows, err)
	}
	if rows[0].ExecutionsToday != 1 || rows[0].CostToday != 16 || rows[0].BudgetUsed != 19 {
		t.Fatalf("unexpected rollup %+v", rows[0])
	}

	rules := []config.Alert{
		{Name: "budget-80", ThresholdPercent: 80},
		{Name: "budget-100", ThresholdPercent: 100},
	}
	l, _ := r.GetProjectLimits(ctx, "p")
	fired := analytics.EvaluateAlerts(l, rules)
	if len(fired) != 1 || fired[0].Name != "budget-80" {
		t.Fatalf("expected only budget-80, got %+v", fired)
	}
	if got := analytics.EvaluateAlerts(domain.ProjectLimits{BudgetUsed: 50}, rules); got != nil {
		t.Fatalf("unlimited project must not alert: %+v", got)
	}
}
