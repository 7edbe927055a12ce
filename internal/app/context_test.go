package app

import (
	"context"
	"testing"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/migrate"
	"actionline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, string) {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, ws
}

func TestResolveCreatesProject(t *testing.T) {
	ctx := context.Background()
	r, ws := newRepo(t)
	if _, _, err := ResolveProjectAndConfig(ctx, ws, "", "alice", r); err == nil {
		t.Fatalf("expected error without project")
	}
	pid, cfg, err := ResolveProjectAndConfig(ctx, ws, "proj-1", "alice", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pid != "proj-1" || cfg.Project.ID != "proj-1" {
		t.Fatalf("unexpected project %s %+v", pid, cfg.Project)
	}
	roles, _ := r.ActorRoles(ctx, "proj-1", "alice")
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("creator should be admin, got %v", roles)
	}
	l, _ := r.GetProjectLimits(ctx, "proj-1")
	if l.DailyBudget == nil || *l.DailyBudget != 100 || l.RatePerMinute != 60 {
		t.Fatalf("default limits not applied: %+v", l)
	}
	pid, _, err = ResolveProjectAndConfig(ctx, ws, "", "alice", r)
	if err != nil || pid != "proj-1" {
		t.Fatalf("single project should resolve, got %s %v", pid, err)
	}
}

func TestApplyConfigReplacesSchedulesAndBudgets(t *testing.T) {
	ctx := context.Background()
	r, ws := newRepo(t)
	if _, _, err := ResolveProjectAndConfig(ctx, ws, "proj-1", "alice", r); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromYAML([]byte(`project:
  id: proj-1
budget:
  daily: 40
  actions:
    demo.counter.reset: 5
schedules:
  - id: nightly
    cron: "0 3 * * *"
    action: demo.counter.reset
  - id: tick
    cron: "*/10 * * * *"
    action: demo.counter.increment
    enabled: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := ApplyConfig(ctx, r, "proj-1", cfg, "alice"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	all, _ := r.ListSchedules(ctx, "proj-1", false)
	enabled, _ := r.ListSchedules(ctx, "proj-1", true)
	if len(all) != 2 || len(enabled) != 1 || enabled[0].ID != ScheduleID("proj-1", "nightly") {
		t.Fatalf("unexpected schedules all=%+v enabled=%+v", all, enabled)
	}
	budgets, _ := r.ListActionBudgets(ctx, "proj-1", all[0].CreatedAt)
	if len(budgets) != 1 || budgets[0].DailyBudget != 5 {
		t.Fatalf("unexpected action budgets %+v", budgets)
	}

	cfg.Schedule = cfg.Schedule[:1]
	cfg.Budget.Actions = nil
	if err := ApplyConfig(ctx, r, "proj-1", cfg, "alice"); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	all, _ = r.ListSchedules(ctx, "proj-1", false)
	if len(all) != 1 {
		t.Fatalf("stale schedule kept: %+v", all)
	}
	budgets, _ = r.ListActionBudgets(ctx, "proj-1", all[0].CreatedAt)
	if len(budgets) != 0 {
		t.Fatalf("action budgets not cleared: %+v", budgets)
	}
	l, _ := r.GetProjectLimits(ctx, "proj-1")
	if *l.DailyBudget != 40 {
		t.Fatalf("daily budget not applied: %v", *l.DailyBudget)
	}
}
