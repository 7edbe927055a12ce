package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/metrics"
	"actionline/internal/migrate"
	"actionline/internal/registry"
	"actionline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, reg *registry.Registry) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if reg == nil {
		reg = registry.NewDemo()
	}
	r := repo.Repo{DB: conn}
	eng := engine.New(r, reg)
	eng.Now = func() time.Time { return fixedNow }
	ctx := context.Background()
	if err := r.InsertProject(ctx, nil, domain.Project{ID: "proj-1", CreatedAt: fixedNow}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	daily := 100.0
	if err := r.UpsertProjectLimits(ctx, nil, domain.ProjectLimits{ProjectID: "proj-1", DailyBudget: &daily}); err != nil {
		t.Fatalf("seed limits: %v", err)
	}
	return testEnv{Engine: eng, Repo: r, Ctx: ctx}
}

func admin() domain.ExecutionContext {
	return domain.ExecutionContext{UserID: "alice", Roles: []string{"admin"}, ProjectID: "proj-1"}
}

func setIntent(v int) domain.Intent {
	return domain.Intent{ActionID: "demo.counter.set", Inputs: map[string]any{"value": v}, Mode: domain.ModeInteractive}
}

func counter(t *testing.T, env testEnv) (domain.Snapshot, float64) {
	t.Helper()
	snap, err := env.Repo.GetLatestSnapshot(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	c, _ := snap.Components[registry.CounterID].(map[string]any)
	v, _ := domain.ToFloat(c["value"])
	return snap, v
}

func budgetUsed(t *testing.T, env testEnv) float64 {
	t.Helper()
	l, err := env.Repo.GetProjectLimits(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	return l.BudgetUsed
}

func TestCounterSetAsAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(42))
	if res.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	snap, v := counter(t, env)
	if v != 42 || snap.ID != res.SnapshotID || snap.Seq != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(res.Diff) != 1 || res.Diff[0].Op != domain.DiffReplace || res.Diff[0].Path != "demo.counter.value" || res.Diff[0].Value != float64(42) {
		t.Fatalf("unexpected diff %+v", res.Diff)
	}
	if got := budgetUsed(t, env); got != res.Cost || res.Cost != 1 {
		t.Fatalf("budget used %v, cost %v", got, res.Cost)
	}
	hist, err := env.Repo.ListExecutions(env.Ctx, repo.ExecutionFilter{ProjectID: "proj-1"})
	if err != nil || len(hist) != 1 || hist[0].SnapshotID != res.SnapshotID || len(hist[0].Diff) != 1 {
		t.Fatalf("unexpected history %+v %v", hist, err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "proj-1", "execution.succeeded")
	if err != nil || len(evts) != 1 || evts[0].EntityID != res.RequestID {
		t.Fatalf("expected one audit event, got %+v %v", evts, err)
	}
	if got, err := testutil.GatherAndCount(env.Engine.Metrics.Registry, metrics.Executions); err != nil || got != 1 {
		t.Fatalf("expected one execution series, got %d (%v)", got, err)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	env := newTestEnv(t, nil)
	ectx := admin()
	ectx.Roles = []string{"viewer"}
	res := env.Engine.Execute(env.Ctx, ectx, setIntent(42))
	if res.Status != domain.StatusRejected || res.Error == nil || res.Error.Code != domain.CodePermissionViewer {
		t.Fatalf("expected permission.viewer, got %+v", res)
	}
	if res.SnapshotID != "" || len(res.Diff) != 0 {
		t.Fatalf("rejection must not carry snapshot or diff: %+v", res)
	}
	snap, _ := counter(t, env)
	if snap.Seq != 0 || budgetUsed(t, env) != 0 {
		t.Fatalf("viewer changed state: seq %d", snap.Seq)
	}
	hist, _ := env.Repo.ListExecutions(env.Ctx, repo.ExecutionFilter{ProjectID: "proj-1"})
	if len(hist) != 1 || hist[0].Status != domain.StatusRejected {
		t.Fatalf("expected rejected history row, got %+v", hist)
	}
	// no roles at all behaves as viewer
	ectx.Roles = nil
	if res := env.Engine.Execute(env.Ctx, ectx, setIntent(1)); res.Error == nil || res.Error.Code != domain.CodePermissionViewer {
		t.Fatalf("expected permission.viewer for empty roles, got %+v", res)
	}
}

func TestViewerMayRead(t *testing.T) {
	env := newTestEnv(t, nil)
	ectx := admin()
	ectx.Roles = []string{"viewer"}
	res := env.Engine.Execute(env.Ctx, ectx, domain.Intent{ActionID: "demo.counter.read"})
	if res.Status != domain.StatusSuccess || len(res.Diff) != 0 || res.Cost != 0 {
		t.Fatalf("expected read success, got %+v", res)
	}
}

func TestUnknownAction(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "nope"})
	if res.Error == nil || res.Error.Code != domain.CodeActionUnknown {
		t.Fatalf("expected action.unknown, got %+v", res)
	}
}

func TestConfirmationPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Execute(env.Ctx, admin(), setIntent(5))
	reset := domain.Intent{ActionID: "demo.counter.reset", Mode: domain.ModeAssisted}
	res := env.Engine.Execute(env.Ctx, admin(), reset)
	if res.Error == nil || res.Error.Code != domain.CodeConfirmationRequired {
		t.Fatalf("expected confirmation.required, got %+v", res)
	}
	// the intent cannot talk its way into a looser mode
	reset.Mode = domain.ModeAutonomous
	if res := env.Engine.Execute(env.Ctx, admin(), reset); res.Error == nil || res.Error.Code != domain.CodeConfirmationRequired {
		t.Fatalf("autonomous intent under an assisted context must still confirm, got %+v", res)
	}
	auto := admin()
	auto.Policy = domain.PolicyFor(domain.ModeAutonomous)
	if res := env.Engine.Execute(env.Ctx, auto, reset); res.Status != domain.StatusSuccess {
		t.Fatalf("autonomous context should not confirm medium risk, got %+v", res)
	}
	env.Engine.Execute(env.Ctx, admin(), setIntent(5))
	reset.Mode = domain.ModeInteractive
	if res := env.Engine.Execute(env.Ctx, auto, reset); res.Error == nil || res.Error.Code != domain.CodeConfirmationRequired {
		t.Fatalf("interactive intent tightens an autonomous context, got %+v", res)
	}
	reset.Confirmed = true
	if res := env.Engine.Execute(env.Ctx, auto, reset); res.Status != domain.StatusSuccess {
		t.Fatalf("confirmed reset should succeed, got %+v", res)
	}
}

func TestArchivedProjectRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.Repo.UpdateProject(env.Ctx, "proj-1", domain.ProjectArchived, nil); err != nil {
		t.Fatal(err)
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(7))
	if res.Status != domain.StatusRejected || res.Error.Code != domain.CodeProjectArchived {
		t.Fatalf("expected project.archived, got %+v", res)
	}
	if snap, _ := counter(t, env); snap.Seq != 0 || budgetUsed(t, env) != 0 {
		t.Fatalf("archived project changed state")
	}
	ectx := admin()
	ectx.ProjectID = "ghost"
	if res := env.Engine.Execute(env.Ctx, ectx, setIntent(1)); res.Error == nil || res.Error.Code != domain.CodeInputInvalid {
		t.Fatalf("expected input.invalid for unknown project, got %+v", res)
	}
}

func TestExecutionWindows(t *testing.T) {
	env := newTestEnv(t, nil)
	daily := 100.0
	// fixedNow is Monday 12:00 UTC
	limits := domain.ProjectLimits{ProjectID: "proj-1", DailyBudget: &daily, Windows: []domain.ExecutionWindow{
		{Days: []string{"sat", "sun"}, Start: "00:00", End: "23:59"},
		{Days: []string{"mon"}, Start: "13:00", End: "17:00"},
	}}
	if err := env.Repo.UpsertProjectLimits(env.Ctx, nil, limits); err != nil {
		t.Fatal(err)
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(1))
	if res.Error == nil || res.Error.Code != domain.CodeOutsideWindow {
		t.Fatalf("expected execution.window_violation, got %+v", res)
	}
	env.Engine.Now = func() time.Time { return fixedNow.Add(90 * time.Minute) }
	if res := env.Engine.Execute(env.Ctx, admin(), setIntent(1)); !res.Succeeded() {
		t.Fatalf("inside the monday window: %+v", res)
	}
}

func TestHourlyRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	daily := 100.0
	if err := env.Repo.UpsertProjectLimits(env.Ctx, nil, domain.ProjectLimits{ProjectID: "proj-1", DailyBudget: &daily, RatePerHour: 2}); err != nil {
		t.Fatal(err)
	}
	clock := fixedNow
	env.Engine.Now = func() time.Time { return clock }
	for i := 0; i < 2; i++ {
		if res := env.Engine.Execute(env.Ctx, admin(), setIntent(i)); !res.Succeeded() {
			t.Fatalf("execution %d: %+v", i, res)
		}
		clock = clock.Add(10 * time.Minute)
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(9))
	if res.Error == nil || res.Error.Code != domain.CodeRateLimited || !strings.Contains(res.Message, "hour") {
		t.Fatalf("expected hourly rate.limited, got %+v", res)
	}
	clock = fixedNow.Add(61 * time.Minute)
	if res := env.Engine.Execute(env.Ctx, admin(), setIntent(9)); !res.Succeeded() {
		t.Fatalf("first execution aged out of the hour: %+v", res)
	}
}

func TestInputValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "demo.counter.set", Inputs: map[string]any{"value": "abc"}})
	if res.Error == nil || res.Error.Code != domain.CodeInputInvalid {
		t.Fatalf("expected input.invalid, got %+v", res)
	}
}

func TestPreconditionFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "demo.counter.reset", Confirmed: true})
	if res.Error == nil || res.Error.Code != domain.CodePreconditionFailed {
		t.Fatalf("expected precondition.failed on empty state, got %+v", res)
	}
}

func TestBudgetDebitEqualsCost(t *testing.T) {
	env := newTestEnv(t, nil)
	before := budgetUsed(t, env)
	r1 := env.Engine.Execute(env.Ctx, admin(), setIntent(3))
	r2 := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "demo.counter.reset", Confirmed: true})
	if !r1.Succeeded() || !r2.Succeeded() {
		t.Fatalf("expected successes: %+v %+v", r1, r2)
	}
	if r2.Cost != 5 {
		t.Fatalf("medium risk reset should cost 5, got %v", r2.Cost)
	}
	if got := budgetUsed(t, env); got != before+r1.Cost+r2.Cost {
		t.Fatalf("budget used %v, want %v", got, before+r1.Cost+r2.Cost)
	}
	snaps, _ := env.Repo.ListSnapshots(env.Ctx, "proj-1", 10)
	if len(snaps) != 2 || snaps[0].ParentID != snaps[1].ID {
		t.Fatalf("expected a two-snapshot chain, got %+v", snaps)
	}
}

func spyRegistry(calls *int, risk domain.Risk, base float64) *registry.Registry {
	reg := registry.New()
	_ = reg.RegisterComponent(domain.ComponentDeclaration{ID: "acct", Invariant: `get("components.acct.balance", 0) >= 0`})
	reg.MustRegister(domain.ActionDeclaration{ID: "acct.spend", Risk: risk, BaseCost: base, Targets: []string{"acct"}},
		func(inputs map[string]any, snap domain.Snapshot) (registry.Outcome, error) {
			*calls++
			amt, _ := domain.ToFloat(inputs["amount"])
			acct, _ := snap.Components["acct"].(map[string]any)
			bal, _ := domain.ToFloat(acct["balance"])
			snap.Components["acct"] = map[string]any{"balance": bal - amt}
			return registry.Outcome{Components: snap.Components, Diff: []domain.DiffEntry{{Op: domain.DiffReplace, Path: "acct.balance", Value: bal - amt}}}, nil
		})
	reg.MustRegister(domain.ActionDeclaration{ID: "acct.boom", Risk: domain.RiskLow, Targets: []string{"acct"}, RequiredRole: "operator"},
		func(map[string]any, domain.Snapshot) (registry.Outcome, error) {
			panic("kaboom")
		})
	reg.MustRegister(domain.ActionDeclaration{ID: "acct.err", Risk: domain.RiskLow, Targets: []string{"acct"}, RequiredRole: "operator"},
		func(map[string]any, domain.Snapshot) (registry.Outcome, error) {
			return registry.Outcome{}, errors.New("downstream said no")
		})
	return reg
}

func TestBudgetGateSkipsHandler(t *testing.T) {
	calls := 0
	env := newTestEnv(t, spyRegistry(&calls, domain.RiskHigh, 10))
	res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "acct.spend", Confirmed: true, Inputs: map[string]any{"amount": 1}})
	if res.Error == nil || res.Error.Code != domain.CodeBudgetExceeded {
		t.Fatalf("cost 200 over budget 100 should be rejected, got %+v", res)
	}
	if calls != 0 {
		t.Fatalf("handler must not run when budget is exceeded, ran %d times", calls)
	}
}

func TestActionBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.Repo.SetActionBudget(env.Ctx, nil, "proj-1", "demo.counter.set", 2, fixedNow); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if res := env.Engine.Execute(env.Ctx, admin(), setIntent(i)); !res.Succeeded() {
			t.Fatalf("set %d: %+v", i, res)
		}
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(9))
	if res.Error == nil || res.Error.Code != domain.CodeBudgetExceeded {
		t.Fatalf("expected per-action budget rejection, got %+v", res)
	}
	if res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "demo.counter.increment"}); !res.Succeeded() {
		t.Fatalf("other actions keep running: %+v", res)
	}
}

func TestHandlerFailures(t *testing.T) {
	calls := 0
	env := newTestEnv(t, spyRegistry(&calls, domain.RiskLow, 1))
	for _, id := range []string{"acct.boom", "acct.err"} {
		res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: id})
		if res.Status != domain.StatusFailed || res.Error.Code != domain.CodeHandlerException {
			t.Fatalf("%s: expected handler.exception, got %+v", id, res)
		}
	}
	if snap, _ := counter(t, env); snap.Seq != 0 {
		t.Fatalf("failed handlers must not advance state")
	}
}

func TestInvariantViolation(t *testing.T) {
	calls := 0
	env := newTestEnv(t, spyRegistry(&calls, domain.RiskLow, 1))
	res := env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "acct.spend", Inputs: map[string]any{"amount": 5}})
	if res.Status != domain.StatusFailed || res.Error.Code != domain.CodeInvariantViolated {
		t.Fatalf("expected invariant.violated, got %+v", res)
	}
	if calls != 1 || budgetUsed(t, env) != 0 {
		t.Fatalf("invariant failure must not debit budget")
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Repo.DB.Exec(`CREATE TRIGGER audit_down BEFORE INSERT ON events BEGIN SELECT RAISE(ABORT, 'audit store unavailable'); END;`); err != nil {
		t.Fatal(err)
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(7))
	if res.Status != domain.StatusFailed || res.Error.Code != domain.CodePersistenceError {
		t.Fatalf("expected persistence.error, got %+v", res)
	}
	if res.SnapshotID != "" || res.Diff != nil {
		t.Fatalf("failed result must not reference a snapshot: %+v", res)
	}
	if snap, _ := counter(t, env); snap.Seq != 0 {
		t.Fatalf("snapshot leaked from rolled back transaction")
	}
	if got := budgetUsed(t, env); got != 0 {
		t.Fatalf("budget debited without snapshot: %v", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	daily := 100.0
	if err := env.Repo.UpsertProjectLimits(env.Ctx, nil, domain.ProjectLimits{ProjectID: "proj-1", DailyBudget: &daily, RatePerMinute: 1}); err != nil {
		t.Fatal(err)
	}
	if res := env.Engine.Execute(env.Ctx, admin(), setIntent(1)); !res.Succeeded() {
		t.Fatalf("first execution: %+v", res)
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(2))
	if res.Error == nil || res.Error.Code != domain.CodeRateLimited {
		t.Fatalf("expected rate.limited, got %+v", res)
	}
}

func TestConcurrentExecutionsSerialize(t *testing.T) {
	env := newTestEnv(t, nil)
	const n = 8
	var wg sync.WaitGroup
	results := make([]domain.ExecutionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.Engine.Execute(env.Ctx, admin(), domain.Intent{ActionID: "demo.counter.increment", RequestID: fmt.Sprintf("req-%d", i)})
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		if !r.Succeeded() {
			t.Fatalf("concurrent increment failed: %+v", r)
		}
	}
	snap, v := counter(t, env)
	if v != n || snap.Seq != n {
		t.Fatalf("expected value %d at seq %d, got %v at %d", n, n, v, snap.Seq)
	}
	if got := budgetUsed(t, env); got != n {
		t.Fatalf("expected budget used %d, got %v", n, got)
	}
}

func TestProjectsDoNotBlockEachOther(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.Repo.InsertProject(env.Ctx, nil, domain.Project{ID: "proj-2", CreatedAt: fixedNow}); err != nil {
		t.Fatal(err)
	}
	env.Engine.LockWait = 200 * time.Millisecond
	release, err := env.Engine.Locks.Acquire(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	other := admin()
	other.ProjectID = "proj-2"
	done := make(chan domain.ExecutionResult, 1)
	go func() { done <- env.Engine.Execute(env.Ctx, other, setIntent(3)) }()
	select {
	case res := <-done:
		if !res.Succeeded() {
			t.Fatalf("proj-2 execution: %+v", res)
		}
	case <-time.After(env.Engine.LockWait):
		t.Fatalf("proj-2 blocked behind proj-1's lock")
	}
	if res := env.Engine.Execute(env.Ctx, admin(), setIntent(4)); res.Error == nil || res.Error.Code != domain.CodeLockTimeout {
		t.Fatalf("proj-1 should still be held, got %+v", res)
	}
}

func TestLockTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.LockWait = 100 * time.Millisecond
	ok, err := env.Repo.LockProject(env.Ctx, "proj-1", "other-process", time.Minute, time.Now())
	if err != nil || !ok {
		t.Fatalf("seed foreign lease: %v", err)
	}
	res := env.Engine.Execute(env.Ctx, admin(), setIntent(1))
	if res.Status != domain.StatusFailed || res.Error.Code != domain.CodeLockTimeout {
		t.Fatalf("expected lock.timeout, got %+v", res)
	}
}

func TestExecutePlan(t *testing.T) {
	env := newTestEnv(t, nil)
	plan := domain.Plan{PlanID: "p1", Steps: []domain.Intent{
		setIntent(1),
		{ActionID: "demo.counter.increment", Inputs: map[string]any{"amount": 2}},
		{ActionID: "demo.counter.set", Inputs: map[string]any{"value": "bad"}},
		setIntent(100),
	}}
	out := env.Engine.ExecutePlan(env.Ctx, admin(), plan)
	if out.Status != domain.StatusRejected || len(out.Results) != 3 || out.Error.Code != domain.CodeInputInvalid {
		t.Fatalf("plan should stop at the third step: %+v", out)
	}
	if _, v := counter(t, env); v != 3 {
		t.Fatalf("earlier steps stay applied, got %v", v)
	}
	long := domain.Plan{PlanID: "p2"}
	for i := 0; i < 5; i++ {
		long.Steps = append(long.Steps, setIntent(i))
	}
	out = env.Engine.ExecutePlan(env.Ctx, admin(), long)
	if out.Error == nil || out.Error.Code != domain.CodePlanTooLong || len(out.Results) != 0 {
		t.Fatalf("interactive plans over four steps are rejected: %+v", out)
	}
	if out := env.Engine.ExecutePlan(env.Ctx, admin(), domain.Plan{}); out.Status != domain.StatusRejected {
		t.Fatalf("empty plan should be rejected")
	}
}

func TestPlanUsesStrictestMode(t *testing.T) {
	env := newTestEnv(t, nil)
	auto := admin()
	auto.Policy = domain.PolicyFor(domain.ModeAutonomous)
	step := func(v int, m domain.Mode) domain.Intent {
		return domain.Intent{ActionID: "demo.counter.set", Inputs: map[string]any{"value": v}, Mode: m}
	}
	long := domain.Plan{PlanID: "mixed"}
	for i := 0; i < 5; i++ {
		long.Steps = append(long.Steps, step(i, domain.ModeAutonomous))
	}
	long.Steps[3].Mode = domain.ModeInteractive
	out := env.Engine.ExecutePlan(env.Ctx, auto, long)
	if out.Error == nil || out.Error.Code != domain.CodePlanTooLong {
		t.Fatalf("a later interactive step caps the plan at four steps: %+v", out)
	}

	plan := domain.Plan{PlanID: "confirm", Steps: []domain.Intent{
		step(2, domain.ModeAutonomous),
		{ActionID: "demo.counter.reset", Mode: domain.ModeAutonomous},
		step(9, domain.ModeAssisted),
	}}
	out = env.Engine.ExecutePlan(env.Ctx, auto, plan)
	if len(out.Results) != 2 || out.Error == nil || out.Error.Code != domain.CodeConfirmationRequired {
		t.Fatalf("the assisted step governs every step of the plan: %+v", out)
	}
}

func TestRevertToSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.Engine.Execute(env.Ctx, admin(), setIntent(10))
	env.Engine.Execute(env.Ctx, admin(), setIntent(20))

	op := admin()
	op.Roles = []string{"operator"}
	if res := env.Engine.RevertToSnapshot(env.Ctx, op, first.SnapshotID); res.Error == nil || res.Error.Code != domain.CodePermissionDenied {
		t.Fatalf("operator must not revert: %+v", res)
	}
	res := env.Engine.RevertToSnapshot(env.Ctx, admin(), first.SnapshotID)
	if !res.Succeeded() || res.Cost != 0 {
		t.Fatalf("revert failed: %+v", res)
	}
	snap, v := counter(t, env)
	if v != 10 || snap.Seq != 3 {
		t.Fatalf("expected value 10 at seq 3, got %v at %d", v, snap.Seq)
	}
	if len(res.Diff) != 1 || res.Diff[0].Path != "demo.counter.value" {
		t.Fatalf("unexpected revert diff %+v", res.Diff)
	}
	if res := env.Engine.RevertToSnapshot(env.Ctx, admin(), "missing"); res.Error == nil || res.Error.Code != domain.CodeSnapshotUnknown {
		t.Fatalf("expected snapshot.unknown, got %+v", res)
	}
}

func TestResolveRoles(t *testing.T) {
	env := newTestEnv(t, nil)
	daily := 100.0
	if err := env.Repo.UpsertProjectLimits(env.Ctx, nil, domain.ProjectLimits{
		ProjectID:   "proj-1",
		DailyBudget: &daily,
		RoleMappings: []domain.RoleMapping{
			{Role: "admin", Condition: `user.nope == 1`},
			{Role: "operator", Condition: `user.org_id == "acme"`},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.EnsureActor(env.Ctx, nil, domain.Actor{ID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.AssignRole(env.Ctx, nil, "proj-1", "bob", "admin"); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		actor domain.Actor
		want  string
	}{
		{domain.Actor{ID: "bob", OrgID: "acme"}, "admin"},
		{domain.Actor{ID: "carol", OrgID: "acme"}, "operator"},
		{domain.Actor{ID: "dave", OrgID: "other"}, "viewer"},
	}
	for _, c := range cases {
		roles, err := env.Engine.ResolveRoles(env.Ctx, "proj-1", c.actor)
		if err != nil || len(roles) != 1 || roles[0] != c.want {
			t.Fatalf("%s: want %s got %v %v", c.actor.ID, c.want, roles, err)
		}
	}
}
