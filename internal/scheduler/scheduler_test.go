package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/scheduler"
)

type scriptedExecutor struct {
	calls   int
	script  []string // "ok", "fail" or "panic" per call
	intents []domain.Intent
	ectx    []domain.ExecutionContext
}

func (s *scriptedExecutor) Execute(_ context.Context, ectx domain.ExecutionContext, intent domain.Intent) domain.ExecutionResult {
	s.calls++
	s.intents = append(s.intents, intent)
	s.ectx = append(s.ectx, ectx)
	step := s.script[len(s.script)-1]
	if s.calls <= len(s.script) {
		step = s.script[s.calls-1]
	}
	res := domain.ExecutionResult{RequestID: intent.RequestID, ActionID: intent.ActionID, ProjectID: ectx.ProjectID}
	switch step {
	case "ok":
		res.Status = domain.StatusSuccess
	case "panic":
		panic("handler blew up")
	default:
		res.Status = domain.StatusFailed
		res.Error = &domain.ExecutionError{Code: domain.CodeHandlerException, Message: "boom"}
	}
	return res
}

type memSink struct{ letters []scheduler.DeadLetter }

func (m *memSink) Put(d scheduler.DeadLetter) error {
	m.letters = append(m.letters, d)
	return nil
}

type memAudit struct{ types []string }

func (m *memAudit) AppendNow(_ context.Context, evtType, _, _, _, _ string, _ events.EventPayload) error {
	m.types = append(m.types, evtType)
	return nil
}

type fakeClock struct{ slept []time.Duration }

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	return nil
}

func newWorker(exec scheduler.Executor, clock *fakeClock, sink scheduler.DeadLetterSink, audit scheduler.Auditor) scheduler.Worker {
	return scheduler.Worker{
		Executor:    exec,
		Retrier:     scheduler.Retrier{Sleep: clock.Sleep},
		DeadLetters: sink,
		Audit:       audit,
		NewID:       func() string { return "0badc0de" },
	}
}

var item = scheduler.Item{ScheduleID: "nightly", ProjectID: "proj-1", ActionID: "demo.counter.increment"}

func TestWorkerSucceedsOnThirdAttempt(t *testing.T) {
	exec := &scriptedExecutor{script: []string{"fail", "fail", "ok"}}
	clock := &fakeClock{}
	sink := &memSink{}
	out := newWorker(exec, clock, sink, nil).Run(context.Background(), item)

	if out.State != scheduler.StateSuccess || exec.calls != 3 || out.Attempts != 3 {
		t.Fatalf("expected success after 3 calls, got %s after %d", out.State, exec.calls)
	}
	if len(sink.letters) != 0 {
		t.Fatalf("success must not dead-letter")
	}
	if len(clock.slept) != 2 || clock.slept[0] != time.Second || clock.slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", clock.slept)
	}
	want := []scheduler.State{
		scheduler.StatePending,
		scheduler.StateAttempting, scheduler.StateRetrying,
		scheduler.StateAttempting, scheduler.StateRetrying,
		scheduler.StateAttempting, scheduler.StateSuccess,
	}
	if len(out.Trail) != len(want) {
		t.Fatalf("unexpected trail %v", out.Trail)
	}
	for i := range want {
		if out.Trail[i] != want[i] {
			t.Fatalf("unexpected trail %v", out.Trail)
		}
	}
	in := exec.intents[0]
	if in.RequestID != "sched-0badc0de" || in.Mode != domain.ModeAutonomous || !in.Confirmed {
		t.Fatalf("unexpected intent %+v", in)
	}
	if exec.ectx[0].UserID != scheduler.SystemUser || len(exec.ectx[0].Roles) != 1 || exec.ectx[0].Roles[0] != "admin" {
		t.Fatalf("unexpected execution context %+v", exec.ectx[0])
	}
}

func TestWorkerExhausts(t *testing.T) {
	exec := &scriptedExecutor{script: []string{"fail"}}
	sink := &memSink{}
	audit := &memAudit{}
	out := newWorker(exec, &fakeClock{}, sink, audit).Run(context.Background(), item)

	if out.State != scheduler.StateExhausted || exec.calls != 3 {
		t.Fatalf("expected exhausted after 3 calls, got %s after %d", out.State, exec.calls)
	}
	if len(sink.letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(sink.letters))
	}
	dl := sink.letters[0]
	if dl.Attempts != 3 || dl.ScheduleID != "nightly" || len(dl.RequestIDs) != 3 || dl.LastError != "handler.exception: boom" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if len(audit.types) != 1 || audit.types[0] != events.ScheduleExhausted {
		t.Fatalf("expected exhaustion audit event, got %v", audit.types)
	}
}

func TestPanicsCountLikeFailures(t *testing.T) {
	exec := &scriptedExecutor{script: []string{"panic", "panic", "ok"}}
	out := newWorker(exec, &fakeClock{}, &memSink{}, nil).Run(context.Background(), item)
	if out.State != scheduler.StateSuccess || exec.calls != 3 {
		t.Fatalf("expected success after 3 calls, got %s after %d", out.State, exec.calls)
	}

	exec = &scriptedExecutor{script: []string{"panic"}}
	sink := &memSink{}
	out = newWorker(exec, &fakeClock{}, sink, nil).Run(context.Background(), item)
	if out.State != scheduler.StateExhausted || exec.calls != 3 || out.Err == nil {
		t.Fatalf("expected exhausted with error after 3 calls, got %s after %d (%v)", out.State, exec.calls, out.Err)
	}
	if len(sink.letters) != 1 {
		t.Fatalf("expected dead letter for panicking item")
	}
}

func TestRetryStopsWhenSleepIsCancelled(t *testing.T) {
	calls := 0
	r := scheduler.Retrier{Sleep: func(context.Context, time.Duration) error { return context.Canceled }}
	out := r.Run(context.Background(), func(context.Context, int) (domain.ExecutionResult, error) {
		calls++
		return domain.ExecutionResult{}, errors.New("nope")
	})
	if calls != 1 || out.State != scheduler.StateExhausted || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected a single attempt then exhaustion, got %d %s %v", calls, out.State, out.Err)
	}
}

func TestDeadLettersPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.db")
	q, err := scheduler.OpenDeadLetters(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a"} {
		if err := q.Put(scheduler.DeadLetter{ID: id, ProjectID: "p", FailedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	q.Close()

	q, err = scheduler.OpenDeadLetters(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q.Close()
	list, err := q.List(0)
	if err != nil || len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("expected oldest first, got %+v %v", list, err)
	}
	if err := q.Delete("b"); err != nil {
		t.Fatal(err)
	}
	list, _ = q.List(10)
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("unexpected list after delete %+v", list)
	}
}

type listStore struct{ schedules []domain.Schedule }

func (l *listStore) ListSchedules(context.Context, string, bool) ([]domain.Schedule, error) {
	return l.schedules, nil
}

func TestCronSync(t *testing.T) {
	store := &listStore{schedules: []domain.Schedule{
		{ID: "a", ProjectID: "p", Cron: "*/5 * * * *", ActionID: "demo.counter.increment", Enabled: true},
		{ID: "bad", ProjectID: "p", Cron: "not a cron", ActionID: "demo.counter.increment", Enabled: true},
	}}
	c := scheduler.NewCron(store, scheduler.Worker{}, nil)
	if err := c.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.Active(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only a, got %v", got)
	}
	store.schedules = nil
	if err := c.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.Active(); len(got) != 0 {
		t.Fatalf("expected no schedules, got %v", got)
	}
}
