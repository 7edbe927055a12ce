package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"actionline/internal/cost"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/events"
	"actionline/internal/metrics"
	"actionline/internal/precondition"
	"actionline/internal/registry"
	"actionline/internal/repo"
)

// Store is the persistence the engine depends on. repo.Repo satisfies it.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	GetProjectLimits(ctx context.Context, projectID string) (domain.ProjectLimits, error)
	ActionBudgetExceeded(ctx context.Context, projectID, actionID string, cost float64, now time.Time) (bool, error)
	SaveExecutionAndSnapshot(ctx context.Context, c repo.Commit) error
	SaveExecution(ctx context.Context, res domain.ExecutionResult, intent domain.Intent) error
	GetLatestSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error)
	GetSnapshot(ctx context.Context, projectID, snapshotID string) (domain.Snapshot, error)
	CountSuccessSince(ctx context.Context, projectID string, since time.Time) (int, error)
	LockProject(ctx context.Context, projectID, holder string, ttl time.Duration, now time.Time) (bool, error)
	UnlockProject(ctx context.Context, projectID, holder string) error
	ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error)
}

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 10 * time.Second
)

type Engine struct {
	Store    Store
	Registry *registry.Registry
	Metrics  *metrics.Engine
	Locks    *Locks
	Logger   *log.Logger
	Now      func() time.Time
	// Holder identifies this process in the cross-process lease table.
	Holder   string
	LockTTL  time.Duration
	LockWait time.Duration
	// RoleAlias maps configured role names onto viewer, operator or admin.
	RoleAlias func(string) string
}

func New(store Store, reg *registry.Registry) Engine {
	return Engine{
		Store:    store,
		Registry: reg,
		Metrics:  metrics.New(),
		Locks:    NewLocks(),
		Logger:   log.Default(),
		Now:      time.Now,
		Holder:   "engine-" + uuid.NewString(),
		LockTTL:  defaultLockTTL,
		LockWait: defaultLockWait,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Execute runs one intent to a terminal result. It never panics and never
// returns an error: every outcome is a well-formed ExecutionResult.
func (e Engine) Execute(ctx context.Context, ectx domain.ExecutionContext, intent domain.Intent) domain.ExecutionResult {
	start := time.Now()
	if intent.RequestID == "" {
		intent.RequestID = uuid.NewString()
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = e.now()
	}
	res := e.execute(ctx, ectx, intent)
	res.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	if !res.Succeeded() {
		if err := e.Store.SaveExecution(ctx, res, intent); err != nil {
			e.logf("engine: record %s result for %s: %v", res.Status, res.RequestID, err)
		}
	}
	e.observe(res)
	return res
}

func (e Engine) observe(res domain.ExecutionResult) {
	if e.Metrics != nil {
		e.Metrics.Observe(res)
	}
}

func (e Engine) result(ectx domain.ExecutionContext, intent domain.Intent) domain.ExecutionResult {
	return domain.ExecutionResult{
		RequestID: intent.RequestID,
		ActionID:  intent.ActionID,
		ProjectID: ectx.ProjectID,
		UserID:    ectx.UserID,
		Timestamp: e.now(),
	}
}

func reject(res domain.ExecutionResult, code, msg string) domain.ExecutionResult {
	res.Status = domain.StatusRejected
	res.Message = msg
	res.Error = &domain.ExecutionError{Code: code, Message: msg}
	res.Cost = 0
	return res
}

func fail(res domain.ExecutionResult, code, msg string) domain.ExecutionResult {
	res.Status = domain.StatusFailed
	res.Message = msg
	res.Error = &domain.ExecutionError{Code: code, Message: msg}
	res.Cost = 0
	return res
}

// Policy returns the policy in force for a call. The context's policy
// applies, assisted when unset; the intent's mode can only tighten it.
func Policy(ectx domain.ExecutionContext, intent domain.Intent) domain.ModePolicy {
	p := ectx.Policy
	if p.Mode == "" {
		p = domain.PolicyFor(domain.ModeAssisted)
	}
	if intent.Mode != "" {
		p = domain.Stricter(p, domain.PolicyFor(intent.Mode))
	}
	return p
}

// NeedsConfirmation reports whether the policy demands an explicit
// confirmation for the action.
func NeedsConfirmation(p domain.ModePolicy, a domain.ActionDeclaration) bool {
	if p.ConfirmHighRisk && a.Risk == domain.RiskHigh {
		return true
	}
	return p.ConfirmRequired && a.ConfirmationRequired
}

func (e Engine) execute(ctx context.Context, ectx domain.ExecutionContext, intent domain.Intent) domain.ExecutionResult {
	res := e.result(ectx, intent)
	if ectx.ProjectID == "" {
		return reject(res, domain.CodeInputInvalid, "project id is required")
	}
	project, err := e.Store.GetProject(ctx, ectx.ProjectID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return reject(res, domain.CodeInputInvalid, fmt.Sprintf("unknown project %q", ectx.ProjectID))
	case err != nil:
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("load project: %v", err))
	case project.Status == domain.ProjectArchived:
		return reject(res, domain.CodeProjectArchived, fmt.Sprintf("project %s is archived and does not accept executions", project.ID))
	}

	decl, handler, err := e.Registry.Resolve(intent.ActionID)
	if err != nil {
		return reject(res, domain.CodeActionUnknown, fmt.Sprintf("unknown action %q", intent.ActionID))
	}

	roles := auth.Normalize(ectx.Roles, e.RoleAlias)
	if err := auth.Authorize(roles, decl); err != nil {
		var verr auth.ViewerError
		if errors.As(err, &verr) {
			return reject(res, domain.CodePermissionViewer, err.Error())
		}
		return reject(res, domain.CodePermissionDenied, err.Error())
	}

	if NeedsConfirmation(Policy(ectx, intent), decl) && !intent.Confirmed {
		return reject(res, domain.CodeConfirmationRequired, fmt.Sprintf("action %s requires confirmation", decl.ID))
	}

	inputs, err := normalizeInputs(intent.Inputs)
	if err != nil {
		return reject(res, domain.CodeInputInvalid, err.Error())
	}
	if err := e.Registry.ValidateInputs(decl.ID, inputs); err != nil {
		return reject(res, domain.CodeInputInvalid, err.Error())
	}

	release, err := e.lock(ctx, ectx.ProjectID)
	if err != nil {
		return fail(res, domain.CodeLockTimeout, err.Error())
	}
	defer release()

	limits, err := e.Store.GetProjectLimits(ctx, ectx.ProjectID)
	if err != nil {
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("load limits: %v", err))
	}
	if !domain.WithinWindows(limits.Windows, res.Timestamp) {
		return reject(res, domain.CodeOutsideWindow, "outside of the project's allowed execution windows")
	}
	for _, rl := range []struct {
		limit  int
		window time.Duration
		unit   string
	}{
		{limits.RatePerMinute, time.Minute, "minute"},
		{limits.RatePerHour, time.Hour, "hour"},
	} {
		if rl.limit <= 0 {
			continue
		}
		n, err := e.Store.CountSuccessSince(ctx, ectx.ProjectID, res.Timestamp.Add(-rl.window))
		if err != nil {
			return fail(res, domain.CodePersistenceError, fmt.Sprintf("count recent executions: %v", err))
		}
		if n >= rl.limit {
			return reject(res, domain.CodeRateLimited, fmt.Sprintf("rate limit of %d executions per %s reached", rl.limit, rl.unit))
		}
	}

	snap, err := e.Store.GetLatestSnapshot(ctx, ectx.ProjectID)
	if err != nil {
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("load snapshot: %v", err))
	}

	if decl.Precondition != "" {
		if err := e.guard(decl.Precondition, snap.Components, ectx, roles); err != nil {
			return reject(res, domain.CodePreconditionFailed, err.Error())
		}
	}

	c := cost.Of(decl)
	if limits.DailyBudget != nil && limits.BudgetUsed+c > *limits.DailyBudget {
		return reject(res, domain.CodeBudgetExceeded,
			fmt.Sprintf("cost %g exceeds remaining budget %g", c, *limits.DailyBudget-limits.BudgetUsed))
	}
	if c > 0 {
		over, err := e.Store.ActionBudgetExceeded(ctx, ectx.ProjectID, decl.ID, c, res.Timestamp)
		if err != nil {
			return fail(res, domain.CodePersistenceError, fmt.Sprintf("load action budget: %v", err))
		}
		if over {
			return reject(res, domain.CodeBudgetExceeded, fmt.Sprintf("daily budget for action %s exhausted", decl.ID))
		}
	}

	out, err := invoke(handler, inputs, snap.Clone())
	if err != nil {
		return fail(res, domain.CodeHandlerException, err.Error())
	}
	if out.Components == nil {
		return fail(res, domain.CodeHandlerException, "handler returned no components")
	}
	if decl.ReadOnly && len(out.Diff) > 0 {
		return fail(res, domain.CodeHandlerException, fmt.Sprintf("read-only action %s returned a diff", decl.ID))
	}
	if err := e.checkInvariants(decl, out.Components, ectx, roles); err != nil {
		return fail(res, domain.CodeInvariantViolated, err.Error())
	}

	next := domain.Snapshot{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ProjectID:  ectx.ProjectID,
		ParentID:   snap.ID,
		Seq:        snap.Seq + 1,
		Timestamp:  res.Timestamp,
		Components: out.Components,
	}
	res.Status = domain.StatusSuccess
	res.Message = out.Message
	res.SnapshotID = next.ID
	res.Diff = out.Diff
	res.Cost = c

	if err := e.Store.SaveExecutionAndSnapshot(ctx, repo.Commit{
		Snapshot:  next,
		Result:    res,
		Intent:    intent,
		EventType: events.ExecutionSucceeded,
		Payload: events.EventPayload{
			"action_id":   decl.ID,
			"snapshot_id": next.ID,
			"seq":         next.Seq,
			"cost":        c,
			"diff":        out.Diff,
		},
	}); err != nil {
		e.logf("engine: persist %s for project %s: %v", res.RequestID, ectx.ProjectID, err)
		res.SnapshotID = ""
		res.Diff = nil
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("persist execution: %v", err))
	}
	return res
}

// invoke calls the handler, turning a panic into an error.
func invoke(h registry.Handler, inputs map[string]any, snap domain.Snapshot) (out registry.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	out, err = h(inputs, snap)
	if err != nil {
		err = fmt.Errorf("handler error: %w", err)
	}
	return out, err
}

// normalizeInputs round-trips inputs through JSON so handlers and the schema
// validator see one representation (float64 numbers, []any lists) and the
// caller's maps are never shared.
func normalizeInputs(in map[string]any) (map[string]any, error) {
	if len(in) == 0 {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("inputs are not JSON encodable: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	return out, nil
}

func userEnv(ectx domain.ExecutionContext, roles []string) map[string]any {
	rs := make([]any, len(roles))
	for i, r := range roles {
		rs[i] = r
	}
	return map[string]any{"id": ectx.UserID, "roles": rs}
}

func (e Engine) guard(src string, comps map[string]any, ectx domain.ExecutionContext, roles []string) error {
	ok, err := precondition.Evaluate(src, precondition.Env{"components": comps, "user": userEnv(ectx, roles)})
	if err != nil {
		return fmt.Errorf("precondition %q could not be evaluated: %v", src, err)
	}
	if !ok {
		return fmt.Errorf("precondition %q not satisfied", src)
	}
	return nil
}

func (e Engine) checkInvariants(decl domain.ActionDeclaration, comps map[string]any, ectx domain.ExecutionContext, roles []string) error {
	var broken []string
	for _, target := range decl.Targets {
		c, ok := e.Registry.Component(target)
		if !ok || strings.TrimSpace(c.Invariant) == "" {
			continue
		}
		if err := e.guard(c.Invariant, comps, ectx, roles); err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", target, err))
		}
	}
	if len(broken) > 0 {
		return errors.New("invariant violated: " + strings.Join(broken, "; "))
	}
	return nil
}
