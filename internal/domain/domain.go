package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the autonomy level an intent was proposed under.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeAssisted    Mode = "assisted"
	ModeAutonomous  Mode = "autonomous"
)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

type Visibility string

const (
	VisibilityUser      Visibility = "user"
	VisibilityDeveloper Visibility = "developer"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

type DiffOp string

const (
	DiffAdd     DiffOp = "add"
	DiffReplace DiffOp = "replace"
	DiffRemove  DiffOp = "remove"
)

// Error codes carried by non-success execution results.
const (
	CodeActionUnknown        = "action.unknown"
	CodePermissionDenied     = "permission.denied"
	CodePermissionViewer     = "permission.viewer"
	CodeConfirmationRequired = "confirmation.required"
	CodeInputInvalid         = "input.invalid"
	CodeRateLimited          = "rate.limited"
	CodeProjectArchived      = "project.archived"
	CodeOutsideWindow        = "execution.window_violation"
	CodePreconditionFailed   = "precondition.failed"
	CodeBudgetExceeded       = "budget.exceeded"
	CodePlanTooLong          = "plan.too_long"
	CodeHandlerException     = "handler.exception"
	CodeInvariantViolated    = "invariant.violated"
	CodePersistenceError     = "persistence.error"
	CodeLockTimeout          = "lock.timeout"
	CodeSnapshotUnknown      = "snapshot.unknown"
)

type Intent struct {
	RequestID string            `json:"request_id"`
	ActionID  string            `json:"action_id"`
	Inputs    map[string]any    `json:"inputs,omitempty"`
	Mode      Mode              `json:"execution_mode,omitempty" enum:"interactive,assisted,autonomous"`
	Confirmed bool              `json:"confirmed,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Trace     map[string]string `json:"trace,omitempty"`
}

type Plan struct {
	PlanID string   `json:"plan_id"`
	Steps  []Intent `json:"steps"`
}

var ErrEmptyPlan = errors.New("plan has no steps")

func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	return nil
}

// Snapshot is a point-in-time view of every component's state in a project.
// A snapshot is never modified after it is stored; the next one is derived
// from it.
type Snapshot struct {
	ID         string         `json:"snapshot_id"`
	ProjectID  string         `json:"project_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Seq        int64          `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Components map[string]any `json:"components"`
}

// Clone returns a copy whose components share no maps or slices with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Components = CloneMap(s.Components)
	return out
}

type DiffEntry struct {
	Op    DiffOp `json:"op" enum:"add,replace,remove"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ExecutionResult struct {
	RequestID  string          `json:"request_id"`
	ActionID   string          `json:"action_id"`
	ProjectID  string          `json:"project_id"`
	UserID     string          `json:"user_id,omitempty"`
	Status     Status          `json:"status" enum:"success,rejected,failed"`
	Message    string          `json:"message"`
	SnapshotID string          `json:"snapshot_id,omitempty"`
	Diff       []DiffEntry     `json:"diff,omitempty"`
	Error      *ExecutionError `json:"error,omitempty"`
	Cost       float64         `json:"cost"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMS float64         `json:"duration_ms"`
}

func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }

// ModePolicy governs what an execution mode lets through without a human.
type ModePolicy struct {
	Mode            Mode `json:"mode"`
	MaxSteps        int  `json:"max_steps"`
	ConfirmRequired bool `json:"confirm_required"`
	ConfirmHighRisk bool `json:"confirm_high_risk"`
}

// PolicyFor returns the policy for a mode. Unknown modes get the assisted policy.
func PolicyFor(m Mode) ModePolicy {
	switch m {
	case ModeInteractive:
		return ModePolicy{Mode: m, MaxSteps: 4, ConfirmRequired: true, ConfirmHighRisk: true}
	case ModeAutonomous:
		return ModePolicy{Mode: m, MaxSteps: 8, ConfirmRequired: false, ConfirmHighRisk: true}
	default:
		return ModePolicy{Mode: ModeAssisted, MaxSteps: 6, ConfirmRequired: true, ConfirmHighRisk: true}
	}
}

// Stricter merges two policies so that neither can loosen the other.
func Stricter(a, b ModePolicy) ModePolicy {
	out := a
	if b.MaxSteps > 0 && (out.MaxSteps == 0 || b.MaxSteps < out.MaxSteps) {
		out.MaxSteps = b.MaxSteps
	}
	out.ConfirmRequired = a.ConfirmRequired || b.ConfirmRequired
	out.ConfirmHighRisk = a.ConfirmHighRisk || b.ConfirmHighRisk
	if modeRank(b.Mode) > modeRank(a.Mode) {
		out.Mode = b.Mode
	}
	return out
}

func modeRank(m Mode) int {
	switch m {
	case ModeInteractive:
		return 3
	case ModeAssisted:
		return 2
	case ModeAutonomous:
		return 1
	}
	return 0
}

// ExecutionContext is the per-call authorization frame. It is built by the
// caller from session state, never from the intent.
type ExecutionContext struct {
	UserID    string
	Roles     []string
	Policy    ModePolicy
	ProjectID string
}

type ActionDeclaration struct {
	ID                   string         `json:"action_id"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Risk                 Risk           `json:"risk" enum:"low,medium,high"`
	BaseCost             float64        `json:"base_cost"`
	ConfirmationRequired bool           `json:"confirmation_required"`
	Visibility           Visibility     `json:"visibility" enum:"user,developer"`
	Targets              []string       `json:"targets"`
	InputSchema          map[string]any `json:"input_schema,omitempty"`
	Precondition         string         `json:"precondition,omitempty"`
	ReadOnly             bool           `json:"read_only,omitempty"`
	RequiredRole         string         `json:"required_role,omitempty"`
}

type ComponentDeclaration struct {
	ID          string         `json:"component_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	StateSchema map[string]any `json:"state_schema,omitempty"`
	Readable    bool           `json:"readable"`
	Invariant   string         `json:"invariant,omitempty"`
}

type RoleMapping struct {
	Role      string `json:"role" yaml:"role"`
	Condition string `json:"condition" yaml:"condition"`
}

type ProjectLimits struct {
	ProjectID     string            `json:"project_id"`
	DailyBudget   *float64          `json:"daily_budget,omitempty"`
	BudgetUsed    float64           `json:"budget_used"`
	RatePerMinute int               `json:"rate_per_minute,omitempty"`
	RatePerHour   int               `json:"rate_per_hour,omitempty"`
	Windows       []ExecutionWindow `json:"execution_windows,omitempty"`
	RoleMappings  []RoleMapping     `json:"role_mappings,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Remaining returns the budget left today, or -1 when no daily budget is set.
func (l ProjectLimits) Remaining() float64 {
	if l.DailyBudget == nil {
		return -1
	}
	return *l.DailyBudget - l.BudgetUsed
}

type ActionBudget struct {
	ProjectID   string  `json:"project_id"`
	ActionID    string  `json:"action_id"`
	DailyBudget float64 `json:"daily_budget"`
	Used        float64 `json:"used"`
	Day         string  `json:"day"`
}

const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
)

type Project struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Actor carries the attributes role mappings may test against.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	OrgID string `json:"org_id,omitempty"`
}

type Schedule struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Cron      string         `json:"cron"`
	ActionID  string         `json:"action_id"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ExecutionWindow opens executions on the listed days between Start and End,
// both inclusive, given as HH:MM in UTC.
type ExecutionWindow struct {
	Days  []string `json:"days" yaml:"days"`
	Start string   `json:"start" yaml:"start"`
	End   string   `json:"end" yaml:"end"`
}

func (w ExecutionWindow) Validate() error {
	if len(w.Days) == 0 {
		return errors.New("window has no days")
	}
	for _, d := range w.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	start, err := clock(w.Start)
	if err != nil {
		return err
	}
	end, err := clock(w.End)
	if err != nil {
		return err
	}
	if end < start {
		return fmt.Errorf("window %s-%s ends before it starts", w.Start, w.End)
	}
	return nil
}

// clock parses HH:MM into minutes since midnight.
func clock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t, taken in UTC, falls inside the window.
func (w ExecutionWindow) Contains(t time.Time) bool {
	t = t.UTC()
	open := false
	for _, d := range w.Days {
		if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == t.Weekday() {
			open = true
			break
		}
	}
	if !open {
		return false
	}
	start, err1 := clock(w.Start)
	end, err2 := clock(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	return now >= start && now <= end
}

// WithinWindows reports whether t is inside any window. No windows means
// always open.
func WithinWindows(ws []ExecutionWindow, t time.Time) bool {
	if len(ws) == 0 {
		return true
	}
	for _, w := range ws {
		if w.Contains(t) {
			return true
		}
	}
	return false
}
