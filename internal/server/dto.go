package server

import (
	"actionline/internal/cost"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/repo"
	"actionline/internal/scheduler"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type ExecuteRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	ActionID  string            `json:"action_id"`
	Inputs    map[string]any    `json:"inputs,omitempty"`
	Mode      string            `json:"execution_mode,omitempty" enum:"interactive,assisted,autonomous"`
	Confirmed bool              `json:"confirmed,omitempty"`
	Trace     map[string]string `json:"trace,omitempty"`
}

func (r ExecuteRequest) intent() domain.Intent {
	return domain.Intent{
		RequestID: r.RequestID,
		ActionID:  r.ActionID,
		Inputs:    r.Inputs,
		Mode:      domain.Mode(r.Mode),
		Confirmed: r.Confirmed,
		Trace:     r.Trace,
	}
}

type PlanRequest struct {
	PlanID string           `json:"plan_id,omitempty"`
	Steps  []ExecuteRequest `json:"steps" minItems:"1"`
}

func (r PlanRequest) plan() domain.Plan {
	p := domain.Plan{PlanID: r.PlanID}
	for _, s := range r.Steps {
		p.Steps = append(p.Steps, s.intent())
	}
	return p
}

type RevertRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

type UpdateLimitsRequest struct {
	DailyBudget   *float64 `json:"daily_budget,omitempty" minimum:"0"`
	Unlimited     bool     `json:"unlimited,omitempty"`
	RatePerMinute *int     `json:"rate_per_minute,omitempty" minimum:"0"`
	RatePerHour   *int     `json:"rate_per_hour,omitempty" minimum:"0"`
	// Windows replaces the execution windows; ClearWindows removes them.
	Windows       []domain.ExecutionWindow `json:"execution_windows,omitempty"`
	ClearWindows  bool                     `json:"clear_windows,omitempty"`
	ActionBudgets map[string]float64       `json:"action_budgets,omitempty"`
}

func (r UpdateLimitsRequest) windows() *[]domain.ExecutionWindow {
	switch {
	case r.ClearWindows:
		return &[]domain.ExecutionWindow{}
	case len(r.Windows) > 0:
		return &r.Windows
	}
	return nil
}

type AdaptBudgetRequest struct {
	Min *float64 `json:"min,omitempty" minimum:"0"`
	Max *float64 `json:"max,omitempty" minimum:"0"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"viewer,operator,admin"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Email   string   `json:"email,omitempty"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Description: p.Description,
		Status:      p.Status,
		CreatedAt:   repo.FormatTime(p.CreatedAt),
	}
}

type ActionResponse struct {
	domain.ActionDeclaration
	Cost        float64 `json:"cost"`
	MinimumRole string  `json:"minimum_role" enum:"viewer,operator,admin"`
}

func actionResponse(a domain.ActionDeclaration) ActionResponse {
	return ActionResponse{ActionDeclaration: a, Cost: cost.Of(a), MinimumRole: auth.RequiredRole(a)}
}

type paginatedExecutions struct {
	Items      []repo.ExecutionRecord `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type LimitsResponse struct {
	ProjectID     string                   `json:"project_id"`
	DailyBudget   *float64                 `json:"daily_budget,omitempty"`
	BudgetUsed    float64                  `json:"budget_used"`
	Remaining     *float64                 `json:"remaining,omitempty"`
	RatePerMinute int                      `json:"rate_per_minute"`
	RatePerHour   int                      `json:"rate_per_hour"`
	Windows       []domain.ExecutionWindow `json:"execution_windows"`
	RoleMappings  []domain.RoleMapping     `json:"role_mappings"`
	ActionBudgets []domain.ActionBudget    `json:"action_budgets"`
}

func limitsResponse(l domain.ProjectLimits, budgets []domain.ActionBudget) LimitsResponse {
	resp := LimitsResponse{
		ProjectID:     l.ProjectID,
		DailyBudget:   l.DailyBudget,
		BudgetUsed:    l.BudgetUsed,
		RatePerMinute: l.RatePerMinute,
		RatePerHour:   l.RatePerHour,
		Windows:       nonNilSlice(l.Windows),
		RoleMappings:  nonNilSlice(l.RoleMappings),
		ActionBudgets: nonNilSlice(budgets),
	}
	if l.DailyBudget != nil {
		rem := l.Remaining()
		resp.Remaining = &rem
	}
	return resp
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Email   string   `json:"email,omitempty"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type deadLettersResponse struct {
	Items []scheduler.DeadLetter `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
