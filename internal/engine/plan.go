package engine

import (
	"context"
	"fmt"

	"actionline/internal/domain"
)

type PlanResult struct {
	PlanID  string                   `json:"plan_id"`
	Status  domain.Status            `json:"status" enum:"success,rejected,failed"`
	Error   *domain.ExecutionError   `json:"error,omitempty"`
	Results []domain.ExecutionResult `json:"results"`
	Cost    float64                  `json:"cost"`
}

// ExecutePlan runs steps in order through Execute and stops at the first
// step that does not succeed. Steps already applied stay applied. The
// strictest mode among the context and the steps governs the whole plan.
func (e Engine) ExecutePlan(ctx context.Context, ectx domain.ExecutionContext, plan domain.Plan) PlanResult {
	out := PlanResult{PlanID: plan.PlanID, Status: domain.StatusSuccess}
	if err := plan.Validate(); err != nil {
		out.Status = domain.StatusRejected
		out.Error = &domain.ExecutionError{Code: domain.CodeInputInvalid, Message: err.Error()}
		return out
	}
	policy := Policy(ectx, domain.Intent{})
	for _, step := range plan.Steps {
		policy = Policy(domain.ExecutionContext{Policy: policy}, step)
	}
	if policy.MaxSteps > 0 && len(plan.Steps) > policy.MaxSteps {
		out.Status = domain.StatusRejected
		out.Error = &domain.ExecutionError{
			Code:    domain.CodePlanTooLong,
			Message: fmt.Sprintf("plan has %d steps; %s mode allows %d", len(plan.Steps), policy.Mode, policy.MaxSteps),
		}
		return out
	}
	ectx.Policy = policy
	for i, step := range plan.Steps {
		step.Mode = policy.Mode
		if step.Trace == nil {
			step.Trace = map[string]string{}
		}
		if plan.PlanID != "" {
			step.Trace["plan_id"] = plan.PlanID
		}
		step.Trace["plan_step"] = fmt.Sprint(i)
		res := e.Execute(ctx, ectx, step)
		out.Results = append(out.Results, res)
		if !res.Succeeded() {
			out.Status = res.Status
			out.Error = res.Error
			return out
		}
		out.Cost += res.Cost
	}
	return out
}
