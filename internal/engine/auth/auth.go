package auth

import (
	"fmt"
	"strings"

	"actionline/internal/cost"
	"actionline/internal/domain"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var ranks = map[string]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleAdmin:    2,
}

// IsRole reports whether r is one of the built-in roles.
func IsRole(r string) bool {
	_, ok := ranks[r]
	return ok
}

// Rank orders roles; unknown names rank as viewer.
func Rank(role string) int {
	return ranks[strings.ToLower(strings.TrimSpace(role))]
}

// Normalize lowercases roles, maps them through alias and drops unknown
// names. An empty result means viewer.
func Normalize(roles []string, alias func(string) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if alias != nil {
			r = alias(r)
		}
		if !IsRole(r) || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	if len(out) == 0 {
		out = []string{RoleViewer}
	}
	return out
}

// Highest returns the strongest role held.
func Highest(roles []string) string {
	best := RoleViewer
	for _, r := range roles {
		if Rank(r) > Rank(best) {
			best = strings.ToLower(r)
		}
	}
	return best
}

// OnlyViewer reports whether no role above viewer is held.
func OnlyViewer(roles []string) bool {
	return Rank(Highest(roles)) == ranks[RoleViewer]
}

// RequiredRole is the minimum role an action demands: its explicit role,
// else admin for developer or high-risk actions, else operator for anything
// that costs budget, else viewer.
func RequiredRole(a domain.ActionDeclaration) string {
	if IsRole(a.RequiredRole) {
		return a.RequiredRole
	}
	if a.Visibility == domain.VisibilityDeveloper || a.Risk == domain.RiskHigh {
		return RoleAdmin
	}
	if cost.Of(a) > 0 {
		return RoleOperator
	}
	return RoleViewer
}

// ViewerError rejects any mutation attempted with viewer-only roles.
type ViewerError struct {
	ActionID string
}

func (e ViewerError) Error() string {
	return fmt.Sprintf("viewer role cannot execute mutating action %s", e.ActionID)
}

// ForbiddenError indicates missing role rank.
type ForbiddenError struct {
	ActionID string
	Required string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required for action %s", e.Required, e.ActionID)
}

// Authorize applies the viewer ceiling and then the minimum-role rule.
func Authorize(roles []string, a domain.ActionDeclaration) error {
	if OnlyViewer(roles) && !a.ReadOnly {
		return ViewerError{ActionID: a.ID}
	}
	req := RequiredRole(a)
	if Rank(Highest(roles)) < Rank(req) {
		return ForbiddenError{ActionID: a.ID, Required: req}
	}
	return nil
}
