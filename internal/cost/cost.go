package cost

import "actionline/internal/domain"

var riskMultiplier = map[domain.Risk]float64{
	domain.RiskLow:    1,
	domain.RiskMedium: 5,
	domain.RiskHigh:   20,
}

// Multiplier returns the weight for a risk level. Unknown levels weigh like low.
func Multiplier(r domain.Risk) float64 {
	if m, ok := riskMultiplier[r]; ok {
		return m
	}
	return 1
}

// Of returns the budget units an action consumes when it succeeds.
func Of(a domain.ActionDeclaration) float64 {
	return a.BaseCost * Multiplier(a.Risk)
}
