package cost

import (
	"testing"

	"actionline/internal/domain"
)

func TestOfScalesByRisk(t *testing.T) {
	cases := []struct {
		risk domain.Risk
		base float64
		want float64
	}{
		{domain.RiskLow, 1, 1},
		{domain.RiskMedium, 2, 10},
		{domain.RiskHigh, 1.5, 30},
		{domain.RiskHigh, 0, 0},
		{"", 3, 3},
	}
	for _, c := range cases {
		got := Of(domain.ActionDeclaration{ID: "a", Risk: c.risk, BaseCost: c.base})
		if got != c.want {
			t.Fatalf("risk %q base %v: want %v got %v", c.risk, c.base, c.want, got)
		}
	}
}
