package analytics

import (
	"context"
	"fmt"
	"time"
)

const DefaultLookback = 6 * time.Hour

const (
	ForecastInsufficientData = "insufficient_data"
	ForecastNoBurn           = "no_burn"
	ForecastNoLimit          = "no_limit"
	ForecastOK               = "ok"
)

type ForecastResult struct {
	ProjectID       string     `json:"project_id"`
	Status          string     `json:"status" enum:"insufficient_data,no_burn,no_limit,ok"`
	LookbackHours   float64    `json:"lookback_hours"`
	WindowCost      float64    `json:"window_cost"`
	BurnRatePerHour float64    `json:"burn_rate_per_hour,omitempty"`
	DailyBudget     *float64   `json:"daily_budget,omitempty"`
	HoursRemaining  float64    `json:"hours_remaining,omitempty"`
	ExhaustionAt    *time.Time `json:"exhaustion_at,omitempty"`
}

// Forecast extrapolates the burn rate of the lookback window to the
// moment the daily budget runs out.
func Forecast(ctx context.Context, s Store, projectID string, lookback time.Duration, now time.Time) (ForecastResult, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	out := ForecastResult{ProjectID: projectID, LookbackHours: lookback.Hours()}
	usage, err := s.UsageSince(ctx, projectID, now.Add(-lookback))
	if err != nil {
		return out, fmt.Errorf("usage: %w", err)
	}
	if usage.Executions == 0 {
		out.Status = ForecastInsufficientData
		return out, nil
	}
	out.WindowCost = usage.Cost
	out.BurnRatePerHour = usage.Cost / lookback.Hours()
	if out.BurnRatePerHour <= 0 {
		out.Status = ForecastNoBurn
		return out, nil
	}
	limits, err := s.GetProjectLimits(ctx, projectID)
	if err != nil {
		return out, fmt.Errorf("load limits: %w", err)
	}
	if limits.DailyBudget == nil {
		out.Status = ForecastNoLimit
		return out, nil
	}
	out.DailyBudget = limits.DailyBudget
	out.Status = ForecastOK
	out.HoursRemaining = (*limits.DailyBudget - usage.Cost) / out.BurnRatePerHour
	at := now.Add(time.Duration(out.HoursRemaining * float64(time.Hour))).UTC()
	out.ExhaustionAt = &at
	return out, nil
}
