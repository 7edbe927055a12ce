package analytics

import (
	"context"
	"fmt"
	"time"
)

const (
	adaptWindowDays = 7
	adaptMinPoints  = 3
	adaptHeadroom   = 1.2
)

type AdaptResult struct {
	ProjectID string   `json:"project_id"`
	Changed   bool     `json:"changed"`
	Days      int      `json:"days"`
	Mean      float64  `json:"mean"`
	Previous  *float64 `json:"previous,omitempty"`
	Budget    *float64 `json:"budget,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// AdaptBudget sets the project's daily budget to 1.2x the mean daily usage
// of the last seven complete days, clamped to [min, max]. With fewer than
// three days of usage it changes nothing.
func AdaptBudget(ctx context.Context, s Store, projectID string, min, max float64, now time.Time) (AdaptResult, error) {
	out := AdaptResult{ProjectID: projectID}
	if max < min {
		return out, fmt.Errorf("adaptive budget range is empty: min %g > max %g", min, max)
	}
	today := startOfDay(now)
	days, err := s.DailyUsage(ctx, projectID, today.AddDate(0, 0, -adaptWindowDays), today)
	if err != nil {
		return out, fmt.Errorf("daily usage: %w", err)
	}
	out.Days = len(days)
	if len(days) < adaptMinPoints {
		out.Reason = "insufficient_data"
		return out, nil
	}
	var sum float64
	for _, d := range days {
		sum += d.Cost
	}
	out.Mean = sum / float64(len(days))
	next := clamp(out.Mean*adaptHeadroom, min, max)

	limits, err := s.GetProjectLimits(ctx, projectID)
	if err != nil {
		return out, fmt.Errorf("load limits: %w", err)
	}
	out.Previous = limits.DailyBudget
	out.Budget = &next
	if limits.DailyBudget != nil && *limits.DailyBudget == next {
		out.Reason = "unchanged"
		return out, nil
	}
	if err := s.SetDailyBudget(ctx, projectID, &next); err != nil {
		return out, fmt.Errorf("set daily budget: %w", err)
	}
	out.Changed = true
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
