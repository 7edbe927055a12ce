package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"actionline/internal/analytics"
	"actionline/internal/app"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/repo"
)

func limitsCmd() *cobra.Command {
	l := &cobra.Command{Use: "limits", Short: "Project budget and rate limits"}
	l.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show limits and per-action budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				return showLimits(ctx, v)
			})
		},
	})
	l.AddCommand(limitsSetCmd())
	return l
}

func showLimits(ctx context.Context, v env) error {
	limits, err := v.Repo.GetProjectLimits(ctx, v.ProjectID)
	if err != nil {
		return err
	}
	budgets, err := v.Repo.ListActionBudgets(ctx, v.ProjectID, time.Now().UTC())
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"limits": limits, "action_budgets": budgets})
	}
	fmt.Printf("project %s: used %.2f of %s, rate %d/min %d/hour\n", v.ProjectID, limits.BudgetUsed, formatBudget(limits.DailyBudget), limits.RatePerMinute, limits.RatePerHour)
	for _, w := range limits.Windows {
		fmt.Printf("window: %s %s-%s UTC\n", strings.Join(w.Days, ","), w.Start, w.End)
	}
	if len(budgets) == 0 {
		return nil
	}
	rows := make([]table.Row, 0, len(budgets))
	for _, b := range budgets {
		rows = append(rows, table.Row{b.ActionID, b.Used, b.DailyBudget, b.Day})
	}
	printTable(table.Row{"Action", "Used", "Daily", "Day"}, rows)
	return nil
}

func limitsSetCmd() *cobra.Command {
	var daily float64
	var rate, hourly int
	var unlimited, clearWindows bool
	var actionBudgets, windows []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change limits (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			change := app.LimitsChange{Unlimited: unlimited}
			if cmd.Flags().Changed("daily") {
				change.DailyBudget = &daily
			}
			if cmd.Flags().Changed("rate") {
				change.RatePerMinute = &rate
			}
			if cmd.Flags().Changed("rate-hour") {
				change.RatePerHour = &hourly
			}
			if clearWindows || len(windows) > 0 {
				ws, err := parseWindows(windows)
				if err != nil {
					return err
				}
				change.Windows = &ws
			}
			budgets, err := parseActionBudgets(actionBudgets)
			if err != nil {
				return err
			}
			change.ActionBudgets = budgets
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "limits.update"); err != nil {
					return err
				}
				if _, err := app.UpdateLimits(ctx, v.Repo, v.Engine.Registry, v.ProjectID, v.Actor, change, time.Now().UTC()); err != nil {
					return err
				}
				return showLimits(ctx, v)
			})
		},
	}
	cmd.Flags().Float64Var(&daily, "daily", 0, "daily budget")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "remove the daily budget")
	cmd.Flags().IntVar(&rate, "rate", 0, "successful executions per minute (0 disables)")
	cmd.Flags().IntVar(&hourly, "rate-hour", 0, "successful executions per hour (0 disables)")
	cmd.Flags().StringArrayVar(&windows, "window", nil, "allowed UTC window as days@HH:MM-HH:MM, e.g. mon,tue@09:00-17:00 (repeatable, replaces existing)")
	cmd.Flags().BoolVar(&clearWindows, "clear-windows", false, "remove every execution window")
	cmd.Flags().StringArrayVar(&actionBudgets, "action-budget", nil, "per-action daily budget as action=amount (repeatable)")
	return cmd
}

// parseWindows reads days@HH:MM-HH:MM items.
func parseWindows(items []string) ([]domain.ExecutionWindow, error) {
	out := make([]domain.ExecutionWindow, 0, len(items))
	for _, it := range items {
		days, span, ok := strings.Cut(it, "@")
		start, end, ok2 := strings.Cut(span, "-")
		if !ok || !ok2 {
			return nil, fmt.Errorf("invalid --window %q: want days@HH:MM-HH:MM", it)
		}
		w := domain.ExecutionWindow{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
		for _, d := range strings.Split(days, ",") {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
				w.Days = append(w.Days, d)
			}
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --window %q: %w", it, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func parseActionBudgets(items []string) (map[string]float64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(items))
	for _, it := range items {
		id, raw, ok := strings.Cut(it, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid --action-budget %q: want action=amount", it)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --action-budget %q: %w", it, err)
		}
		out[strings.TrimSpace(id)] = v
	}
	return out, nil
}

func budgetCmd() *cobra.Command {
	b := &cobra.Command{Use: "budget", Short: "Budget day, forecast and adaptation"}
	b.AddCommand(budgetRolloverCmd())
	b.AddCommand(budgetAdaptCmd())
	b.AddCommand(budgetForecastCmd())
	b.AddCommand(budgetRollupCmd())
	return b
}

func budgetRolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Start a new budget day for the project (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "budget.rollover"); err != nil {
					return err
				}
				if err := app.Rollover(ctx, v.Repo, v.ProjectID, v.Actor, time.Now().UTC()); err != nil {
					return err
				}
				return showLimits(ctx, v)
			})
		},
	}
}

func budgetAdaptCmd() *cobra.Command {
	var min, max float64
	cmd := &cobra.Command{
		Use:   "adapt",
		Short: "Recompute the daily budget from the last 7 days of spend (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "budget.adapt"); err != nil {
					return err
				}
				res, err := app.AdaptBudget(ctx, v.Repo, v.ProjectID, v.Actor, min, max, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Changed {
					fmt.Printf("budget unchanged (%s, %d days of data)\n", res.Reason, res.Days)
					return nil
				}
				fmt.Printf("daily budget %s -> %s (mean %.2f over %d days)\n", formatBudget(res.Previous), formatBudget(res.Budget), res.Mean, res.Days)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&min, "min", 0, "lower bound (defaults to config budget.adaptive.min)")
	cmd.Flags().Float64Var(&max, "max", 0, "upper bound (defaults to config budget.adaptive.max)")
	return cmd
}

func budgetForecastCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast when the daily budget runs out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if hours == 0 && v.Config != nil {
					hours = v.Config.Budget.ForecastLookbackHours
				}
				f, err := analytics.Forecast(ctx, v.Repo, v.ProjectID, time.Duration(hours)*time.Hour, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				if f.Status == analytics.ForecastOK && f.ExhaustionAt != nil {
					fmt.Printf("burning %.2f/h; %.1fh of budget left (exhausted at %s)\n", f.BurnRatePerHour, f.HoursRemaining, repo.FormatTime(*f.ExhaustionAt))
					return nil
				}
				fmt.Printf("%s (lookback %.0fh, window cost %.2f)\n", f.Status, f.LookbackHours, f.WindowCost)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "lookback-hours", 0, "spend window (defaults to config budget.forecast_lookback_hours)")
	return cmd
}

func budgetRollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup",
		Short: "Today's usage across all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rows, err := analytics.Rollup(ctx, r, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				out := make([]table.Row, 0, len(rows))
				for _, u := range rows {
					out = append(out, table.Row{u.ProjectID, u.BudgetUsed, formatBudget(u.BudgetTotal), u.ExecutionsToday, u.CostToday})
				}
				printTable(table.Row{"Project", "Used", "Daily", "Executions", "Cost Today"}, out)
				return nil
			})
		},
	}
}

func printYAML(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
