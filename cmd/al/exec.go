package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"actionline/internal/analytics"
	"actionline/internal/cost"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/engine/auth"
	"actionline/internal/registry"
	"actionline/internal/repo"
)

func actionsCmd() *cobra.Command {
	a := &cobra.Command{Use: "actions", Short: "Registered actions"}
	var developer bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			decls := registry.NewDemo().Actions(developer)
			if viper.GetBool("json") {
				return printJSON(decls)
			}
			rows := make([]table.Row, 0, len(decls))
			for _, d := range decls {
				rows = append(rows, table.Row{d.ID, d.Risk, cost.Of(d), auth.RequiredRole(d), d.ConfirmationRequired, d.ReadOnly, d.Title})
			}
			printTable(table.Row{"Action", "Risk", "Cost", "Min Role", "Confirm", "Read Only", "Title"}, rows)
			return nil
		},
	}
	list.Flags().BoolVar(&developer, "developer", false, "include developer-only actions")
	a.AddCommand(list)
	return a
}

func execCmd() *cobra.Command {
	var inputs []string
	var inputsJSON, mode, requestID string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "exec <action-id>",
		Short: "Execute one action",
		Long:  "Execute one action as --actor-id. Inputs are given as key=value pairs; values are parsed as JSON when possible.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs, inputsJSON)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				ectx, err := v.execContext(ctx)
				if err != nil {
					return err
				}
				res := v.Engine.Execute(ctx, ectx, domain.Intent{
					RequestID: requestID,
					ActionID:  args[0],
					Inputs:    in,
					Mode:      domain.Mode(mode),
					Confirmed: confirm,
				})
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "inputs as a JSON object")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeInteractive), "execution mode (interactive, assisted, autonomous)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm actions that require it")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id (generated when empty)")
	return cmd
}

func printResult(res domain.ExecutionResult) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s %s: %s (cost %.2f, %s)\n", res.ActionID, res.Status, res.Message, res.Cost, res.RequestID)
		if res.SnapshotID != "" {
			fmt.Printf("snapshot %s\n", res.SnapshotID)
		}
		for _, d := range res.Diff {
			val, _ := json.Marshal(d.Value)
			fmt.Printf("  %-7s %s %s\n", d.Op, d.Path, string(val))
		}
	}
	if res.Error != nil {
		return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
	}
	return nil
}

// parseInputs merges a JSON object with key=value pairs; pairs win.
func parseInputs(pairs []string, rawJSON string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &out); err != nil {
			return nil, fmt.Errorf("invalid --inputs-json: %w", err)
		}
	}
	for _, p := range pairs {
		k, raw, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", p)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		out[k] = val
	}
	return out, nil
}

type planStep struct {
	RequestID string         `yaml:"request_id"`
	Action    string         `yaml:"action"`
	Inputs    map[string]any `yaml:"inputs"`
	Confirmed bool           `yaml:"confirmed"`
}

type planFile struct {
	PlanID string     `yaml:"plan_id"`
	Mode   string     `yaml:"mode"`
	Steps  []planStep `yaml:"steps"`
}

// loadPlan reads a YAML (or JSON) plan file.
func loadPlan(path string) (domain.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Plan{}, err
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return domain.Plan{}, fmt.Errorf("invalid plan file: %w", err)
	}
	plan := domain.Plan{PlanID: pf.PlanID}
	for i, s := range pf.Steps {
		if strings.TrimSpace(s.Action) == "" {
			return plan, fmt.Errorf("plan step %d: action is required", i+1)
		}
		plan.Steps = append(plan.Steps, domain.Intent{
			RequestID: s.RequestID,
			ActionID:  s.Action,
			Inputs:    s.Inputs,
			Mode:      domain.Mode(pf.Mode),
			Confirmed: s.Confirmed,
		})
	}
	return plan, plan.Validate()
}

func planCmd() *cobra.Command {
	p := &cobra.Command{Use: "plan", Short: "Multi-step plans"}
	p.AddCommand(planSimulateCmd())
	p.AddCommand(planRunCmd())
	return p
}

func planSimulateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Price a plan against the current budget without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(file)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				sim, err := analytics.SimulatePlan(ctx, v.Repo, v.Engine.Registry, v.ProjectID, plan, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sim)
				}
				rows := make([]table.Row, 0, len(sim.Steps))
				for i, s := range sim.Steps {
					rows = append(rows, table.Row{i + 1, s.ActionID, s.Cost, s.CumulativeCost, s.WouldExceedBudget, s.WouldExceedActionBudget})
				}
				printTable(table.Row{"#", "Action", "Cost", "Cumulative", "Over Budget", "Over Action Budget"}, rows)
				fmt.Printf("total %.2f, exceeds project budget: %v\n", sim.TotalCost, sim.WouldExceedProjectBudget)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planRunCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan step by step, stopping at the first failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(file)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				ectx, err := v.execContext(ctx)
				if err != nil {
					return err
				}
				res := v.Engine.ExecutePlan(ctx, ectx, plan)
				return printPlanResult(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printPlanResult(res engine.PlanResult) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		rows := make([]table.Row, 0, len(res.Results))
		for i, r := range res.Results {
			code := ""
			if r.Error != nil {
				code = r.Error.Code
			}
			rows = append(rows, table.Row{i + 1, r.ActionID, r.Status, r.Cost, code, r.SnapshotID})
		}
		printTable(table.Row{"#", "Action", "Status", "Cost", "Code", "Snapshot"}, rows)
		fmt.Printf("plan %s: %s (cost %.2f)\n", res.PlanID, res.Status, res.Cost)
	}
	if res.Error != nil {
		return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
	}
	return nil
}

func historyCmd() *cobra.Command {
	var f repo.ExecutionFilter
	var cursor string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Execution history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cursor != "" {
				c, err := strconv.ParseInt(cursor, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --cursor: %w", err)
				}
				f.Cursor = c
			}
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				f.ProjectID = v.ProjectID
				items, err := v.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					code := ""
					if it.Error != nil {
						code = it.Error.Code
					}
					rows = append(rows, table.Row{it.Seq, repo.FormatTime(it.Timestamp), it.ActionID, it.Status, it.Cost, it.UserID, code})
				}
				printTable(table.Row{"Seq", "Time", "Action", "Status", "Cost", "User", "Code"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ActionID, "action", "", "action id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (success, rejected, failed)")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of executions")
	cmd.Flags().StringVar(&cursor, "cursor", "", "only executions older than this sequence number")
	return cmd
}

func snapshotCmd() *cobra.Command {
	s := &cobra.Command{Use: "snapshot", Short: "State snapshots"}
	s.AddCommand(&cobra.Command{
		Use:   "show [snapshot-id]",
		Short: "Show the latest or a given snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				var snap domain.Snapshot
				var err error
				if len(args) == 1 {
					snap, err = v.Repo.GetSnapshot(ctx, v.ProjectID, args[0])
				} else {
					snap, err = v.Repo.GetLatestSnapshot(ctx, v.ProjectID)
				}
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	})
	var confirm bool
	revert := &cobra.Command{
		Use:   "revert <snapshot-id>",
		Short: "Restore project state to an earlier snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				ectx, err := v.execContext(ctx)
				if err != nil {
					return err
				}
				if !confirm {
					return fmt.Errorf("reverting replaces current state; pass --confirm")
				}
				return printResult(v.Engine.RevertToSnapshot(ctx, ectx, args[0]))
			})
		},
	}
	revert.Flags().BoolVar(&confirm, "confirm", false, "confirm the revert")
	s.AddCommand(revert)
	return s
}
