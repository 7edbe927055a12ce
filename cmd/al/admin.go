package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionline/internal/app"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/scheduler"
)

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Project roles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the calling actor's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				roles, err := v.roles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": v.Actor, "project_id": v.ProjectID, "roles": roles})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "members",
		Short: "List explicit role assignments in the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				members, err := v.Repo.ProjectMembers(ctx, v.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				rows := make([]table.Row, 0, len(members))
				for actor, roles := range members {
					rows = append(rows, table.Row{actor, strings.Join(roles, ",")})
				}
				sort.Slice(rows, func(i, j int) bool { return rows[i][0].(string) < rows[j][0].(string) })
				printTable(table.Row{"Actor", "Roles"}, rows)
				return nil
			})
		},
	})
	cmd.AddCommand(roleChangeCmd("grant", "Grant a role to an actor (admin)", true))
	cmd.AddCommand(roleChangeCmd("revoke", "Revoke a role from an actor (admin)", false))
	return cmd
}

func roleChangeCmd(use, short string, grant bool) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "rbac."+use); err != nil {
					return err
				}
				return app.ChangeRole(ctx, v.Repo, v.ProjectID, v.Actor, target, v.Config.CanonicalRole(role), grant)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (viewer, operator, admin or a configured alias)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func scheduleCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "schedule",
		Short: "Cron-triggered intents",
		Long:  "Schedules run under 'al serve' as the system scheduler with admin rights, in autonomous mode, retried up to 3 times before being dead-lettered.",
	}
	s.AddCommand(scheduleAddCmd())
	s.AddCommand(scheduleListCmd())
	s.AddCommand(scheduleRemoveCmd())
	s.AddCommand(scheduleRunCmd())
	return s
}

func scheduleAddCmd() *cobra.Command {
	var id, spec, action, inputsJSON string
	var inputs []string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a schedule (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid --cron %q: %w", spec, err)
			}
			in, err := parseInputs(inputs, inputsJSON)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "schedule.add"); err != nil {
					return err
				}
				if _, err := v.Engine.Registry.Action(action); err != nil {
					return err
				}
				return v.Repo.UpsertSchedule(ctx, nil, domain.Schedule{
					ID:        id,
					ProjectID: v.ProjectID,
					Cron:      spec,
					ActionID:  action,
					Inputs:    in,
					Enabled:   !disabled,
					CreatedAt: time.Now().UTC(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "schedule id")
	cmd.Flags().StringVar(&spec, "cron", "", "five-field cron expression (UTC)")
	cmd.Flags().StringVar(&action, "action", "", "action id")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "inputs as a JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the schedule without running it")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("cron")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				items, err := v.Repo.ListSchedules(ctx, v.ProjectID, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					rows = append(rows, table.Row{s.ID, s.Cron, s.ActionID, s.Enabled})
				}
				printTable(table.Row{"ID", "Cron", "Action", "Enabled"}, rows)
				return nil
			})
		},
	}
}

func scheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a schedule (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "schedule.remove"); err != nil {
					return err
				}
				s, err := v.Repo.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				if s.ProjectID != v.ProjectID {
					return fmt.Errorf("schedule %s belongs to project %s", s.ID, s.ProjectID)
				}
				return v.Repo.DeleteSchedule(ctx, nil, s.ID)
			})
		},
	}
}

func scheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a schedule once now, with retries (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "schedule.run"); err != nil {
					return err
				}
				s, err := v.Repo.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				dead, err := scheduler.OpenDeadLetters(db.DeadLetterPath(v.Workspace))
				if err != nil {
					return fmt.Errorf("open dead letters: %w", err)
				}
				defer dead.Close()
				w := newWorker(v.Engine, v.Repo, dead, log.New(os.Stderr, "", log.LstdFlags))
				out := w.Run(ctx, scheduler.Item{
					ScheduleID: s.ID,
					ProjectID:  s.ProjectID,
					ActionID:   s.ActionID,
					Inputs:     s.Inputs,
					Trigger:    "manual",
				})
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s after %d attempt(s)\n", out.State, out.Attempts)
				if out.State != scheduler.StateSuccess {
					return fmt.Errorf("schedule %s exhausted: %s", s.ID, out.LastError())
				}
				return printResult(out.Result)
			})
		},
	}
}

func deadLetterCmd() *cobra.Command {
	d := &cobra.Command{Use: "deadletter", Short: "Scheduled intents that exhausted their retries"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(func(q *scheduler.DeadLetters) error {
				items, err := q.List(limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.ProjectID, it.ScheduleID, it.ActionID, it.Attempts, it.FailedAt.Format(time.RFC3339), it.LastError})
				}
				printTable(table.Row{"ID", "Project", "Schedule", "Action", "Attempts", "Failed", "Last Error"}, rows)
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries (0 for all)")
	d.AddCommand(list)
	d.AddCommand(&cobra.Command{
		Use:   "drop <id>",
		Short: "Remove a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(func(q *scheduler.DeadLetters) error {
				return q.Delete(args[0])
			})
		},
	})
	return d
}

// withDeadLetters opens the bolt queue; it fails fast while 'al serve' holds it.
func withDeadLetters(fn func(*scheduler.DeadLetters) error) error {
	q, err := scheduler.OpenDeadLetters(db.DeadLetterPath(viper.GetString("workspace")))
	if err != nil {
		return fmt.Errorf("open dead letters (is 'al serve' running?): %w", err)
	}
	defer q.Close()
	return fn(q)
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				items, err := v.Repo.LatestEvents(ctx, n, v.ProjectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, strings.TrimSpace(e.Payload)})
				}
				printTable(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"}, rows)
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	l.AddCommand(tail)
	return l
}
