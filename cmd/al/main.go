package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionline/internal/app"
	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/engine/auth"
	"actionline/internal/events"
	"actionline/internal/migrate"
	"actionline/internal/registry"
	"actionline/internal/repo"
	"actionline/internal/scheduler"
	"actionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Actionline CLI",
	Long: `Actionline executes declared actions against per-project state under budget,
role and policy control.
- Workspace: the .actionline directory holding the SQLite database and the dead-letter queue.
- Project: an isolated state (snapshots), budget and role assignment scope.
- Actions: registered operations with a risk level, base cost and minimum role ('al actions list').
- Executions: every intent produces exactly one result; history is kept ('al history').
- Snapshots: immutable state versions; 'al snapshot revert' restores an earlier one.
- Budget: per-project daily ceiling, optional per-action ceilings, forecast and adaptation.
- Schedules: cron-triggered intents run by 'al serve' with bounded retries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ACTIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(limitsCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(deadLetterCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectUpdateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Status, p.Description, repo.FormatTime(p.CreatedAt)})
				}
				printTable(table.Row{"ID", "Status", "Description", "Created"}, rows)
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		Long:  "Create a project, apply its policy config (from --file, the workspace actionline.yml, or defaults) and make the calling actor its admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := seedConfig(viper.GetString("workspace"), file, id)
				if err != nil {
					return err
				}
				if err := app.CreateProject(ctx, r, id, desc, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&file, "config", "", "path to YAML policy config")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status, desc string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update project status or description (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			viper.Set("project", args[0])
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "project.update"); err != nil {
					return err
				}
				if status != "" && status != "active" && status != "archived" {
					return fmt.Errorf("invalid status %q", status)
				}
				var d *string
				if cmd.Flags().Changed("description") {
					d = &desc
				}
				if err := v.Repo.UpdateProject(ctx, v.ProjectID, status, d); err != nil {
					return err
				}
				p, err := v.Repo.GetProject(ctx, v.ProjectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active or archived")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func seedConfig(workspace, file, projectID string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if file != "" {
		cfg, err = config.FromFile(file)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return cfg, nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Project policy config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default actionline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "default", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if viper.GetBool("json") {
					return printJSON(v.Config)
				}
				return printYAML(v.Config)
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML policy config into the DB",
		Long:  "Replaces the project's stored config, limits, per-action budgets and config-declared schedules. Requires admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, v env) error {
				if err := v.require(ctx, auth.RoleAdmin, "config.import"); err != nil {
					return err
				}
				if cfg.Project.ID != "" && cfg.Project.ID != v.ProjectID {
					return fmt.Errorf("config is for project %s, not %s", cfg.Project.ID, v.ProjectID)
				}
				cfg.Project.ID = v.ProjectID
				if err := app.ApplyConfig(ctx, v.Repo, v.ProjectID, cfg, v.Actor); err != nil {
					return err
				}
				fmt.Printf("Imported %s into project %s\n", filePath, v.ProjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader, noScheduler bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, scheduler and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Up(ctx, conn)
			if err != nil {
				return err
			}
			log.Printf("database %s at schema version %d", db.Path(workspace), version)
			dead, err := scheduler.OpenDeadLetters(db.DeadLetterPath(workspace))
			if err != nil {
				return fmt.Errorf("open dead letters: %w", err)
			}
			defer dead.Close()

			logger := log.New(os.Stderr, "", log.LstdFlags)
			r := repo.Repo{DB: conn}
			e := newEngine(r, logger)
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				AllowDevLogin:          devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ACTIONLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Repo: r, DeadLetters: dead, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			go server.NewDispatcher(r, logger).Run(ctx)
			if !noScheduler {
				c := scheduler.NewCron(r, newWorker(e, r, dead, logger), logger)
				c.PollInterval = poll
				c.Rollover = func(ctx context.Context) error {
					now := time.Now().UTC()
					if err := app.RolloverAll(ctx, r, scheduler.SystemUser, now); err != nil {
						return err
					}
					_, err := app.AdaptAll(ctx, r, scheduler.SystemUser, now)
					return err
				}
				go func() {
					if err := c.Run(ctx); err != nil {
						logger.Printf("scheduler stopped: %v", err)
					}
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Actionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env ACTIONLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (local use only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id headers")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run cron schedules")
	cmd.Flags().DurationVar(&poll, "schedule-poll", scheduler.DefaultPollInterval, "how often schedules are re-read from the DB")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

// env is everything a project-scoped command needs.
type env struct {
	Repo      repo.Repo
	Engine    engine.Engine
	ProjectID string
	Config    *config.Config
	Actor     string
	Workspace string
}

func newEngine(r repo.Repo, logger *log.Logger) engine.Engine {
	e := engine.New(r, registry.NewDemo())
	e.Logger = logger
	return e
}

func newWorker(e engine.Engine, r repo.Repo, dead scheduler.DeadLetterSink, logger *log.Logger) scheduler.Worker {
	return scheduler.Worker{
		Executor:    e,
		Retrier:     scheduler.Retrier{MaxAttempts: scheduler.DefaultMaxAttempts},
		DeadLetters: dead,
		Audit:       events.Writer{DB: r.DB},
		Logger:      logger,
	}
}

func withEnv(ctx context.Context, fn func(context.Context, env) error) error {
	workspace := viper.GetString("workspace")
	actor := viper.GetString("actor-id")
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		projectID, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), actor, r)
		if err != nil {
			return err
		}
		e := newEngine(r, log.New(os.Stderr, "", log.LstdFlags))
		e.RoleAlias = cfg.CanonicalRole
		return fn(ctx, env{Repo: r, Engine: e, ProjectID: projectID, Config: cfg, Actor: actor, Workspace: workspace})
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func (v env) roles(ctx context.Context) ([]string, error) {
	return v.Engine.ResolveRoles(ctx, v.ProjectID, domain.Actor{ID: v.Actor})
}

func (v env) execContext(ctx context.Context) (domain.ExecutionContext, error) {
	roles, err := v.roles(ctx)
	if err != nil {
		return domain.ExecutionContext{}, err
	}
	return domain.ExecutionContext{UserID: v.Actor, Roles: roles, ProjectID: v.ProjectID, Policy: v.Config.Policy()}, nil
}

// require fails unless the calling actor holds at least min in the project.
func (v env) require(ctx context.Context, min, operation string) error {
	roles, err := v.roles(ctx)
	if err != nil {
		return err
	}
	if auth.Rank(auth.Highest(roles)) < auth.Rank(min) {
		return auth.ForbiddenError{ActionID: operation, Required: min}
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
}

func formatBudget(v *float64) string {
	if v == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%.2f", *v)
}
