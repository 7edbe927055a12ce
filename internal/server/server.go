package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"actionline/internal/analytics"
	"actionline/internal/app"
	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/engine/auth"
	"actionline/internal/registry"
	"actionline/internal/repo"
	"actionline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	Repo        repo.Repo
	DeadLetters *scheduler.DeadLetters
	BasePath    string
	Auth        AuthConfig
}

func (c Config) now() time.Time {
	if c.Engine.Now != nil {
		return c.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission.denied"`
	Message string         `json:"message" example:"role admin required for action demo.counter.reset"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"required\":\"admin\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the actionline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Registry == nil {
		return nil, errors.New("engine has no registry")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("actionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Engine)
	registerHealth(group)
	registerActions(group, cfg)
	registerProjects(group, cfg)
	registerExecutions(group, cfg)
	registerPlans(group, cfg)
	registerSnapshots(group, cfg)
	registerLimits(group, cfg)
	registerBudget(group, cfg)
	registerEvents(group, cfg)
	registerRBAC(group, cfg)
	registerDeadLetters(group, cfg)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve auth.ViewerError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusForbidden, domain.CodePermissionViewer, err.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, domain.CodePermissionDenied, err.Error(), map[string]any{"required": fe.Required})
	}
	var vErr *registry.ValidationError
	if errors.As(err, &vErr) {
		return newAPIError(http.StatusBadRequest, domain.CodeInputInvalid, err.Error(), map[string]any{"problems": vErr.Problems})
	}
	switch {
	case errors.Is(err, registry.ErrUnknownAction):
		return newAPIError(http.StatusNotFound, domain.CodeActionUnknown, err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrEmptyPlan):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// callerRoles resolves the caller's roles in a project through the project's
// role aliases. Roles carried by the credential win over stored assignments
// and mappings.
func callerRoles(ctx context.Context, cfg Config, projectID string) (Principal, []string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, nil, authErr
	}
	if _, err := cfg.Repo.GetProject(ctx, projectID); err != nil {
		return principal, nil, err
	}
	e := cfg.Engine
	if pc, err := cfg.Repo.GetProjectConfig(ctx, projectID); err == nil {
		e.RoleAlias = pc.CanonicalRole
	}
	if len(principal.Roles) > 0 {
		return principal, auth.Normalize(principal.Roles, e.RoleAlias), nil
	}
	roles, err := e.ResolveRoles(ctx, projectID, principal.actor())
	return principal, roles, err
}

// executionContext builds the call's authorization frame. The mode policy
// comes from the project's config; the request can only ask for a stricter
// one.
func executionContext(ctx context.Context, cfg Config, projectID string) (domain.ExecutionContext, error) {
	principal, roles, err := callerRoles(ctx, cfg, projectID)
	if err != nil {
		return domain.ExecutionContext{}, err
	}
	ectx := domain.ExecutionContext{UserID: principal.ActorID, Roles: roles, ProjectID: projectID}
	pc, err := cfg.Repo.GetProjectConfig(ctx, projectID)
	switch {
	case err == nil:
		ectx.Policy = pc.Policy()
	case errors.Is(err, repo.ErrNotFound):
		ectx.Policy = domain.PolicyFor(domain.ModeAssisted)
	default:
		return ectx, err
	}
	return ectx, nil
}

// requireRole rejects callers whose highest project role ranks below min.
func requireRole(ctx context.Context, cfg Config, projectID, operation, min string) (Principal, error) {
	principal, roles, err := callerRoles(ctx, cfg, projectID)
	if err != nil {
		return principal, err
	}
	if auth.Rank(auth.Highest(roles)) < auth.Rank(min) {
		return principal, auth.ForbiddenError{ActionID: operation, Required: min}
	}
	return principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, e engine.Engine) {
	if e.Metrics == nil {
		return
	}
	r.Method(http.MethodGet, "/metrics", e.Metrics.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>actionline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerActions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List registered actions",
	}, func(ctx context.Context, input *struct {
		IncludeDeveloper bool `query:"include_developer"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		decls := cfg.Engine.Registry.Actions(input.IncludeDeveloper)
		out := make([]ActionResponse, 0, len(decls))
		for _, d := range decls {
			out = append(out, actionResponse(d))
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Repo.GetProject(ctx, id); err == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "project already exists", map[string]any{"id": id})
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		if err := app.CreateProject(ctx, cfg.Repo, id, desc, config.Default(id), principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		p, err := cfg.Repo.GetProject(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollup",
		Method:      http.MethodGet,
		Path:        "/rollup",
		Summary:     "Today's budget usage across projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []analytics.ProjectUsage `json:"body"`
	}, error) {
		rows, err := analytics.Rollup(ctx, cfg.Repo, cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.ProjectUsage `json:"body"`
		}{Body: nonNilSlice(rows)}, nil
	})
}

func registerExecutions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "execute",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/executions",
		Summary:     "Execute an intent",
		Description: "Rejections and failures are reported in the result body with a stable error code.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ExecuteRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		ectx, err := executionContext(ctx, cfg, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := cfg.Engine.Execute(ctx, ectx, input.Body.intent())
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/executions",
		Summary:     "Execution history, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActionID  string `query:"action_id"`
		Status    string `query:"status" enum:"success,rejected,failed"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedExecutions `json:"body"`
	}, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		items, err := cfg.Repo.ListExecutions(ctx, repo.ExecutionFilter{
			ProjectID: input.ProjectID,
			ActionID:  input.ActionID,
			Status:    input.Status,
			Cursor:    cursor,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedExecutions{Items: []repo.ExecutionRecord{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedExecutions `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPlans(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plans",
		Summary:     "Execute a plan step by step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      PlanRequest `json:"body"`
	}) (*struct {
		Body engine.PlanResult `json:"body"`
	}, error) {
		ectx, err := executionContext(ctx, cfg, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := cfg.Engine.ExecutePlan(ctx, ectx, input.Body.plan())
		return &struct {
			Body engine.PlanResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "simulate-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plans/simulate",
		Summary:     "Price a plan without executing it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      PlanRequest `json:"body"`
	}) (*struct {
		Body analytics.Simulation `json:"body"`
	}, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		sim, err := analytics.SimulatePlan(ctx, cfg.Repo, cfg.Engine.Registry, input.ProjectID, input.Body.plan(), cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.Simulation `json:"body"`
		}{Body: sim}, nil
	})
}

func registerSnapshots(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "latest-snapshot",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/snapshots/latest",
		Summary:     "Current state snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		snap, err := cfg.Repo.GetLatestSnapshot(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/snapshots/{snapshot_id}",
		Summary:     "Snapshot by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		SnapshotID string `path:"snapshot_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		snap, err := cfg.Repo.GetSnapshot(ctx, input.ProjectID, input.SnapshotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/revert",
		Summary:     "Revert project state to an earlier snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      RevertRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.SnapshotID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "snapshot_id is required", nil)
		}
		ectx, err := executionContext(ctx, cfg, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := cfg.Engine.RevertToSnapshot(ctx, ectx, input.Body.SnapshotID)
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerLimits(api huma.API, cfg Config) {
	type limitsOut struct {
		Body LimitsResponse `json:"body"`
	}
	load := func(ctx context.Context, projectID string) (*limitsOut, error) {
		l, err := cfg.Repo.GetProjectLimits(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		budgets, err := cfg.Repo.ListActionBudgets(ctx, projectID, cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		return &limitsOut{Body: limitsResponse(l, budgets)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-limits",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/limits",
		Summary:     "Project budget and rate limits",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*limitsOut, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return load(ctx, input.ProjectID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-limits",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/limits",
		Summary:     "Update project budget and rate limits",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      UpdateLimitsRequest `json:"body"`
	}) (*limitsOut, error) {
		principal, err := requireRole(ctx, cfg, input.ProjectID, "limits.update", auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := app.UpdateLimits(ctx, cfg.Repo, cfg.Engine.Registry, input.ProjectID, principal.ActorID, app.LimitsChange{
			DailyBudget:   input.Body.DailyBudget,
			Unlimited:     input.Body.Unlimited,
			RatePerMinute: input.Body.RatePerMinute,
			RatePerHour:   input.Body.RatePerHour,
			Windows:       input.Body.windows(),
			ActionBudgets: input.Body.ActionBudgets,
		}, cfg.now()); err != nil {
			return nil, handleError(err)
		}
		return load(ctx, input.ProjectID)
	})
}

func registerBudget(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "budget-forecast",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/budget/forecast",
		Summary:     "Forecast when the daily budget runs out",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		LookbackHours int    `query:"lookback_hours" minimum:"0"`
	}) (*struct {
		Body analytics.ForecastResult `json:"body"`
	}, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		hours := input.LookbackHours
		if hours == 0 {
			if pc, err := cfg.Repo.GetProjectConfig(ctx, input.ProjectID); err == nil {
				hours = pc.Budget.ForecastLookbackHours
			}
		}
		f, err := analytics.Forecast(ctx, cfg.Repo, input.ProjectID, time.Duration(hours)*time.Hour, cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.ForecastResult `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-adapt",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/budget/adapt",
		Summary:     "Recompute the daily budget from recent usage",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      *AdaptBudgetRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body analytics.AdaptResult `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, cfg, input.ProjectID, "budget.adapt", auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		var min, max float64
		if input.Body != nil && input.Body.Min != nil {
			min = *input.Body.Min
		}
		if input.Body != nil && input.Body.Max != nil {
			max = *input.Body.Max
		}
		res, err := app.AdaptBudget(ctx, cfg.Repo, input.ProjectID, principal.ActorID, min, max, cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.AdaptResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-rollover",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/budget/rollover",
		Summary:     "Start a new budget day",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		principal, err := requireRole(ctx, cfg, input.ProjectID, "budget.rollover", auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := app.Rollover(ctx, cfg.Repo, input.ProjectID, principal.ActorID, cfg.now()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, _, err := callerRoles(ctx, cfg, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: nonNilSlice(items)}}, nil
	})
}

func registerRBAC(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/me",
		Summary:     "Caller identity and project roles",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, roles, err := callerRoles(ctx, cfg, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Email:   principal.Email,
			OrgID:   principal.OrgID,
			Roles:   nonNilSlice(roles),
			Source:  principal.Source,
		}}, nil
	})

	type roleInput struct {
		ProjectID string            `path:"project_id"`
		Body      RoleChangeRequest `json:"body"`
	}
	change := func(op string, grant bool) func(context.Context, *roleInput) (*struct{}, error) {
		return func(ctx context.Context, input *roleInput) (*struct{}, error) {
			principal, err := requireRole(ctx, cfg, input.ProjectID, op, auth.RoleAdmin)
			if err != nil {
				return nil, handleError(err)
			}
			if strings.TrimSpace(input.Body.ActorID) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
			}
			if err := app.ChangeRole(ctx, cfg.Repo, input.ProjectID, principal.ActorID, input.Body.ActorID, input.Body.Role, grant); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rbac/roles/grant",
		Summary:     "Grant role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, change("rbac.grant", true))

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, change("rbac.revoke", false))
}

func registerDeadLetters(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/deadletters",
		Summary:     "Scheduled items that exhausted their retries",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body deadLettersResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, cfg, input.ProjectID, "deadletter.list", auth.RoleOperator); err != nil {
			return nil, handleError(err)
		}
		resp := deadLettersResponse{Items: []scheduler.DeadLetter{}}
		if cfg.DeadLetters == nil {
			return &struct {
				Body deadLettersResponse `json:"body"`
			}{Body: resp}, nil
		}
		all, err := cfg.DeadLetters.List(0)
		if err != nil {
			return nil, handleError(err)
		}
		for _, d := range all {
			if d.ProjectID == input.ProjectID {
				resp.Items = append(resp.Items, d)
			}
		}
		return &struct {
			Body deadLettersResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return v, nil
}
