package actionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Actionline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Intent is a request to run one action.
type Intent struct {
	RequestID string            `json:"request_id,omitempty"`
	ActionID  string            `json:"action_id"`
	Inputs    map[string]any    `json:"inputs,omitempty"`
	Mode      string            `json:"execution_mode,omitempty"`
	Confirmed bool              `json:"confirmed,omitempty"`
	Trace     map[string]string `json:"trace,omitempty"`
}

type DiffEntry struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecutionResult is returned for every execution, successful or not.
type ExecutionResult struct {
	RequestID  string          `json:"request_id"`
	ActionID   string          `json:"action_id"`
	ProjectID  string          `json:"project_id"`
	UserID     string          `json:"user_id"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	SnapshotID string          `json:"snapshot_id"`
	Diff       []DiffEntry     `json:"diff"`
	Error      *ExecutionError `json:"error"`
	Cost       float64         `json:"cost"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (r ExecutionResult) Succeeded() bool { return r.Status == "success" }

type PlanResult struct {
	PlanID  string            `json:"plan_id"`
	Status  string            `json:"status"`
	Error   *ExecutionError   `json:"error"`
	Results []ExecutionResult `json:"results"`
	Cost    float64           `json:"cost"`
}

type SimulationStep struct {
	ActionID                string  `json:"action_id"`
	Cost                    float64 `json:"cost"`
	CumulativeCost          float64 `json:"cumulative_cost"`
	WouldExceedBudget       bool    `json:"would_exceed_budget"`
	WouldExceedActionBudget bool    `json:"would_exceed_action_budget"`
}

type Simulation struct {
	PlanID                   string           `json:"plan_id"`
	TotalCost                float64          `json:"total_cost"`
	Steps                    []SimulationStep `json:"steps"`
	WouldExceedProjectBudget bool             `json:"would_exceed_project_budget"`
}

type Limits struct {
	ProjectID     string   `json:"project_id"`
	DailyBudget   *float64 `json:"daily_budget"`
	BudgetUsed    float64  `json:"budget_used"`
	Remaining     *float64 `json:"remaining"`
	RatePerMinute int      `json:"rate_per_minute"`
	RatePerHour   int      `json:"rate_per_hour"`
	Windows       []Window `json:"execution_windows"`
}

// Window is an allowed execution window in UTC.
type Window struct {
	Days  []string `json:"days"`
	Start string   `json:"start"`
	End   string   `json:"end"`
}

type Forecast struct {
	ProjectID       string     `json:"project_id"`
	Status          string     `json:"status"`
	BurnRatePerHour float64    `json:"burn_rate_per_hour"`
	HoursRemaining  float64    `json:"hours_remaining"`
	ExhaustionAt    *time.Time `json:"exhaustion_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Execute runs one intent in the client's project.
func (c *Client) Execute(ctx context.Context, intent Intent) (ExecutionResult, error) {
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, c.projectPath("executions"), intent, &resp)
	return resp, err
}

// ExecutePlan runs steps in order, stopping at the first that does not succeed.
func (c *Client) ExecutePlan(ctx context.Context, planID string, steps []Intent) (PlanResult, error) {
	var resp PlanResult
	err := c.do(ctx, http.MethodPost, c.projectPath("plans"), map[string]any{"plan_id": planID, "steps": steps}, &resp)
	return resp, err
}

// SimulatePlan prices a plan without executing it.
func (c *Client) SimulatePlan(ctx context.Context, planID string, steps []Intent) (Simulation, error) {
	var resp Simulation
	err := c.do(ctx, http.MethodPost, c.projectPath("plans/simulate"), map[string]any{"plan_id": planID, "steps": steps}, &resp)
	return resp, err
}

func (c *Client) Limits(ctx context.Context) (Limits, error) {
	var resp Limits
	err := c.do(ctx, http.MethodGet, c.projectPath("limits"), nil, &resp)
	return resp, err
}

func (c *Client) Forecast(ctx context.Context, lookbackHours int) (Forecast, error) {
	endpoint := c.projectPath("budget/forecast")
	if lookbackHours > 0 {
		endpoint = fmt.Sprintf("%s?lookback_hours=%d", endpoint, lookbackHours)
	}
	var resp Forecast
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Revert restores the project state of an earlier snapshot.
func (c *Client) Revert(ctx context.Context, snapshotID string) (ExecutionResult, error) {
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, c.projectPath("revert"), map[string]string{"snapshot_id": snapshotID}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int, evtType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
