package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/precondition"
)

// Config models actionline.yml, the policy applied to one project.
type Config struct {
	Project struct {
		ID          string `yaml:"id" json:"id"`
		Description string `yaml:"description,omitempty" json:"description,omitempty"`
	} `yaml:"project" json:"project"`
	Budget    Budget     `yaml:"budget" json:"budget"`
	Execution Execution  `yaml:"execution" json:"execution"`
	Roles     Roles      `yaml:"roles" json:"roles"`
	Alerts    []Alert    `yaml:"alerts,omitempty" json:"alerts,omitempty"`
	Webhooks  []Webhook  `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Schedule  []Schedule `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

type Budget struct {
	// Daily is the project's daily ceiling; nil means unlimited.
	Daily         *float64           `yaml:"daily,omitempty" json:"daily,omitempty"`
	RatePerMinute int                `yaml:"rate_per_minute,omitempty" json:"rate_per_minute,omitempty"`
	RatePerHour   int                `yaml:"rate_per_hour,omitempty" json:"rate_per_hour,omitempty"`
	Actions       map[string]float64 `yaml:"actions,omitempty" json:"actions,omitempty"`
	Adaptive      struct {
		Enabled bool    `yaml:"enabled" json:"enabled"`
		Min     float64 `yaml:"min" json:"min"`
		Max     float64 `yaml:"max" json:"max"`
	} `yaml:"adaptive" json:"adaptive"`
	ForecastLookbackHours int `yaml:"forecast_lookback_hours,omitempty" json:"forecast_lookback_hours,omitempty"`
}

// Execution sets the project's mode policy and the UTC windows executions
// may run in. Intents can ask for a stricter mode, never a looser one.
type Execution struct {
	Mode    domain.Mode              `yaml:"mode,omitempty" json:"mode,omitempty"`
	Windows []domain.ExecutionWindow `yaml:"windows,omitempty" json:"windows,omitempty"`
}

// Policy returns the project's mode policy, assisted when unset.
func (c *Config) Policy() domain.ModePolicy {
	if c == nil {
		return domain.PolicyFor(domain.ModeAssisted)
	}
	return domain.PolicyFor(c.Execution.Mode)
}

type Roles struct {
	Aliases  map[string]string    `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Mappings []domain.RoleMapping `yaml:"mappings,omitempty" json:"mappings,omitempty"`
}

type Alert struct {
	Name             string  `yaml:"name" json:"name"`
	ThresholdPercent float64 `yaml:"threshold_percent" json:"threshold_percent"`
	URL              string  `yaml:"url,omitempty" json:"url,omitempty"`
}

type Webhook struct {
	URL    string   `yaml:"url" json:"url"`
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret string   `yaml:"secret,omitempty" json:"secret,omitempty"`
}

type Schedule struct {
	ID      string         `yaml:"id" json:"id"`
	Cron    string         `yaml:"cron" json:"cron"`
	Action  string         `yaml:"action" json:"action"`
	Inputs  map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Enabled *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Active reports whether the schedule is on; schedules default to enabled.
func (s Schedule) Active() bool { return s.Enabled == nil || *s.Enabled }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with al config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Budget.Daily != nil && *c.Budget.Daily < 0 {
		return fmt.Errorf("config.budget.daily must be >= 0")
	}
	if c.Budget.RatePerMinute < 0 {
		return fmt.Errorf("config.budget.rate_per_minute must be >= 0")
	}
	if c.Budget.RatePerHour < 0 {
		return fmt.Errorf("config.budget.rate_per_hour must be >= 0")
	}
	switch c.Execution.Mode {
	case "", domain.ModeInteractive, domain.ModeAssisted, domain.ModeAutonomous:
	default:
		return fmt.Errorf("config.execution.mode %q is not interactive, assisted or autonomous", c.Execution.Mode)
	}
	for i, w := range c.Execution.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("config.execution.windows[%d]: %w", i, err)
		}
	}
	for action, limit := range c.Budget.Actions {
		if action == "" {
			return fmt.Errorf("config.budget.actions has empty action id")
		}
		if limit < 0 {
			return fmt.Errorf("budget for action %s must be >= 0", action)
		}
	}
	if a := c.Budget.Adaptive; a.Enabled && (a.Min < 0 || a.Max < a.Min) {
		return fmt.Errorf("config.budget.adaptive requires 0 <= min <= max")
	}
	if c.Budget.ForecastLookbackHours < 0 {
		return fmt.Errorf("config.budget.forecast_lookback_hours must be >= 0")
	}
	for alias, role := range c.Roles.Aliases {
		if alias == "" {
			return fmt.Errorf("config.roles.aliases has empty alias")
		}
		if !auth.IsRole(role) {
			return fmt.Errorf("alias %s maps to unknown role %s", alias, role)
		}
	}
	for i, m := range c.Roles.Mappings {
		if !auth.IsRole(c.CanonicalRole(m.Role)) {
			return fmt.Errorf("role mapping %d: unknown role %s", i, m.Role)
		}
		if _, err := precondition.Parse(m.Condition); err != nil {
			return fmt.Errorf("role mapping %d: condition: %w", i, err)
		}
	}
	for _, a := range c.Alerts {
		if a.Name == "" {
			return fmt.Errorf("config.alerts entry missing name")
		}
		if a.ThresholdPercent <= 0 || a.ThresholdPercent > 100 {
			return fmt.Errorf("alert %s threshold_percent must be in (0,100]", a.Name)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	seen := map[string]bool{}
	for _, s := range c.Schedule {
		if s.ID == "" {
			return fmt.Errorf("config.schedules entry missing id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate schedule id %s", s.ID)
		}
		seen[s.ID] = true
		if s.Action == "" {
			return fmt.Errorf("schedule %s has no action", s.ID)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedule %s: cron %q: %w", s.ID, s.Cron, err)
		}
	}
	return nil
}

// CanonicalRole maps a configured alias onto one of viewer, operator, admin.
func (c *Config) CanonicalRole(role string) string {
	if c != nil {
		if mapped, ok := c.Roles.Aliases[role]; ok {
			return mapped
		}
	}
	return role
}

// Limits projects the budget section onto a ProjectLimits row.
func (c *Config) Limits(projectID string) domain.ProjectLimits {
	l := domain.ProjectLimits{
		ProjectID:     projectID,
		RatePerMinute: c.Budget.RatePerMinute,
		RatePerHour:   c.Budget.RatePerHour,
		Windows:       append([]domain.ExecutionWindow(nil), c.Execution.Windows...),
		RoleMappings:  append([]domain.RoleMapping(nil), c.Roles.Mappings...),
	}
	if c.Budget.Daily != nil {
		d := *c.Budget.Daily
		l.DailyBudget = &d
	}
	for i := range l.RoleMappings {
		l.RoleMappings[i].Role = c.CanonicalRole(l.RoleMappings[i].Role)
	}
	return l
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

budget:
  daily: 100
  rate_per_minute: 60
  rate_per_hour: 1000
  forecast_lookback_hours: 6
  adaptive:
    enabled: false
    min: 10
    max: 1000

execution:
  mode: assisted

roles:
  aliases:
    owner: admin
    maintainer: operator
    reader: viewer

alerts:
  - name: budget-80
    threshold_percent: 80
  - name: budget-100
    threshold_percent: 100
`
