package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"actionline/internal/analytics"
	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher delivers audit events to each project's configured webhooks and
// raises budget alerts once per project, rule and day.
type Dispatcher struct {
	Repo     repo.Repo
	Client   *http.Client
	Logger   *log.Logger
	Now      func() time.Time
	Interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
	fired   map[string]bool
}

func NewDispatcher(r repo.Repo, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		Repo:     r,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
		Now:      time.Now,
		Interval: defaultWebhookInterval,
		cursors:  map[string]int64{},
		fired:    map[string]bool{},
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates alerts and delivers pending events for every project once.
func (d *Dispatcher) Tick(ctx context.Context) {
	projects, err := d.Repo.ListProjects(ctx)
	if err != nil {
		d.Logger.Printf("dispatch: list projects failed: %v", err)
		return
	}
	for _, p := range projects {
		cfg, err := d.Repo.GetProjectConfig(ctx, p.ID)
		if err != nil {
			continue
		}
		if len(cfg.Alerts) > 0 {
			d.checkAlerts(ctx, p.ID, cfg.Alerts)
		}
		for i, hook := range cfg.Webhooks {
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, p.ID, i, hook)
		}
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d *Dispatcher) checkAlerts(ctx context.Context, projectID string, rules []config.Alert) {
	limits, err := d.Repo.GetProjectLimits(ctx, projectID)
	if err != nil {
		d.Logger.Printf("alerts: limits for %s failed: %v", projectID, err)
		return
	}
	day := repo.Day(d.now())
	for _, a := range analytics.EvaluateAlerts(limits, rules) {
		key := projectID + "|" + a.Name + "|" + day
		d.mu.Lock()
		done := d.fired[key]
		d.fired[key] = true
		d.mu.Unlock()
		if done {
			continue
		}
		d.Logger.Printf("alert %s: project %s at %.1f%% of daily budget (%.2f/%.2f)", a.Name, projectID, a.Percent, a.BudgetUsed, a.BudgetTotal)
		ew := events.Writer{DB: d.Repo.DB, Now: d.now}
		if err := ew.AppendNow(ctx, events.BudgetAlert, projectID, "project", projectID, "system", events.EventPayload{
			"name":         a.Name,
			"percent":      a.Percent,
			"budget_used":  a.BudgetUsed,
			"budget_total": a.BudgetTotal,
		}); err != nil {
			d.Logger.Printf("alerts: record %s failed: %v", a.Name, err)
		}
		if a.URL == "" {
			continue
		}
		if err := d.post(ctx, a.URL, "", map[string]string{
			"X-Actionline-Event":   events.BudgetAlert,
			"X-Actionline-Project": projectID,
		}, a); err != nil {
			d.Logger.Printf("alerts: deliver %s to %s failed: %v", a.Name, a.URL, err)
		}
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, projectID string, idx int, hook config.Webhook) {
	key := fmt.Sprintf("%s#%d", projectID, idx)
	cursor := d.cursorFor(ctx, key, projectID)
	evts, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, projectID)
	if err != nil {
		d.Logger.Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(key, evt.ID)
	}
}

// cursorFor starts new hooks at the latest event so history is not replayed.
func (d *Dispatcher) cursorFor(ctx context.Context, key, projectID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx, projectID)
	if err != nil {
		d.Logger.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[key] = cur
	return cur
}

func (d *Dispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	return d.post(ctx, hook.URL, hook.Secret, map[string]string{
		"X-Actionline-Event":    evt.Type,
		"X-Actionline-Delivery": fmt.Sprintf("%d", evt.ID),
		"X-Actionline-Project":  evt.ProjectID,
	}, body)
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(secret) != "" {
		req.Header.Set("X-Actionline-Secret", secret)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
