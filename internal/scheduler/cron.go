package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"actionline/internal/domain"
)

const (
	DefaultPollInterval = time.Minute
	RolloverSpec        = "0 0 * * *"
)

// ScheduleStore lists persisted schedules; repo.Repo satisfies it.
type ScheduleStore interface {
	ListSchedules(ctx context.Context, projectID string, enabledOnly bool) ([]domain.Schedule, error)
}

type job struct {
	entry cron.EntryID
	spec  string
}

// Cron keeps one cron entry per enabled schedule and runs each firing
// through the Worker. Sync reconciles entries with the store.
type Cron struct {
	Store        ScheduleStore
	Worker       Worker
	Logger       *log.Logger
	PollInterval time.Duration
	// Rollover, when set, runs at UTC midnight to start a new budget day.
	Rollover func(ctx context.Context) error

	mu   sync.Mutex
	c    *cron.Cron
	jobs map[string]job
}

func NewCron(store ScheduleStore, w Worker, logger *log.Logger) *Cron {
	return &Cron{
		Store:  store,
		Worker: w,
		Logger: logger,
		c:      cron.New(cron.WithLocation(time.UTC)),
		jobs:   map[string]job{},
	}
}

func (c *Cron) logf(format string, args ...any) {
	if c.Logger == nil {
		log.Printf(format, args...)
		return
	}
	c.Logger.Printf(format, args...)
}

// Sync adds entries for new or changed enabled schedules and removes the
// ones that disappeared or were disabled.
func (c *Cron) Sync(ctx context.Context) error {
	list, err := c.Store.ListSchedules(ctx, "", true)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	for _, s := range list {
		seen[s.ID] = true
		if j, ok := c.jobs[s.ID]; ok {
			if j.spec == s.Cron {
				continue
			}
			c.c.Remove(j.entry)
			delete(c.jobs, s.ID)
		}
		item := Item{ScheduleID: s.ID, ProjectID: s.ProjectID, ActionID: s.ActionID, Inputs: s.Inputs, Trigger: "schedule"}
		id, err := c.c.AddFunc(s.Cron, func() {
			c.logf("scheduler: triggering %s (%s) for %s", item.ScheduleID, item.ActionID, item.ProjectID)
			c.Worker.Run(context.Background(), item)
		})
		if err != nil {
			c.logf("scheduler: skipping schedule %s: %v", s.ID, err)
			continue
		}
		c.jobs[s.ID] = job{entry: id, spec: s.Cron}
		c.logf("scheduler: added schedule %s (%s)", s.ID, s.Cron)
	}
	for id, j := range c.jobs {
		if !seen[id] {
			c.c.Remove(j.entry)
			delete(c.jobs, id)
			c.logf("scheduler: removed schedule %s", id)
		}
	}
	return nil
}

// Active returns the ids of the schedules that currently have an entry.
func (c *Cron) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		out = append(out, id)
	}
	return out
}

// Run syncs, starts the cron loop and re-syncs every PollInterval until ctx
// is done. Running jobs are awaited before it returns.
func (c *Cron) Run(ctx context.Context) error {
	if err := c.Sync(ctx); err != nil {
		return err
	}
	if c.Rollover != nil {
		if _, err := c.c.AddFunc(RolloverSpec, func() {
			if err := c.Rollover(ctx); err != nil {
				c.logf("scheduler: budget rollover failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("add rollover job: %w", err)
		}
	}
	c.c.Start()
	defer func() { <-c.c.Stop().Done() }()

	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				c.logf("scheduler: sync failed: %v", err)
			}
		}
	}
}
