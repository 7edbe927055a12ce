package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locks hands out one exclusive slot per project. Waiting honours the
// caller's context; different projects never contend.
type Locks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewLocks() *Locks {
	return &Locks{sems: make(map[string]chan struct{})}
}

func (l *Locks) sem(projectID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[projectID]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[projectID] = s
	}
	return s
}

// Acquire blocks until the project's slot is free or ctx ends.
func (l *Locks) Acquire(ctx context.Context, projectID string) (func(), error) {
	s := l.sem(projectID)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const leasePoll = 25 * time.Millisecond

// lock takes the in-process slot and then the store lease, so two engines
// sharing a database also serialize. The returned func releases both.
func (e Engine) lock(ctx context.Context, projectID string) (func(), error) {
	wait := e.LockWait
	if wait <= 0 {
		wait = defaultLockWait
	}
	ttl := e.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locks := e.Locks
	if locks == nil {
		locks = processLocks
	}
	releaseLocal, err := locks.Acquire(wctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %s busy: %w", projectID, err)
	}
	for {
		ok, err := e.Store.LockProject(ctx, projectID, e.Holder, ttl, time.Now())
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("acquire lease for project %s: %w", projectID, err)
		}
		if ok {
			break
		}
		select {
		case <-wctx.Done():
			releaseLocal()
			return nil, fmt.Errorf("project %s lease held elsewhere: %w", projectID, wctx.Err())
		case <-time.After(leasePoll):
		}
	}
	return func() {
		if err := e.Store.UnlockProject(context.WithoutCancel(ctx), projectID, e.Holder); err != nil {
			e.logf("engine: release lease for project %s: %v", projectID, err)
		}
		releaseLocal()
	}, nil
}

// processLocks backs engines built without New.
var processLocks = NewLocks()
