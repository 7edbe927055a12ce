// Package scheduler runs background intents through the execution engine
// with a bounded retry policy and triggers them from cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionline/internal/domain"
)

type State string

const (
	StatePending    State = "pending"
	StateAttempting State = "attempting"
	StateRetrying   State = "retrying"
	StateSuccess    State = "success"
	StateExhausted  State = "exhausted"
)

const DefaultMaxAttempts = 3

// Attempt performs one try. An error and a non-success result both count
// as a failed attempt.
type Attempt func(ctx context.Context, n int) (domain.ExecutionResult, error)

// Retrier drives an Attempt through pending, attempting, retrying and one
// of the terminal states success or exhausted.
type Retrier struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Outcome is the terminal record of a Retrier run.
type Outcome struct {
	State    State
	Attempts int
	Result   domain.ExecutionResult
	Err      error
	Trail    []State
}

// LastError describes why the final attempt failed.
func (o Outcome) LastError() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Result.Error != nil {
		return o.Result.Error.Code + ": " + o.Result.Error.Message
	}
	if o.Result.Status != "" && o.Result.Status != domain.StatusSuccess {
		return string(o.Result.Status)
	}
	return ""
}

// ExponentialBackoff waits 1s, 2s, 4s ... between attempts.
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Second << (attempt - 1)
}

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r Retrier) withDefaults() Retrier {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff == nil {
		r.Backoff = ExponentialBackoff
	}
	if r.Sleep == nil {
		r.Sleep = SleepContext
	}
	return r
}

// Run executes fn until it succeeds or MaxAttempts tries have failed.
// A cancelled context stops further attempts but never interrupts one.
func (r Retrier) Run(ctx context.Context, fn Attempt) Outcome {
	r = r.withDefaults()
	out := Outcome{State: StatePending}
	out.Trail = append(out.Trail, StatePending)
	for {
		switch out.State {
		case StatePending, StateRetrying:
			out.State = StateAttempting
		case StateAttempting:
			out.Attempts++
			out.Result, out.Err = safeAttempt(ctx, fn, out.Attempts)
			switch {
			case out.Err == nil && out.Result.Succeeded():
				out.State = StateSuccess
			case out.Attempts >= r.MaxAttempts:
				out.State = StateExhausted
			default:
				if err := r.Sleep(ctx, r.Backoff(out.Attempts)); err != nil {
					out.Err = errors.Join(out.Err, fmt.Errorf("retry abandoned: %w", err))
					out.State = StateExhausted
				} else {
					out.State = StateRetrying
				}
			}
		default:
			return out
		}
		out.Trail = append(out.Trail, out.State)
	}
}

func safeAttempt(ctx context.Context, fn Attempt, n int) (res domain.ExecutionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("attempt %d panicked: %v", n, p)
		}
	}()
	return fn(ctx, n)
}
