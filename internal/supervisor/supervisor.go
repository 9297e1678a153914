// Package supervisor wraps the teacher's plain errgroup.Group task wiring
// (cmd/daemon/main.go's "g.Go(func() error { return x.Start(ctx, ...) })"
// per-component pattern) with the panic-catching, backoff-restart
// behaviour spec §7 requires for non-critical tasks: "a panic in a
// non-critical task restarts that task with back-off... a panic in the
// RIB task is fatal."
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// nowFunc is indirected so tests can observe elapsed-time-based backoff
// reset behaviour without sleeping for real durations.
var nowFunc = time.Now

// Task is a supervised unit of work. It must return promptly when ctx is
// cancelled.
type Task func(ctx context.Context) error

// Critical runs task directly: a panic propagates (wrapped in an error)
// rather than being caught, matching spec §7's RIB-task-panic-is-fatal
// rule. Use for the single RIB task only.
func Critical(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: critical task %s panicked: %v", name, r)
		}
	}()
	return task(ctx)
}

// BackoffPolicy controls how Supervised spaces out restarts after a panic.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff restarts quickly at first and caps at 30s, the same
// general shape the pack's retry helpers use for transient failures.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
}

// Supervised runs task in a loop, recovering any panic, logging it, and
// restarting after a backoff delay. A non-panic error while ctx is live is
// restarted the same way. The delay grows by policy.Factor on each restart
// (capped at policy.Max) and drops back to policy.Initial when the failed
// run had lasted at least policy.Max. Supervised returns ctx.Err() once
// ctx is cancelled, and nil when task returns nil while ctx is live.
func Supervised(ctx context.Context, name string, task Task, policy BackoffPolicy) error {
	delay := policy.Initial
	for {
		start := nowFunc()
		err := runOnce(ctx, name, task)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean exit with ctx still live means the task considers its
			// work done; do not restart.
			return nil
		}
		if nowFunc().Sub(start) >= policy.Max {
			// The task ran healthily for a while before failing; don't
			// carry forward an escalated backoff from past flapping.
			delay = policy.Initial
		}

		var pe *panicError
		if !errors.As(err, &pe) {
			// A normal (non-panic) error from a still-live context is
			// treated the same as a panic for restart purposes: the task
			// misbehaved and spec §7 wants it retried, not the process
			// killed.
			slog.Error("supervised task returned error, restarting", "task", name, "error", err)
		} else {
			slog.Error("supervised task panicked, restarting", "task", name, "panic", pe.value, "delay", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * policy.Factor)
		if delay > policy.Max {
			delay = policy.Max
		}
	}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func runOnce(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return task(ctx)
}
