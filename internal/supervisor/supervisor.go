// Package supervisor spawns the per-chain submission/tracker loops under a
// fault-tolerant wrapper: a transient error restarts the loop after a short
// back-off, while a panic or context cancellation latches a process-wide
// shutdown flag and stops restarting it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// backoff is the pause between restart attempts after a supervised task
// returns a non-shutdown error.
const backoff = 500 * time.Millisecond

// Task is a unit of supervised work. It should run until ctx is canceled,
// returning ctx.Err() (or a wrapped form of it) at that point; any other
// returned error is treated as transient and retried.
type Task func(ctx context.Context) error

// Supervisor spawns Tasks under panic-isolated restart and tracks them for
// drain-on-shutdown.
type Supervisor struct {
	logger   *slog.Logger
	shutdown atomic.Bool
	tracker  *Tracker
}

// New constructs a Supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger, tracker: NewTracker()}
}

// ShuttingDown reports whether the process-global shutdown flag has latched.
// It is monotonic: once true, it never reverts.
func (s *Supervisor) ShuttingDown() bool { return s.shutdown.Load() }

// Shutdown latches the shutdown flag. Safe to call from a signal handler or
// any other goroutine; idempotent.
func (s *Supervisor) Shutdown() { s.shutdown.Store(true) }

// Spawn runs a named Task in its own goroutine, restarting it after a
// back-off whenever it returns a non-shutdown error, and stopping instead
// (latching the shutdown flag) on a recovered panic or a ctx-cancellation
// error. The task is registered with the Supervisor's Tracker so Close+Wait
// can drain it during shutdown.
func (s *Supervisor) Spawn(ctx context.Context, name string, task Task) {
	s.tracker.Add(1)
	go func() {
		defer s.tracker.Done()
		s.runWithRestarts(ctx, name, task)
	}()
}

func (s *Supervisor) runWithRestarts(ctx context.Context, name string, task Task) {
	for {
		if s.shutdown.Load() {
			return
		}

		err := s.runOnce(ctx, name, task)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			s.logger.InfoContext(ctx, "supervised task stopping on shutdown", slog.String("task", name))
			s.Shutdown()
			return
		}

		s.logger.ErrorContext(ctx, "supervised task returned an error, restarting",
			slog.String("task", name), slog.Any("error", err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.Shutdown()
			return
		}
	}
}

// runOnce invokes task once, converting a panic into an error so a single
// misbehaving loop cannot take down the process; the caller treats a
// recovered panic as grounds to latch shutdown rather than restart, since a
// panic indicates a programming error rather than a transient condition.
func (s *Supervisor) runOnce(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "supervised task panicked",
				slog.String("task", name), slog.Any("panic", r))
			s.Shutdown()
			err = fmt.Errorf("task %q panicked: %v", name, r)
		}
	}()
	return task(ctx)
}

// Close calls Tracker.Close, which has no effect: it does not reject new
// Spawn calls, and Wait returns once every tracked task has finished whether
// or not Close was called.
func (s *Supervisor) Close() { s.tracker.Close() }

// Wait blocks until every spawned task has returned.
func (s *Supervisor) Wait() { s.tracker.Wait() }

// Tracker aggregates spawned work so shutdown can drain it. Close does not
// prevent further Add calls and does not change what Wait does.
type Tracker struct {
	wg sync.WaitGroup
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker { return &Tracker{} }

// Add registers n additional in-flight tasks.
func (t *Tracker) Add(n int) { t.wg.Add(n) }

// Done marks one registered task complete.
func (t *Tracker) Done() { t.wg.Done() }

// Close is a no-op: closing never rejects new Add/Done calls and does not
// change what Wait does. It exists as a named step in the shutdown sequence
// for readability at the call site.
func (t *Tracker) Close() {}

// Wait blocks until every registered task has called Done.
func (t *Tracker) Wait() { t.wg.Wait() }
