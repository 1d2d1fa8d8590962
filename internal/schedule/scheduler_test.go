package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep returns immediately, recording the requested duration.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *Store, *fakeClock) {
	t.Helper()
	store := openTestStore(t)
	clock := newFakeClock(time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC))
	return &Scheduler{
		Store:  store,
		Runner: runner,
		Clock:  clock,
	}, store, clock
}

func everyMinuteAction(name string) Action {
	a := testAction(name)
	a.CronExpr = "* * * * *"
	return a
}

func TestTick_RunsDueAction(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		ran.Add(1)
		return Outcome{ConversationID: "conv-1", Result: "all done"}, nil
	})
	s, store, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	action, err := store.CreateAction(ctx, everyMinuteAction("due"))
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	// Not due: fires at 09:30, clock reads 09:00.
	other := testAction("not-due")
	other.CronExpr = "30 9 * * *"
	if _, err := store.CreateAction(ctx, other); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	s.Tick(ctx)
	s.wg.Wait()

	if ran.Load() != 1 {
		t.Fatalf("runner ran %d times, want 1", ran.Load())
	}
	runs, err := store.ListRuns(ctx, action.ID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != RunStatusSuccess || run.Attempt != 1 {
		t.Fatalf("run = %+v", run)
	}
	if run.Result != "all done" || run.ConversationID != "conv-1" {
		t.Fatalf("run = %+v", run)
	}
}

func TestTick_DisabledActionNeverFires(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		ran.Add(1)
		return Outcome{}, nil
	})
	s, store, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	a := everyMinuteAction("disabled")
	a.Enabled = false
	if _, err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	s.Tick(ctx)
	s.wg.Wait()
	if ran.Load() != 0 {
		t.Fatalf("runner ran %d times, want 0", ran.Load())
	}
}

func TestTick_FiresOncePerMatchedMinute(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		ran.Add(1)
		return Outcome{}, nil
	})
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()

	if _, err := store.CreateAction(ctx, everyMinuteAction("dedupe")); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	// Two ticks inside the same minute fire once.
	s.Tick(ctx)
	s.wg.Wait()
	clock.Advance(20 * time.Second)
	s.Tick(ctx)
	s.wg.Wait()
	if ran.Load() != 1 {
		t.Fatalf("runner ran %d times in one minute, want 1", ran.Load())
	}

	// The next minute fires again.
	clock.Advance(time.Minute)
	s.Tick(ctx)
	s.wg.Wait()
	if ran.Load() != 2 {
		t.Fatalf("runner ran %d times, want 2", ran.Load())
	}
}

func TestTick_SkipsActionWithRunInFlight(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var ran atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		ran.Add(1)
		<-block
		return Outcome{}, nil
	})
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()

	if _, err := store.CreateAction(ctx, everyMinuteAction("slow")); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	s.Tick(ctx)
	clock.Advance(time.Minute)
	s.Tick(ctx) // first run still blocked
	close(block)
	s.wg.Wait()

	if ran.Load() != 1 {
		t.Fatalf("runner ran %d times while in flight, want 1", ran.Load())
	}
}

func TestTick_HourlyBudget(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		ran.Add(1)
		return Outcome{Result: "ok"}, nil
	})
	s, store, _ := newTestScheduler(t, runner)
	s.MaxRunsPerHour = 10
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if _, err := store.CreateAction(ctx, everyMinuteAction(fmt.Sprintf("bulk-%03d", i))); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
	}

	s.Tick(ctx)
	s.wg.Wait()

	if ran.Load() != 10 {
		t.Fatalf("runner ran %d times, want exactly 10", ran.Load())
	}
	runs, err := store.ListRuns(ctx, "", 500)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	var started, limited int
	for _, run := range runs {
		switch run.Status {
		case RunStatusRateLimited:
			limited++
			if run.Attempt != 0 {
				t.Fatalf("rate-limited row has attempt %d", run.Attempt)
			}
		default:
			started++
		}
	}
	if started != 10 || limited != 90 {
		t.Fatalf("started = %d, limited = %d; want 10/90", started, limited)
	}
}

func TestExecute_RetryBackoffReusesRow(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		if attempts.Add(1) < 3 {
			return Outcome{}, errors.New("transient failure")
		}
		return Outcome{Result: "third time lucky"}, nil
	})
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()

	action, err := store.CreateAction(ctx, everyMinuteAction("flaky"))
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	s.Tick(ctx)
	s.wg.Wait()

	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
	runs, err := store.ListRuns(ctx, action.ID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want a single row across retries", len(runs))
	}
	run := runs[0]
	if run.Status != RunStatusSuccess || run.Attempt != 3 || run.Result != "third time lucky" {
		t.Fatalf("run = %+v", run)
	}

	// Exponential backoff from the 30s base: 30s then 60s.
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 30*time.Second || sleeps[1] != 60*time.Second {
		t.Fatalf("sleeps = %v", sleeps)
	}
}

func TestExecute_FailsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		attempts.Add(1)
		return Outcome{}, errors.New("permanent failure")
	})
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()

	action, err := store.CreateAction(ctx, everyMinuteAction("doomed"))
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	s.Tick(ctx)
	s.wg.Wait()

	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
	runs, err := store.ListRuns(ctx, action.ID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != RunStatusFailed || run.Attempt != 3 || run.Error != "permanent failure" {
		t.Fatalf("run = %+v", run)
	}
	// No sleep after the final attempt.
	if sleeps := clock.Sleeps(); len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2", sleeps)
	}
}

func TestExecute_ShutdownClosesRunRow(t *testing.T) {
	t.Parallel()

	// The runner cancels the scheduler's context mid-attempt, as a process
	// shutdown does. The row must still reach a terminal state and record
	// the one attempt that was actually consumed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := RunnerFunc(func(runCtx context.Context, action Action) (Outcome, error) {
		cancel()
		return Outcome{}, runCtx.Err()
	})
	s, store, _ := newTestScheduler(t, runner)

	action, err := store.CreateAction(context.Background(), everyMinuteAction("interrupted"))
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	s.Tick(ctx)
	s.wg.Wait()

	runs, err := store.ListRuns(context.Background(), action.ID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != RunStatusFailed {
		t.Fatalf("status = %q, want %q", run.Status, RunStatusFailed)
	}
	if run.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", run.Attempt)
	}
	if run.FinishedAtUnixMs == 0 {
		t.Fatalf("run not closed: %+v", run)
	}
}

func TestTick_BadCronSkippedWithoutRun(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, action Action) (Outcome, error) {
		ran.Add(1)
		return Outcome{}, nil
	})
	s, store, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	// Corrupt the stored expression behind the validator's back.
	action, err := store.CreateAction(ctx, everyMinuteAction("corrupt"))
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE scheduled_actions SET cron_expr = 'garbage' WHERE id = ?`, action.ID); err != nil {
		t.Fatalf("corrupt cron: %v", err)
	}

	s.Tick(ctx)
	s.wg.Wait()
	if ran.Load() != 0 {
		t.Fatalf("runner ran %d times for a bad cron, want 0", ran.Load())
	}
}
