// Package schedule fires stored actions on their cron expressions and runs
// them through the agent with retry, backoff, and an hourly rate budget.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultTickInterval   = time.Minute
	defaultMaxRunsPerHour = 30
	defaultRetryBase      = 30 * time.Second
)

// Clock abstracts time for the scheduler so backoff and tick behavior can be
// tested without waiting.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome is what a runner reports back for one attempt.
type Outcome struct {
	ConversationID string
	Result         string
}

// Runner executes one attempt of a scheduled action. The scheduler handles
// retries; implementations just run the prompt once.
type Runner interface {
	RunScheduled(ctx context.Context, action Action) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, action Action) (Outcome, error)

func (f RunnerFunc) RunScheduled(ctx context.Context, action Action) (Outcome, error) {
	return f(ctx, action)
}

type Scheduler struct {
	Store  *Store
	Runner Runner
	Log    *slog.Logger
	Clock  Clock

	TickInterval   time.Duration
	MaxRunsPerHour int
	RetryBase      time.Duration

	mu        sync.Mutex
	inFlight  map[string]bool
	lastFired map[string]time.Time
	wg        sync.WaitGroup
}

// Start blocks, ticking until ctx is canceled. In-flight runs are given a
// chance to finish before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil || s.Store == nil || s.Runner == nil {
		return errors.New("scheduler not initialized")
	}

	interval := s.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	clock := s.clock()
	s.logger().Info("scheduler started", "tick_interval", interval.String(), "max_runs_per_hour", s.maxRunsPerHour())

	for {
		s.Tick(ctx)
		if err := clock.Sleep(ctx, interval); err != nil {
			break
		}
	}
	s.wg.Wait()
	s.logger().Info("scheduler stopped")
	return ctx.Err()
}

// Tick evaluates every enabled action against the current minute and spawns
// runs for those that are due. An action with a run still in flight is
// skipped, and an action fires at most once per matched minute.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.clock().Now()

	actions, err := s.Store.ListActions(ctx, true)
	if err != nil {
		s.logger().Error("scheduler: list actions", "error", err)
		return
	}

	for _, action := range actions {
		cron, err := ParseCron(action.CronExpr)
		if err != nil {
			s.logger().Warn("scheduler: skipping action with bad cron", "action", action.Name, "error", err)
			continue
		}
		if !cron.Matches(now) {
			continue
		}
		if !s.claim(action.ID, now) {
			continue
		}

		over, err := s.overBudget(ctx, now)
		if err != nil {
			s.logger().Error("scheduler: rate window query", "action", action.Name, "error", err)
			s.release(action.ID)
			continue
		}
		if over {
			s.logger().Warn("scheduler: hourly run budget exhausted", "action", action.Name)
			if err := s.Store.RecordRateLimited(ctx, action.ID, now); err != nil {
				s.logger().Error("scheduler: record rate-limited skip", "action", action.Name, "error", err)
			}
			s.release(action.ID)
			continue
		}

		// Open the run row before spawning so the rate window sees runs
		// started earlier in this same tick.
		runID, err := s.Store.StartRun(ctx, action.ID, "", now)
		if err != nil {
			s.logger().Error("scheduler: open run", "action", action.Name, "error", err)
			s.release(action.ID)
			continue
		}

		action := action
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(action.ID)
			s.execute(ctx, action, runID)
		}()
	}
}

// execute runs an action with retries. All attempts reuse the same run row;
// the attempt counter records how many tries were consumed.
func (s *Scheduler) execute(ctx context.Context, action Action, runID int64) {
	log := s.logger().With("action", action.Name, "action_id", action.ID)

	maxRetries := action.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := s.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		outcome, err := s.Runner.RunScheduled(ctx, action)
		if err == nil {
			if outcome.ConversationID != "" {
				if err := s.Store.AttachRunConversation(s.finishCtx(ctx), runID, outcome.ConversationID); err != nil {
					log.Error("scheduler: attach conversation", "run_id", runID, "error", err)
				}
			}
			if err := s.Store.FinishRun(s.finishCtx(ctx), runID, RunStatusSuccess, attempt, outcome.Result, "", s.clock().Now()); err != nil {
				log.Error("scheduler: close run", "error", err)
			}
			log.Info("scheduled run succeeded", "run_id", runID, "attempt", attempt)
			return
		}
		lastErr = err
		log.Warn("scheduled run attempt failed", "run_id", runID, "attempt", attempt, "error", err)

		if ctx.Err() != nil || attempt == maxRetries {
			break
		}
		if err := s.Store.MarkRunRetrying(ctx, runID, attempt, lastErr.Error()); err != nil {
			log.Error("scheduler: mark retrying", "error", err)
		}
		// 30s, 60s, 120s with the default base.
		backoff := retryBase << (attempt - 1)
		if err := s.clock().Sleep(ctx, backoff); err != nil {
			break
		}
	}

	errMsg := "canceled"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	// The row must reach a terminal state even when the process is shutting
	// down, so the close runs on a context that survives cancellation.
	if err := s.Store.FinishRun(s.finishCtx(ctx), runID, RunStatusFailed, attempts, "", errMsg, s.clock().Now()); err != nil {
		log.Error("scheduler: close run", "error", err)
	}
	log.Error("scheduled run failed", "run_id", runID, "attempts", attempts, "error", errMsg)
}

func (s *Scheduler) finishCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// claim reserves an action for this minute. It fails when a run is already
// in flight or the action already fired in the same minute.
func (s *Scheduler) claim(actionID string, now time.Time) bool {
	minute := now.Truncate(time.Minute)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]bool)
	}
	if s.lastFired == nil {
		s.lastFired = make(map[string]time.Time)
	}
	if s.inFlight[actionID] {
		return false
	}
	if last, ok := s.lastFired[actionID]; ok && last.Equal(minute) {
		return false
	}
	s.inFlight[actionID] = true
	s.lastFired[actionID] = minute
	return true
}

func (s *Scheduler) release(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, actionID)
}

func (s *Scheduler) overBudget(ctx context.Context, now time.Time) (bool, error) {
	n, err := s.Store.CountRunsStartedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return false, err
	}
	return n >= s.maxRunsPerHour(), nil
}

func (s *Scheduler) maxRunsPerHour() int {
	if s.MaxRunsPerHour > 0 {
		return s.MaxRunsPerHour
	}
	return defaultMaxRunsPerHour
}

func (s *Scheduler) clock() Clock {
	if s != nil && s.Clock != nil {
		return s.Clock
	}
	return realClock{}
}

func (s *Scheduler) logger() *slog.Logger {
	if s != nil && s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
