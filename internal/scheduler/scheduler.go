// Package scheduler runs persisted background tasks on a heartbeat. Due
// tasks are claimed with a status CAS so only one runner executes a task,
// spend is checked against the global budget before every run, and failures
// retry with exponential backoff until they dead-letter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/events"
	"spaceduck/internal/runlock"
	"spaceduck/internal/store"
)

const defaultHeartbeat = 15 * time.Second

// RunStats is the consumption reported by one task run.
type RunStats struct {
	TokensUsed   int64
	CostUSD      float64
	ToolCalls    int
	MemoryWrites int
}

// Runner executes a task's definition. The context carries the wall-clock
// budget as a deadline.
type Runner interface {
	RunTask(ctx context.Context, task *store.Task) (RunStats, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *store.Task) (RunStats, error)

// RunTask implements Runner.
func (f RunnerFunc) RunTask(ctx context.Context, task *store.Task) (RunStats, error) {
	return f(ctx, task)
}

// BudgetStatus reports the spend guard's view for the budget endpoint.
type BudgetStatus struct {
	DailySpentUSD   float64 `json:"dailySpentUsd"`
	DailyLimitUSD   float64 `json:"dailyLimitUsd"`
	MonthlySpentUSD float64 `json:"monthlySpentUsd"`
	MonthlyLimitUSD float64 `json:"monthlyLimitUsd"`
	Paused          bool    `json:"paused"`
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store  *store.Store
	cfg    *config.Store
	lock   *runlock.Lock
	bus    *events.Bus
	runner Runner
	logger *zap.Logger
	now    func() time.Time

	paused atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	running   sync.WaitGroup
}

// New wires the scheduler; Start begins ticking.
func New(st *store.Store, cfg *config.Store, lock *runlock.Lock, bus *events.Bus, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  st,
		cfg:    cfg,
		lock:   lock,
		bus:    bus,
		runner: runner,
		logger: logger.Named("scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the tick loop. Safe to call once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop ends the loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.running.Wait()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		timer := time.NewTimer(s.heartbeat())
		select {
		case <-timer.C:
			s.Tick(context.Background())
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) heartbeat() time.Duration {
	ms := s.cfg.Current().Scheduler.HeartbeatIntervalMs
	if ms <= 0 {
		return defaultHeartbeat
	}
	return time.Duration(ms) * time.Millisecond
}

// Tick claims and executes every due task, bounded by maxConcurrentTasks.
// Exported so tests and the retry endpoint can drive it without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.budgetAllows() {
		return
	}

	now := s.now()
	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("query due tasks", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	maxConcurrent := s.cfg.Current().Scheduler.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	var wg sync.WaitGroup
	for i := range due {
		task := due[i]
		sem <- struct{}{}
		wg.Add(1)
		s.running.Add(1)
		go func() {
			defer func() { <-sem; wg.Done(); s.running.Done() }()
			s.runOne(ctx, &task)
		}()
	}
	wg.Wait()
}

// budgetAllows consults the global spend guard. Crossing a limit pauses the
// scheduler and raises one budget_exceeded event; dropping back under the
// limit resumes it.
func (s *Scheduler) budgetAllows() bool {
	status, err := s.BudgetStatus()
	if err != nil {
		s.logger.Error("budget check", zap.Error(err))
		return false
	}

	window, spent, limit := "", 0.0, 0.0
	if status.DailyLimitUSD > 0 && status.DailySpentUSD >= status.DailyLimitUSD {
		window, spent, limit = "daily", status.DailySpentUSD, status.DailyLimitUSD
	} else if status.MonthlyLimitUSD > 0 && status.MonthlySpentUSD >= status.MonthlyLimitUSD {
		window, spent, limit = "monthly", status.MonthlySpentUSD, status.MonthlyLimitUSD
	}

	if window == "" {
		if s.paused.CompareAndSwap(true, false) {
			s.logger.Info("budget recovered, scheduler resumed")
		}
		return true
	}

	if s.paused.CompareAndSwap(false, true) {
		s.logger.Warn("budget exceeded, scheduler paused",
			zap.String("window", window),
			zap.Float64("spent_usd", spent),
			zap.Float64("limit_usd", limit))
		s.bus.Publish(events.TypeBudgetExceeded, events.BudgetExceeded{
			Window: window, SpentUSD: spent, LimitUSD: limit,
		})
	}
	return false
}

// BudgetStatus reads current spend against the configured limits.
func (s *Scheduler) BudgetStatus() (BudgetStatus, error) {
	now := s.now()
	budget := s.cfg.Current().Scheduler.Budget

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := s.store.SpendSince(dayStart)
	if err != nil {
		return BudgetStatus{}, err
	}
	monthly, err := s.store.SpendSince(monthStart)
	if err != nil {
		return BudgetStatus{}, err
	}
	return BudgetStatus{
		DailySpentUSD:   daily,
		DailyLimitUSD:   budget.DailyUSD,
		MonthlySpentUSD: monthly,
		MonthlyLimitUSD: budget.MonthlyUSD,
		Paused:          s.paused.Load(),
	}, nil
}

func (s *Scheduler) runOne(ctx context.Context, task *store.Task) {
	// Serialize with interactive turns on the same conversation.
	if task.ConversationID != "" {
		lockCtx, release, err := s.lock.Acquire(ctx, task.ConversationID)
		if err != nil {
			s.logger.Warn("run lock", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		defer release()
		ctx = lockCtx
	}

	claimed, err := s.store.CASTaskStatus(task.ID, store.TaskScheduled, store.TaskRunning)
	if err != nil {
		s.logger.Error("claim task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	startedAt := s.now()
	runCtx, cancel := s.budgetContext(ctx, task.Budget)
	stats, runErr := s.runner.RunTask(runCtx, task)
	cancel()
	if runErr == nil {
		runErr = checkBudget(runCtx, task.Budget, stats)
	}
	finishedAt := s.now()

	run := &store.TaskRun{
		TaskID:       task.ID,
		Status:       store.TaskCompleted,
		TokensUsed:   stats.TokensUsed,
		CostUSD:      stats.CostUSD,
		ToolCalls:    stats.ToolCalls,
		MemoryWrites: stats.MemoryWrites,
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
	}
	if runErr != nil {
		run.Status = store.TaskFailed
		run.Error = runErr.Error()
	}
	if err := s.store.RecordTaskRun(run); err != nil {
		s.logger.Error("record task run", zap.String("task_id", task.ID), zap.Error(err))
	}

	if runErr == nil {
		s.finishSuccess(task, finishedAt)
	} else {
		s.finishFailure(task, finishedAt, runErr)
	}
}

func (s *Scheduler) finishSuccess(task *store.Task, now time.Time) {
	next, err := NextRun(task.Schedule, now)
	if err != nil {
		s.logger.Error("compute next run", zap.String("task_id", task.ID), zap.Error(err))
	}
	status := store.TaskScheduled
	if next == nil {
		status = store.TaskCompleted
	}
	if err := s.store.FinishTask(task.ID, status, next, 0); err != nil {
		s.logger.Error("finish task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.logger.Info("task run complete", zap.String("task_id", task.ID), zap.String("status", status))
}

func (s *Scheduler) finishFailure(task *store.Task, now time.Time, runErr error) {
	retry := s.cfg.Current().Scheduler.Retry
	retryCount := task.RetryCount + 1

	if retryCount >= retry.MaxAttempts {
		if err := s.store.FinishTask(task.ID, store.TaskDeadLetter, nil, retryCount); err != nil {
			s.logger.Error("dead-letter task", zap.String("task_id", task.ID), zap.Error(err))
		}
		s.logger.Warn("task dead-lettered",
			zap.String("task_id", task.ID),
			zap.Int("attempts", retryCount),
			zap.Error(runErr))
		return
	}

	backoff := Backoff(retry, retryCount)
	next := now.Add(backoff)
	if err := s.store.FinishTask(task.ID, store.TaskScheduled, &next, retryCount); err != nil {
		s.logger.Error("reschedule task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.logger.Warn("task failed, retrying",
		zap.String("task_id", task.ID),
		zap.Int("retry", retryCount),
		zap.Duration("backoff", backoff),
		zap.Error(runErr))
}

// RetryTask moves a failed or dead-lettered task back to scheduled with an
// immediate next run.
func (s *Scheduler) RetryTask(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != store.TaskFailed && task.Status != store.TaskDeadLetter {
		return fmt.Errorf("task %s is %s, only failed or dead_letter tasks can be retried", id, task.Status)
	}
	now := s.now()
	if ok, err := s.store.CASTaskStatus(id, task.Status, store.TaskScheduled); err != nil {
		return err
	} else if !ok {
		return errors.New("task status changed concurrently")
	}
	return s.store.FinishTask(id, store.TaskScheduled, &now, 0)
}

func (s *Scheduler) budgetContext(ctx context.Context, b store.TaskBudget) (context.Context, context.CancelFunc) {
	if b.MaxWallClockMs > 0 {
		return context.WithTimeout(ctx, time.Duration(b.MaxWallClockMs)*time.Millisecond)
	}
	return context.WithCancel(ctx)
}

// checkBudget turns post-run overconsumption into a failure.
func checkBudget(ctx context.Context, b store.TaskBudget, stats RunStats) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("wall clock budget of %dms exceeded", b.MaxWallClockMs)
	}
	if b.MaxTokens > 0 && stats.TokensUsed > b.MaxTokens {
		return fmt.Errorf("token budget exceeded: used %d of %d", stats.TokensUsed, b.MaxTokens)
	}
	if b.MaxCostUSD > 0 && stats.CostUSD > b.MaxCostUSD {
		return fmt.Errorf("cost budget exceeded: spent %.4f of %.4f", stats.CostUSD, b.MaxCostUSD)
	}
	if b.MaxToolCalls > 0 && stats.ToolCalls > b.MaxToolCalls {
		return fmt.Errorf("tool call budget exceeded: %d of %d", stats.ToolCalls, b.MaxToolCalls)
	}
	if b.MaxMemoryWrites > 0 && stats.MemoryWrites > b.MaxMemoryWrites {
		return fmt.Errorf("memory write budget exceeded: %d of %d", stats.MemoryWrites, b.MaxMemoryWrites)
	}
	return nil
}
