package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/events"
	"spaceduck/internal/runlock"
	"spaceduck/internal/store"
)

type countingRunner struct {
	mu    sync.Mutex
	runs  int
	stats RunStats
	err   error
	block func(ctx context.Context)
}

func (r *countingRunner) RunTask(ctx context.Context, task *store.Task) (RunStats, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.block != nil {
		r.block(ctx)
	}
	return r.stats, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type fixture struct {
	sched  *Scheduler
	store  *store.Store
	cfg    *config.Store
	bus    *events.Bus
	runner *countingRunner
	now    time.Time
}

func newFixture(t *testing.T, runner *countingRunner) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "spaceduck.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfgStore := config.NewStore(filepath.Join(t.TempDir(), config.FileName), zap.NewNop())
	require.NoError(t, cfgStore.Load())

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	f := &fixture{
		store:  st,
		cfg:    cfgStore,
		bus:    bus,
		runner: runner,
		now:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.sched = New(st, cfgStore, runlock.New(), bus, runner, zap.NewNop())
	f.sched.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) createDueTask(t *testing.T, sched store.TaskSchedule, budget store.TaskBudget) *store.Task {
	t.Helper()
	due := f.now.Add(-time.Second)
	task := &store.Task{
		Definition: store.TaskDefinition{Prompt: "summarize the pond"},
		Schedule:   sched,
		Budget:     budget,
		NextRunAt:  &due,
	}
	require.NoError(t, f.store.CreateTask(task))
	return task
}

func (f *fixture) patch(t *testing.T, path string, value any) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	_, err = f.cfg.Patch([]config.PatchOp{{Op: "replace", Path: path, Value: raw}}, f.cfg.Rev())
	require.NoError(t, err)
}

func TestTickRunsIntervalTask(t *testing.T) {
	runner := &countingRunner{stats: RunStats{TokensUsed: 100, CostUSD: 0.01}}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleInterval, IntervalMs: 60000}, store.TaskBudget{})

	f.sched.Tick(context.Background())
	assert.Equal(t, 1, runner.count())

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskScheduled, got.Status)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, f.now.Add(time.Minute), got.NextRunAt.UTC())
	assert.Zero(t, got.RetryCount)

	runs, err := f.store.TaskRuns(task.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskCompleted, runs[0].Status)
	assert.Equal(t, int64(100), runs[0].TokensUsed)

	// Not due again until the interval elapses.
	f.sched.Tick(context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestOneShotCompletes(t *testing.T) {
	runner := &countingRunner{}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleOneShot}, store.TaskBudget{})

	f.sched.Tick(context.Background())

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
	assert.Nil(t, got.NextRunAt)
}

func TestFailureRetriesThenDeadLetters(t *testing.T) {
	runner := &countingRunner{err: errors.New("flaky upstream")}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleInterval, IntervalMs: 60000}, store.TaskBudget{})

	// Defaults: maxAttempts 3, backoffBase 5s.
	f.sched.Tick(context.Background())
	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskScheduled, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, f.now.Add(10*time.Second), got.NextRunAt.UTC(), "base * 2^1")

	f.now = f.now.Add(time.Minute)
	f.sched.Tick(context.Background())
	got, err = f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	f.now = f.now.Add(time.Minute)
	f.sched.Tick(context.Background())
	got, err = f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDeadLetter, got.Status)
	assert.Equal(t, 3, runner.count())

	// Dead-lettered tasks never come due again.
	f.now = f.now.Add(time.Hour)
	f.sched.Tick(context.Background())
	assert.Equal(t, 3, runner.count())
}

func TestRetryTask(t *testing.T) {
	runner := &countingRunner{err: errors.New("down")}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleOneShot}, store.TaskBudget{})

	for i := 0; i < 3; i++ {
		f.sched.Tick(context.Background())
		f.now = f.now.Add(time.Hour)
	}
	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskDeadLetter, got.Status)

	require.NoError(t, f.sched.RetryTask(task.ID))
	got, err = f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskScheduled, got.Status)
	assert.Zero(t, got.RetryCount)

	// Only failed or dead_letter tasks can be retried.
	assert.Error(t, f.sched.RetryTask(task.ID))
}

func TestBudgetGuardPausesScheduler(t *testing.T) {
	runner := &countingRunner{}
	f := newFixture(t, runner)
	f.patch(t, "/scheduler/budget/dailyUsd", 1.0)

	// Prior spend today already at the limit.
	started := f.now.Add(-time.Hour)
	finished := f.now.Add(-30 * time.Minute)
	require.NoError(t, f.store.RecordTaskRun(&store.TaskRun{
		TaskID: "seed", Status: store.TaskCompleted, CostUSD: 1.5,
		StartedAt: started, FinishedAt: &finished,
	}))

	exceeded := make(chan events.BudgetExceeded, 1)
	unsub := f.bus.Subscribe(events.TypeBudgetExceeded, func(ev events.Event) {
		exceeded <- ev.Payload.(events.BudgetExceeded)
	})
	defer unsub()

	f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleOneShot}, store.TaskBudget{})
	f.sched.Tick(context.Background())
	assert.Zero(t, runner.count(), "paused scheduler runs nothing")

	select {
	case ev := <-exceeded:
		assert.Equal(t, "daily", ev.Window)
		assert.InDelta(t, 1.5, ev.SpentUSD, 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("budget_exceeded never published")
	}

	status, err := f.sched.BudgetStatus()
	require.NoError(t, err)
	assert.True(t, status.Paused)

	// Next day the window resets and the task runs.
	f.now = f.now.Add(24 * time.Hour)
	f.sched.Tick(context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestWallClockBudget(t *testing.T) {
	runner := &countingRunner{block: func(ctx context.Context) { <-ctx.Done() }}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleOneShot}, store.TaskBudget{MaxWallClockMs: 20})

	f.sched.Tick(context.Background())

	runs, err := f.store.TaskRuns(task.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "wall clock")
}

func TestTokenBudget(t *testing.T) {
	runner := &countingRunner{stats: RunStats{TokensUsed: 5000}}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleOneShot}, store.TaskBudget{MaxTokens: 1000})

	f.sched.Tick(context.Background())

	runs, err := f.store.TaskRuns(task.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "token budget")
}

func TestClaimedTaskIsSkipped(t *testing.T) {
	runner := &countingRunner{}
	f := newFixture(t, runner)
	task := f.createDueTask(t, store.TaskSchedule{Kind: store.ScheduleOneShot}, store.TaskBudget{})

	// Another instance already claimed it.
	ok, err := f.store.CASTaskStatus(task.ID, store.TaskScheduled, store.TaskRunning)
	require.NoError(t, err)
	require.True(t, ok)

	f.sched.Tick(context.Background())
	assert.Zero(t, runner.count())
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(store.TaskSchedule{Kind: store.ScheduleInterval, IntervalMs: 1000}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second), *next)

	next, err = NextRun(store.TaskSchedule{Kind: store.ScheduleCron, Cron: "0 9 * * *"}, now)
	require.NoError(t, err)
	assert.Equal(t, 9, next.Hour())
	assert.True(t, next.After(now))

	next, err = NextRun(store.TaskSchedule{Kind: store.ScheduleOneShot}, now)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = NextRun(store.TaskSchedule{Kind: "lunar"}, now)
	assert.Error(t, err)

	_, err = NextRun(store.TaskSchedule{Kind: store.ScheduleCron, Cron: "not a cron"}, now)
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	retry := config.RetryConfig{MaxAttempts: 5, BackoffBaseMs: 1000, BackoffMaxMs: 10000}
	assert.Equal(t, time.Second, Backoff(retry, 0))
	assert.Equal(t, 2*time.Second, Backoff(retry, 1))
	assert.Equal(t, 8*time.Second, Backoff(retry, 3))
	assert.Equal(t, 10*time.Second, Backoff(retry, 10), "capped at max")
}
