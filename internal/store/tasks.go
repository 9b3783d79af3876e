package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskScheduled  = "scheduled"
	TaskRunning    = "running"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskDeadLetter = "dead_letter"
	TaskCancelled  = "cancelled"
)

// Schedule kinds.
const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
	ScheduleOneShot  = "one_shot"
)

// TaskDefinition is what a run executes: a prompt against the agent, with an
// optional tool allow-list.
type TaskDefinition struct {
	Prompt       string   `json:"prompt"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// TaskSchedule describes when a task runs.
type TaskSchedule struct {
	Kind       string     `json:"kind"` // interval | cron | one_shot
	IntervalMs int64      `json:"intervalMs,omitempty"`
	Cron       string     `json:"cron,omitempty"`
	At         *time.Time `json:"at,omitempty"`
}

// TaskBudget caps one run's consumption. Zero disables a cap.
type TaskBudget struct {
	MaxTokens       int64   `json:"maxTokens,omitempty"`
	MaxCostUSD      float64 `json:"maxCostUsd,omitempty"`
	MaxWallClockMs  int64   `json:"maxWallClockMs,omitempty"`
	MaxToolCalls    int     `json:"maxToolCalls,omitempty"`
	MaxMemoryWrites int     `json:"maxMemoryWrites,omitempty"`
}

// Task is a persisted scheduled task.
type Task struct {
	ID             string         `json:"id"`
	Definition     TaskDefinition `json:"definition"`
	Schedule       TaskSchedule   `json:"schedule"`
	Budget         TaskBudget     `json:"budget"`
	Status         string         `json:"status"`
	ConversationID string         `json:"conversationId,omitempty"`
	NextRunAt      *time.Time     `json:"nextRunAt,omitempty"`
	RetryCount     int            `json:"retryCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TaskRun is one recorded execution with consumed budget.
type TaskRun struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	TokensUsed   int64      `json:"tokensUsed"`
	CostUSD      float64    `json:"costUsd"`
	ToolCalls    int        `json:"toolCalls"`
	MemoryWrites int        `json:"memoryWrites"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// CreateTask persists a new task in the scheduled state.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskScheduled
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	def, _ := json.Marshal(t.Definition)
	sched, _ := json.Marshal(t.Schedule)
	budget, _ := json.Marshal(t.Budget)

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, definition, schedule, budget, status, conversation_id, next_run_at, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		t.ID, string(def), string(sched), string(budget), t.Status, t.ConversationID,
		t.NextRunAt, t.RetryCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask loads one task.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Store) ListTasks(status string) ([]Task, error) {
	query, args := taskSelect+` ORDER BY created_at DESC`, []any{}
	if status != "" {
		query = taskSelect + ` WHERE status = ? ORDER BY created_at DESC`
		args = append(args, status)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DueTasks returns scheduled tasks whose next run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(
		taskSelect+` WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at ASC`,
		TaskScheduled, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CASTaskStatus transitions a task's status only when it currently holds
// from. Returns false when another scheduler instance won the race.
func (s *Store) CASTaskStatus(id, from, to string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishTask records the post-run state: status, next run, retry count.
func (s *Store) FinishTask(id, status string, nextRunAt *time.Time, retryCount int) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, next_run_at = ?, retry_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, nextRunAt, retryCount, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskRun writes one run row.
func (s *Store) RecordTaskRun(r *TaskRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO task_runs (id, task_id, status, error, tokens_used, cost_usd, tool_calls, memory_writes, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Status, r.Error, r.TokensUsed, r.CostUSD, r.ToolCalls,
		r.MemoryWrites, r.StartedAt.UTC(), r.FinishedAt)
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}

// TaskRuns returns the run history for a task, newest first.
func (s *Store) TaskRuns(taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, status, error, tokens_used, cost_usd, tool_calls, memory_writes, started_at, finished_at
		 FROM task_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Status, &r.Error, &r.TokensUsed,
			&r.CostUSD, &r.ToolCalls, &r.MemoryWrites, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SpendSince sums the recorded run cost from a point in time. Backs the
// daily/monthly budget guard.
func (s *Store) SpendSince(since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(cost_usd) FROM task_runs WHERE started_at >= ?`, since.UTC()).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

const taskSelect = `SELECT id, definition, schedule, budget, status, COALESCE(conversation_id, ''), next_run_at, retry_count, created_at, updated_at FROM tasks`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var def, sched, budget string
	var next sql.NullTime
	if err := row.Scan(&t.ID, &def, &sched, &budget, &t.Status, &t.ConversationID,
		&next, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if next.Valid {
		nt := next.Time
		t.NextRunAt = &nt
	}
	if err := json.Unmarshal([]byte(def), &t.Definition); err != nil {
		return nil, fmt.Errorf("decode task definition: %w", err)
	}
	if err := json.Unmarshal([]byte(sched), &t.Schedule); err != nil {
		return nil, fmt.Errorf("decode task schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(budget), &t.Budget); err != nil {
		return nil, fmt.Errorf("decode task budget: %w", err)
	}
	return &t, nil
}
