package truthstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/truthd/internal/bus"
	"github.com/google/uuid"
)

type TaskType string

const (
	TaskPlanning   TaskType = "planning"
	TaskGeneration TaskType = "generation"
	TaskValidation TaskType = "validation"
)

type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// priorityRank orders dequeue selection. Higher wins.
var priorityRank = map[TaskPriority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityMedium:   1,
	PriorityLow:      0,
}

var rankPriority = map[int]TaskPriority{
	3: PriorityCritical,
	2: PriorityHigh,
	1: PriorityMedium,
	0: PriorityLow,
}

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Task is one unit of pipeline work. Tasks are never deleted; they only
// reach a terminal status.
type Task struct {
	ID             int64        `json:"id"`
	Type           TaskType     `json:"type"`
	Priority       TaskPriority `json:"priority"`
	WorkerCategory string       `json:"worker_category"`
	Status         TaskStatus   `json:"status"`
	Description    string       `json:"description"`
	ParentTaskID   int64        `json:"parent_task_id,omitempty"`
	RelatedTaskID  int64        `json:"related_task_id,omitempty"`
	RetryCount     int          `json:"retry_count"`
	Recoverable    bool         `json:"recoverable,omitempty"`
	Output         string       `json:"output,omitempty"`
	Failure        string       `json:"failure,omitempty"`
	WorkerID       string       `json:"worker_id,omitempty"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TaskSpec is the validated input to EnqueueTask.
type TaskSpec struct {
	Type           TaskType     `json:"type"`
	Priority       TaskPriority `json:"priority"`
	WorkerCategory string       `json:"worker_category"`
	Description    string       `json:"description"`
	ParentTaskID   int64        `json:"parent_task_id,omitempty"`
	RelatedTaskID  int64        `json:"related_task_id,omitempty"`
	Actor          string       `json:"actor,omitempty"`
}

func (spec TaskSpec) validate() error {
	switch spec.Type {
	case TaskPlanning, TaskGeneration, TaskValidation:
	default:
		return fmt.Errorf("invalid task type %q", spec.Type)
	}
	if _, ok := priorityRank[spec.Priority]; !ok {
		return fmt.Errorf("invalid task priority %q", spec.Priority)
	}
	if strings.TrimSpace(spec.WorkerCategory) == "" {
		return fmt.Errorf("worker category required")
	}
	if strings.TrimSpace(spec.Description) == "" {
		return fmt.Errorf("task description required")
	}
	return nil
}

// EnqueueTask validates spec, checks protocol preconditions for
// generation/validation work, and inserts the task with a paired
// task_created event. Precondition failures surface as *PreconditionError.
func (s *Store) EnqueueTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	actor := spec.Actor
	if actor == "" {
		actor = "system"
	}

	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		check, err := s.canCreateTaskTx(ctx, tx, spec.Type)
		if err != nil {
			return err
		}
		if !check.Allowed {
			return &PreconditionError{Op: "enqueue_task", Violations: check.Violations}
		}

		var parent, related any
		if spec.ParentTaskID != 0 {
			parent = spec.ParentTaskID
		}
		if spec.RelatedTaskID != 0 {
			related = spec.RelatedTaskID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (type, priority, worker_category, status, description, parent_task_id, related_task_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, spec.Type, priorityRank[spec.Priority], spec.WorkerCategory, TaskQueued, spec.Description, parent, related)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task insert id: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:     EventTaskCreated,
			Actor:         actor,
			RelatedTaskID: id,
			Details:       spec.Description,
			Metadata:      fmt.Sprintf(`{"type":%q,"priority":%q,"category":%q}`, spec.Type, spec.Priority, spec.WorkerCategory),
		}); err != nil {
			return err
		}
		created, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		task = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TasksEnqueued.Add(ctx, 1)
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	return task, nil
}

// WorkerStatus values for the worker_states table.
type WorkerStatus string

const (
	WorkerIdle        WorkerStatus = "idle"
	WorkerActive      WorkerStatus = "active"
	WorkerBlocked     WorkerStatus = "blocked"
	WorkerCoolingDown WorkerStatus = "cooling_down"
	WorkerOffline     WorkerStatus = "offline"
)

// WorkerState is one registered worker.
type WorkerState struct {
	WorkerID     string       `json:"worker_id"`
	Category     string       `json:"category"`
	Status       WorkerStatus `json:"status"`
	Capabilities []string     `json:"capabilities"`
	RegisteredAt time.Time    `json:"registered_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// RegisterWorker registers or re-registers a worker in a category. A worker
// id is unique per store; re-registration resets it to idle.
func (s *Store) RegisterWorker(ctx context.Context, workerID, category string, capabilities []string) error {
	if strings.TrimSpace(workerID) == "" {
		return fmt.Errorf("worker id required")
	}
	if strings.TrimSpace(category) == "" {
		return fmt.Errorf("worker category required")
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO worker_states (worker_id, category, status, capabilities, registered_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(worker_id) DO UPDATE SET
				category = excluded.category,
				status = excluded.status,
				capabilities = excluded.capabilities,
				updated_at = CURRENT_TIMESTAMP;
		`, workerID, category, WorkerIdle, string(caps)); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventWorkerRegistered,
			Actor:     workerID,
			Details:   fmt.Sprintf("worker registered in category %s", category),
		})
	})
}

// GetWorker returns a worker state, or nil when unknown.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*WorkerState, error) {
	var (
		w    WorkerState
		caps string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT worker_id, category, status, capabilities, registered_at, updated_at
		FROM worker_states WHERE worker_id = ?;
	`, workerID).Scan(&w.WorkerID, &w.Category, &w.Status, &caps, &w.RegisteredAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select worker: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("decode worker capabilities: %w", err)
	}
	return &w, nil
}

// ListWorkers returns all worker states ordered by registration.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, category, status, capabilities, registered_at, updated_at
		FROM worker_states ORDER BY registered_at ASC, worker_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []WorkerState
	for rows.Next() {
		var (
			w    WorkerState
			caps string
		)
		if err := rows.Scan(&w.WorkerID, &w.Category, &w.Status, &caps, &w.RegisteredAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("decode worker capabilities: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkerStatus updates a worker's lifecycle status.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status WorkerStatus) error {
	switch status {
	case WorkerIdle, WorkerActive, WorkerBlocked, WorkerCoolingDown, WorkerOffline:
	default:
		return fmt.Errorf("invalid worker status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_states SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE worker_id = ?;
	`, status, workerID)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worker status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown worker %q", workerID)
	}
	return nil
}

// DequeueTask atomically assigns the highest-priority queued task in the
// worker's category. Selection order is priority DESC, created_at ASC, id ASC;
// the select-then-mark sequence runs in one transaction so no two concurrent
// calls can return the same task. Returns (nil, nil) when the queue is empty
// for that category.
func (s *Store) DequeueTask(ctx context.Context, workerID, category string) (*Task, error) {
	worker, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, &PreconditionError{Op: "dequeue_task", Violations: []string{fmt.Sprintf("worker %q is not registered", workerID)}}
	}
	if worker.Category != category {
		return nil, &PreconditionError{Op: "dequeue_task", Violations: []string{fmt.Sprintf("worker %q is registered for category %q, not %q", workerID, worker.Category, category)}}
	}

	var task *Task
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		task = nil
		var t Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ? AND worker_category = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1;
		`, TaskQueued, category)
		if err := scanTask(row.Scan, &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select queued task: %w", err)
		}

		if t.Type == TaskGeneration {
			check, err := s.canCreateTaskTx(ctx, tx, TaskGeneration)
			if err != nil {
				return err
			}
			if !check.Allowed {
				return &PreconditionError{Op: "dequeue_task", Violations: check.Violations}
			}
		}

		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(s.leaseDuration())
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = ?, lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskInProgress, workerID, leaseOwner, leaseExpiresAt, t.ID, TaskQueued)
		if err != nil {
			return fmt.Errorf("mark task in progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dequeue rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE worker_states SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE worker_id = ?;
		`, WorkerActive, workerID); err != nil {
			return fmt.Errorf("mark worker active: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:     EventWorkerAssigned,
			Actor:         workerID,
			RelatedTaskID: t.ID,
			Details:       fmt.Sprintf("task %d assigned to %s", t.ID, workerID),
		}); err != nil {
			return err
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:     EventTaskStarted,
			Actor:         workerID,
			RelatedTaskID: t.ID,
			Details:       t.Description,
		}); err != nil {
			return err
		}

		t.Status = TaskInProgress
		t.WorkerID = workerID
		t.LeaseOwner = leaseOwner
		t.LeaseExpiresAt = &leaseExpiresAt
		task = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task != nil && s.metrics != nil {
		s.metrics.TasksDequeued.Add(ctx, 1)
		s.metrics.QueueDepth.Add(ctx, -1)
	}
	return task, nil
}

// CompletionStatus is the terminal status a worker reports.
type Completion struct {
	Status      TaskStatus `json:"status"` // complete, failed or blocked
	Output      string     `json:"output,omitempty"`
	Failure     string     `json:"failure,omitempty"`
	Recoverable bool       `json:"recoverable,omitempty"`
}

// CompleteTask records the outcome of an in-progress task held by workerID.
// A failed completion with Recoverable set stays eligible for RetryTask.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, workerID string, result Completion) error {
	switch result.Status {
	case TaskComplete, TaskFailed, TaskBlocked:
	default:
		return fmt.Errorf("invalid completion status %q", result.Status)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var currentWorker sql.NullString
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, worker_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &currentWorker); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("unknown task %d", taskID)
			}
			return fmt.Errorf("select task for completion: %w", err)
		}
		if status != TaskInProgress {
			return &PreconditionError{Op: "complete_task", Violations: []string{fmt.Sprintf("task %d is %s, not in_progress", taskID, status)}}
		}
		if currentWorker.String != workerID {
			return &PreconditionError{Op: "complete_task", Violations: []string{fmt.Sprintf("task %d is held by %q, not %q", taskID, currentWorker.String, workerID)}}
		}

		recoverable := 0
		if result.Status == TaskFailed && result.Recoverable {
			recoverable = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, output = ?, failure = ?, recoverable = ?,
				lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, result.Status, result.Output, result.Failure, recoverable, taskID, TaskInProgress); err != nil {
			return fmt.Errorf("update completed task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE worker_states SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE worker_id = ?;
		`, WorkerIdle, workerID); err != nil {
			return fmt.Errorf("mark worker idle: %w", err)
		}

		eventType := EventTaskCompleted
		details := result.Output
		switch result.Status {
		case TaskFailed:
			eventType = EventTaskFailed
			details = result.Failure
		case TaskBlocked:
			eventType = EventTaskBlocked
			details = result.Failure
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType:     eventType,
			Actor:         workerID,
			RelatedTaskID: taskID,
			Details:       details,
			Metadata:      fmt.Sprintf(`{"recoverable":%t}`, result.Recoverable),
		})
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		topic := bus.TopicTaskCompleted
		if result.Status == TaskFailed {
			topic = bus.TopicTaskFailed
		}
		s.bus.Publish(topic, bus.TaskEvent{TaskID: taskID, WorkerID: workerID, Status: string(result.Status)})
	}
	return nil
}

// RetryTask requeues a recoverably-failed task: retry_count increments,
// status resets to queued, and a self_healing event records the new count.
func (s *Store) RetryTask(ctx context.Context, taskID int64) (*Task, error) {
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status      TaskStatus
			recoverable int
			retryCount  int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, recoverable, retry_count FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &recoverable, &retryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("unknown task %d", taskID)
			}
			return fmt.Errorf("select task for retry: %w", err)
		}
		if status != TaskFailed {
			return &PreconditionError{Op: "retry_task", Violations: []string{fmt.Sprintf("task %d is %s, not failed", taskID, status)}}
		}
		if recoverable != 1 {
			return &PreconditionError{Op: "retry_task", Violations: []string{fmt.Sprintf("task %d failure was not recoverable", taskID)}}
		}

		newCount := retryCount + 1
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retry_count = ?, worker_id = NULL, failure = NULL, recoverable = 0,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskQueued, newCount, taskID, TaskFailed); err != nil {
			return fmt.Errorf("requeue task for retry: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:     EventSelfHealing,
			Actor:         "system",
			RelatedTaskID: taskID,
			Details:       fmt.Sprintf("task %d requeued, retry %d", taskID, newCount),
			Metadata:      fmt.Sprintf(`{"retry_count":%d}`, newCount),
		}); err != nil {
			return err
		}
		requeued, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		task = requeued
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskRetrying, bus.TaskEvent{TaskID: taskID, Status: string(TaskQueued)})
	}
	return task, nil
}

// HeartbeatLease extends the dequeue lease held by leaseOwner. Returns false
// when the lease no longer exists (expired and reclaimed, or completed).
func (s *Store) HeartbeatLease(ctx context.Context, taskID int64, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(s.leaseDuration()), taskID, leaseOwner, TaskInProgress)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// ReclaimExpiredLeases requeues in_progress tasks whose lease has lapsed,
// covering workers that crashed without reporting completion. Each reclaim
// emits a task_reclaimed event.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	var reclaimed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reclaimed = 0
		rows, err := tx.QueryContext(ctx, `
			SELECT id, COALESCE(worker_id, '')
			FROM tasks
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
		`, TaskInProgress)
		if err != nil {
			return fmt.Errorf("query expired leases: %w", err)
		}
		defer rows.Close()

		type expired struct {
			id       int64
			workerID string
		}
		var stale []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.workerID); err != nil {
				return fmt.Errorf("scan expired lease: %w", err)
			}
			stale = append(stale, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expired lease rows: %w", err)
		}

		for _, e := range stale {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, worker_id = NULL, lease_owner = NULL, lease_expires_at = NULL,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, TaskQueued, e.id, TaskInProgress); err != nil {
				return fmt.Errorf("requeue expired task: %w", err)
			}
			if e.workerID != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE worker_states SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE worker_id = ?;
				`, WorkerOffline, e.workerID); err != nil {
					return fmt.Errorf("mark worker offline: %w", err)
				}
			}
			if err := s.appendEventTx(ctx, tx, Event{
				EventType:     EventTaskReclaimed,
				Actor:         "system",
				RelatedTaskID: e.id,
				Details:       fmt.Sprintf("lease expired for worker %s", e.workerID),
			}); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err == nil && reclaimed > 0 && s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, reclaimed)
	}
	return reclaimed, err
}

// AgeQueuedTasks bumps the priority of queued tasks that have waited longer
// than the given duration by one rank, so low-priority work cannot starve
// behind a steady stream of newer high-priority tasks. Tasks already at
// critical are left alone. Each bump emits a task_aged event.
func (s *Store) AgeQueuedTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("aging window must be positive, got %s", olderThan)
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	var aged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		aged = 0
		rows, err := tx.QueryContext(ctx, `
			SELECT id, priority
			FROM tasks
			WHERE status = ? AND priority < ? AND created_at <= ?;
		`, TaskQueued, priorityRank[PriorityCritical], cutoff)
		if err != nil {
			return fmt.Errorf("query stale queued tasks: %w", err)
		}
		defer rows.Close()

		type stale struct {
			id   int64
			rank int
		}
		var candidates []stale
		for rows.Next() {
			var c stale
			if err := rows.Scan(&c.id, &c.rank); err != nil {
				return fmt.Errorf("scan stale task: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale task rows: %w", err)
		}

		for _, c := range candidates {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET priority = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, c.rank+1, c.id, TaskQueued); err != nil {
				return fmt.Errorf("age queued task: %w", err)
			}
			if err := s.appendEventTx(ctx, tx, Event{
				EventType:     EventTaskAged,
				Actor:         "system",
				RelatedTaskID: c.id,
				Details:       fmt.Sprintf("priority raised %s -> %s after waiting %s", rankPriority[c.rank], rankPriority[c.rank+1], olderThan),
			}); err != nil {
				return err
			}
			aged++
		}
		return nil
	})
	return aged, err
}

const taskColumns = `
	id, type, priority, worker_category, status, description,
	COALESCE(parent_task_id, 0), COALESCE(related_task_id, 0),
	retry_count, recoverable, COALESCE(output, ''), COALESCE(failure, ''),
	COALESCE(worker_id, ''), COALESCE(lease_owner, ''), lease_expires_at,
	created_at, updated_at`

func scanTask(scan func(dest ...any) error, t *Task) error {
	var (
		priority    int
		recoverable int
		leaseExp    sql.NullTime
	)
	if err := scan(
		&t.ID, &t.Type, &priority, &t.WorkerCategory, &t.Status, &t.Description,
		&t.ParentTaskID, &t.RelatedTaskID, &t.RetryCount, &recoverable,
		&t.Output, &t.Failure, &t.WorkerID, &t.LeaseOwner, &leaseExp,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return err
	}
	t.Priority = rankPriority[priority]
	t.Recoverable = recoverable == 1
	if leaseExp.Valid {
		t.LeaseExpiresAt = &leaseExp.Time
	}
	return nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID int64) (*Task, error) {
	var t Task
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, fmt.Errorf("select task %d: %w", taskID, err)
	}
	return &t, nil
}

// GetTask returns one task, or nil when unknown.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select task %d: %w", taskID, err)
	}
	return &t, nil
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// QueueCounts reports per-status task totals for the status contract.
type QueueCounts struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

func (s *Store) TaskCounts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`)
	if err := row.Scan(&c.Queued, &c.InProgress, &c.Complete, &c.Failed, &c.Blocked); err != nil {
		return c, fmt.Errorf("task counts: %w", err)
	}
	return c, nil
}
