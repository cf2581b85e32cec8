package truthstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/truthd/internal/shared"
)

// Event types written by store operations. The event log is the sole audit
// source of truth: no domain write commits without one of these.
const (
	EventProjectInitialized  = "project_initialized"
	EventTaskCreated         = "task_created"
	EventWorkerRegistered    = "worker_registered"
	EventWorkerAssigned      = "worker_assigned"
	EventTaskStarted         = "task_started"
	EventTaskCompleted       = "task_completed"
	EventTaskFailed          = "task_failed"
	EventTaskBlocked         = "task_blocked"
	EventSelfHealing         = "self_healing"
	EventTaskReclaimed       = "task_reclaimed"
	EventTaskAged            = "task_aged"
	EventGateApproved        = "gate_approved"
	EventGateRejected        = "gate_rejected"
	EventSessionStarted      = "session_started"
	EventSessionEnded        = "session_ended"
	EventTokenUsage          = "token_usage"
	EventBudgetAlert         = "budget_alert"
	EventProtocolViolation   = "protocol_violation"
	EventErrorLogged         = "error_logged"
	EventErrorResolved       = "error_resolved"
	EventMemoryAdded         = "memory_added"
	EventMemoriesLinked      = "memories_linked"
	EventCacheStored         = "cache_stored"
	EventQueryCreated        = "query_created"
	EventQueryAnswered       = "query_answered"
	EventDecisionRecorded    = "decision_recorded"
	EventBlockerReported     = "blocker_reported"
	EventBlockerResolved     = "blocker_resolved"
	EventRiskRaised          = "risk_raised"
	EventOnboardingAnswered  = "onboarding_answered"
	EventOnboardingCompleted = "onboarding_completed"
)

// Event is one append-only audit record. ID is assigned monotonically by the
// store; records are never mutated or deleted.
type Event struct {
	ID            int64     `json:"id"`
	EventType     string    `json:"event_type"`
	Actor         string    `json:"actor"`
	TraceID       string    `json:"trace_id"`
	RelatedTaskID int64     `json:"related_task_id,omitempty"`
	RelatedGate   string    `json:"related_gate,omitempty"`
	RelatedSpec   string    `json:"related_spec,omitempty"`
	Details       string    `json:"details"`
	Metadata      string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventFilter selects events for GetEventLog. Zero fields match everything.
type EventFilter struct {
	EventType     string
	Actor         string
	RelatedTaskID int64
	RelatedGate   string
	Limit         int
	Newest        bool
}

// EventLogStats aggregates the log. sum(ByType) == TotalEvents always holds.
type EventLogStats struct {
	TotalEvents int64            `json:"total_events"`
	ByType      map[string]int64 `json:"by_type"`
	ByActor     map[string]int64 `json:"by_actor"`
	FirstEvent  *Event           `json:"first_event,omitempty"`
	LastEvent   *Event           `json:"last_event,omitempty"`
}

// LogEvent appends one event outside any other operation. Operations that
// mutate domain tables use appendEventTx inside their own transaction instead.
func (s *Store) LogEvent(ctx context.Context, ev Event) (int64, error) {
	if ev.EventType == "" {
		return 0, fmt.Errorf("event type required")
	}
	if ev.Actor == "" {
		return 0, fmt.Errorf("event actor required")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.appendEventIDTx(ctx, tx, ev)
		return err
	})
	return id, err
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev Event) error {
	_, err := s.appendEventIDTx(ctx, tx, ev)
	return err
}

func (s *Store) appendEventIDTx(ctx context.Context, tx *sql.Tx, ev Event) (int64, error) {
	metadata := ev.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	var relatedTask any
	if ev.RelatedTaskID != 0 {
		relatedTask = ev.RelatedTaskID
	}
	var relatedGate any
	if ev.RelatedGate != "" {
		relatedGate = ev.RelatedGate
	}
	var relatedSpec any
	if ev.RelatedSpec != "" {
		relatedSpec = ev.RelatedSpec
	}
	// Stamp the caller's trace id so one request's writes can be followed
	// across tables.
	traceID := ev.TraceID
	if traceID == "" {
		traceID = shared.TraceID(ctx)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_type, actor, trace_id, related_task_id, related_gate, related_spec, details, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, ev.EventType, ev.Actor, traceID, relatedTask, relatedGate, relatedSpec, ev.Details, metadata)
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.EventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event insert id: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EventsLogged.Add(ctx, 1)
	}
	return id, nil
}

// GetEventLog returns matching events in insertion order.
func (s *Store) GetEventLog(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := `
		SELECT id, event_type, actor, trace_id, related_task_id, related_gate, related_spec, details, metadata, created_at
		FROM events WHERE 1=1`
	var args []any
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, filter.Actor)
	}
	if filter.RelatedTaskID != 0 {
		query += ` AND related_task_id = ?`
		args = append(args, filter.RelatedTaskID)
	}
	if filter.RelatedGate != "" {
		query += ` AND related_gate = ?`
		args = append(args, filter.RelatedGate)
	}
	if filter.Newest {
		query += ` ORDER BY id DESC`
	} else {
		query += ` ORDER BY id ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event log rows: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev          Event
		relatedTask sql.NullInt64
		relatedGate sql.NullString
		relatedSpec sql.NullString
	)
	if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Actor, &ev.TraceID, &relatedTask, &relatedGate, &relatedSpec, &ev.Details, &ev.Metadata, &ev.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.RelatedTaskID = relatedTask.Int64
	ev.RelatedGate = relatedGate.String
	ev.RelatedSpec = relatedSpec.String
	return ev, nil
}

// GetEventLogStats aggregates the full log. All reads run in one transaction
// so the counts, breakdowns, and boundary events describe a single snapshot.
func (s *Store) GetEventLogStats(ctx context.Context) (EventLogStats, error) {
	var stats EventLogStats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stats = EventLogStats{
			ByType:  make(map[string]int64),
			ByActor: make(map[string]int64),
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&stats.TotalEvents); err != nil {
			return fmt.Errorf("count events: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT event_type, COUNT(1) FROM events GROUP BY event_type;`)
		if err != nil {
			return fmt.Errorf("events by type: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var typ string
			var n int64
			if err := rows.Scan(&typ, &n); err != nil {
				return fmt.Errorf("scan type count: %w", err)
			}
			stats.ByType[typ] = n
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("type count rows: %w", err)
		}

		actorRows, err := tx.QueryContext(ctx, `SELECT actor, COUNT(1) FROM events GROUP BY actor;`)
		if err != nil {
			return fmt.Errorf("events by actor: %w", err)
		}
		defer actorRows.Close()
		for actorRows.Next() {
			var actor string
			var n int64
			if err := actorRows.Scan(&actor, &n); err != nil {
				return fmt.Errorf("scan actor count: %w", err)
			}
			stats.ByActor[actor] = n
		}
		if err := actorRows.Err(); err != nil {
			return fmt.Errorf("actor count rows: %w", err)
		}

		if stats.TotalEvents > 0 {
			first, err := eventAtTx(ctx, tx, `ORDER BY id ASC`)
			if err != nil {
				return err
			}
			last, err := eventAtTx(ctx, tx, `ORDER BY id DESC`)
			if err != nil {
				return err
			}
			stats.FirstEvent = first
			stats.LastEvent = last
		}
		return nil
	})
	return stats, err
}

func eventAtTx(ctx context.Context, tx *sql.Tx, order string) (*Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, actor, trace_id, related_task_id, related_gate, related_spec, details, metadata, created_at
		FROM events `+order+` LIMIT 1;`)
	if err != nil {
		return nil, fmt.Errorf("query boundary event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetTaskHistory returns every event touching one task.
func (s *Store) GetTaskHistory(ctx context.Context, taskID int64) ([]Event, error) {
	return s.GetEventLog(ctx, EventFilter{RelatedTaskID: taskID})
}

// GetGateHistory returns every event touching one gate.
func (s *Store) GetGateHistory(ctx context.Context, gateID string) ([]Event, error) {
	return s.GetEventLog(ctx, EventFilter{RelatedGate: gateID})
}
