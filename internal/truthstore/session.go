package truthstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContextType names one slice of an agent's working context.
type ContextType string

const (
	ContextCurrentFocus ContextType = "current_focus"
	ContextOpenFiles    ContextType = "open_files"
	ContextRecentWork   ContextType = "recent_work"
	ContextNextSteps    ContextType = "next_steps"
	ContextNotes        ContextType = "notes"
)

var validContextTypes = map[ContextType]bool{
	ContextCurrentFocus: true,
	ContextOpenFiles:    true,
	ContextRecentWork:   true,
	ContextNextSteps:    true,
	ContextNotes:        true,
}

// defaultContextTTL bounds how long a context value stays relevant. Stale
// context from an abandoned session is worse than no context.
const defaultContextTTL = 7 * 24 * time.Hour

// SetSessionContext stores one keyed value under a session and context type.
// The value is opaque JSON; the store never inspects its shape. A zero ttl
// applies the default expiry.
func (s *Store) SetSessionContext(ctx context.Context, sessionID string, ctype ContextType, key string, value json.RawMessage, ttl time.Duration) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id required")
	}
	if !validContextTypes[ctype] {
		return fmt.Errorf("invalid context type %q", ctype)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("context key required")
	}
	if len(value) == 0 || !json.Valid(value) {
		return fmt.Errorf("context value must be valid JSON")
	}
	if ttl <= 0 {
		ttl = defaultContextTTL
	}
	expires := time.Now().UTC().Add(ttl)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_context (session_id, context_type, key, value, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id, context_type, key) DO UPDATE SET
				value = excluded.value,
				expires_at = excluded.expires_at,
				updated_at = CURRENT_TIMESTAMP;
		`, sessionID, string(ctype), key, string(value), expires)
		if err != nil {
			return fmt.Errorf("set session context: %w", err)
		}
		return nil
	})
}

// GetSessionContext returns the live key/value entries for one context type.
func (s *Store) GetSessionContext(ctx context.Context, sessionID string, ctype ContextType) (map[string]json.RawMessage, error) {
	if !validContextTypes[ctype] {
		return nil, fmt.Errorf("invalid context type %q", ctype)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM session_context
		WHERE session_id = ? AND context_type = ?
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP);
	`, sessionID, string(ctype))
	if err != nil {
		return nil, fmt.Errorf("select session context: %w", err)
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan session context: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// LoadSessionContext merges every live context type for a session into one
// view keyed by context type.
func (s *Store) LoadSessionContext(ctx context.Context, sessionID string) (map[ContextType]map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_type, key, value FROM session_context
		WHERE session_id = ?
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP);
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select session context: %w", err)
	}
	defer rows.Close()
	out := make(map[ContextType]map[string]json.RawMessage)
	for rows.Next() {
		var ctype, key, value string
		if err := rows.Scan(&ctype, &key, &value); err != nil {
			return nil, fmt.Errorf("scan session context: %w", err)
		}
		ct := ContextType(ctype)
		if out[ct] == nil {
			out[ct] = make(map[string]json.RawMessage)
		}
		out[ct][key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// ClearSessionContext drops all context for a session.
func (s *Store) ClearSessionContext(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_context WHERE session_id = ?;`, sessionID)
	if err != nil {
		return fmt.Errorf("clear session context: %w", err)
	}
	return nil
}

// PurgeExpiredContext removes context entries past their expiry, for the
// maintenance sweep.
func (s *Store) PurgeExpiredContext(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_context WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, fmt.Errorf("purge expired context: %w", err)
	}
	return res.RowsAffected()
}

// ResumeState is the composite view an agent loads when picking work back
// up: its session context plus the store's in-flight state.
type ResumeState struct {
	Project      *Project                                  `json:"project,omitempty"`
	Context      map[ContextType]map[string]json.RawMessage `json:"context"`
	ActiveTasks  []Task                                    `json:"active_tasks,omitempty"`
	PendingGate  string                                    `json:"pending_gate,omitempty"`
	RecentEvents []Event                                   `json:"recent_events,omitempty"`
	OpenQueries  []Query                                   `json:"open_queries,omitempty"`
	OpenBlockers []Blocker                                 `json:"open_blockers,omitempty"`
	CostSession  *CostSession                              `json:"cost_session,omitempty"`
}

// LoadResumeState assembles everything needed to resume a session: live
// context, in-flight tasks, the first unapproved gate, recent events and
// open queries and blockers.
func (s *Store) LoadResumeState(ctx context.Context, sessionID string) (*ResumeState, error) {
	state := &ResumeState{}

	project, err := s.GetProject(ctx)
	if err != nil {
		return nil, err
	}
	state.Project = project

	state.Context, err = s.LoadSessionContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state.ActiveTasks, err = s.ListTasks(ctx, TaskInProgress, 0)
	if err != nil {
		return nil, err
	}

	gates, err := s.ListGates(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Gate, len(gates))
	for _, g := range gates {
		byID[g.GateID] = g
	}
	for _, id := range GateSequence {
		if g, ok := byID[id]; ok && g.Status != GateApproved {
			state.PendingGate = id
			break
		}
	}

	state.RecentEvents, err = s.GetEventLog(ctx, EventFilter{Limit: 10, Newest: true})
	if err != nil {
		return nil, err
	}

	state.OpenQueries, err = s.ListQueries(ctx, QueryPending)
	if err != nil {
		return nil, err
	}

	state.OpenBlockers, err = s.ListBlockers(ctx, true)
	if err != nil {
		return nil, err
	}

	state.CostSession, err = s.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}

	return state, nil
}
