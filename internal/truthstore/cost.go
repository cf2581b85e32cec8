package truthstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/truthd/internal/bus"
	"github.com/basket/truthd/internal/pricing"
)

// CostSession accumulates token usage between StartSession and EndSession.
// At most one session is active per store at a time.
type CostSession struct {
	SessionID    string     `json:"session_id"`
	Phase        string     `json:"phase"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	Active       bool       `json:"active"`
}

// TokenUsage is one logged model call.
type TokenUsage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
	WorkerID     string `json:"worker_id"`
	TaskID       int64  `json:"task_id,omitempty"`
	Note         string `json:"note,omitempty"`
}

// StartSession opens a cost session. Starting a second session while one is
// active fails loudly rather than silently overwriting.
func (s *Store) StartSession(ctx context.Context, sessionID, phase string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var activeID string
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM cost_sessions WHERE active = 1;`).Scan(&activeID)
		if err == nil {
			return fmt.Errorf("session %q is already active", activeID)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("select active session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cost_sessions (session_id, phase, started_at, active)
			VALUES (?, ?, CURRENT_TIMESTAMP, 1);
		`, sessionID, phase); err != nil {
			return fmt.Errorf("insert cost session: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventSessionStarted,
			Actor:     "system",
			Details:   fmt.Sprintf("cost session %s started in phase %s", sessionID, phase),
		})
	})
}

// EndSession closes the active session and clears the current-session state.
func (s *Store) EndSession(ctx context.Context) (*CostSession, error) {
	var closed *CostSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var sess CostSession
		err := tx.QueryRowContext(ctx, `
			SELECT session_id, phase, started_at, input_tokens, output_tokens, cost_usd
			FROM cost_sessions WHERE active = 1;
		`).Scan(&sess.SessionID, &sess.Phase, &sess.StartedAt, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD)
		if err == sql.ErrNoRows {
			return fmt.Errorf("no active session")
		}
		if err != nil {
			return fmt.Errorf("select active session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cost_sessions SET active = 0, ended_at = CURRENT_TIMESTAMP WHERE session_id = ?;
		`, sess.SessionID); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType: EventSessionEnded,
			Actor:     "system",
			Details:   fmt.Sprintf("cost session %s ended", sess.SessionID),
			Metadata:  fmt.Sprintf(`{"cost_usd":%f,"input_tokens":%d,"output_tokens":%d}`, sess.CostUSD, sess.InputTokens, sess.OutputTokens),
		}); err != nil {
			return err
		}
		now := time.Now().UTC()
		sess.EndedAt = &now
		closed = &sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// CurrentSession returns the active session, or nil.
func (s *Store) CurrentSession(ctx context.Context) (*CostSession, error) {
	var (
		sess  CostSession
		ended sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, phase, started_at, ended_at, input_tokens, output_tokens, cost_usd
		FROM cost_sessions WHERE active = 1;
	`).Scan(&sess.SessionID, &sess.Phase, &sess.StartedAt, &ended, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select current session: %w", err)
	}
	sess.Active = true
	return &sess, nil
}

// LogTokenUsage computes cost from the pricing table, folds the usage into
// the active session and aggregates, and appends a token_usage event. When a
// budget is set, the cumulative cost is re-checked against the alert
// threshold; crossing it logs one budget_alert event, never failing the call.
func (s *Store) LogTokenUsage(ctx context.Context, usage TokenUsage) (float64, error) {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 {
		return 0, fmt.Errorf("token counts must be non-negative")
	}
	if strings.TrimSpace(usage.Model) == "" {
		return 0, fmt.Errorf("model required")
	}
	if strings.TrimSpace(usage.WorkerID) == "" {
		return 0, fmt.Errorf("worker id required")
	}
	cost := pricing.Cost(usage.Model, usage.InputTokens, usage.OutputTokens)

	var alerted bool
	var alertDetails string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		alerted = false

		var sessionID sql.NullString
		var phase string
		err := tx.QueryRowContext(ctx, `SELECT session_id, phase FROM cost_sessions WHERE active = 1;`).Scan(&sessionID, &phase)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("select active session for usage: %w", err)
		}

		var taskID any
		if usage.TaskID != 0 {
			taskID = usage.TaskID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_usage (session_id, phase, model, worker_id, task_id, input_tokens, output_tokens, cost_usd, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, phase, usage.Model, usage.WorkerID, taskID, usage.InputTokens, usage.OutputTokens, cost, usage.Note); err != nil {
			return fmt.Errorf("insert token usage: %w", err)
		}
		if sessionID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE cost_sessions
				SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, cost_usd = cost_usd + ?
				WHERE session_id = ?;
			`, usage.InputTokens, usage.OutputTokens, cost, sessionID.String); err != nil {
				return fmt.Errorf("fold usage into session: %w", err)
			}
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:     EventTokenUsage,
			Actor:         usage.WorkerID,
			RelatedTaskID: usage.TaskID,
			Details:       fmt.Sprintf("%s: %d in / %d out", usage.Model, usage.InputTokens, usage.OutputTokens),
			Metadata:      fmt.Sprintf(`{"model":%q,"input_tokens":%d,"output_tokens":%d,"cost_usd":%f}`, usage.Model, usage.InputTokens, usage.OutputTokens, cost),
		}); err != nil {
			return err
		}

		// Budget re-check. Soft alert: logged exactly once per crossing.
		var amount, threshold float64
		var alreadyAlerted int
		err = tx.QueryRowContext(ctx, `SELECT amount_usd, alert_threshold, alerted FROM budget WHERE id = 1;`).Scan(&amount, &threshold, &alreadyAlerted)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select budget: %w", err)
		}
		var total float64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM token_usage;`).Scan(&total); err != nil {
			return fmt.Errorf("sum cumulative cost: %w", err)
		}
		if alreadyAlerted == 0 && total >= amount*threshold {
			if _, err := tx.ExecContext(ctx, `UPDATE budget SET alerted = 1 WHERE id = 1;`); err != nil {
				return fmt.Errorf("mark budget alerted: %w", err)
			}
			alertDetails = fmt.Sprintf("cumulative cost $%.4f crossed %.0f%% of budget $%.2f", total, threshold*100, amount)
			if err := s.appendEventTx(ctx, tx, Event{
				EventType: EventBudgetAlert,
				Actor:     "system",
				Details:   alertDetails,
				Metadata:  fmt.Sprintf(`{"total_cost_usd":%f,"budget_usd":%f,"threshold":%f}`, total, amount, threshold),
			}); err != nil {
				return err
			}
			alerted = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.TokensUsed.Add(ctx, int64(usage.InputTokens+usage.OutputTokens))
		s.metrics.CostUSD.Add(ctx, cost)
	}
	if alerted && s.bus != nil {
		s.bus.Publish(bus.TopicBudgetAlert, bus.BudgetEvent{Details: alertDetails})
	}
	return cost, nil
}

// SetBudget stores the hard cap and its alert threshold fraction, resetting
// the once-per-crossing alert latch.
func (s *Store) SetBudget(ctx context.Context, amountUSD, alertThreshold float64) error {
	if amountUSD <= 0 {
		return fmt.Errorf("budget amount must be positive")
	}
	if alertThreshold <= 0 || alertThreshold > 1 {
		return fmt.Errorf("alert threshold must be in (0, 1]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget (id, amount_usd, alert_threshold, alerted, set_at)
		VALUES (1, ?, ?, 0, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			amount_usd = excluded.amount_usd,
			alert_threshold = excluded.alert_threshold,
			alerted = 0,
			set_at = CURRENT_TIMESTAMP;
	`, amountUSD, alertThreshold)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// PhaseCost is a per-phase rollup.
type PhaseCost struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostSummary is the full accounting rollup.
type CostSummary struct {
	TotalInputTokens  int64                `json:"total_input_tokens"`
	TotalOutputTokens int64                `json:"total_output_tokens"`
	TotalCostUSD      float64              `json:"total_cost_usd"`
	ByPhase           map[string]PhaseCost `json:"by_phase"`
	ByModel           map[string]PhaseCost `json:"by_model"`
	SessionCount      int                  `json:"session_count"`
	BudgetUSD         float64              `json:"budget_usd,omitempty"`
	RemainingUSD      float64              `json:"remaining_usd,omitempty"`
	PercentUsed       float64              `json:"percent_used,omitempty"`
	BudgetSet         bool                 `json:"budget_set"`
}

// GetCostSummary returns totals, phase and model breakdowns, session count
// and budget standing.
func (s *Store) GetCostSummary(ctx context.Context) (*CostSummary, error) {
	summary := &CostSummary{
		ByPhase: make(map[string]PhaseCost),
		ByModel: make(map[string]PhaseCost),
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage;
	`).Scan(&summary.TotalInputTokens, &summary.TotalOutputTokens, &summary.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("sum token usage: %w", err)
	}

	group := func(column string, into map[string]PhaseCost) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+column+`, COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
			FROM token_usage GROUP BY `+column+`;
		`)
		if err != nil {
			return fmt.Errorf("group usage by %s: %w", column, err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var pc PhaseCost
			if err := rows.Scan(&key, &pc.InputTokens, &pc.OutputTokens, &pc.CostUSD); err != nil {
				return fmt.Errorf("scan %s rollup: %w", column, err)
			}
			into[key] = pc
		}
		return rows.Err()
	}
	if err := group("phase", summary.ByPhase); err != nil {
		return nil, err
	}
	if err := group("model", summary.ByModel); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cost_sessions;`).Scan(&summary.SessionCount); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	var amount, threshold float64
	var alerted int
	err := s.db.QueryRowContext(ctx, `SELECT amount_usd, alert_threshold, alerted FROM budget WHERE id = 1;`).Scan(&amount, &threshold, &alerted)
	if err == nil {
		summary.BudgetSet = true
		summary.BudgetUSD = amount
		summary.RemainingUSD = amount - summary.TotalCostUSD
		if amount > 0 {
			summary.PercentUsed = summary.TotalCostUSD / amount * 100
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("select budget for summary: %w", err)
	}
	return summary, nil
}
