package truthstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// QueryType classifies what kind of answer a query is asking for.
type QueryType string

const (
	QueryClarification QueryType = "clarification"
	QueryValidation    QueryType = "validation"
	QueryConsultation  QueryType = "consultation"
	QueryEstimation    QueryType = "estimation"
)

var validQueryTypes = map[QueryType]bool{
	QueryClarification: true,
	QueryValidation:    true,
	QueryConsultation:  true,
	QueryEstimation:    true,
}

// QueryStatus is the lifecycle of an inter-agent question.
type QueryStatus string

const (
	QueryPending  QueryStatus = "pending"
	QueryAnswered QueryStatus = "answered"
)

// Query is an inter-agent question with a stable QUERY-N identifier.
type Query struct {
	ID         string      `json:"id"`
	FromAgent  string      `json:"from_agent"`
	ToAgent    string      `json:"to_agent"`
	Type       QueryType   `json:"type"`
	Question   string      `json:"question"`
	Status     QueryStatus `json:"status"`
	Answer     string      `json:"answer,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	AnsweredAt *time.Time  `json:"answered_at,omitempty"`
}

var queryIDPattern = regexp.MustCompile(`^QUERY-\d+$`)

// CreateQuery records a question from one agent to another and returns its
// assigned QUERY-N id.
func (s *Store) CreateQuery(ctx context.Context, fromAgent, toAgent string, qtype QueryType, question string) (string, error) {
	if strings.TrimSpace(fromAgent) == "" || strings.TrimSpace(toAgent) == "" {
		return "", fmt.Errorf("query from_agent and to_agent required")
	}
	if !validQueryTypes[qtype] {
		return "", fmt.Errorf("invalid query type %q", qtype)
	}
	if len(strings.TrimSpace(question)) < 5 {
		return "", fmt.Errorf("query question too short")
	}
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO queries (id, from_agent, to_agent, type, question, status, created_at)
			VALUES ('', ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, fromAgent, toAgent, string(qtype), question, string(QueryPending))
		if err != nil {
			return fmt.Errorf("insert query: %w", err)
		}
		num, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("query insert id: %w", err)
		}
		id = fmt.Sprintf("QUERY-%d", num)
		if _, err := tx.ExecContext(ctx, `UPDATE queries SET id = ? WHERE num = ?;`, id, num); err != nil {
			return fmt.Errorf("assign query id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventQueryCreated,
			Actor:     fromAgent,
			Details:   question,
			Metadata:  fmt.Sprintf(`{"query_id":%q,"to_agent":%q,"type":%q}`, id, toAgent, qtype),
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AnswerQuery records the answer to a pending query.
func (s *Store) AnswerQuery(ctx context.Context, queryID, answer, answeredBy string) error {
	if !queryIDPattern.MatchString(queryID) {
		return fmt.Errorf("invalid query id %q", queryID)
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("query answer required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM queries WHERE id = ?;`, queryID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("unknown query %s", queryID)
			}
			return fmt.Errorf("select query: %w", err)
		}
		if QueryStatus(status) == QueryAnswered {
			return &PreconditionError{Op: "answer_query", Violations: []string{fmt.Sprintf("query %s is already answered", queryID)}}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queries SET status = ?, answer = ?, answered_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(QueryAnswered), answer, queryID); err != nil {
			return fmt.Errorf("answer query: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventQueryAnswered,
			Actor:     answeredBy,
			Details:   answer,
			Metadata:  fmt.Sprintf(`{"query_id":%q}`, queryID),
		})
	})
}

const queryColumns = `id, from_agent, to_agent, type, question, status, COALESCE(answer, ''), created_at, answered_at`

func scanQuery(scan func(dest ...any) error, q *Query) error {
	var answeredAt sql.NullTime
	if err := scan(&q.ID, &q.FromAgent, &q.ToAgent, &q.Type, &q.Question, &q.Status, &q.Answer, &q.CreatedAt, &answeredAt); err != nil {
		return err
	}
	if answeredAt.Valid {
		q.AnsweredAt = &answeredAt.Time
	}
	return nil
}

// GetQuery returns one query by QUERY-N id, or nil.
func (s *Store) GetQuery(ctx context.Context, queryID string) (*Query, error) {
	if !queryIDPattern.MatchString(queryID) {
		return nil, fmt.Errorf("invalid query id %q", queryID)
	}
	var q Query
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = ?;`, queryID)
	if err := scanQuery(row.Scan, &q); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select query: %w", err)
	}
	return &q, nil
}

// ListQueries returns queries in creation order, optionally filtered by
// status.
func (s *Store) ListQueries(ctx context.Context, status QueryStatus) ([]Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY num ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()
	var out []Query
	for rows.Next() {
		var q Query
		if err := scanQuery(rows.Scan, &q); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Decision is an append-only record of a choice made and why. Decisions
// with a rationale feed learning extraction.
type Decision struct {
	ID        int64     `json:"id"`
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale,omitempty"`
	MadeBy    string    `json:"made_by"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordDecision appends a decision and returns its id.
func (s *Store) RecordDecision(ctx context.Context, decision, rationale, madeBy string) (int64, error) {
	if strings.TrimSpace(decision) == "" {
		return 0, fmt.Errorf("decision text required")
	}
	if strings.TrimSpace(madeBy) == "" {
		return 0, fmt.Errorf("decision made_by required")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO decisions (decision, rationale, made_by, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, decision, rationale, madeBy)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("decision insert id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventDecisionRecorded,
			Actor:     madeBy,
			Details:   decision,
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListDecisions returns decisions in the order they were made.
func (s *Store) ListDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision, COALESCE(rationale, ''), made_by, created_at
		FROM decisions ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Decision, &d.Rationale, &d.MadeBy, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Blocker is something preventing progress until cleared.
type Blocker struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	ReportedBy  string    `json:"reported_by"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// ReportBlocker records a blocker and returns its id.
func (s *Store) ReportBlocker(ctx context.Context, description, severity, reportedBy string) (int64, error) {
	if strings.TrimSpace(description) == "" {
		return 0, fmt.Errorf("blocker description required")
	}
	if severity == "" {
		severity = "medium"
	}
	if !validSeverities[severity] {
		return 0, fmt.Errorf("invalid blocker severity %q", severity)
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO blockers (description, severity, reported_by, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, description, severity, reportedBy)
		if err != nil {
			return fmt.Errorf("insert blocker: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("blocker insert id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventBlockerReported,
			Actor:     reportedBy,
			Details:   description,
			Metadata:  fmt.Sprintf(`{"severity":%q}`, severity),
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ResolveBlocker marks a blocker resolved. How it was cleared goes into the
// event log.
func (s *Store) ResolveBlocker(ctx context.Context, blockerID int64, resolution, resolvedBy string) error {
	if strings.TrimSpace(resolution) == "" {
		return fmt.Errorf("blocker resolution required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE blockers SET resolved = 1 WHERE id = ? AND resolved = 0;
		`, blockerID)
		if err != nil {
			return fmt.Errorf("resolve blocker: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("blocker %d not found or already resolved", blockerID)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventBlockerResolved,
			Actor:     resolvedBy,
			Details:   resolution,
			Metadata:  fmt.Sprintf(`{"blocker_id":%d}`, blockerID),
		})
	})
}

// ListBlockers returns blockers newest first, optionally open only.
func (s *Store) ListBlockers(ctx context.Context, openOnly bool) ([]Blocker, error) {
	query := `
		SELECT id, description, severity, COALESCE(reported_by, ''), resolved, created_at
		FROM blockers`
	if openOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list blockers: %w", err)
	}
	defer rows.Close()
	var out []Blocker
	for rows.Next() {
		var b Blocker
		var resolved int
		if err := rows.Scan(&b.ID, &b.Description, &b.Severity, &b.ReportedBy, &resolved, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		b.Resolved = resolved == 1
		out = append(out, b)
	}
	return out, rows.Err()
}

// Risk is a concern that may become a blocker, scored by likelihood and
// impact.
type Risk struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Likelihood  string    `json:"likelihood"`
	Impact      string    `json:"impact"`
	RaisedBy    string    `json:"raised_by"`
	CreatedAt   time.Time `json:"created_at"`
}

var validRiskLevels = map[string]bool{"low": true, "medium": true, "high": true}

// RaiseRisk records a risk and returns its id.
func (s *Store) RaiseRisk(ctx context.Context, description, likelihood, impact, raisedBy string) (int64, error) {
	if strings.TrimSpace(description) == "" {
		return 0, fmt.Errorf("risk description required")
	}
	if likelihood == "" {
		likelihood = "medium"
	}
	if impact == "" {
		impact = "medium"
	}
	if !validRiskLevels[likelihood] {
		return 0, fmt.Errorf("invalid risk likelihood %q", likelihood)
	}
	if !validRiskLevels[impact] {
		return 0, fmt.Errorf("invalid risk impact %q", impact)
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO risks (description, likelihood, impact, raised_by, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, description, likelihood, impact, raisedBy)
		if err != nil {
			return fmt.Errorf("insert risk: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("risk insert id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventRiskRaised,
			Actor:     raisedBy,
			Details:   description,
			Metadata:  fmt.Sprintf(`{"likelihood":%q,"impact":%q}`, likelihood, impact),
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListRisks returns risks in the order raised.
func (s *Store) ListRisks(ctx context.Context) ([]Risk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, likelihood, impact, COALESCE(raised_by, ''), created_at
		FROM risks ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list risks: %w", err)
	}
	defer rows.Close()
	var out []Risk
	for rows.Next() {
		var r Risk
		if err := rows.Scan(&r.ID, &r.Description, &r.Likelihood, &r.Impact, &r.RaisedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
