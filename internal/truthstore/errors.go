package truthstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorRecord is one structured failure observation.
type ErrorRecord struct {
	ID              int64      `json:"id"`
	ErrorType       string     `json:"error_type"`
	Message         string     `json:"message"`
	Code            string     `json:"code,omitempty"`
	Severity        string     `json:"severity"`
	File            string     `json:"file,omitempty"`
	Line            int        `json:"line,omitempty"`
	Stack           string     `json:"stack,omitempty"`
	Resolved        bool       `json:"resolved"`
	Resolution      string     `json:"resolution,omitempty"`
	ResolutionAgent string     `json:"resolution_agent,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// SimilarError pairs a record with its overlap score against a query.
type SimilarError struct {
	Record ErrorRecord `json:"record"`
	Score  float64     `json:"score"`
}

// similarityThreshold is the minimum token-overlap score for a record to
// count as similar at all.
const similarityThreshold = 0.15

// SimilarityScore returns the Jaccard overlap of the lowercase word tokens
// of a and b, in [0, 1].
func SimilarityScore(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if tb[tok] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}

// LogErrorWithContext stores an error record plus a paired error_logged
// event and returns the record id.
func (s *Store) LogErrorWithContext(ctx context.Context, rec ErrorRecord) (int64, error) {
	if strings.TrimSpace(rec.ErrorType) == "" {
		return 0, fmt.Errorf("error type required")
	}
	if strings.TrimSpace(rec.Message) == "" {
		return 0, fmt.Errorf("error message required")
	}
	if rec.Severity == "" {
		rec.Severity = "medium"
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var line any
		if rec.Line != 0 {
			line = rec.Line
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO error_records (error_type, message, code, severity, file, line, stack, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.ErrorType, rec.Message, rec.Code, rec.Severity, rec.File, line, rec.Stack)
		if err != nil {
			return fmt.Errorf("insert error record: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("error record insert id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventErrorLogged,
			Actor:     "system",
			Details:   rec.Message,
			Metadata:  fmt.Sprintf(`{"error_type":%q,"severity":%q}`, rec.ErrorType, rec.Severity),
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// MarkErrorResolved is a one-way transition recording how an error was fixed.
func (s *Store) MarkErrorResolved(ctx context.Context, errorID int64, resolution, agent string) error {
	if strings.TrimSpace(resolution) == "" {
		return fmt.Errorf("resolution required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var resolved int
		if err := tx.QueryRowContext(ctx, `SELECT resolved FROM error_records WHERE id = ?;`, errorID).Scan(&resolved); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("unknown error record %d", errorID)
			}
			return fmt.Errorf("select error record: %w", err)
		}
		if resolved == 1 {
			return &PreconditionError{Op: "mark_error_resolved", Violations: []string{fmt.Sprintf("error %d is already resolved", errorID)}}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE error_records
			SET resolved = 1, resolution = ?, resolution_agent = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, resolution, agent, errorID); err != nil {
			return fmt.Errorf("mark error resolved: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventErrorResolved,
			Actor:     agent,
			Details:   resolution,
		})
	})
}

const errorColumns = `
	id, error_type, message, COALESCE(code, ''), severity,
	COALESCE(file, ''), COALESCE(line, 0), COALESCE(stack, ''),
	resolved, COALESCE(resolution, ''), COALESCE(resolution_agent, ''),
	created_at, resolved_at`

func scanErrorRecord(scan func(dest ...any) error, r *ErrorRecord) error {
	var resolved int
	var resolvedAt sql.NullTime
	if err := scan(&r.ID, &r.ErrorType, &r.Message, &r.Code, &r.Severity,
		&r.File, &r.Line, &r.Stack, &resolved, &r.Resolution, &r.ResolutionAgent,
		&r.CreatedAt, &resolvedAt); err != nil {
		return err
	}
	r.Resolved = resolved == 1
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return nil
}

// GetError returns one error record, or nil.
func (s *Store) GetError(ctx context.Context, errorID int64) (*ErrorRecord, error) {
	var r ErrorRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+errorColumns+` FROM error_records WHERE id = ?;`, errorID)
	if err := scanErrorRecord(row.Scan, &r); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select error record: %w", err)
	}
	return &r, nil
}

// ListErrors returns error records newest first, optionally unresolved only.
func (s *Store) ListErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]ErrorRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + errorColumns + ` FROM error_records`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()
	var out []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		if err := scanErrorRecord(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSimilarErrors ranks stored errors by token-overlap similarity to
// message. This is a ranking, not an exact match; records scoring below the
// similarity threshold are dropped.
func (s *Store) GetSimilarErrors(ctx context.Context, message string, limit int) ([]SimilarError, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	all, err := s.ListErrors(ctx, false, 500)
	if err != nil {
		return nil, err
	}
	var scored []SimilarError
	for _, rec := range all {
		score := SimilarityScore(message, rec.Message)
		if score >= similarityThreshold {
			scored = append(scored, SimilarError{Record: rec, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
