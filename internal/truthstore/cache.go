package truthstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const defaultCacheTTL = 24 * time.Hour

// CachedToolResult is one tool invocation outcome, addressed by the SHA-256
// of its canonicalized input. Superseded records stay for history; lookup
// returns only the newest non-expired match.
type CachedToolResult struct {
	ID              int64     `json:"id"`
	ToolName        string    `json:"tool_name"`
	InputHash       string    `json:"input_hash"`
	Output          string    `json:"output"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ExecutionTimeMS int64     `json:"execution_time_ms,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CanonicalizeInput produces the canonical bytes hashed for cache addressing:
// valid JSON is decoded and re-encoded compactly with object keys sorted
// lexicographically at every nesting level (array order preserved); anything
// else is used byte-for-byte as given.
func CanonicalizeInput(input []byte) []byte {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" {
		return []byte(trimmed)
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return []byte(trimmed)
	}
	// encoding/json sorts map keys, which yields the canonical ordering.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return []byte(trimmed)
	}
	return canonical
}

// HashInput returns the hex SHA-256 of the canonicalized input.
func HashInput(input []byte) string {
	sum := sha256.Sum256(CanonicalizeInput(input))
	return hex.EncodeToString(sum[:])
}

// CacheToolResult stores tool output under the canonical input hash with the
// given TTL (the store default when zero) and returns the record id.
func (s *Store) CacheToolResult(ctx context.Context, toolName string, input []byte, output string, success bool, errorMessage string, execMS int64, ttl time.Duration) (int64, error) {
	if strings.TrimSpace(toolName) == "" {
		return 0, fmt.Errorf("tool name required")
	}
	if ttl <= 0 {
		ttl = s.cacheTTL()
	}
	hash := HashInput(input)
	expiresAt := time.Now().UTC().Add(ttl)

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		successInt := 0
		if success {
			successInt = 1
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tool_results (tool_name, input_hash, output, success, error_message, execution_time_ms, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?);
		`, toolName, hash, output, successInt, errorMessage, execMS, expiresAt)
		if err != nil {
			return fmt.Errorf("insert tool result: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("tool result insert id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventCacheStored,
			Actor:     "system",
			Details:   fmt.Sprintf("cached %s result", toolName),
			Metadata:  fmt.Sprintf(`{"tool":%q,"input_hash":%q,"success":%t}`, toolName, hash, success),
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const toolResultColumns = `
	id, tool_name, input_hash, output, success,
	COALESCE(error_message, ''), COALESCE(execution_time_ms, 0),
	created_at, expires_at`

func scanToolResult(scan func(dest ...any) error, r *CachedToolResult) error {
	var success int
	if err := scan(&r.ID, &r.ToolName, &r.InputHash, &r.Output, &success,
		&r.ErrorMessage, &r.ExecutionTimeMS, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return err
	}
	r.Success = success == 1
	return nil
}

// GetCachedResult returns the newest non-expired record for the exact
// canonical hash of input, or nil on a miss. No fuzzy matching.
func (s *Store) GetCachedResult(ctx context.Context, toolName string, input []byte) (*CachedToolResult, error) {
	hash := HashInput(input)
	var r CachedToolResult
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolResultColumns+`
		FROM tool_results
		WHERE tool_name = ? AND input_hash = ? AND expires_at > CURRENT_TIMESTAMP
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, toolName, hash)
	if err := scanToolResult(row.Scan, &r); err != nil {
		if err == sql.ErrNoRows {
			if s.metrics != nil {
				s.metrics.CacheMisses.Add(ctx, 1)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("select cached result: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CacheHits.Add(ctx, 1)
	}
	return &r, nil
}

// GetLastSuccessfulResult ignores hashing and TTL entirely and returns the
// most recent success=true record for the tool, or nil.
func (s *Store) GetLastSuccessfulResult(ctx context.Context, toolName string) (*CachedToolResult, error) {
	var r CachedToolResult
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolResultColumns+`
		FROM tool_results
		WHERE tool_name = ? AND success = 1
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, toolName)
	if err := scanToolResult(row.Scan, &r); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select last successful result: %w", err)
	}
	return &r, nil
}

// GetToolHistory returns tool records reverse-chronologically, optionally
// filtered by tool and success.
func (s *Store) GetToolHistory(ctx context.Context, toolName string, successOnly bool, limit int) ([]CachedToolResult, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := `SELECT ` + toolResultColumns + ` FROM tool_results WHERE 1=1`
	var args []any
	if toolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	if successOnly {
		query += ` AND success = 1`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool history: %w", err)
	}
	defer rows.Close()
	var out []CachedToolResult
	for rows.Next() {
		var r CachedToolResult
		if err := scanToolResult(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan tool result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeExpiredResults removes expired cache rows. Lookup correctness never
// depends on this; it only bounds table growth.
func (s *Store) PurgeExpiredResults(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_results WHERE expires_at <= CURRENT_TIMESTAMP;`)
	if err != nil {
		return 0, fmt.Errorf("purge expired results: %w", err)
	}
	return res.RowsAffected()
}
