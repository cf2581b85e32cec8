package truthstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MemoryType classifies a structured memory entry.
type MemoryType string

const (
	MemoryPattern    MemoryType = "pattern"
	MemoryGotcha     MemoryType = "gotcha"
	MemoryDecision   MemoryType = "decision"
	MemoryPreference MemoryType = "preference"
	MemoryFact       MemoryType = "fact"
)

var validMemoryTypes = map[MemoryType]bool{
	MemoryPattern:    true,
	MemoryGotcha:     true,
	MemoryDecision:   true,
	MemoryPreference: true,
	MemoryFact:       true,
}

// MemoryScope says how broadly a memory applies.
type MemoryScope string

const (
	ScopeUniversal MemoryScope = "universal"
	ScopeStack     MemoryScope = "stack-specific"
	ScopeProject   MemoryScope = "project-specific"
)

var validMemoryScopes = map[MemoryScope]bool{
	ScopeUniversal: true,
	ScopeStack:     true,
	ScopeProject:   true,
}

// Memory is one structured knowledge entry.
type Memory struct {
	ID          int64       `json:"id"`
	MemoryType  MemoryType  `json:"memory_type"`
	Scope       MemoryScope `json:"scope"`
	Title       string      `json:"title"`
	Content     string      `json:"content"`
	Tags        []string    `json:"tags,omitempty"`
	Agents      []string    `json:"agents,omitempty"`
	Gate        string      `json:"gate,omitempty"`
	Context     string      `json:"context,omitempty"`
	Outcome     string      `json:"outcome,omitempty"`
	ExampleCode string      `json:"example_code,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// MemorySearchResult pairs a memory with its relevance score.
type MemorySearchResult struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// MemoryLink relates two entities. Entities are typed so links can reach
// beyond memories (files, errors) without new tables.
type MemoryLink struct {
	ID         int64     `json:"id"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	LinkType   string    `json:"link_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// RelatedEntity is one end of a link as seen from a queried entity.
type RelatedEntity struct {
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	LinkType   string  `json:"link_type"`
	Memory     *Memory `json:"memory,omitempty"`
}

// AddStructuredMemory stores a memory entry and returns its id.
func (s *Store) AddStructuredMemory(ctx context.Context, m Memory) (int64, error) {
	if !validMemoryTypes[m.MemoryType] {
		return 0, fmt.Errorf("invalid memory type %q", m.MemoryType)
	}
	if m.Scope == "" {
		m.Scope = ScopeProject
	}
	if !validMemoryScopes[m.Scope] {
		return 0, fmt.Errorf("invalid memory scope %q", m.Scope)
	}
	if strings.TrimSpace(m.Title) == "" {
		return 0, fmt.Errorf("memory title required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return 0, fmt.Errorf("memory content required")
	}
	tags, err := json.Marshal(normalizeSet(m.Tags))
	if err != nil {
		return 0, fmt.Errorf("encode tags: %w", err)
	}
	agents, err := json.Marshal(normalizeSet(m.Agents))
	if err != nil {
		return 0, fmt.Errorf("encode agents: %w", err)
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (memory_type, scope, title, content, tags, agents, gate, context, outcome, example_code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, string(m.MemoryType), string(m.Scope), m.Title, m.Content, string(tags), string(agents),
			nullIfEmpty(m.Gate), nullIfEmpty(m.Context), nullIfEmpty(m.Outcome), nullIfEmpty(m.ExampleCode))
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("memory insert id: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventMemoryAdded,
			Actor:     "system",
			Details:   m.Title,
			Metadata:  fmt.Sprintf(`{"memory_type":%q,"scope":%q}`, m.MemoryType, m.Scope),
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool)
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

const memoryColumns = `
	id, memory_type, scope, title, content,
	COALESCE(tags, '[]'), COALESCE(agents, '[]'),
	COALESCE(gate, ''), COALESCE(context, ''), COALESCE(outcome, ''), COALESCE(example_code, ''),
	created_at`

func scanMemory(scan func(dest ...any) error, m *Memory) error {
	var tags, agents string
	if err := scan(&m.ID, &m.MemoryType, &m.Scope, &m.Title, &m.Content,
		&tags, &agents, &m.Gate, &m.Context, &m.Outcome, &m.ExampleCode, &m.CreatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		m.Tags = nil
	}
	if err := json.Unmarshal([]byte(agents), &m.Agents); err != nil {
		m.Agents = nil
	}
	return nil
}

// GetMemory returns one memory, or nil.
func (s *Store) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	var m Memory
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?;`, id)
	if err := scanMemory(row.Scan, &m); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select memory: %w", err)
	}
	return &m, nil
}

// SearchMemory ranks memories against query by token overlap over title,
// content and tags. memoryType and tags narrow the candidate set when set;
// all given tags must be present.
func (s *Store) SearchMemory(ctx context.Context, query string, memoryType MemoryType, tags []string, limit int) ([]MemorySearchResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	q := `SELECT ` + memoryColumns + ` FROM memories`
	var args []any
	if memoryType != "" {
		if !validMemoryTypes[memoryType] {
			return nil, fmt.Errorf("invalid memory type %q", memoryType)
		}
		q += ` WHERE memory_type = ?`
		args = append(args, string(memoryType))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT 500`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	want := normalizeSet(tags)
	var out []MemorySearchResult
	for rows.Next() {
		var m Memory
		if err := scanMemory(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if !hasAllTags(m.Tags, want) {
			continue
		}
		score := 1.0
		if strings.TrimSpace(query) != "" {
			haystack := m.Title + " " + m.Content + " " + strings.Join(m.Tags, " ")
			score = SimilarityScore(query, haystack)
		}
		if score > 0 {
			out = append(out, MemorySearchResult{Memory: m, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EntityMemory is the entity type for memory-to-memory links.
const EntityMemory = "memory"

// LinkMemories relates two typed entities. One row is stored; related
// lookups resolve both directions, so the relation is bidirectional.
func (s *Store) LinkMemories(ctx context.Context, sourceType, sourceID, targetType, targetID, linkType string) error {
	if sourceType == "" || sourceID == "" || targetType == "" || targetID == "" {
		return fmt.Errorf("link endpoints required")
	}
	if sourceType == targetType && sourceID == targetID {
		return fmt.Errorf("cannot link %s %s to itself", sourceType, sourceID)
	}
	if strings.TrimSpace(linkType) == "" {
		linkType = "related"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, end := range []struct{ typ, id string }{{sourceType, sourceID}, {targetType, targetID}} {
			if end.typ != EntityMemory {
				continue
			}
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE id = ?;`, end.id).Scan(&n); err != nil {
				return fmt.Errorf("check memory %s: %w", end.id, err)
			}
			if n == 0 {
				return fmt.Errorf("unknown memory %s", end.id)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_links (source_type, source_id, target_type, target_id, link_type, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sourceType, sourceID, targetType, targetID, linkType); err != nil {
			return fmt.Errorf("insert memory link: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventMemoriesLinked,
			Actor:     "system",
			Details:   fmt.Sprintf("linked %s %s to %s %s", sourceType, sourceID, targetType, targetID),
			Metadata:  fmt.Sprintf(`{"link_type":%q}`, linkType),
		})
	})
}

// GetRelatedMemories returns entities linked to (entityType, entityID) from
// either direction, hydrating memory entities.
func (s *Store) GetRelatedMemories(ctx context.Context, entityType, entityID string) ([]RelatedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_type, target_id, link_type FROM memory_links
		WHERE source_type = ? AND source_id = ?
		UNION ALL
		SELECT source_type, source_id, link_type FROM memory_links
		WHERE target_type = ? AND target_id = ?
		ORDER BY 1, 2;
	`, entityType, entityID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("select memory links: %w", err)
	}
	defer rows.Close()
	var out []RelatedEntity
	for rows.Next() {
		var re RelatedEntity
		if err := rows.Scan(&re.EntityType, &re.EntityID, &re.LinkType); err != nil {
			return nil, fmt.Errorf("scan memory link: %w", err)
		}
		out = append(out, re)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].EntityType != EntityMemory {
			continue
		}
		var memID int64
		if _, err := fmt.Sscanf(out[i].EntityID, "%d", &memID); err != nil {
			continue
		}
		m, err := s.GetMemory(ctx, memID)
		if err != nil {
			return nil, err
		}
		out[i].Memory = m
	}
	return out, nil
}
