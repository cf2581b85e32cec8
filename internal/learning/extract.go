// Package learning derives candidate memories from what a project's history
// already proved: resolved errors and reasoned decisions.
package learning

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/truthd/internal/truthstore"
)

// Confidence assignment for derived candidates. A resolved error's score
// grows with the number of similar errors seen, capped at three.
const (
	baseErrorConfidence    = 0.5
	similarErrorIncrement  = 0.1
	maxSimilarContribution = 3
	decisionConfidence     = 0.7
)

// Learning is one candidate memory with its provenance and score.
type Learning struct {
	MemoryType truthstore.MemoryType `json:"memory_type"`
	Title      string                `json:"title"`
	Content    string                `json:"content"`
	Tags       []string              `json:"tags,omitempty"`
	Confidence float64               `json:"confidence"`
	Source     string                `json:"source"`
}

// Stats reports what extraction scanned and produced.
type Stats struct {
	ErrorsScanned    int `json:"errors_scanned"`
	DecisionsScanned int `json:"decisions_scanned"`
	Derived          int `json:"derived"`
	BelowThreshold   int `json:"below_threshold"`
	AlreadyKnown     int `json:"already_known"`
}

// Service derives learnings from one project's store.
type Service struct {
	store *truthstore.Store
}

// NewService wraps a store.
func NewService(store *truthstore.Store) *Service {
	return &Service{store: store}
}

// ExtractLearnings scans resolved errors and reasoned decisions and returns
// candidates scoring at least minConfidence. Candidates whose title matches
// an existing memory are dropped unless includeExisting is set.
func (s *Service) ExtractLearnings(ctx context.Context, minConfidence float64, includeExisting bool) ([]Learning, Stats, error) {
	var stats Stats

	existing := make(map[string]bool)
	if !includeExisting {
		known, err := s.store.SearchMemory(ctx, "", "", nil, 100)
		if err != nil {
			return nil, stats, err
		}
		for _, k := range known {
			existing[strings.ToLower(k.Memory.Title)] = true
		}
	}

	var out []Learning
	keep := func(l Learning) {
		if l.Confidence < minConfidence {
			stats.BelowThreshold++
			return
		}
		if existing[strings.ToLower(l.Title)] {
			stats.AlreadyKnown++
			return
		}
		out = append(out, l)
		stats.Derived++
	}

	errorRecords, err := s.store.ListErrors(ctx, false, 500)
	if err != nil {
		return nil, stats, err
	}
	for _, rec := range errorRecords {
		stats.ErrorsScanned++
		if !rec.Resolved {
			continue
		}
		similar, err := s.store.GetSimilarErrors(ctx, rec.Message, 10)
		if err != nil {
			return nil, stats, err
		}
		others := 0
		for _, sim := range similar {
			if sim.Record.ID != rec.ID {
				others++
			}
		}
		if others > maxSimilarContribution {
			others = maxSimilarContribution
		}
		keep(Learning{
			MemoryType: truthstore.MemoryGotcha,
			Title:      fmt.Sprintf("Resolved %s: %s", rec.ErrorType, truncate(rec.Message, 80)),
			Content:    fmt.Sprintf("Error: %s\nResolution: %s", rec.Message, rec.Resolution),
			Tags:       []string{"error", rec.ErrorType},
			Confidence: baseErrorConfidence + similarErrorIncrement*float64(others),
			Source:     fmt.Sprintf("error:%d", rec.ID),
		})
	}

	decisions, err := s.store.ListDecisions(ctx)
	if err != nil {
		return nil, stats, err
	}
	for _, d := range decisions {
		stats.DecisionsScanned++
		if strings.TrimSpace(d.Rationale) == "" {
			continue
		}
		keep(Learning{
			MemoryType: truthstore.MemoryDecision,
			Title:      truncate(d.Decision, 80),
			Content:    fmt.Sprintf("Decision: %s\nRationale: %s", d.Decision, d.Rationale),
			Tags:       []string{"decision"},
			Confidence: decisionConfidence,
			Source:     fmt.Sprintf("decision:%d", d.ID),
		})
	}

	return out, stats, nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
