package learning

import (
	"context"

	"github.com/basket/truthd/internal/truthstore"
)

// autoSyncConfidence is the floor above which a derived learning is safe to
// merge into the memory store without review.
const autoSyncConfidence = 0.8

// ConsolidationPlan partitions derived learnings by how safely they can be
// merged.
type ConsolidationPlan struct {
	AutoSync []Learning `json:"auto_sync,omitempty"`
	Review   []Learning `json:"review,omitempty"`
	Stats    Stats      `json:"stats"`
}

// ConsolidateMemories derives all learnings and buckets them: high
// confidence goes to AutoSync, the rest needs human confirmation.
func (s *Service) ConsolidateMemories(ctx context.Context) (*ConsolidationPlan, error) {
	learnings, stats, err := s.ExtractLearnings(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	plan := &ConsolidationPlan{Stats: stats}
	for _, l := range learnings {
		if l.Confidence >= autoSyncConfidence {
			plan.AutoSync = append(plan.AutoSync, l)
		} else {
			plan.Review = append(plan.Review, l)
		}
	}
	return plan, nil
}

// ApplyAutoSync persists the AutoSync bucket as memories and returns the new
// ids. Review-bucket learnings are never written here.
func (s *Service) ApplyAutoSync(ctx context.Context, plan *ConsolidationPlan) ([]int64, error) {
	var ids []int64
	for _, l := range plan.AutoSync {
		id, err := s.store.AddStructuredMemory(ctx, truthstore.Memory{
			MemoryType: l.MemoryType,
			Scope:      truthstore.ScopeProject,
			Title:      l.Title,
			Content:    l.Content,
			Tags:       l.Tags,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
