package learning_test

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/basket/truthd/internal/learning"
	"github.com/basket/truthd/internal/truthstore"
)

func newService(t *testing.T) (*learning.Service, *truthstore.Store) {
	t.Helper()
	store, err := truthstore.Open(filepath.Join(t.TempDir(), "truth.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return learning.NewService(store), store
}

func logResolvedError(t *testing.T, ctx context.Context, store *truthstore.Store, message, resolution string) int64 {
	t.Helper()
	id, err := store.LogErrorWithContext(ctx, truthstore.ErrorRecord{ErrorType: "runtime", Message: message})
	if err != nil {
		t.Fatalf("log error: %v", err)
	}
	if err := store.MarkErrorResolved(ctx, id, resolution, "backend-1"); err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	return id
}

func TestExtractLearnings_EmptyStore(t *testing.T) {
	svc, _ := newService(t)
	learnings, stats, err := svc.ExtractLearnings(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(learnings) != 0 || stats.Derived != 0 {
		t.Fatalf("expected nothing from empty store: %+v", stats)
	}
}

func TestExtractLearnings_ErrorConfidence(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// A lone resolved error scores the base confidence.
	logResolvedError(t, ctx, store, "template parse failure in report renderer", "escaped the braces")

	learnings, stats, err := svc.ExtractLearnings(ctx, 0, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.ErrorsScanned != 1 || len(learnings) != 1 {
		t.Fatalf("unexpected scan: %+v / %d learnings", stats, len(learnings))
	}
	l := learnings[0]
	if l.MemoryType != truthstore.MemoryGotcha {
		t.Fatalf("memory type = %s, want gotcha", l.MemoryType)
	}
	if math.Abs(l.Confidence-0.5) > 1e-9 {
		t.Fatalf("confidence = %f, want 0.5", l.Confidence)
	}
	if !strings.Contains(l.Content, "escaped the braces") {
		t.Fatalf("content missing resolution: %q", l.Content)
	}
	if !strings.HasPrefix(l.Source, "error:") {
		t.Fatalf("source = %q", l.Source)
	}
}

func TestExtractLearnings_SimilarErrorsRaiseConfidence(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	logResolvedError(t, ctx, store, "database connection refused while starting worker pool", "waited for the socket")
	// Similar but unresolved errors raise the resolved one's score without
	// producing learnings of their own. The increment caps at three.
	for _, msg := range []string{
		"database connection refused while starting scheduler",
		"database connection refused during startup probe",
		"database connection refused while starting migrations",
		"database connection refused while starting exporter",
	} {
		if _, err := store.LogErrorWithContext(ctx, truthstore.ErrorRecord{ErrorType: "runtime", Message: msg}); err != nil {
			t.Fatalf("log similar: %v", err)
		}
	}

	learnings, stats, err := svc.ExtractLearnings(ctx, 0, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.ErrorsScanned != 5 || len(learnings) != 1 {
		t.Fatalf("unexpected scan: %+v / %d learnings", stats, len(learnings))
	}
	if math.Abs(learnings[0].Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence = %f, want capped 0.8", learnings[0].Confidence)
	}
}

func TestExtractLearnings_Decisions(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := store.RecordDecision(ctx, "use sqlite for persistence", "single file fits the deployment model", "architect"); err != nil {
		t.Fatalf("record decision: %v", err)
	}
	// Decisions without a rationale carry nothing worth remembering.
	if _, err := store.RecordDecision(ctx, "rename the binary", "", "architect"); err != nil {
		t.Fatalf("record bare decision: %v", err)
	}

	learnings, stats, err := svc.ExtractLearnings(ctx, 0, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.DecisionsScanned != 2 || len(learnings) != 1 {
		t.Fatalf("unexpected scan: %+v / %d learnings", stats, len(learnings))
	}
	l := learnings[0]
	if l.MemoryType != truthstore.MemoryDecision || math.Abs(l.Confidence-0.7) > 1e-9 {
		t.Fatalf("unexpected decision learning: %+v", l)
	}
}

func TestExtractLearnings_ThresholdAndKnownTitles(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := store.RecordDecision(ctx, "use sqlite for persistence", "single file fits the deployment model", "architect"); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	// 0.7 decision falls below a 0.75 floor.
	learnings, stats, err := svc.ExtractLearnings(ctx, 0.75, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(learnings) != 0 || stats.BelowThreshold != 1 {
		t.Fatalf("threshold not applied: %+v", stats)
	}

	// A memory with the same title suppresses the candidate.
	if _, err := store.AddStructuredMemory(ctx, truthstore.Memory{
		MemoryType: truthstore.MemoryDecision,
		Title:      "Use SQLite for persistence",
		Content:    "already recorded",
	}); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	learnings, stats, err = svc.ExtractLearnings(ctx, 0, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(learnings) != 0 || stats.AlreadyKnown != 1 {
		t.Fatalf("known title not suppressed: %+v", stats)
	}

	// includeExisting bypasses the known-title filter.
	learnings, _, err = svc.ExtractLearnings(ctx, 0, true)
	if err != nil {
		t.Fatalf("extract including existing: %v", err)
	}
	if len(learnings) != 1 {
		t.Fatalf("includeExisting should surface the candidate: %d", len(learnings))
	}
}

func TestConsolidateMemories_Buckets(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// High-confidence path: resolved error with three similar neighbors.
	logResolvedError(t, ctx, store, "database connection refused while starting worker pool", "waited for the socket")
	for _, msg := range []string{
		"database connection refused while starting scheduler",
		"database connection refused during startup probe",
		"database connection refused while starting migrations",
	} {
		if _, err := store.LogErrorWithContext(ctx, truthstore.ErrorRecord{ErrorType: "runtime", Message: msg}); err != nil {
			t.Fatalf("log similar: %v", err)
		}
	}
	// Review path: a reasoned decision at 0.7.
	if _, err := store.RecordDecision(ctx, "use sqlite for persistence", "single file fits the deployment model", "architect"); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	plan, err := svc.ConsolidateMemories(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if len(plan.AutoSync) != 1 || plan.AutoSync[0].MemoryType != truthstore.MemoryGotcha {
		t.Fatalf("auto-sync bucket wrong: %+v", plan.AutoSync)
	}
	if len(plan.Review) != 1 || plan.Review[0].MemoryType != truthstore.MemoryDecision {
		t.Fatalf("review bucket wrong: %+v", plan.Review)
	}

	ids, err := svc.ApplyAutoSync(ctx, plan)
	if err != nil {
		t.Fatalf("apply auto-sync: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one persisted memory, got %v", ids)
	}
	m, err := store.GetMemory(ctx, ids[0])
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if m == nil || m.MemoryType != truthstore.MemoryGotcha || m.Scope != truthstore.ScopeProject {
		t.Fatalf("persisted memory wrong: %+v", m)
	}

	// Re-running after the sync treats the gotcha as known.
	plan, err = svc.ConsolidateMemories(ctx)
	if err != nil {
		t.Fatalf("re-consolidate: %v", err)
	}
	if len(plan.AutoSync) != 0 || plan.Stats.AlreadyKnown != 1 {
		t.Fatalf("synced learning not recognized as known: %+v", plan.Stats)
	}
}

func TestExtractLearnings_TitleTruncationKeepsRunes(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// A long multi-byte message must truncate on rune boundaries.
	message := strings.Repeat("é", 120)
	logResolvedError(t, ctx, store, message, "fixed the encoding")

	learnings, _, err := svc.ExtractLearnings(ctx, 0, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(learnings) != 1 {
		t.Fatalf("expected one learning, got %d", len(learnings))
	}
	title := learnings[0].Title
	if !utf8.ValidString(title) {
		t.Fatalf("title is not valid UTF-8: %q", title)
	}
	if !strings.HasSuffix(title, "...") {
		t.Fatalf("long message not truncated: %q", title)
	}
	if got := strings.Count(title, "é"); got != 77 {
		t.Fatalf("expected 77 runes kept before the ellipsis, got %d", got)
	}
}
