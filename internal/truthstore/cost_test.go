package truthstore_test

import (
	"context"
	"math"
	"testing"

	"github.com/basket/truthd/internal/truthstore"
)

func TestLogTokenUsage_Validation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		usage truthstore.TokenUsage
	}{
		{"negative tokens", truthstore.TokenUsage{InputTokens: -1, Model: "gpt-4o", WorkerID: "backend-1"}},
		{"no model", truthstore.TokenUsage{InputTokens: 10, WorkerID: "backend-1"}},
		{"no worker", truthstore.TokenUsage{InputTokens: 10, Model: "gpt-4o"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.LogTokenUsage(ctx, tc.usage); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLogTokenUsage_KnownModelCost(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cost, err := store.LogTokenUsage(ctx, truthstore.TokenUsage{
		InputTokens:  1000,
		OutputTokens: 500,
		Model:        "claude-3-5-sonnet",
		WorkerID:     "backend-1",
	})
	if err != nil {
		t.Fatalf("log usage: %v", err)
	}
	// 1000/1M * $3.00 + 500/1M * $15.00
	if math.Abs(cost-0.0105) > 1e-9 {
		t.Fatalf("cost = %f, want 0.0105", cost)
	}

	opus, err := store.LogTokenUsage(ctx, truthstore.TokenUsage{
		InputTokens:  1000,
		OutputTokens: 500,
		Model:        "claude-opus-4",
		WorkerID:     "backend-1",
	})
	if err != nil {
		t.Fatalf("log opus usage: %v", err)
	}
	if math.Abs(opus-5*cost) > 1e-9 {
		t.Fatalf("opus cost = %f, want five times sonnet (%f)", opus, 5*cost)
	}

	// Unknown models fall back to the sonnet-class default rate.
	unknown, err := store.LogTokenUsage(ctx, truthstore.TokenUsage{
		InputTokens:  1000,
		OutputTokens: 500,
		Model:        "some-future-model",
		WorkerID:     "backend-1",
	})
	if err != nil {
		t.Fatalf("log unknown-model usage: %v", err)
	}
	if math.Abs(unknown-cost) > 1e-9 {
		t.Fatalf("unknown model cost = %f, want default %f", unknown, cost)
	}
}

func TestSessions_SingleActive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.EndSession(ctx); err == nil {
		t.Fatal("expected EndSession without an active session to fail")
	}
	if err := store.StartSession(ctx, "sess-1", "planning"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := store.StartSession(ctx, "sess-2", "planning"); err == nil {
		t.Fatal("expected second concurrent session to fail")
	}

	if _, err := store.LogTokenUsage(ctx, truthstore.TokenUsage{
		InputTokens:  2000,
		OutputTokens: 1000,
		Model:        "claude-3-5-sonnet",
		WorkerID:     "backend-1",
	}); err != nil {
		t.Fatalf("log usage: %v", err)
	}

	current, err := store.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if current == nil || current.SessionID != "sess-1" || !current.Active {
		t.Fatalf("unexpected current session: %+v", current)
	}
	if current.InputTokens != 2000 || current.OutputTokens != 1000 || current.CostUSD == 0 {
		t.Fatalf("usage not folded into session: %+v", current)
	}

	closed, err := store.EndSession(ctx)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if closed.SessionID != "sess-1" || closed.EndedAt == nil {
		t.Fatalf("unexpected closed session: %+v", closed)
	}
	current, err = store.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("current after end: %v", err)
	}
	if current != nil {
		t.Fatalf("expected no active session, got %+v", current)
	}

	if err := store.StartSession(ctx, "sess-2", "generation"); err != nil {
		t.Fatalf("start after end: %v", err)
	}
}

func TestSetBudget_Validation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.SetBudget(ctx, 0, 0.8); err == nil {
		t.Fatal("expected zero budget to fail")
	}
	if err := store.SetBudget(ctx, 10, 0); err == nil {
		t.Fatal("expected zero threshold to fail")
	}
	if err := store.SetBudget(ctx, 10, 1.5); err == nil {
		t.Fatal("expected threshold above 1 to fail")
	}
	if err := store.SetBudget(ctx, 10, 1); err != nil {
		t.Fatalf("threshold of exactly 1 should be valid: %v", err)
	}
}

func TestBudgetAlert_OncePerCrossing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.SetBudget(ctx, 1.00, 0.5); err != nil {
		t.Fatalf("set budget: %v", err)
	}

	alertCount := func() int {
		t.Helper()
		events, err := store.GetEventLog(ctx, truthstore.EventFilter{EventType: truthstore.EventBudgetAlert})
		if err != nil {
			t.Fatalf("event log: %v", err)
		}
		return len(events)
	}

	// 200k input tokens of sonnet is $0.60, past the 50% threshold.
	usage := truthstore.TokenUsage{
		InputTokens: 200_000,
		Model:       "claude-3-5-sonnet",
		WorkerID:    "backend-1",
	}
	if _, err := store.LogTokenUsage(ctx, usage); err != nil {
		t.Fatalf("log usage: %v", err)
	}
	if got := alertCount(); got != 1 {
		t.Fatalf("alert count after crossing = %d, want 1", got)
	}

	// Still over budget, but the latch holds: no second alert.
	if _, err := store.LogTokenUsage(ctx, usage); err != nil {
		t.Fatalf("log usage again: %v", err)
	}
	if got := alertCount(); got != 1 {
		t.Fatalf("alert count after second usage = %d, want 1", got)
	}

	// Re-setting the budget resets the latch, so the next log alerts again.
	if err := store.SetBudget(ctx, 1.00, 0.5); err != nil {
		t.Fatalf("re-set budget: %v", err)
	}
	if _, err := store.LogTokenUsage(ctx, usage); err != nil {
		t.Fatalf("log usage after reset: %v", err)
	}
	if got := alertCount(); got != 2 {
		t.Fatalf("alert count after latch reset = %d, want 2", got)
	}
}

func TestGetCostSummary(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	summary, err := store.GetCostSummary(ctx)
	if err != nil {
		t.Fatalf("summary on empty store: %v", err)
	}
	if summary.BudgetSet || summary.TotalCostUSD != 0 {
		t.Fatalf("unexpected empty summary: %+v", summary)
	}

	if err := store.StartSession(ctx, "sess-1", "planning"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := store.LogTokenUsage(ctx, truthstore.TokenUsage{
		InputTokens: 100_000, OutputTokens: 10_000, Model: "claude-3-5-sonnet", WorkerID: "backend-1",
	}); err != nil {
		t.Fatalf("log usage: %v", err)
	}
	if _, err := store.LogTokenUsage(ctx, truthstore.TokenUsage{
		InputTokens: 50_000, Model: "gpt-4o-mini", WorkerID: "frontend-1",
	}); err != nil {
		t.Fatalf("log usage: %v", err)
	}
	if err := store.SetBudget(ctx, 2.00, 0.8); err != nil {
		t.Fatalf("set budget: %v", err)
	}

	summary, err = store.GetCostSummary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalInputTokens != 150_000 || summary.TotalOutputTokens != 10_000 {
		t.Fatalf("token totals wrong: %+v", summary)
	}
	if len(summary.ByModel) != 2 || summary.ByModel["claude-3-5-sonnet"].InputTokens != 100_000 {
		t.Fatalf("by-model rollup wrong: %+v", summary.ByModel)
	}
	if _, ok := summary.ByPhase["planning"]; !ok {
		t.Fatalf("by-phase rollup missing planning: %+v", summary.ByPhase)
	}
	if summary.SessionCount != 1 {
		t.Fatalf("session count = %d", summary.SessionCount)
	}
	if !summary.BudgetSet || summary.BudgetUSD != 2.00 {
		t.Fatalf("budget standing wrong: %+v", summary)
	}
	wantPct := summary.TotalCostUSD / 2.00 * 100
	if math.Abs(summary.PercentUsed-wantPct) > 1e-9 {
		t.Fatalf("percent used = %f, want %f", summary.PercentUsed, wantPct)
	}
	if math.Abs(summary.RemainingUSD-(2.00-summary.TotalCostUSD)) > 1e-9 {
		t.Fatalf("remaining = %f", summary.RemainingUSD)
	}
}
