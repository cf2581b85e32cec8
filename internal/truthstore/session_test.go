package truthstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/truthd/internal/truthstore"
)

func TestSessionContext_SetGetOverwrite(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.SetSessionContext(ctx, "", truthstore.ContextNotes, "k", json.RawMessage(`1`), 0); err == nil {
		t.Fatal("expected empty session id to fail")
	}
	if err := store.SetSessionContext(ctx, "sess-1", "scratch", "k", json.RawMessage(`1`), 0); err == nil {
		t.Fatal("expected invalid context type to fail")
	}
	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextNotes, "k", json.RawMessage(`{broken`), 0); err == nil {
		t.Fatal("expected invalid JSON to fail")
	}

	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextOpenFiles, "editor", json.RawMessage(`["main.go"]`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextOpenFiles, "editor", json.RawMessage(`["main.go","store.go"]`), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := store.GetSessionContext(ctx, "sess-1", truthstore.ContextOpenFiles)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || string(got["editor"]) != `["main.go","store.go"]` {
		t.Fatalf("overwrite not upserted: %v", got)
	}
}

func TestSessionContext_ExpiryAndClear(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextNotes, "todo", json.RawMessage(`"revisit parser"`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextCurrentFocus, "module", json.RawMessage(`"billing"`), time.Minute); err != nil {
		t.Fatalf("set focus: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE session_context SET expires_at = datetime('now', '-1 minute')
		WHERE context_type = 'notes';
	`); err != nil {
		t.Fatalf("backdate notes: %v", err)
	}

	merged, err := store.LoadSessionContext(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := merged[truthstore.ContextNotes]; ok {
		t.Fatalf("expired entry leaked into load: %v", merged)
	}
	if string(merged[truthstore.ContextCurrentFocus]["module"]) != `"billing"` {
		t.Fatalf("live entry missing: %v", merged)
	}

	purged, err := store.PurgeExpiredContext(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	if err := store.ClearSessionContext(ctx, "sess-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	merged, err = store.LoadSessionContext(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if len(merged) != 0 {
		t.Fatalf("context survived clear: %v", merged)
	}
}

func TestLoadResumeState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.InitProject(ctx, "proj-1", "invoicer", truthstore.ProjectTraditional, "/tmp/invoicer"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	completeOnboarding(t, ctx, store)
	approveThrough(t, ctx, store, "G1")

	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityHigh, "resume me later"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextNextSteps, "plan", json.RawMessage(`"finish the schema"`), 0); err != nil {
		t.Fatalf("set context: %v", err)
	}
	if _, err := store.CreateQuery(ctx, "backend-1", "architect", truthstore.QueryClarification, "which database engine do we target?"); err != nil {
		t.Fatalf("create query: %v", err)
	}
	if _, err := store.ReportBlocker(ctx, "staging credentials expired", "high", "backend-1"); err != nil {
		t.Fatalf("report blocker: %v", err)
	}
	if err := store.StartSession(ctx, "sess-1", "planning"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	state, err := store.LoadResumeState(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load resume state: %v", err)
	}
	if state.Project == nil || state.Project.ID != "proj-1" {
		t.Fatalf("project missing: %+v", state.Project)
	}
	if string(state.Context[truthstore.ContextNextSteps]["plan"]) != `"finish the schema"` {
		t.Fatalf("context missing: %v", state.Context)
	}
	if len(state.ActiveTasks) != 1 || state.ActiveTasks[0].ID != task.ID {
		t.Fatalf("active tasks wrong: %+v", state.ActiveTasks)
	}
	// G1 is approved, so G2 is the first gate still outstanding.
	if state.PendingGate != "G2" {
		t.Fatalf("pending gate = %s, want G2", state.PendingGate)
	}
	if len(state.RecentEvents) == 0 {
		t.Fatal("recent events missing")
	}
	if len(state.OpenQueries) != 1 || state.OpenQueries[0].Status != truthstore.QueryPending {
		t.Fatalf("open queries wrong: %+v", state.OpenQueries)
	}
	if len(state.OpenBlockers) != 1 || state.OpenBlockers[0].Severity != "high" {
		t.Fatalf("open blockers wrong: %+v", state.OpenBlockers)
	}
	if state.CostSession == nil || state.CostSession.SessionID != "sess-1" {
		t.Fatalf("cost session wrong: %+v", state.CostSession)
	}
}
