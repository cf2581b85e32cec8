package maintenance_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/truthd/internal/config"
	"github.com/basket/truthd/internal/maintenance"
	"github.com/basket/truthd/internal/truthstore"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *truthstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := truthstore.Open(filepath.Join(dir, "truth.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sweepConfig(reclaim, purge, aging string) config.MaintenanceConfig {
	return config.MaintenanceConfig{
		Enabled:         true,
		ReclaimSchedule: reclaim,
		PurgeSchedule:   purge,
		AgingSchedule:   aging,
		AgingAfterHours: 4,
	}
}

func TestSweeper_DisabledIsNoop(t *testing.T) {
	sw := maintenance.NewSweeper(maintenance.Config{
		Store:       openTestStore(t),
		Logger:      slog.Default(),
		Maintenance: config.MaintenanceConfig{Enabled: false},
	})
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("Start with disabled config: %v", err)
	}
	sw.Stop()
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	sw := maintenance.NewSweeper(maintenance.Config{
		Store:       openTestStore(t),
		Logger:      slog.Default(),
		Maintenance: sweepConfig("not a schedule", "@every 1h", "@every 1h"),
	})
	if err := sw.Start(context.Background()); err == nil {
		t.Fatal("expected error for unparseable schedule")
	}
}

func TestSweeper_ReclaimsExpiredLeases(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, truthstore.TaskSpec{
		Type:           truthstore.TaskPlanning,
		Priority:       truthstore.PriorityMedium,
		WorkerCategory: "backend",
		Description:    "draft the service plan",
	})
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	got, err := store.DequeueTask(ctx, "backend-1", "backend")
	if err != nil {
		t.Fatalf("dequeue task: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("expected to dequeue task %d, got %+v", task.ID, got)
	}

	// Backdate the lease so the reclaim sweep sees it as lapsed.
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = datetime('now', '-1 minute') WHERE id = ?;
	`, task.ID); err != nil {
		t.Fatalf("backdate lease: %v", err)
	}

	sw := maintenance.NewSweeper(maintenance.Config{
		Store:       store,
		Logger:      slog.Default(),
		Maintenance: sweepConfig("@every 50ms", "@every 1h", "@every 1h"),
	})
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	defer sw.Stop()

	waitFor(t, 3*time.Second, func() bool {
		cur, err := store.GetTask(ctx, task.ID)
		return err == nil && cur != nil && cur.Status == truthstore.TaskQueued
	})
}

func TestSweeper_PurgesExpiredContext(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	value := json.RawMessage(`{"file":"main.go"}`)
	if err := store.SetSessionContext(ctx, "sess-1", truthstore.ContextOpenFiles, "editor", value, time.Minute); err != nil {
		t.Fatalf("set session context: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE session_context SET expires_at = datetime('now', '-1 minute');
	`); err != nil {
		t.Fatalf("backdate context expiry: %v", err)
	}

	sw := maintenance.NewSweeper(maintenance.Config{
		Store:       store,
		Logger:      slog.Default(),
		Maintenance: sweepConfig("@every 1h", "@every 50ms", "@every 1h"),
	})
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	defer sw.Stop()

	waitFor(t, 3*time.Second, func() bool {
		var n int
		err := store.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM session_context;`).Scan(&n)
		return err == nil && n == 0
	})
}

func TestSweeper_AgesStaleQueuedTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, truthstore.TaskSpec{
		Type:           truthstore.TaskPlanning,
		Priority:       truthstore.PriorityLow,
		WorkerCategory: "backend",
		Description:    "long-waiting cleanup chore",
	})
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE tasks SET created_at = datetime('now', '-5 hours') WHERE id = ?;
	`, task.ID); err != nil {
		t.Fatalf("backdate task: %v", err)
	}

	sw := maintenance.NewSweeper(maintenance.Config{
		Store:       store,
		Logger:      slog.Default(),
		Maintenance: sweepConfig("@every 1h", "@every 1h", "@every 50ms"),
	})
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	defer sw.Stop()

	waitFor(t, 3*time.Second, func() bool {
		cur, err := store.GetTask(ctx, task.ID)
		return err == nil && cur != nil && cur.Priority == truthstore.PriorityMedium
	})
}
