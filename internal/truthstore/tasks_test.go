package truthstore_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/truthd/internal/truthstore"
)

func planningSpec(priority truthstore.TaskPriority, description string) truthstore.TaskSpec {
	return truthstore.TaskSpec{
		Type:           truthstore.TaskPlanning,
		Priority:       priority,
		WorkerCategory: "backend",
		Description:    description,
	}
}

func TestEnqueueTask_RequiresStartupMessage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "plan the data model"))
	pe := asPrecondition(t, err)
	if len(pe.Violations) != 1 || !strings.Contains(pe.Violations[0], "startup message") {
		t.Fatalf("unexpected violations: %v", pe.Violations)
	}

	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "plan the data model"))
	if err != nil {
		t.Fatalf("enqueue after startup message: %v", err)
	}
	if task.Status != truthstore.TaskQueued || task.ID == 0 {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestEnqueueTask_ValidatesSpec(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}

	cases := []struct {
		name string
		spec truthstore.TaskSpec
	}{
		{"bad type", truthstore.TaskSpec{Type: "deploy", Priority: truthstore.PriorityLow, WorkerCategory: "backend", Description: "x"}},
		{"bad priority", truthstore.TaskSpec{Type: truthstore.TaskPlanning, Priority: "urgent", WorkerCategory: "backend", Description: "x"}},
		{"no category", truthstore.TaskSpec{Type: truthstore.TaskPlanning, Priority: truthstore.PriorityLow, Description: "x"}},
		{"no description", truthstore.TaskSpec{Type: truthstore.TaskPlanning, Priority: truthstore.PriorityLow, WorkerCategory: "backend"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.EnqueueTask(ctx, tc.spec); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDequeueTask_PriorityThenFIFO(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}

	low, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityLow, "low priority chore"))
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	highA, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityHigh, "first high task"))
	if err != nil {
		t.Fatalf("enqueue high a: %v", err)
	}
	highB, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityHigh, "second high task"))
	if err != nil {
		t.Fatalf("enqueue high b: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", []string{"go"}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	want := []int64{highA.ID, highB.ID, low.ID}
	for i, id := range want {
		got, err := store.DequeueTask(ctx, "backend-1", "backend")
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if got == nil || got.ID != id {
			t.Fatalf("dequeue %d: want task %d, got %+v", i, id, got)
		}
		if got.Status != truthstore.TaskInProgress || got.LeaseOwner == "" || got.LeaseExpiresAt == nil {
			t.Fatalf("dequeued task missing lease fields: %+v", got)
		}
	}

	empty, err := store.DequeueTask(ctx, "backend-1", "backend")
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil on empty queue, got %+v", empty)
	}
}

func TestDequeueTask_WorkerChecks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.DequeueTask(ctx, "ghost", "backend")
	pe := asPrecondition(t, err)
	if !strings.Contains(pe.Violations[0], "not registered") {
		t.Fatalf("unexpected violation: %v", pe.Violations)
	}

	if err := store.RegisterWorker(ctx, "frontend-1", "frontend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	_, err = store.DequeueTask(ctx, "frontend-1", "backend")
	pe = asPrecondition(t, err)
	if !strings.Contains(pe.Violations[0], "category") {
		t.Fatalf("unexpected violation: %v", pe.Violations)
	}
}

func TestDequeueTask_ConcurrentSingleAssignment(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "single contested task")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	for i := 0; i < workers; i++ {
		id := workerID(i)
		if err := store.RegisterWorker(ctx, id, "backend", nil); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	results := make([]*truthstore.Task, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := store.DequeueTask(ctx, workerID(i), "backend")
			if err != nil {
				t.Errorf("dequeue by %s: %v", workerID(i), err)
				return
			}
			results[i] = task
		}(i)
	}
	wg.Wait()

	assigned := 0
	for _, task := range results {
		if task != nil {
			assigned++
		}
	}
	if assigned != 1 {
		t.Fatalf("task assigned %d times, want exactly 1", assigned)
	}
}

func workerID(i int) string {
	return "backend-" + string(rune('a'+i))
}

func TestCompleteTask_Preconditions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "queued task"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.CompleteTask(ctx, task.ID, "backend-1", truthstore.Completion{Status: "done"}); err == nil {
		t.Fatal("expected invalid completion status to fail")
	}
	if err := store.CompleteTask(ctx, 9999, "backend-1", truthstore.Completion{Status: truthstore.TaskComplete}); err == nil {
		t.Fatal("expected unknown task to fail")
	}

	err = store.CompleteTask(ctx, task.ID, "backend-1", truthstore.Completion{Status: truthstore.TaskComplete})
	pe := asPrecondition(t, err)
	if !strings.Contains(pe.Violations[0], "not in_progress") {
		t.Fatalf("unexpected violation: %v", pe.Violations)
	}

	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-2", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	err = store.CompleteTask(ctx, task.ID, "backend-2", truthstore.Completion{Status: truthstore.TaskComplete})
	pe = asPrecondition(t, err)
	if !strings.Contains(pe.Violations[0], "held by") {
		t.Fatalf("unexpected violation: %v", pe.Violations)
	}
}

func TestCompleteTask_Success(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "plan the schema"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := store.CompleteTask(ctx, task.ID, "backend-1", truthstore.Completion{
		Status: truthstore.TaskComplete,
		Output: "schema drafted in three tables",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.Status != truthstore.TaskComplete || done.Output != "schema drafted in three tables" {
		t.Fatalf("unexpected completed task: %+v", done)
	}
	if done.LeaseOwner != "" || done.LeaseExpiresAt != nil {
		t.Fatalf("lease not cleared on completion: %+v", done)
	}

	worker, err := store.GetWorker(ctx, "backend-1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Status != truthstore.WorkerIdle {
		t.Fatalf("worker not returned to idle: %s", worker.Status)
	}
}

func TestRetryTask_Lifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "flaky planning step"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	// Retry of a queued task is rejected outright.
	if _, err := store.RetryTask(ctx, task.ID); err == nil {
		t.Fatal("expected retry of queued task to fail")
	}

	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := store.CompleteTask(ctx, task.ID, "backend-1", truthstore.Completion{
		Status:      truthstore.TaskFailed,
		Failure:     "transient network error",
		Recoverable: true,
	}); err != nil {
		t.Fatalf("fail task: %v", err)
	}

	requeued, err := store.RetryTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if requeued.Status != truthstore.TaskQueued || requeued.RetryCount != 1 {
		t.Fatalf("unexpected requeued task: %+v", requeued)
	}
	if requeued.Failure != "" || requeued.Recoverable {
		t.Fatalf("failure state not cleared on retry: %+v", requeued)
	}

	healing, err := store.GetEventLog(ctx, truthstore.EventFilter{EventType: truthstore.EventSelfHealing})
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if len(healing) != 1 || healing[0].RelatedTaskID != task.ID {
		t.Fatalf("expected one self_healing event for task %d, got %+v", task.ID, healing)
	}

	// Fail again, this time unrecoverably: retry must refuse.
	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("re-dequeue: %v", err)
	}
	if err := store.CompleteTask(ctx, task.ID, "backend-1", truthstore.Completion{
		Status:  truthstore.TaskFailed,
		Failure: "logic error in plan",
	}); err != nil {
		t.Fatalf("fail task again: %v", err)
	}
	_, err = store.RetryTask(ctx, task.ID)
	pe := asPrecondition(t, err)
	if !strings.Contains(pe.Violations[0], "not recoverable") {
		t.Fatalf("unexpected violation: %v", pe.Violations)
	}
}

func TestHeartbeatLease(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "long running plan"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	leased, err := store.DequeueTask(ctx, "backend-1", "backend")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ok, err := store.HeartbeatLease(ctx, task.ID, leased.LeaseOwner)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("heartbeat with valid lease owner should succeed")
	}

	ok, err = store.HeartbeatLease(ctx, task.ID, "someone-else")
	if err != nil {
		t.Fatalf("heartbeat wrong owner: %v", err)
	}
	if ok {
		t.Fatal("heartbeat with wrong lease owner should fail")
	}

	if err := store.CompleteTask(ctx, task.ID, "backend-1", truthstore.Completion{Status: truthstore.TaskComplete}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err = store.HeartbeatLease(ctx, task.ID, leased.LeaseOwner)
	if err != nil {
		t.Fatalf("heartbeat after completion: %v", err)
	}
	if ok {
		t.Fatal("heartbeat after completion should fail")
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	task, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "abandoned work"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Nothing is stale yet.
	n, err := store.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no reclaims with live lease, got %d", n)
	}

	if _, err := store.DB().ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = datetime('now', '-1 minute') WHERE id = ?;
	`, task.ID); err != nil {
		t.Fatalf("backdate lease: %v", err)
	}

	n, err = store.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one reclaim, got %d", n)
	}

	requeued, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if requeued.Status != truthstore.TaskQueued || requeued.WorkerID != "" || requeued.LeaseOwner != "" {
		t.Fatalf("task not cleanly requeued: %+v", requeued)
	}
	worker, err := store.GetWorker(ctx, "backend-1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Status != truthstore.WorkerOffline {
		t.Fatalf("worker not marked offline: %s", worker.Status)
	}
	reclaimedEvents, err := store.GetEventLog(ctx, truthstore.EventFilter{EventType: truthstore.EventTaskReclaimed})
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if len(reclaimedEvents) != 1 {
		t.Fatalf("expected one task_reclaimed event, got %d", len(reclaimedEvents))
	}
}

func TestAgeQueuedTasks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}

	if _, err := store.AgeQueuedTasks(ctx, 0); err == nil {
		t.Fatal("expected non-positive window to fail")
	}

	stale, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityLow, "long waiting chore"))
	if err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}
	critical, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityCritical, "already at the ceiling"))
	if err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}
	fresh, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityLow, "brand new chore"))
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE tasks SET created_at = datetime('now', '-5 hours') WHERE id IN (?, ?);
	`, stale.ID, critical.ID); err != nil {
		t.Fatalf("backdate tasks: %v", err)
	}

	n, err := store.AgeQueuedTasks(ctx, 4*time.Hour)
	if err != nil {
		t.Fatalf("age queued tasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one aged task, got %d", n)
	}

	check := func(id int64, want truthstore.TaskPriority) {
		t.Helper()
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task %d: %v", id, err)
		}
		if task.Priority != want {
			t.Fatalf("task %d priority = %s, want %s", id, task.Priority, want)
		}
	}
	check(stale.ID, truthstore.PriorityMedium)
	check(critical.ID, truthstore.PriorityCritical)
	check(fresh.ID, truthstore.PriorityLow)

	aged, err := store.GetEventLog(ctx, truthstore.EventFilter{EventType: truthstore.EventTaskAged})
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if len(aged) != 1 || aged[0].RelatedTaskID != stale.ID {
		t.Fatalf("expected one task_aged event for task %d, got %+v", stale.ID, aged)
	}
}

func TestTaskCounts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	done, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityHigh, "finished task"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.DequeueTask(ctx, "backend-1", "backend"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := store.CompleteTask(ctx, done.ID, "backend-1", truthstore.Completion{Status: truthstore.TaskComplete}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityLow, "still queued")); err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("task counts: %v", err)
	}
	if counts.Queued != 1 || counts.Complete != 1 || counts.InProgress != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestSetWorkerStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.RegisterWorker(ctx, "backend-1", "backend", []string{"go", "sql"}); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if err := store.SetWorkerStatus(ctx, "backend-1", truthstore.WorkerCoolingDown); err != nil {
		t.Fatalf("set status: %v", err)
	}
	worker, err := store.GetWorker(ctx, "backend-1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Status != truthstore.WorkerCoolingDown {
		t.Fatalf("status = %s, want cooling_down", worker.Status)
	}
	if len(worker.Capabilities) != 2 {
		t.Fatalf("capabilities not round-tripped: %v", worker.Capabilities)
	}

	if err := store.SetWorkerStatus(ctx, "backend-1", "sleeping"); err == nil {
		t.Fatal("expected invalid status to fail")
	}
	if err := store.SetWorkerStatus(ctx, "nobody", truthstore.WorkerIdle); err == nil {
		t.Fatal("expected unknown worker to fail")
	}

	// Re-registration resets status to idle.
	if err := store.RegisterWorker(ctx, "backend-1", "backend", nil); err != nil {
		t.Fatalf("re-register worker: %v", err)
	}
	worker, err = store.GetWorker(ctx, "backend-1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Status != truthstore.WorkerIdle {
		t.Fatalf("re-registration should reset to idle, got %s", worker.Status)
	}
}

func TestDequeueTask_UsesConfiguredLeaseDuration(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "plan the schema")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	store.SetLeaseDuration(2 * time.Hour)
	got, err := store.DequeueTask(ctx, "backend-1", "backend")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.LeaseExpiresAt == nil {
		t.Fatalf("dequeued task missing lease: %+v", got)
	}
	if got.LeaseExpiresAt.Before(time.Now().UTC().Add(time.Hour)) {
		t.Fatalf("configured two-hour lease not applied, expires %v", got.LeaseExpiresAt)
	}

	// Zero and negative durations are ignored, keeping the current lease.
	store.SetLeaseDuration(0)
	if _, err := store.EnqueueTask(ctx, planningSpec(truthstore.PriorityMedium, "plan the indexes")); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	second, err := store.DequeueTask(ctx, "backend-2", "backend")
	if err != nil {
		t.Fatalf("dequeue second: %v", err)
	}
	if second.LeaseExpiresAt.Before(time.Now().UTC().Add(time.Hour)) {
		t.Fatalf("zero duration should not shrink the lease, expires %v", second.LeaseExpiresAt)
	}
}
