package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/truthd/internal/contract"
	"github.com/basket/truthd/internal/truthstore"
)

// completionReport mirrors the task-completion wire contract. Workers emit
// this document when they finish a task; the schema is validated before any
// store write happens.
type completionReport struct {
	TaskCompletion struct {
		TaskID      int64  `json:"task_id"`
		Status      string `json:"status"`
		WorkerID    string `json:"worker_id"`
		Recoverable bool   `json:"recoverable"`
		Failure     string `json:"failure"`
	} `json:"task_completion"`
	Output       json.RawMessage `json:"output"`
	SpawnedTasks []struct {
		Type           string `json:"type"`
		Priority       string `json:"priority"`
		WorkerCategory string `json:"worker_category"`
		Description    string `json:"description"`
	} `json:"spawned_tasks"`
}

func runCompleteCommand(ctx context.Context, root string, args []string) int {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	file := fs.String("f", "-", "completion document path, or - for stdin")
	worker := fs.String("worker", "", "worker id override when the document omits worker_id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := readDocument(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read completion document: %v\n", err)
		return 1
	}

	validator, err := contract.NewValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile contracts: %v\n", err)
		return 1
	}
	if err := validator.Validate(contract.CompletionDocument, data); err != nil {
		fmt.Fprintf(os.Stderr, "completion document rejected: %v\n", err)
		return 1
	}

	var report completionReport
	if err := json.Unmarshal(data, &report); err != nil {
		fmt.Fprintf(os.Stderr, "decode completion document: %v\n", err)
		return 1
	}
	workerID := report.TaskCompletion.WorkerID
	if workerID == "" {
		workerID = strings.TrimSpace(*worker)
	}
	if workerID == "" {
		fmt.Fprintln(os.Stderr, "worker id required: set task_completion.worker_id or pass -worker")
		return 2
	}

	store, err := truthstore.Open(truthstore.DefaultDBPath(root), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := applyCompletionReport(ctx, store, report, workerID); err != nil {
		fmt.Fprintf(os.Stderr, "complete: %v\n", err)
		return 1
	}
	fmt.Printf("task %d recorded as %s (%d spawned)\n",
		report.TaskCompletion.TaskID, report.TaskCompletion.Status, len(report.SpawnedTasks))
	return 0
}

// applyCompletionReport records the task outcome and enqueues any follow-up
// tasks the worker spawned, parented to the completed task.
func applyCompletionReport(ctx context.Context, store *truthstore.Store, report completionReport, workerID string) error {
	completion := truthstore.Completion{
		Status:      truthstore.TaskStatus(report.TaskCompletion.Status),
		Output:      completionOutput(report.Output),
		Failure:     report.TaskCompletion.Failure,
		Recoverable: report.TaskCompletion.Recoverable,
	}
	if err := store.CompleteTask(ctx, report.TaskCompletion.TaskID, workerID, completion); err != nil {
		return err
	}
	for _, spawned := range report.SpawnedTasks {
		priority := truthstore.TaskPriority(spawned.Priority)
		if spawned.Priority == "" {
			priority = truthstore.PriorityMedium
		}
		spec := truthstore.TaskSpec{
			Type:           truthstore.TaskType(spawned.Type),
			Priority:       priority,
			WorkerCategory: spawned.WorkerCategory,
			Description:    spawned.Description,
			ParentTaskID:   report.TaskCompletion.TaskID,
			Actor:          workerID,
		}
		if _, err := store.EnqueueTask(ctx, spec); err != nil {
			return fmt.Errorf("enqueue spawned task %q: %w", spawned.Description, err)
		}
	}
	return nil
}

// completionOutput flattens the free-form output field: strings pass through
// unquoted, anything else stays compact JSON.
func completionOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func readDocument(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
