package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/truthd/internal/contract"
	"github.com/basket/truthd/internal/truthstore"
)

func openProjectStore(t *testing.T) (*truthstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := truthstore.Open(truthstore.DefaultDBPath(root), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, root
}

func TestBuildStatusDocument_MatchesContract(t *testing.T) {
	store, root := openProjectStore(t)
	ctx := context.Background()

	if err := store.InitProject(ctx, "p-1", "demo", truthstore.ProjectTraditional, root); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := store.RegisterWorker(ctx, "backend-1", "backend", []string{"go"}); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if err := store.MarkStartupMessageShown(ctx); err != nil {
		t.Fatalf("mark startup shown: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, truthstore.TaskSpec{
		Type:           truthstore.TaskPlanning,
		Priority:       truthstore.PriorityHigh,
		WorkerCategory: "backend",
		Description:    "outline the build sequence",
	}); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "REQUIREMENTS.md"), []byte("# Requirements\n"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if _, err := store.CacheToolResult(ctx, "build", []byte(`{"target":"all"}`), "ok", true, "", 1200, 0); err != nil {
		t.Fatalf("cache tool result: %v", err)
	}

	doc, err := buildStatusDocument(ctx, store, root)
	if err != nil {
		t.Fatalf("build status document: %v", err)
	}

	if doc.TaskQueue.Queued != 1 {
		t.Errorf("expected 1 queued task, got %d", doc.TaskQueue.Queued)
	}
	if len(doc.WorkerStates) != 1 || doc.WorkerStates[0].WorkerID != "backend-1" {
		t.Errorf("unexpected worker states: %+v", doc.WorkerStates)
	}
	if len(doc.Gates) != len(truthstore.GateSequence) {
		t.Errorf("expected %d gates, got %d", len(truthstore.GateSequence), len(doc.Gates))
	}
	if len(doc.Specs) != 1 || doc.Specs[0] != "REQUIREMENTS.md" {
		t.Errorf("unexpected specs: %v", doc.Specs)
	}
	if len(doc.ValidationResults) != 1 || doc.ValidationResults[0].Tool != "build" || !doc.ValidationResults[0].Success {
		t.Errorf("unexpected validation results: %+v", doc.ValidationResults)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal status document: %v", err)
	}
	validator, err := contract.NewValidator()
	if err != nil {
		t.Fatalf("compile contracts: %v", err)
	}
	if err := validator.Validate(contract.StatusDocument, data); err != nil {
		t.Fatalf("status document violates contract: %v", err)
	}
}

func TestBuildStatusDocument_EmptyStoreStillValid(t *testing.T) {
	store, root := openProjectStore(t)

	doc, err := buildStatusDocument(context.Background(), store, root)
	if err != nil {
		t.Fatalf("build status document: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal status document: %v", err)
	}
	validator, err := contract.NewValidator()
	if err != nil {
		t.Fatalf("compile contracts: %v", err)
	}
	if err := validator.Validate(contract.StatusDocument, data); err != nil {
		t.Fatalf("empty status document violates contract: %v", err)
	}
}

func TestRenderStatus_PlainOutput(t *testing.T) {
	store, root := openProjectStore(t)
	ctx := context.Background()

	if err := store.RegisterWorker(ctx, "frontend-1", "frontend", nil); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	doc, err := buildStatusDocument(ctx, store, root)
	if err != nil {
		t.Fatalf("build status document: %v", err)
	}

	var buf bytes.Buffer
	renderStatus(&buf, doc, false)
	out := buf.String()

	if !strings.Contains(out, "Task queue") {
		t.Errorf("output missing task queue section: %q", out)
	}
	if !strings.Contains(out, "frontend-1") {
		t.Errorf("output missing worker id: %q", out)
	}
	if !strings.Contains(out, "G1") || !strings.Contains(out, "G10") {
		t.Errorf("output missing gate rows: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain output should carry no ANSI styling: %q", out)
	}
}
