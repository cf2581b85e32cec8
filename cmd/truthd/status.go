package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/truthd/internal/contract"
	"github.com/basket/truthd/internal/gates"
	"github.com/basket/truthd/internal/truthstore"
)

// statusDocument is the dashboard status wire contract, validated against
// the embedded status schema before it is emitted.
type statusDocument struct {
	TaskQueue         truthstore.QueueCounts   `json:"task_queue"`
	WorkerStates      []truthstore.WorkerState `json:"worker_states"`
	Gates             []truthstore.Gate        `json:"gates"`
	Specs             []string                 `json:"specs,omitempty"`
	ValidationResults []validationResult       `json:"validation_results,omitempty"`
}

type validationResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	RanAt   string `json:"ran_at,omitempty"`
}

func runStatusCommand(ctx context.Context, root string, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "emit the raw status document as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := truthstore.Open(truthstore.DefaultDBPath(root), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	doc, err := buildStatusDocument(ctx, store, root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode status: %v\n", err)
			return 1
		}
		validator, err := contract.NewValidator()
		if err != nil {
			fmt.Fprintf(os.Stderr, "compile contracts: %v\n", err)
			return 1
		}
		if err := validator.Validate(contract.StatusDocument, data); err != nil {
			fmt.Fprintf(os.Stderr, "status document violates contract: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	renderStatus(os.Stdout, doc, isatty.IsTerminal(os.Stdout.Fd()))
	return 0
}

func buildStatusDocument(ctx context.Context, store *truthstore.Store, root string) (*statusDocument, error) {
	doc := &statusDocument{}

	var err error
	doc.TaskQueue, err = store.TaskCounts(ctx)
	if err != nil {
		return nil, err
	}
	doc.WorkerStates, err = store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	if doc.WorkerStates == nil {
		doc.WorkerStates = []truthstore.WorkerState{}
	}
	doc.Gates, err = store.ListGates(ctx)
	if err != nil {
		return nil, err
	}

	// Spec documents that actually exist under the project root.
	for _, name := range gates.ArtifactDocuments() {
		if fi, err := os.Stat(filepath.Join(root, name)); err == nil && !fi.IsDir() {
			doc.Specs = append(doc.Specs, name)
		}
	}

	for _, tool := range gates.QualityToolNames() {
		results, err := store.GetToolHistory(ctx, tool, false, 1)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			continue
		}
		doc.ValidationResults = append(doc.ValidationResults, validationResult{
			Tool:    tool,
			Success: results[0].Success,
			RanAt:   results[0].CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return doc, nil
}

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	statusDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// renderStatus writes a human-readable status summary. Styling is dropped
// when stdout is not a terminal.
func renderStatus(w io.Writer, doc *statusDocument, tty bool) {
	style := func(s lipgloss.Style, text string) string {
		if !tty {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, style(statusHeaderStyle, "Task queue"))
	fmt.Fprintf(w, "  queued=%d in_progress=%d complete=%d failed=%d blocked=%d\n",
		doc.TaskQueue.Queued, doc.TaskQueue.InProgress, doc.TaskQueue.Complete,
		doc.TaskQueue.Failed, doc.TaskQueue.Blocked)

	fmt.Fprintln(w, style(statusHeaderStyle, "Workers"))
	if len(doc.WorkerStates) == 0 {
		fmt.Fprintln(w, style(statusDimStyle, "  none registered"))
	}
	for _, ws := range doc.WorkerStates {
		fmt.Fprintf(w, "  %-20s %-12s %s\n", ws.WorkerID, ws.Category, ws.Status)
	}

	fmt.Fprintln(w, style(statusHeaderStyle, "Gates"))
	for _, g := range doc.Gates {
		mark := style(statusDimStyle, string(g.Status))
		switch g.Status {
		case truthstore.GateApproved:
			mark = style(statusOKStyle, string(g.Status))
		case truthstore.GateRejected:
			mark = style(statusBadStyle, string(g.Status))
		}
		fmt.Fprintf(w, "  %-4s %-28s %s\n", g.GateID, gates.GateName(g.GateID), mark)
	}

	if len(doc.Specs) > 0 {
		fmt.Fprintln(w, style(statusHeaderStyle, "Spec documents"))
		for _, spec := range doc.Specs {
			fmt.Fprintf(w, "  %s\n", spec)
		}
	}

	if len(doc.ValidationResults) > 0 {
		fmt.Fprintln(w, style(statusHeaderStyle, "Validation"))
		for _, vr := range doc.ValidationResults {
			outcome := style(statusOKStyle, "pass")
			if !vr.Success {
				outcome = style(statusBadStyle, "fail")
			}
			fmt.Fprintf(w, "  %-15s %s  %s\n", vr.Tool, outcome, style(statusDimStyle, vr.RanAt))
		}
	}
}
