package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/truthd/internal/gates"
	"github.com/basket/truthd/internal/truthstore"
)

func runReportCommand(ctx context.Context, root string, args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "emit the report as JSON")
	deploy := fs.Bool("deploy", false, "include the pre-deployment readiness rollup")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := truthstore.Open(truthstore.DefaultDBPath(root), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := store.GenerateSummaryReport(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		return 1
	}

	var predeploy *gates.PreDeploymentStatus
	if *deploy {
		predeploy, err = gates.NewService(store, root).GetPreDeploymentStatus(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pre-deployment status: %v\n", err)
			return 1
		}
	}

	if *jsonOutput {
		payload := struct {
			*truthstore.SummaryReport
			PreDeployment *gates.PreDeploymentStatus `json:"pre_deployment,omitempty"`
		}{report, predeploy}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
		return 0
	}

	renderReport(os.Stdout, report, predeploy, isatty.IsTerminal(os.Stdout.Fd()))
	return 0
}

func renderReport(w io.Writer, report *truthstore.SummaryReport, predeploy *gates.PreDeploymentStatus, tty bool) {
	style := func(s lipgloss.Style, text string) string {
		if !tty {
			return text
		}
		return s.Render(text)
	}

	if report.Project != nil {
		fmt.Fprintf(w, "%s %s (%s)\n", style(statusHeaderStyle, "Project"), report.Project.Name, report.Project.Type)
	} else {
		fmt.Fprintln(w, style(statusDimStyle, "no project initialized"))
	}
	fmt.Fprintf(w, "Duration: %.1fh\n", report.DurationHours)
	fmt.Fprintf(w, "Gates passed: %d/%d", len(report.GatesPassed), report.GatesTotal)
	if len(report.GatesPassed) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(report.GatesPassed, ", "))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tasks: queued=%d in_progress=%d complete=%d failed=%d blocked=%d\n",
		report.Tasks.Queued, report.Tasks.InProgress, report.Tasks.Complete,
		report.Tasks.Failed, report.Tasks.Blocked)
	fmt.Fprintf(w, "Cost: $%.4f (%d in / %d out tokens across %d sessions)\n",
		report.Cost.TotalCostUSD, report.Cost.TotalInputTokens,
		report.Cost.TotalOutputTokens, report.Cost.SessionCount)
	if report.Cost.BudgetSet {
		fmt.Fprintf(w, "Budget: $%.2f, %.0f%% used\n", report.Cost.BudgetUSD, report.Cost.PercentUsed)
	}
	if n := len(report.Violations); n > 0 {
		fmt.Fprintf(w, "%s %d protocol violation(s) recorded\n", style(statusBadStyle, "!"), n)
	}

	if predeploy == nil {
		return
	}
	fmt.Fprintln(w, style(statusHeaderStyle, "Pre-deployment"))
	fmt.Fprintf(w, "  platform: %s\n", predeploy.Platform)
	for _, item := range predeploy.PlatformChecklist {
		fmt.Fprintf(w, "  checklist: %s\n", item)
	}
	for _, b := range predeploy.Blockers {
		fmt.Fprintf(w, "  %s %s\n", style(statusBadStyle, "blocker:"), b)
	}
	verdict := style(statusBadStyle, "NOT READY")
	if predeploy.ReadyForDeployment {
		verdict = style(statusOKStyle, "READY")
	}
	fmt.Fprintf(w, "  verdict: %s\n", verdict)
}
