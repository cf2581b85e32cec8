package truthstore

import (
	"context"
	"database/sql"
	"fmt"
)

// CanCreateTask reports whether a task of the given category may be created
// or dequeued right now. Planning work only needs the startup message shown;
// generation and validation work require completed onboarding plus approved
// G1, G2 and G3. Every unmet precondition is listed, not just the first.
func (s *Store) CanCreateTask(ctx context.Context, category TaskType) (ViolationCheck, error) {
	var check ViolationCheck
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		check, err = s.canCreateTaskTx(ctx, tx, category)
		return err
	})
	return check, err
}

// CanGenerateCode is the generation-task guard applied directly, independent
// of task creation.
func (s *Store) CanGenerateCode(ctx context.Context) (ViolationCheck, error) {
	return s.CanCreateTask(ctx, TaskGeneration)
}

func (s *Store) canCreateTaskTx(ctx context.Context, tx *sql.Tx, category TaskType) (ViolationCheck, error) {
	var violations []string

	var startedAt, completedAt sql.NullTime
	var shown int
	if err := tx.QueryRowContext(ctx, `
		SELECT started_at, completed_at, startup_message_shown FROM onboarding WHERE id = 1;
	`).Scan(&startedAt, &completedAt, &shown); err != nil {
		return ViolationCheck{}, fmt.Errorf("select onboarding for protocol check: %w", err)
	}

	switch category {
	case TaskPlanning:
		if shown != 1 {
			violations = append(violations, "startup message has not been shown")
		}
	case TaskGeneration, TaskValidation:
		if !completedAt.Valid {
			violations = append(violations, "onboarding is not complete")
		}
		for _, gate := range []string{"G1", "G2", "G3"} {
			approved, err := gateApprovedTx(ctx, tx, gate)
			if err != nil {
				return ViolationCheck{}, err
			}
			if !approved {
				violations = append(violations, fmt.Sprintf("gate %s is not approved", gate))
			}
		}
	default:
		return ViolationCheck{}, fmt.Errorf("invalid task category %q", category)
	}

	return ViolationCheck{Allowed: len(violations) == 0, Violations: violations}, nil
}

// LogProtocolViolation records an advisory protocol violation event. It never
// blocks the caller; enforcement happens only through CanCreateTask and
// CanGenerateCode.
func (s *Store) LogProtocolViolation(ctx context.Context, violationType, message, severity, actor string) error {
	if actor == "" {
		actor = "system"
	}
	_, err := s.LogEvent(ctx, Event{
		EventType: EventProtocolViolation,
		Actor:     actor,
		Details:   message,
		Metadata:  fmt.Sprintf(`{"violation_type":%q,"severity":%q}`, violationType, severity),
	})
	return err
}

// SummaryReport composes project metadata, progress and audit rollups for a
// run-end report.
type SummaryReport struct {
	Project       *Project    `json:"project,omitempty"`
	DurationHours float64     `json:"duration_hours"`
	GatesPassed   []string    `json:"gates_passed"`
	GatesTotal    int         `json:"gates_total"`
	Tasks         QueueCounts `json:"tasks"`
	Cost          CostSummary `json:"cost"`
	Violations    []Event     `json:"violations"`
}

// GenerateSummaryReport aggregates the store into one report structure.
func (s *Store) GenerateSummaryReport(ctx context.Context) (*SummaryReport, error) {
	report := &SummaryReport{GatesTotal: len(GateSequence)}

	project, err := s.GetProject(ctx)
	if err != nil {
		return nil, err
	}
	report.Project = project

	gates, err := s.ListGates(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range gates {
		if g.Status == GateApproved {
			report.GatesPassed = append(report.GatesPassed, g.GateID)
		}
	}

	report.Tasks, err = s.TaskCounts(ctx)
	if err != nil {
		return nil, err
	}
	cost, err := s.GetCostSummary(ctx)
	if err != nil {
		return nil, err
	}
	report.Cost = *cost

	report.Violations, err = s.GetEventLog(ctx, EventFilter{EventType: EventProtocolViolation})
	if err != nil {
		return nil, err
	}

	if project != nil {
		stats, err := s.GetEventLogStats(ctx)
		if err != nil {
			return nil, err
		}
		if stats.FirstEvent != nil && stats.LastEvent != nil {
			report.DurationHours = stats.LastEvent.CreatedAt.Sub(stats.FirstEvent.CreatedAt).Hours()
		}
	}
	return report, nil
}
