package truthstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/basket/truthd/internal/bus"
)

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// GateSequence is the full workflow: G1..G10 in order, plus the E2 escape
// gate which hangs off G2.
var GateSequence = []string{"G1", "G2", "G3", "G4", "G5", "G6", "G7", "G8", "G9", "G10", "E2"}

// GatePredecessor maps each gate to the gate that must be approved first.
// G1 has no predecessor.
var GatePredecessor = map[string]string{
	"G2":  "G1",
	"G3":  "G2",
	"G4":  "G3",
	"G5":  "G4",
	"G6":  "G5",
	"G7":  "G6",
	"G8":  "G7",
	"G9":  "G8",
	"G10": "G9",
	"E2":  "G2",
}

// protocolGates are the early gates that additionally require onboarding to
// be complete before approval.
var protocolGates = map[string]bool{"G1": true, "G2": true, "G3": true}

// IsProtocolGate reports whether a gate requires completed onboarding.
func IsProtocolGate(id string) bool {
	return protocolGates[id]
}

// ValidGate reports whether id names a known gate.
func ValidGate(id string) bool {
	for _, g := range GateSequence {
		if g == id {
			return true
		}
	}
	return false
}

// Gate is one approval checkpoint record.
type Gate struct {
	GateID     string     `json:"gate_id"`
	Status     GateStatus `json:"status"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Conditions []string   `json:"conditions,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// GetGate returns one gate record.
func (s *Store) GetGate(ctx context.Context, gateID string) (*Gate, error) {
	if !ValidGate(gateID) {
		return nil, fmt.Errorf("invalid gate id %q", gateID)
	}
	var (
		g          Gate
		approvedBy sql.NullString
		approvedAt sql.NullTime
		reason     sql.NullString
		conditions string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT gate_id, status, approved_by, approved_at, reason, conditions, updated_at
		FROM gates WHERE gate_id = ?;
	`, gateID).Scan(&g.GateID, &g.Status, &approvedBy, &approvedAt, &reason, &conditions, &g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("select gate %s: %w", gateID, err)
	}
	g.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		g.ApprovedAt = &approvedAt.Time
	}
	g.Reason = reason.String
	if err := json.Unmarshal([]byte(conditions), &g.Conditions); err != nil {
		return nil, fmt.Errorf("decode gate conditions: %w", err)
	}
	return &g, nil
}

// ListGates returns all gates in workflow order.
func (s *Store) ListGates(ctx context.Context) ([]Gate, error) {
	out := make([]Gate, 0, len(GateSequence))
	for _, id := range GateSequence {
		g, err := s.GetGate(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

// ApproveGate transitions a gate to approved. The immediately preceding gate
// must already be approved, and G1–G3 additionally require onboarding to be
// complete. Unmet ordering surfaces as *PreconditionError.
func (s *Store) ApproveGate(ctx context.Context, gateID, approvedBy string, conditions []string) error {
	if !ValidGate(gateID) {
		return fmt.Errorf("invalid gate id %q", gateID)
	}
	if approvedBy == "" {
		return fmt.Errorf("approved_by required")
	}
	condJSON, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("marshal gate conditions: %w", err)
	}

	var unblocked int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		unblocked = 0
		var violations []string

		var status GateStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM gates WHERE gate_id = ?;`, gateID).Scan(&status); err != nil {
			return fmt.Errorf("select gate status: %w", err)
		}
		if status == GateApproved {
			violations = append(violations, fmt.Sprintf("gate %s is already approved", gateID))
		}

		if pred, ok := GatePredecessor[gateID]; ok {
			var predStatus GateStatus
			if err := tx.QueryRowContext(ctx, `SELECT status FROM gates WHERE gate_id = ?;`, pred).Scan(&predStatus); err != nil {
				return fmt.Errorf("select predecessor gate: %w", err)
			}
			if predStatus != GateApproved {
				violations = append(violations, fmt.Sprintf("gate %s requires %s approval first (%s is %s)", gateID, pred, pred, predStatus))
			}
		}
		if protocolGates[gateID] {
			done, err := onboardingCompleteTx(ctx, tx)
			if err != nil {
				return err
			}
			if !done {
				violations = append(violations, fmt.Sprintf("gate %s requires onboarding to be complete", gateID))
			}
		}
		if len(violations) > 0 {
			return &PreconditionError{Op: "approve_gate", Violations: violations}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE gates
			SET status = ?, approved_by = ?, approved_at = CURRENT_TIMESTAMP, reason = NULL,
				conditions = ?, updated_at = CURRENT_TIMESTAMP
			WHERE gate_id = ?;
		`, GateApproved, approvedBy, string(condJSON), gateID); err != nil {
			return fmt.Errorf("approve gate: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:   EventGateApproved,
			Actor:       approvedBy,
			RelatedGate: gateID,
			Details:     fmt.Sprintf("gate %s approved", gateID),
			Metadata:    fmt.Sprintf(`{"conditions":%s}`, string(condJSON)),
		}); err != nil {
			return err
		}

		// Cascade: tasks parked as blocked on this gate go back to queued.
		unblocked, err = s.unblockTasksForGateTx(ctx, tx, gateID)
		return err
	})
	if err != nil {
		return err
	}
	if unblocked > 0 && s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, unblocked)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicGateApproved, bus.GateEvent{GateID: gateID, Status: string(GateApproved), Actor: approvedBy})
	}
	return nil
}

var gateTokenPatterns = func() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(GateSequence))
	for _, id := range GateSequence {
		patterns[id] = regexp.MustCompile(`(^|[^A-Za-z0-9])` + regexp.QuoteMeta(id) + `([^A-Za-z0-9]|$)`)
	}
	return patterns
}()

func gateTokenPattern(gateID string) *regexp.Regexp {
	return gateTokenPatterns[gateID]
}

// unblockTasksForGateTx requeues blocked tasks whose recorded blocking reason
// names the newly-approved gate. The gate id must appear as a whole token:
// approving G1 leaves work parked on G10 alone.
func (s *Store) unblockTasksForGateTx(ctx context.Context, tx *sql.Tx, gateID string) (int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, failure FROM tasks WHERE status = ? AND failure LIKE ?;
	`, TaskBlocked, "%"+gateID+"%")
	if err != nil {
		return 0, fmt.Errorf("query gate-blocked tasks: %w", err)
	}
	defer rows.Close()
	token := gateTokenPattern(gateID)
	var ids []int64
	for rows.Next() {
		var (
			id      int64
			failure sql.NullString
		)
		if err := rows.Scan(&id, &failure); err != nil {
			return 0, fmt.Errorf("scan blocked task: %w", err)
		}
		if token.MatchString(failure.String) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("blocked task rows: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, failure = NULL, worker_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskQueued, id, TaskBlocked); err != nil {
			return 0, fmt.Errorf("unblock task %d: %w", id, err)
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType:     EventTaskCreated,
			Actor:         "system",
			RelatedTaskID: id,
			RelatedGate:   gateID,
			Details:       fmt.Sprintf("task %d unblocked by %s approval", id, gateID),
		}); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// RejectGate transitions a gate to rejected with a reason. A rejected gate
// returns to pending on ResubmitGate so the work can be revised.
func (s *Store) RejectGate(ctx context.Context, gateID, rejectedBy, reason string) error {
	if !ValidGate(gateID) {
		return fmt.Errorf("invalid gate id %q", gateID)
	}
	if reason == "" {
		return fmt.Errorf("rejection reason required")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status GateStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM gates WHERE gate_id = ?;`, gateID).Scan(&status); err != nil {
			return fmt.Errorf("select gate status: %w", err)
		}
		if status == GateApproved {
			return &PreconditionError{Op: "reject_gate", Violations: []string{fmt.Sprintf("gate %s is already approved", gateID)}}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE gates
			SET status = ?, reason = ?, approved_by = NULL, approved_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE gate_id = ?;
		`, GateRejected, reason, gateID); err != nil {
			return fmt.Errorf("reject gate: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType:   EventGateRejected,
			Actor:       rejectedBy,
			RelatedGate: gateID,
			Details:     reason,
		})
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicGateRejected, bus.GateEvent{GateID: gateID, Status: string(GateRejected), Actor: rejectedBy})
	}
	return nil
}

// ResubmitGate returns a rejected gate to pending for another attempt. This
// is the only backward transition a gate may take.
func (s *Store) ResubmitGate(ctx context.Context, gateID, actor string) error {
	if !ValidGate(gateID) {
		return fmt.Errorf("invalid gate id %q", gateID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status GateStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM gates WHERE gate_id = ?;`, gateID).Scan(&status); err != nil {
			return fmt.Errorf("select gate status: %w", err)
		}
		if status != GateRejected {
			return &PreconditionError{Op: "resubmit_gate", Violations: []string{fmt.Sprintf("gate %s is %s, not rejected", gateID, status)}}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE gates SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE gate_id = ?;
		`, GatePending, gateID); err != nil {
			return fmt.Errorf("resubmit gate: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType:   EventGateRejected,
			Actor:       actor,
			RelatedGate: gateID,
			Details:     fmt.Sprintf("gate %s resubmitted for review", gateID),
			Metadata:    `{"transition":"rejected_to_pending"}`,
		})
	})
}

// gateApprovedTx reads one gate's approval inside a transaction.
func gateApprovedTx(ctx context.Context, tx *sql.Tx, gateID string) (bool, error) {
	var status GateStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM gates WHERE gate_id = ?;`, gateID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select gate %s: %w", gateID, err)
	}
	return status == GateApproved, nil
}
