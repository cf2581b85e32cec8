package gates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/truthd/internal/truthstore"
)

// Check is one readiness checklist item.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Readiness is the result of running a gate's checklist. Every failed check
// appears both in Checks and in BlockingIssues.
type Readiness struct {
	GateID         string   `json:"gate_id"`
	Ready          bool     `json:"ready"`
	Checks         []Check  `json:"checks"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
}

// GetGateReadiness runs the ordered checklist for one gate: predecessor
// approval, onboarding for the early gates, then required on-disk artifacts.
func (s *Service) GetGateReadiness(ctx context.Context, gateID string) (*Readiness, error) {
	if !truthstore.ValidGate(gateID) {
		return nil, fmt.Errorf("invalid gate id %q", gateID)
	}
	r := &Readiness{GateID: gateID}

	if pred, ok := truthstore.GatePredecessor[gateID]; ok {
		g, err := s.store.GetGate(ctx, pred)
		if err != nil {
			return nil, err
		}
		check := Check{Name: fmt.Sprintf("predecessor %s approved", pred), Passed: g.Status == truthstore.GateApproved}
		if !check.Passed {
			check.Detail = fmt.Sprintf("gate %s is %s", pred, g.Status)
		}
		r.Checks = append(r.Checks, check)
	}

	if truthstore.IsProtocolGate(gateID) {
		state, err := s.store.GetOnboardingState(ctx)
		if err != nil {
			return nil, err
		}
		check := Check{Name: "onboarding complete", Passed: state.Completed}
		if !check.Passed {
			answered := 0
			for _, q := range state.Questions {
				if q.Answered {
					answered++
				}
			}
			check.Detail = fmt.Sprintf("%d of %d questions answered", answered, len(state.Questions))
		}
		r.Checks = append(r.Checks, check)
	}

	if artifact, ok := gateArtifacts[gateID]; ok {
		path := filepath.Join(s.root, artifact)
		check := Check{Name: fmt.Sprintf("artifact %s exists", artifact)}
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Size() > 0 {
			check.Passed = true
		} else {
			check.Detail = fmt.Sprintf("%s not found in project root", artifact)
		}
		r.Checks = append(r.Checks, check)
	}

	r.Ready = true
	for _, c := range r.Checks {
		if !c.Passed {
			r.Ready = false
			issue := c.Name
			if c.Detail != "" {
				issue = fmt.Sprintf("%s: %s", c.Name, c.Detail)
			}
			r.BlockingIssues = append(r.BlockingIssues, issue)
		}
	}
	return r, nil
}
