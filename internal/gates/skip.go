package gates

import (
	"context"
	"strings"
)

// ProjectClass is the coarse classification derived from the project's
// stated purpose.
type ProjectClass string

const (
	ClassAPI     ProjectClass = "api"
	ClassCLI     ProjectClass = "cli"
	ClassUI      ProjectClass = "ui"
	ClassUnknown ProjectClass = "unknown"
)

// classKeywords drive project classification. UI keywords veto: a purpose
// mentioning both an API and a frontend is a UI project.
var classKeywords = map[ProjectClass][]string{
	ClassUI: {
		"ui", "frontend", "front-end", "react", "vue", "angular", "svelte",
		"website", "web app", "webapp", "dashboard", "page", "browser",
		"mobile app", "desktop app", "gui",
	},
	ClassAPI: {
		"api", "rest", "graphql", "grpc", "endpoint", "microservice",
		"service", "backend", "back-end", "webhook",
	},
	ClassCLI: {
		"cli", "command line", "command-line", "terminal", "tool",
		"script", "utility",
	},
}

// ClassifyProject maps a free-text purpose statement to a project class.
func ClassifyProject(purpose string) ProjectClass {
	text := strings.ToLower(purpose)
	for _, class := range []ProjectClass{ClassUI, ClassAPI, ClassCLI} {
		for _, kw := range classKeywords[class] {
			if strings.Contains(text, kw) {
				return class
			}
		}
	}
	return ClassUnknown
}

// SkipDecision is the verdict on skipping a gate. Conditions must still be
// satisfied by the caller even when Allowed is true.
type SkipDecision struct {
	GateID     string   `json:"gate_id"`
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason"`
	Conditions []string `json:"conditions,omitempty"`
}

// g4SkipConditions are mandatory even when the design gate may be skipped.
var g4SkipConditions = []string{
	"record a decision explaining why the design gate was skipped",
	"document data shapes inline in the requirements document",
	"revisit the design gate if a user interface is added later",
}

// CheckGateSkipAllowed decides whether a gate may be skipped. Only the
// design gate G4 is ever skippable, and only for projects classified as
// API-only or CLI-only from their stated purpose.
func (s *Service) CheckGateSkipAllowed(ctx context.Context, gateID string) (*SkipDecision, error) {
	d := &SkipDecision{GateID: gateID}
	if gateID != "G4" {
		d.Reason = "only the design gate G4 is ever skippable"
		return d, nil
	}
	purpose, err := s.store.OnboardingAnswer(ctx, "Q1")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(purpose) == "" {
		d.Reason = "project purpose not yet answered; cannot classify"
		return d, nil
	}
	switch class := ClassifyProject(purpose); class {
	case ClassAPI, ClassCLI:
		d.Allowed = true
		d.Reason = "project classified as " + string(class) + "-only"
		d.Conditions = append([]string(nil), g4SkipConditions...)
	case ClassUI:
		d.Reason = "UI-bearing projects may never skip the design gate"
	default:
		d.Reason = "project purpose is ambiguous; design gate required"
	}
	return d, nil
}
