package gates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/truthd/internal/truthstore"
)

// MetricStatus is the coarse state of one quality signal.
type MetricStatus string

const (
	MetricPass    MetricStatus = "pass"
	MetricFail    MetricStatus = "fail"
	MetricUnknown MetricStatus = "unknown"
)

// QualityStatus summarizes the last cached result of each quality tool.
type QualityStatus struct {
	Build    MetricStatus `json:"build"`
	Lint     MetricStatus `json:"lint"`
	Types    MetricStatus `json:"types"`
	Tests    MetricStatus `json:"tests"`
	Security MetricStatus `json:"security"`
}

// qualityTools maps each quality signal to the cached tool name queried for
// its most recent outcome.
var qualityTools = []struct {
	name string
	get  func(*QualityStatus) *MetricStatus
}{
	{"build", func(q *QualityStatus) *MetricStatus { return &q.Build }},
	{"lint", func(q *QualityStatus) *MetricStatus { return &q.Lint }},
	{"typecheck", func(q *QualityStatus) *MetricStatus { return &q.Types }},
	{"test", func(q *QualityStatus) *MetricStatus { return &q.Tests }},
	{"security_scan", func(q *QualityStatus) *MetricStatus { return &q.Security }},
}

// platformRules infer the deployment target from architecture-document text
// and carry each target's prerequisite checklist.
var platformRules = []struct {
	platform  string
	keywords  []string
	checklist []string
}{
	{
		platform: "vercel",
		keywords: []string{"vercel"},
		checklist: []string{
			"vercel.json present and valid",
			"environment variables configured in the Vercel project",
		},
	},
	{
		platform: "fly.io",
		keywords: []string{"fly.io", "fly io", "flyctl"},
		checklist: []string{
			"fly.toml present and valid",
			"secrets set via flyctl",
		},
	},
	{
		platform: "aws",
		keywords: []string{"aws", "lambda", "ec2", "fargate", "s3"},
		checklist: []string{
			"IAM role and policy reviewed",
			"infrastructure definition checked in",
		},
	},
	{
		platform: "gcp",
		keywords: []string{"gcp", "cloud run", "google cloud", "app engine"},
		checklist: []string{
			"service account permissions reviewed",
			"cloud build or deploy pipeline configured",
		},
	},
	{
		platform: "kubernetes",
		keywords: []string{"kubernetes", "k8s", "helm"},
		checklist: []string{
			"manifests or helm chart checked in",
			"resource limits and probes defined",
		},
	},
	{
		platform: "docker",
		keywords: []string{"docker", "container"},
		checklist: []string{
			"Dockerfile builds cleanly",
			"image registry and tag scheme decided",
		},
	},
}

// PreDeploymentStatus is the consolidated go/no-go rollup.
type PreDeploymentStatus struct {
	Gates              []Readiness   `json:"gates"`
	Quality            QualityStatus `json:"quality"`
	Platform           string        `json:"platform"`
	PlatformChecklist  []string      `json:"platform_checklist,omitempty"`
	Blockers           []string      `json:"blockers,omitempty"`
	ReadyForDeployment bool          `json:"ready_for_deployment"`
}

// GetPreDeploymentStatus aggregates readiness of every unapproved gate, the
// latest quality signals from the result cache, and the inferred deployment
// platform into one verdict.
func (s *Service) GetPreDeploymentStatus(ctx context.Context) (*PreDeploymentStatus, error) {
	status := &PreDeploymentStatus{
		Quality:  QualityStatus{Build: MetricUnknown, Lint: MetricUnknown, Types: MetricUnknown, Tests: MetricUnknown, Security: MetricUnknown},
		Platform: "unknown",
	}

	gates, err := s.store.ListGates(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range gates {
		if g.Status == truthstore.GateApproved {
			continue
		}
		r, err := s.GetGateReadiness(ctx, g.GateID)
		if err != nil {
			return nil, err
		}
		status.Gates = append(status.Gates, *r)
		status.Blockers = append(status.Blockers, fmt.Sprintf("gate %s (%s) is %s", g.GateID, gateNames[g.GateID], g.Status))
	}

	for _, qt := range qualityTools {
		results, err := s.store.GetToolHistory(ctx, qt.name, false, 1)
		if err != nil {
			return nil, err
		}
		slot := qt.get(&status.Quality)
		if len(results) == 0 {
			status.Blockers = append(status.Blockers, fmt.Sprintf("no %s result recorded", qt.name))
			continue
		}
		if results[0].Success {
			*slot = MetricPass
		} else {
			*slot = MetricFail
			status.Blockers = append(status.Blockers, fmt.Sprintf("last %s run failed", qt.name))
		}
	}

	if doc, err := os.ReadFile(filepath.Join(s.root, gateArtifacts["G3"])); err == nil {
		text := strings.ToLower(string(doc))
		for _, rule := range platformRules {
			for _, kw := range rule.keywords {
				if strings.Contains(text, kw) {
					status.Platform = rule.platform
					status.PlatformChecklist = append([]string(nil), rule.checklist...)
					break
				}
			}
			if status.Platform != "unknown" {
				break
			}
		}
	}
	if status.Platform == "unknown" {
		status.Blockers = append(status.Blockers, "deployment platform could not be inferred from the architecture document")
	}

	status.ReadyForDeployment = len(status.Blockers) == 0
	return status, nil
}
