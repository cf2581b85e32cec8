// Package gates layers workflow intelligence over the stored gate records:
// readiness checklists, skip eligibility, approval-reply classification and
// the pre-deployment rollup.
package gates

import (
	"github.com/basket/truthd/internal/truthstore"
)

// gateArtifacts maps gates to the document that must exist on disk, relative
// to the project root, before the gate is ready.
var gateArtifacts = map[string]string{
	"G2": "REQUIREMENTS.md",
	"G3": "ARCHITECTURE.md",
	"G4": "DESIGN.md",
	"G6": "TEST_PLAN.md",
}

// gateNames gives each gate a human-readable label for reports.
var gateNames = map[string]string{
	"G1":  "project intake",
	"G2":  "requirements",
	"G3":  "architecture",
	"G4":  "design",
	"G5":  "implementation plan",
	"G6":  "test plan",
	"G7":  "implementation",
	"G8":  "validation",
	"G9":  "documentation",
	"G10": "release",
	"E2":  "requirements escape hatch",
}

// GateName returns the human-readable label for a gate id, or "" when the
// id is unknown.
func GateName(id string) string {
	return gateNames[id]
}

// ArtifactDocuments returns, in gate order, the spec documents a project is
// expected to produce on disk.
func ArtifactDocuments() []string {
	var docs []string
	for _, gate := range truthstore.GateSequence {
		if doc, ok := gateArtifacts[gate]; ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// QualityToolNames returns the cached tool names consulted for quality
// signals, in rollup order.
func QualityToolNames() []string {
	names := make([]string, len(qualityTools))
	for i, qt := range qualityTools {
		names[i] = qt.name
	}
	return names
}

// Service answers gate workflow questions against one project's store.
type Service struct {
	store *truthstore.Store
	root  string
}

// NewService wraps a store. root is the project root directory where gate
// artifacts are expected on disk.
func NewService(store *truthstore.Store, root string) *Service {
	return &Service{store: store, root: root}
}
