package truthstore

import "strings"

// PreconditionError reports a well-formed operation blocked by an unmet
// ordering, gate or onboarding invariant. It enumerates every unmet
// precondition so callers can react programmatically rather than parse text.
type PreconditionError struct {
	Op         string   `json:"op"`
	Violations []string `json:"violations"`
}

func (e *PreconditionError) Error() string {
	return e.Op + " blocked: " + strings.Join(e.Violations, "; ")
}

// ViolationCheck is the structured result of CanCreateTask/CanGenerateCode.
type ViolationCheck struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
}
