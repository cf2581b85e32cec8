package gates

import "strings"

// Verdict classifies a free-text approval reply.
type Verdict string

const (
	VerdictApproved  Verdict = "approved"
	VerdictAmbiguous Verdict = "ambiguous"
	VerdictRejected  Verdict = "rejected"
	VerdictUnknown   Verdict = "unknown"
)

// ApprovalResult carries the verdict plus whether the caller may proceed.
// Only an explicit approval sets Proceed.
type ApprovalResult struct {
	Verdict        Verdict `json:"verdict"`
	Proceed        bool    `json:"proceed"`
	ClarifyMessage string  `json:"clarify_message,omitempty"`
}

// ApprovalVocabulary holds the curated phrase sets used to classify replies.
// Single-word phrases match the trimmed, lowercased reply exactly; raw
// substring matching would misread "not approved" as approval. Multi-word
// phrases additionally match on whole-word containment, so "yes, go ahead
// and merge" still reads as approval.
type ApprovalVocabulary struct {
	Affirmative []string
	Hedge       []string
	Negative    []string
}

// DefaultVocabulary is the stock phrase set.
var DefaultVocabulary = ApprovalVocabulary{
	Affirmative: []string{
		"yes", "y", "yep", "yeah", "approve", "approved", "lgtm",
		"go ahead", "proceed", "ship it", "looks good", "looks good to me",
		"confirmed", "confirm", "sounds good", "do it", "go for it",
	},
	Hedge: []string{
		"ok", "okay", "k", "maybe", "sure", "i guess", "perhaps",
		"probably", "i think so", "if you say so", "fine", "hmm",
		"not sure", "kind of", "sort of",
	},
	Negative: []string{
		"no", "n", "nope", "stop", "reject", "rejected", "deny", "denied",
		"wait", "hold", "hold on", "cancel", "don't", "do not", "abort",
		"not yet", "not approved", "go back",
	},
}

// ValidateApprovalResponse classifies a reply with the default vocabulary.
func ValidateApprovalResponse(text string) ApprovalResult {
	return DefaultVocabulary.Classify(text)
}

// Classify maps a free-text reply to a verdict. Negation is checked first
// so a reply in both sets can never approve, and an unrecognized reply is
// never treated as consent.
func (v ApprovalVocabulary) Classify(text string) ApprovalResult {
	normalized := strings.ToLower(strings.TrimSpace(text))
	switch {
	case matchphrase(v.Negative, normalized):
		return ApprovalResult{Verdict: VerdictRejected}
	case matchphrase(v.Affirmative, normalized):
		return ApprovalResult{Verdict: VerdictApproved, Proceed: true}
	case matchphrase(v.Hedge, normalized):
		return ApprovalResult{
			Verdict:        VerdictAmbiguous,
			ClarifyMessage: "That reads as tentative. Please reply with an explicit yes or no.",
		}
	default:
		return ApprovalResult{
			Verdict:        VerdictUnknown,
			ClarifyMessage: "Could not interpret the reply as approval or rejection. Please answer yes or no.",
		}
	}
}

func matchphrase(set []string, normalized string) bool {
	padded := " " + strings.Map(punctToSpace, normalized) + " "
	for _, p := range set {
		if normalized == p {
			return true
		}
		if strings.Contains(p, " ") && strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func punctToSpace(r rune) rune {
	switch r {
	case ',', '.', '!', '?', ';', ':':
		return ' '
	}
	return r
}
