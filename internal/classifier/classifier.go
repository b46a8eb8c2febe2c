// Package classifier flags edits that look like vandalism using a fixed set of
// heuristics.
package classifier

import (
	"fmt"
	"strings"

	"wikiwatch/internal/data"
)

// Rule identifies which heuristic produced a finding.
type Rule string

const (
	RuleLargeAnonymousDeletion Rule = "large_anonymous_deletion"
	RuleSuspiciousKeyword      Rule = "suspicious_keyword"
	RuleLargeFirstEdit         Rule = "large_first_edit"
)

// DefaultKeywords are matched case-insensitively against the edit summary, in
// this order.
var DefaultKeywords = []string{
	"vandalism",
	"revert",
	"spam",
	"nonsense",
	"test edit",
	"undo",
	"blanking",
}

// Rules holds the thresholds for the heuristics.
type Rules struct {
	// LargeDeletionThreshold is negative; anonymous edits with a delta below it are flagged.
	LargeDeletionThreshold int
	// LargeAdditionNewUserThreshold is positive; first edits with a delta above it are flagged.
	LargeAdditionNewUserThreshold int
	Keywords                      []string
}

func DefaultRules() Rules {
	return Rules{
		LargeDeletionThreshold:        -300,
		LargeAdditionNewUserThreshold: 500,
		Keywords:                      append([]string(nil), DefaultKeywords...),
	}
}

// Finding is one triggered rule and its human-readable reason.
type Finding struct {
	Rule   Rule
	Reason string
}

// Evaluate runs every rule against rec in a fixed order. Only the first
// matching keyword is reported.
func (r Rules) Evaluate(rec data.EditRecord) []Finding {
	var findings []Finding
	delta := rec.Delta()

	if rec.Anonymous() && delta < r.LargeDeletionThreshold {
		findings = append(findings, Finding{
			Rule:   RuleLargeAnonymousDeletion,
			Reason: fmt.Sprintf("Large deletion (%d bytes) by an anonymous user.", delta),
		})
	}

	comment := strings.ToLower(rec.Comment)
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(comment, strings.ToLower(kw)) {
			findings = append(findings, Finding{
				Rule:   RuleSuspiciousKeyword,
				Reason: fmt.Sprintf("Suspicious keyword in summary: '%s'.", kw),
			})
			break
		}
	}

	if rec.EditCount() == 1 && delta > r.LargeAdditionNewUserThreshold {
		findings = append(findings, Finding{
			Rule:   RuleLargeFirstEdit,
			Reason: fmt.Sprintf("Unusually large first edit (%d bytes).", delta),
		})
	}

	return findings
}

// Classify returns the reasons rec was flagged, empty when it was not.
func (r Rules) Classify(rec data.EditRecord) []string {
	findings := r.Evaluate(rec)
	reasons := make([]string, 0, len(findings))
	for _, f := range findings {
		reasons = append(reasons, f.Reason)
	}
	return reasons
}
