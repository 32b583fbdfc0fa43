package types

import (
	"fmt"
	"time"
)

// Issue represents a single security finding produced by an analyzer callback.
type Issue struct {
	RuleID     string    `json:"rule_id"`
	Path       string    `json:"path,omitempty"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Line       int       `json:"line"`
	Column     int       `json:"column,omitempty"`
	EndLine    int       `json:"end_line,omitempty"`
	ScopeName  string    `json:"scope_name,omitempty"`
	DetectedAt time.Time `json:"detected_at,omitempty"`
}

// Equal reports whether two issues are structurally the same finding.
// Timestamps are ignored: the same finding re-detected on a later pass
// still counts as equal. There is no stable fingerprint in this model;
// resolved-issue computation relies on this structural comparison.
func (i Issue) Equal(other Issue) bool {
	return i.RuleID == other.RuleID &&
		i.Path == other.Path &&
		i.Severity == other.Severity &&
		i.Message == other.Message &&
		i.Line == other.Line &&
		i.Column == other.Column &&
		i.ScopeName == other.ScopeName
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if !i.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	if i.Line < 0 {
		return fmt.Errorf("line cannot be negative (got %d)", i.Line)
	}
	return nil
}

// Severity represents how serious a finding is
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Rank returns the ordering weight of a severity, lower is more severe.
// Used for severity-bucketed delivery ordering.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	default:
		return 5
	}
}

// NumSeverities is the number of valid severity levels, usable as an
// array length. Must stay equal to len(Severities).
const NumSeverities = 5

// Severities lists all valid severities from most to least severe.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// DiffIssues computes which of prev are absent from curr, by structural
// equality. The result approximates "resolved since last analysis".
func DiffIssues(prev, curr []Issue) []Issue {
	var resolved []Issue
	for _, p := range prev {
		found := false
		for _, c := range curr {
			if p.Equal(c) {
				found = true
				break
			}
		}
		if !found {
			resolved = append(resolved, p)
		}
	}
	return resolved
}
