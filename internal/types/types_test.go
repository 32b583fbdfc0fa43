package types

import "testing"

func TestIssueValidate(t *testing.T) {
	tests := []struct {
		name    string
		issue   Issue
		wantErr bool
	}{
		{
			name:    "valid issue",
			issue:   Issue{RuleID: "hardcoded-secret", Severity: SeverityHigh, Message: "secret in source", Line: 10},
			wantErr: false,
		},
		{
			name:    "missing rule id",
			issue:   Issue{Severity: SeverityHigh, Line: 10},
			wantErr: true,
		},
		{
			name:    "invalid severity",
			issue:   Issue{RuleID: "x", Severity: Severity("catastrophic"), Line: 10},
			wantErr: true,
		},
		{
			name:    "negative line",
			issue:   Issue{RuleID: "x", Severity: SeverityLow, Line: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.issue.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNumSeveritiesMatchesList(t *testing.T) {
	if NumSeverities != len(Severities) {
		t.Fatalf("NumSeverities = %d, but Severities has %d entries", NumSeverities, len(Severities))
	}
	for _, s := range Severities {
		if r := s.Rank(); r < 0 || r >= NumSeverities {
			t.Errorf("severity %s rank %d outside [0, %d)", s, r, NumSeverities)
		}
	}
}

func TestSeverityRank(t *testing.T) {
	for i := 1; i < len(Severities); i++ {
		if Severities[i-1].Rank() >= Severities[i].Rank() {
			t.Errorf("severity %s should rank before %s", Severities[i-1], Severities[i])
		}
	}
}

func TestDiffIssues(t *testing.T) {
	a := Issue{RuleID: "weak-hash", Severity: SeverityMedium, Message: "md5 used", Line: 3}
	b := Issue{RuleID: "eval-usage", Severity: SeverityHigh, Message: "eval call", Line: 7}
	c := Issue{RuleID: "weak-hash", Severity: SeverityMedium, Message: "md5 used", Line: 3}

	resolved := DiffIssues([]Issue{a, b}, []Issue{c})
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d issues, want 1", len(resolved))
	}
	if resolved[0].RuleID != "eval-usage" {
		t.Errorf("resolved issue = %s, want eval-usage", resolved[0].RuleID)
	}

	if got := DiffIssues(nil, []Issue{a}); got != nil {
		t.Errorf("DiffIssues(nil, ...) = %v, want nil", got)
	}
}
