// Package rules ships the built-in security analyzer: a set of
// line-oriented regex rules covering the classic footguns that show up in
// every codebase. It exists so the engine works out of the box; real
// deployments register richer analyzers alongside it.
package rules

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/codesweep/codesweep/internal/incremental"
	"github.com/codesweep/codesweep/internal/types"
)

// Rule pairs a compiled pattern with the finding it reports. Patterns are
// matched per line; the reported column is the match offset.
type Rule struct {
	// ID is the stable rule identifier, e.g. "hardcoded-credential"
	ID string
	// Severity is attached to every finding the rule produces
	Severity types.Severity
	// Message describes the finding
	Message string
	// Pattern is matched against each source line
	Pattern *regexp.Regexp
	// Exclude suppresses a match when it also matches the line; optional
	Exclude *regexp.Regexp
}

// Languages lists the languages the built-in analyzer is registered for.
var Languages = []string{"javascript", "typescript", "python", "go", "java", "ruby"}

var builtin = []Rule{
	{
		ID:       "hardcoded-credential",
		Severity: types.SeverityCritical,
		Message:  "possible hardcoded credential",
		Pattern:  regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|auth[_-]?token)\s*[:=]\s*["'][^"']{4,}["']`),
	},
	{
		ID:       "eval-usage",
		Severity: types.SeverityHigh,
		Message:  "eval on dynamic input enables code injection",
		Pattern:  regexp.MustCompile(`\beval\s*\(`),
	},
	{
		ID:       "command-execution",
		Severity: types.SeverityHigh,
		Message:  "shell execution with possibly unsanitized input",
		Pattern:  regexp.MustCompile(`(?i)\b(exec|system|popen|spawn)\s*\(`),
	},
	{
		ID:       "weak-hash",
		Severity: types.SeverityMedium,
		Message:  "weak cryptographic hash (md5/sha1)",
		Pattern:  regexp.MustCompile(`(?i)\b(md5|sha1)\s*(\.|\()`),
	},
	{
		ID:       "insecure-transport",
		Severity: types.SeverityLow,
		Message:  "cleartext http URL",
		Pattern:  regexp.MustCompile(`["']http://[^"']+["']`),
		Exclude:  regexp.MustCompile(`localhost|127\.0\.0\.1|\bexample\.`),
	},
}

// Builtin returns a copy of the built-in rule set.
func Builtin() []Rule {
	out := make([]Rule, len(builtin))
	copy(out, builtin)
	return out
}

// Analyzer adapts the built-in rule set to the incremental analyzer's
// callback contract. Line numbers in the returned issues are relative to
// the scope text, as the analyzer expects.
func Analyzer() incremental.AnalyzerFunc {
	return AnalyzerFor(builtin)
}

// AnalyzerFor builds an analyzer callback from an arbitrary rule set.
func AnalyzerFor(ruleSet []Rule) incremental.AnalyzerFunc {
	return func(ctx context.Context, scopeText string, scopes []*incremental.DocumentScope) ([]types.Issue, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var issues []types.Issue
		for i, line := range strings.Split(scopeText, "\n") {
			for _, rule := range ruleSet {
				loc := rule.Pattern.FindStringIndex(line)
				if loc == nil {
					continue
				}
				if rule.Exclude != nil && rule.Exclude.MatchString(line) {
					continue
				}
				issues = append(issues, types.Issue{
					RuleID:     rule.ID,
					Severity:   rule.Severity,
					Message:    rule.Message,
					Line:       i,
					Column:     loc[0],
					DetectedAt: time.Now(),
				})
			}
		}
		return issues, nil
	}
}
