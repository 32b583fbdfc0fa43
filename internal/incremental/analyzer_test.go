package incremental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/codesweep/codesweep/internal/types"
)

// markerAnalyzer flags every scope line containing "VULN" at its
// scope-relative line number.
func markerAnalyzer(ctx context.Context, scopeText string, scopes []*DocumentScope) ([]types.Issue, error) {
	var issues []types.Issue
	for i, line := range strings.Split(scopeText, "\n") {
		if strings.Contains(line, "VULN") {
			issues = append(issues, types.Issue{
				RuleID:   "vuln-marker",
				Severity: types.SeverityHigh,
				Message:  "marker found",
				Line:     i,
			})
		}
	}
	return issues, nil
}

// twoFunctionDoc builds a document with foo on lines 0-9 and bar on lines
// 20-29, with a VULN marker at line 5 inside foo.
func twoFunctionDoc() string {
	lines := make([]string, 30)
	lines[0] = "function foo() {"
	for i := 1; i < 9; i++ {
		lines[i] = fmt.Sprintf("  let v%d = %d;", i, i)
	}
	lines[5] = "  const bad = secret; // VULN"
	lines[9] = "}"
	lines[20] = "function bar() {"
	for i := 21; i < 29; i++ {
		lines[i] = fmt.Sprintf("  let w%d = %d;", i, i)
	}
	lines[29] = "}"
	return strings.Join(lines, "\n")
}

func newTestAnalyzer(t *testing.T, cfg *Config) *IncrementalAnalyzer {
	t.Helper()
	a := New(cfg, nil, nil, nil)
	a.RegisterAnalyzer("javascript", markerAnalyzer)
	return a
}

func TestAnalyzeFirstPassCoversEverything(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	ctx := context.Background()

	result, err := a.Analyze(ctx, "file:///a.js", twoFunctionDoc(), "javascript", 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(result.SkippedScopes) != 0 {
		t.Errorf("first pass skipped %v, want none", result.SkippedScopes)
	}
	if len(result.AnalyzedScopes) != 2 {
		t.Errorf("analyzed scopes = %v, want foo and bar", result.AnalyzedScopes)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(result.Issues))
	}
	issue := result.Issues[0]
	if issue.Line != 5 {
		t.Errorf("issue line = %d, want 5 (document coordinates)", issue.Line)
	}
	if issue.ScopeName != "foo" {
		t.Errorf("issue scope = %s, want foo", issue.ScopeName)
	}
}

// Re-analyzing identical content must be a no-op carrying issues verbatim.
func TestAnalyzeIdenticalContentIsNoOp(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	ctx := context.Background()
	doc := twoFunctionDoc()

	first, err := a.Analyze(ctx, "file:///a.js", doc, "javascript", 1)
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	second, err := a.Analyze(ctx, "file:///a.js", doc, "javascript", 2)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}

	if len(second.AnalyzedScopes) != 0 {
		t.Errorf("second pass analyzed %v, want none", second.AnalyzedScopes)
	}
	if second.AnalyzedLines != 0 {
		t.Errorf("second pass analyzed %d lines, want 0", second.AnalyzedLines)
	}
	if len(second.Issues) != len(first.Issues) {
		t.Fatalf("second pass issues = %d, want %d", len(second.Issues), len(first.Issues))
	}
	if !second.Issues[0].Equal(first.Issues[0]) {
		t.Errorf("carried issue differs: %+v vs %+v", second.Issues[0], first.Issues[0])
	}
}

// Editing inside bar must leave foo skipped with its prior issue intact.
func TestAnalyzeEditInsideOneScope(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	ctx := context.Background()

	if _, err := a.Analyze(ctx, "file:///a.js", twoFunctionDoc(), "javascript", 1); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	// Insert a blank line at line 25, inside bar.
	lines := strings.Split(twoFunctionDoc(), "\n")
	edited := append(append(append([]string{}, lines[:25]...), ""), lines[25:]...)
	result, err := a.Analyze(ctx, "file:///a.js", strings.Join(edited, "\n"), "javascript", 2)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}

	if !contains(result.SkippedScopes, "foo") {
		t.Errorf("foo should be skipped, got skipped=%v analyzed=%v", result.SkippedScopes, result.AnalyzedScopes)
	}
	if !contains(result.AnalyzedScopes, "bar") {
		t.Errorf("bar should be re-analyzed, got analyzed=%v", result.AnalyzedScopes)
	}

	// foo's issue is carried forward unchanged.
	var fooIssues []types.Issue
	for _, issue := range result.Issues {
		if issue.ScopeName == "foo" {
			fooIssues = append(fooIssues, issue)
		}
	}
	if len(fooIssues) != 1 || fooIssues[0].Line != 5 {
		t.Errorf("foo issues = %+v, want exactly the prior line-5 issue", fooIssues)
	}
}

func TestAnalyzeReportsResolvedIssues(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	ctx := context.Background()

	if _, err := a.Analyze(ctx, "file:///a.js", twoFunctionDoc(), "javascript", 1); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	// Remove the marker from foo.
	fixed := strings.Replace(twoFunctionDoc(), "  const bad = secret; // VULN", "  const bad = null;", 1)
	result, err := a.Analyze(ctx, "file:///a.js", fixed, "javascript", 2)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}

	if len(result.ResolvedIssues) != 1 {
		t.Fatalf("resolved = %d issues, want 1", len(result.ResolvedIssues))
	}
	if result.ResolvedIssues[0].RuleID != "vuln-marker" {
		t.Errorf("resolved rule = %s, want vuln-marker", result.ResolvedIssues[0].RuleID)
	}
	if len(result.Issues) != 0 {
		t.Errorf("issues = %+v, want none", result.Issues)
	}
}

func TestAnalyzeFullDocumentForcesEverything(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	ctx := context.Background()
	doc := twoFunctionDoc()

	if _, err := a.Analyze(ctx, "file:///a.js", doc, "javascript", 1); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	result, err := a.AnalyzeFullDocument(ctx, "file:///a.js", doc, "javascript", 2)
	if err != nil {
		t.Fatalf("AnalyzeFullDocument: %v", err)
	}
	if len(result.AnalyzedScopes) != 2 {
		t.Errorf("analyzed = %v, want both scopes", result.AnalyzedScopes)
	}
	if len(result.SkippedScopes) != 0 {
		t.Errorf("skipped = %v, want none", result.SkippedScopes)
	}
}

func TestAnalyzeDependencyPromotion(t *testing.T) {
	a := newTestAnalyzer(t, &Config{ExpansionMargin: 1, MatchTolerance: 5, EnableDependencyTracking: true})
	ctx := context.Background()

	lines := make([]string, 28)
	lines[0] = "function helper() {"
	lines[1] = "  return 1;"
	lines[2] = "}"
	lines[25] = "function caller() {"
	lines[26] = "  return helper();"
	lines[27] = "}"
	doc := strings.Join(lines, "\n")

	if _, err := a.Analyze(ctx, "file:///b.js", doc, "javascript", 1); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	// Change only helper's body; caller is far outside the margin.
	changed := strings.Replace(doc, "  return 1;", "  return 2;", 1)
	result, err := a.Analyze(ctx, "file:///b.js", changed, "javascript", 2)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}

	if !contains(result.AnalyzedScopes, "helper") {
		t.Errorf("helper should be affected, analyzed=%v", result.AnalyzedScopes)
	}
	if !contains(result.AnalyzedScopes, "caller") {
		t.Errorf("caller depends on helper and should be promoted, analyzed=%v skipped=%v",
			result.AnalyzedScopes, result.SkippedScopes)
	}
}

func TestAnalyzeScopeFailureIsolated(t *testing.T) {
	a := New(nil, nil, nil, nil)
	a.RegisterAnalyzer("javascript", func(ctx context.Context, scopeText string, scopes []*DocumentScope) ([]types.Issue, error) {
		if strings.Contains(scopeText, "function foo") {
			return nil, errors.New("analyzer exploded")
		}
		return []types.Issue{{RuleID: "ok", Severity: types.SeverityLow, Message: "fine", Line: 0}}, nil
	})

	result, err := a.Analyze(context.Background(), "file:///a.js", twoFunctionDoc(), "javascript", 1)
	if err != nil {
		t.Fatalf("Analyze should not fail overall: %v", err)
	}
	// bar's issue survives foo's failure.
	if len(result.Issues) != 1 || result.Issues[0].ScopeName != "bar" {
		t.Errorf("issues = %+v, want one from bar", result.Issues)
	}
}

func TestAnalyzeUnknownLanguage(t *testing.T) {
	a := New(nil, nil, nil, nil)
	_, err := a.Analyze(context.Background(), "file:///a.xyz", "content", "xyz", 1)
	if !errors.Is(err, ErrNoAnalyzer) {
		t.Errorf("Analyze = %v, want ErrNoAnalyzer", err)
	}
}

func TestAnalyzeDebouncedCoalesces(t *testing.T) {
	a := newTestAnalyzer(t, &Config{DebounceDelay: 50 * time.Millisecond})
	ctx := context.Background()

	doc1 := "function a() {\n}"
	doc2 := "function b() {\n}"
	doc3 := twoFunctionDoc()

	ch1 := a.AnalyzeDebounced(ctx, "file:///a.js", doc1, "javascript", 1)
	ch2 := a.AnalyzeDebounced(ctx, "file:///a.js", doc2, "javascript", 2)
	ch3 := a.AnalyzeDebounced(ctx, "file:///a.js", doc3, "javascript", 3)

	deadline := time.After(2 * time.Second)
	var results []DebouncedResult
	for _, ch := range []<-chan DebouncedResult{ch1, ch2, ch3} {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-deadline:
			t.Fatal("timed out waiting for debounced results")
		}
	}

	// All coalesced callers observe the winning (last) run.
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d error: %v", i, r.Err)
		}
		if r.Result.Version != 3 {
			t.Errorf("result %d version = %d, want 3", i, r.Result.Version)
		}
		if len(r.Result.AnalyzedScopes) != 2 {
			t.Errorf("result %d analyzed = %v, want foo and bar", i, r.Result.AnalyzedScopes)
		}
	}
}

func TestDocumentCacheEvictionBound(t *testing.T) {
	a := newTestAnalyzer(t, &Config{CacheCapacity: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("file:///doc-%d.js", i)
		if _, err := a.Analyze(ctx, uri, twoFunctionDoc(), "javascript", 1); err != nil {
			t.Fatalf("Analyze %s: %v", uri, err)
		}
	}
	if got := a.CachedDocuments(); got != 3 {
		t.Errorf("cached documents = %d, want 3", got)
	}
}
