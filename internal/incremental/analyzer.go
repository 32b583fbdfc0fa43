package incremental

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codesweep/codesweep/internal/events"
	"github.com/codesweep/codesweep/internal/pool"
	"github.com/codesweep/codesweep/internal/types"
)

// TaskTypeScopeAnalysis is the pool task type used for per-scope work.
const TaskTypeScopeAnalysis = "scope_analysis"

// ErrNoAnalyzer is returned when no analyzer callback is registered for a
// document's language.
var ErrNoAnalyzer = errors.New("no analyzer registered for language")

// AnalyzerFunc analyzes one scope's text and returns the issues found in
// it. Registered per language. It may be CPU- or I/O-bound internally; the
// analyzer only cares that it honors ctx.
type AnalyzerFunc func(ctx context.Context, scopeText string, scopes []*DocumentScope) ([]types.Issue, error)

// Config holds incremental analyzer configuration
type Config struct {
	// DebounceDelay coalesces rapid AnalyzeDebounced calls per URI.
	// Default: 300ms
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	// ExpansionMargin widens each changed region by this many lines on each
	// side when deciding scope overlap. Default: 5
	ExpansionMargin int `yaml:"expansion_margin"`
	// MatchTolerance is the start-line slack when matching a scope to its
	// previous version by name. Default: 5
	MatchTolerance int `yaml:"match_tolerance"`
	// CacheCapacity bounds the document-state LRU. Default: 100
	CacheCapacity int `yaml:"cache_capacity"`
	// EnableDependencyTracking promotes unchanged scopes that depend on an
	// affected scope (one hop, not a fixed point). Default: true
	EnableDependencyTracking bool `yaml:"enable_dependency_tracking"`
}

// DefaultConfig returns default analyzer configuration
func DefaultConfig() *Config {
	return &Config{
		DebounceDelay:            300 * time.Millisecond,
		ExpansionMargin:          5,
		MatchTolerance:           5,
		CacheCapacity:            100,
		EnableDependencyTracking: true,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = def.DebounceDelay
	}
	if c.ExpansionMargin < 0 {
		c.ExpansionMargin = def.ExpansionMargin
	}
	if c.MatchTolerance < 0 {
		c.MatchTolerance = def.MatchTolerance
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = def.CacheCapacity
	}
}

// Result summarizes one analysis pass over a document.
type Result struct {
	URI            string        `json:"uri"`
	Version        int           `json:"version"`
	AnalyzedScopes []string      `json:"analyzed_scopes"`
	SkippedScopes  []string      `json:"skipped_scopes"`
	Issues         []types.Issue `json:"issues"`
	ResolvedIssues []types.Issue `json:"resolved_issues,omitempty"`
	AnalyzedLines  int           `json:"analyzed_lines"`
	TotalLines     int           `json:"total_lines"`
	Duration       time.Duration `json:"duration"`
}

// IncrementalAnalyzer decides, on each edit, which scopes must be
// re-analyzed and which can carry their previous issues forward. Affected
// scopes run through the per-language analyzer callback, via the worker
// pool when one is attached.
type IncrementalAnalyzer struct {
	cfg      *Config
	logger   *slog.Logger
	bus      *events.Bus
	detector *ScopeDetector
	differ   *ChangeDetector
	cache    *DocumentCache
	workers  *pool.WorkerPool

	mu        sync.Mutex
	analyzers map[string]AnalyzerFunc
	pending   map[string]*pendingAnalysis

	// analyzeMu serializes whole-document analyses so two concurrent calls
	// for the same URI cannot interleave state reads and writes.
	analyzeMu sync.Mutex
}

// pendingAnalysis tracks one URI's debounce window.
type pendingAnalysis struct {
	timer    *time.Timer
	content  string
	language string
	version  int
	waiters  []chan DebouncedResult
}

// DebouncedResult carries the outcome of a debounced analysis to every
// caller that was coalesced into the executed run.
type DebouncedResult struct {
	Result *Result
	Err    error
}

// scopeWork is the pool payload for one scope's analysis.
type scopeWork struct {
	scope    *DocumentScope
	siblings []*DocumentScope
	callback AnalyzerFunc
}

// New creates an incremental analyzer. The pool is optional: when nil,
// scope callbacks run inline on the calling goroutine. A nil config uses
// defaults; nil bus and logger disable their outputs.
func New(cfg *Config, workers *pool.WorkerPool, bus *events.Bus, logger *slog.Logger) *IncrementalAnalyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &IncrementalAnalyzer{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		detector:  NewScopeDetector(),
		differ:    NewChangeDetector(),
		cache:     NewDocumentCache(cfg.CacheCapacity),
		workers:   workers,
		analyzers: make(map[string]AnalyzerFunc),
		pending:   make(map[string]*pendingAnalysis),
	}
	if workers != nil {
		workers.RegisterExecutor(TaskTypeScopeAnalysis, func(ctx context.Context, payload interface{}) (interface{}, error) {
			work, ok := payload.(*scopeWork)
			if !ok {
				return nil, fmt.Errorf("unexpected payload type %T", payload)
			}
			return work.callback(ctx, work.scope.Text(), work.siblings)
		})
	}
	return a
}

// RegisterAnalyzer associates an analyzer callback with a language name.
func (a *IncrementalAnalyzer) RegisterAnalyzer(language string, fn AnalyzerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyzers[language] = fn
}

// Analyze runs incremental analysis over one document version. With no
// prior state every scope is analyzed; with unchanged content every scope
// is skipped and prior issues are carried forward verbatim; otherwise only
// scopes touched by the edit (plus margin, hash mismatches, and one-hop
// dependents) are re-analyzed.
func (a *IncrementalAnalyzer) Analyze(ctx context.Context, uri, content, language string, version int) (*Result, error) {
	a.analyzeMu.Lock()
	defer a.analyzeMu.Unlock()
	return a.analyzeLocked(ctx, uri, content, language, version)
}

// AnalyzeFullDocument discards any cached state for the URI before
// analyzing, forcing every scope to be affected.
func (a *IncrementalAnalyzer) AnalyzeFullDocument(ctx context.Context, uri, content, language string, version int) (*Result, error) {
	a.analyzeMu.Lock()
	defer a.analyzeMu.Unlock()
	if a.cache.Invalidate(uri) {
		a.emitScopeEvent(events.EventTypeDocumentInvalidated, events.SeverityInfo,
			"document state discarded for full analysis", events.ScopeEventData{URI: uri})
	}
	return a.analyzeLocked(ctx, uri, content, language, version)
}

// AnalyzeDebounced coalesces rapid calls for the same URI: each call
// supersedes the pending one and reschedules the timer; when it fires, the
// last content wins and every coalesced caller receives that run's result
// on its channel.
func (a *IncrementalAnalyzer) AnalyzeDebounced(ctx context.Context, uri, content, language string, version int) <-chan DebouncedResult {
	ch := make(chan DebouncedResult, 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pending[uri]
	if !ok {
		p = &pendingAnalysis{}
		a.pending[uri] = p
	} else {
		p.timer.Stop()
	}
	p.content = content
	p.language = language
	p.version = version
	p.waiters = append(p.waiters, ch)

	p.timer = time.AfterFunc(a.cfg.DebounceDelay, func() {
		a.mu.Lock()
		current, ok := a.pending[uri]
		if !ok || current != p {
			a.mu.Unlock()
			return
		}
		delete(a.pending, uri)
		waiters := current.waiters
		content, language, version := current.content, current.language, current.version
		a.mu.Unlock()

		result, err := a.Analyze(ctx, uri, content, language, version)
		for _, w := range waiters {
			w <- DebouncedResult{Result: result, Err: err}
		}
	})
	return ch
}

// Invalidate discards cached state for the URI.
func (a *IncrementalAnalyzer) Invalidate(uri string) bool {
	ok := a.cache.Invalidate(uri)
	if ok {
		a.emitScopeEvent(events.EventTypeDocumentInvalidated, events.SeverityInfo,
			"document state invalidated", events.ScopeEventData{URI: uri})
	}
	return ok
}

// CachedDocuments returns the number of documents with cached state.
func (a *IncrementalAnalyzer) CachedDocuments() int {
	return a.cache.Len()
}

func (a *IncrementalAnalyzer) analyzeLocked(ctx context.Context, uri, content, language string, version int) (*Result, error) {
	start := time.Now()

	a.mu.Lock()
	callback, ok := a.analyzers[language]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAnalyzer, language)
	}

	newHash := HashText(content)
	prev := a.cache.Get(uri)
	totalLines := len(splitLines(content))

	result := &Result{
		URI:        uri,
		Version:    version,
		TotalLines: totalLines,
	}

	// Unchanged document: skip everything, carry issues forward verbatim.
	if prev != nil && prev.Hash == newHash {
		for _, s := range prev.Scopes {
			result.SkippedScopes = append(result.SkippedScopes, s.Name)
			result.Issues = append(result.Issues, s.Issues...)
		}
		prev.Version = version
		prev.LastAnalyzed = time.Now()
		result.Duration = time.Since(start)
		return result, nil
	}

	scopes := a.detector.Detect(content, language)
	affected, carried := a.partitionScopes(prev, scopes, content)

	var resolved []types.Issue
	for _, scope := range scopes {
		if !affected[scope] {
			result.SkippedScopes = append(result.SkippedScopes, scope.Name)
			result.Issues = append(result.Issues, scope.Issues...)
			continue
		}

		issues, err := a.runScope(ctx, scope, scopes, callback)
		if err != nil {
			// One scope's failure never aborts its siblings.
			a.emitScopeEvent(events.EventTypeScopeFailed, events.SeverityError,
				fmt.Sprintf("scope analysis failed: %v", err),
				events.ScopeEventData{URI: uri, ScopeName: scope.Name, ScopeType: string(scope.Type), Error: err.Error()})
			a.logger.Warn("scope analysis failed", "uri", uri, "scope", scope.Name, "error", err)
		} else {
			now := time.Now()
			for i := range issues {
				issues[i].ScopeName = scope.Name
				if issues[i].DetectedAt.IsZero() {
					issues[i].DetectedAt = now
				}
				// Issue lines are scope-relative from the callback's point
				// of view; translate to document coordinates.
				issues[i].Line += scope.StartLine
				if issues[i].EndLine > 0 {
					issues[i].EndLine += scope.StartLine
				}
			}
			scope.Issues = issues
			scope.LastAnalyzed = now
			result.Issues = append(result.Issues, issues...)
			a.emitScopeEvent(events.EventTypeScopeAnalyzed, events.SeverityInfo,
				fmt.Sprintf("analyzed %s %s", scope.Type, scope.Name),
				events.ScopeEventData{URI: uri, ScopeName: scope.Name, ScopeType: string(scope.Type), IssueCount: len(issues)})
		}

		result.AnalyzedScopes = append(result.AnalyzedScopes, scope.Name)
		result.AnalyzedLines += scope.LineCount()
		if prevScope := carried[scope]; prevScope != nil {
			resolved = append(resolved, types.DiffIssues(prevScope.Issues, scope.Issues)...)
		}
	}
	result.ResolvedIssues = resolved

	a.cache.Set(uri, &DocumentState{
		URI:          uri,
		Version:      version,
		Hash:         newHash,
		Language:     language,
		Scopes:       scopes,
		LastModified: time.Now(),
		LastAnalyzed: time.Now(),
	})

	result.Duration = time.Since(start)
	return result, nil
}

// partitionScopes decides which new scopes are affected. It returns the
// affected set and, for every new scope, its best-matching previous scope
// (used both for carrying issues and computing resolved ones).
func (a *IncrementalAnalyzer) partitionScopes(prev *DocumentState, scopes []*DocumentScope, content string) (map[*DocumentScope]bool, map[*DocumentScope]*DocumentScope) {
	affected := make(map[*DocumentScope]bool, len(scopes))
	carried := make(map[*DocumentScope]*DocumentScope, len(scopes))

	if prev == nil {
		for _, s := range scopes {
			affected[s] = true
		}
		return affected, carried
	}

	prevLines := reconstructLines(prev)
	newLines := splitLines(content)
	changes := a.differ.Diff(prevLines, newLines)

	for _, scope := range scopes {
		match := bestMatch(prev.Scopes, scope, a.cfg.MatchTolerance)
		carried[scope] = match

		switch {
		case match == nil:
			affected[scope] = true
		case match.Hash != scope.Hash:
			affected[scope] = true
		default:
			for _, region := range changes {
				if region.Overlaps(scope.StartLine, scope.EndLine, a.cfg.ExpansionMargin) {
					affected[scope] = true
					break
				}
			}
		}

		if !affected[scope] && match != nil {
			// Inherit prior issues, shifted if the scope moved.
			scope.Issues = shiftIssues(match.Issues, scope.StartLine-match.StartLine)
			scope.LastAnalyzed = match.LastAnalyzed
		}
	}

	if a.cfg.EnableDependencyTracking {
		promoteDependents(scopes, affected)
	}
	return affected, carried
}

// promoteDependents marks unchanged scopes that depend (by name) on an
// affected scope. One hop only: promotion does not cascade further.
func promoteDependents(scopes []*DocumentScope, affected map[*DocumentScope]bool) {
	affectedNames := make(map[string]bool)
	for scope, ok := range affected {
		if ok {
			affectedNames[scope.Name] = true
		}
	}
	for _, scope := range scopes {
		if affected[scope] {
			continue
		}
		for _, dep := range scope.Dependencies {
			if affectedNames[dep] {
				affected[scope] = true
				scope.Issues = nil
				break
			}
		}
	}
}

// runScope executes the callback for one scope, through the pool when
// attached.
func (a *IncrementalAnalyzer) runScope(ctx context.Context, scope *DocumentScope, siblings []*DocumentScope, callback AnalyzerFunc) ([]types.Issue, error) {
	if a.workers == nil {
		return callback(ctx, scope.Text(), siblings)
	}

	handle, err := a.workers.Submit(TaskTypeScopeAnalysis, &scopeWork{
		scope:    scope,
		siblings: siblings,
		callback: callback,
	}, nil)
	if err != nil {
		// Pool saturation degrades to inline execution rather than losing
		// the scope.
		a.logger.Debug("pool submission failed, running scope inline", "scope", scope.Name, "error", err)
		return callback(ctx, scope.Text(), siblings)
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	issues, _ := result.([]types.Issue)
	return issues, nil
}

// reconstructLines rebuilds an approximation of the previous document from
// its scopes' stored text. Outer scopes are written first so the innermost
// text wins where ranges nest.
func reconstructLines(state *DocumentState) []string {
	maxLine := 0
	for _, s := range state.Scopes {
		if s.EndLine > maxLine {
			maxLine = s.EndLine
		}
	}
	lines := make([]string, maxLine+1)

	ordered := make([]*DocumentScope, len(state.Scopes))
	copy(ordered, state.Scopes)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LineCount() > ordered[j].LineCount()
	})
	for _, s := range ordered {
		for i, line := range s.text {
			if s.StartLine+i < len(lines) {
				lines[s.StartLine+i] = line
			}
		}
	}
	return lines
}

// bestMatch finds the previous scope with the same name whose start line is
// within tolerance, preferring the closest.
func bestMatch(prevScopes []*DocumentScope, scope *DocumentScope, tolerance int) *DocumentScope {
	var best *DocumentScope
	bestDelta := tolerance + 1
	for _, prev := range prevScopes {
		if prev.Name != scope.Name || prev.Type != scope.Type {
			continue
		}
		delta := prev.StartLine - scope.StartLine
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			best = prev
			bestDelta = delta
		}
	}
	return best
}

// shiftIssues clones issues adjusting line numbers by delta lines.
func shiftIssues(issues []types.Issue, delta int) []types.Issue {
	if len(issues) == 0 {
		return nil
	}
	out := make([]types.Issue, len(issues))
	copy(out, issues)
	if delta != 0 {
		for i := range out {
			out[i].Line += delta
			if out[i].EndLine > 0 {
				out[i].EndLine += delta
			}
		}
	}
	return out
}

func (a *IncrementalAnalyzer) emitScopeEvent(eventType events.EventType, severity events.EventSeverity, message string, data events.ScopeEventData) {
	if a.bus == nil {
		return
	}
	evt, err := events.NewScopeEvent(eventType, severity, message, data)
	if err != nil {
		a.logger.Warn("failed to build scope event", "error", err)
		return
	}
	a.bus.Emit(evt)
}
