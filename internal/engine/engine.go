// Package engine ties the subsystems into the two top-level workflows:
// one-shot directory scans and continuous watch mode. All orchestration
// state lives here; the subsystems stay independent of each other and
// talk only through the registry's wiring.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codesweep/codesweep/internal/cache"
	"github.com/codesweep/codesweep/internal/config"
	"github.com/codesweep/codesweep/internal/incremental"
	"github.com/codesweep/codesweep/internal/rules"
	"github.com/codesweep/codesweep/internal/stream"
	"github.com/codesweep/codesweep/internal/types"
	"github.com/codesweep/codesweep/internal/watcher"
)

// ErrWatchActive is returned when Watch is called while a watch session
// is already running.
var ErrWatchActive = errors.New("watch session already active")

// Engine runs analysis workflows over the registry's subsystems. The
// built-in security rules are registered for every supported language at
// construction; RegisterAnalyzer layers custom analyzers on top.
type Engine struct {
	reg    *Registry
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]int
	watch    *watcher.Watcher
}

// ScanReport summarizes one ScanDirectory run.
type ScanReport struct {
	// SessionID identifies the streaming session the scan ran under
	SessionID string `json:"session_id"`
	// FilesScanned counts files analyzed successfully
	FilesScanned int `json:"files_scanned"`
	// FilesFailed counts files that could not be read or analyzed
	FilesFailed int `json:"files_failed"`
	// Issues aggregates every finding, path-stamped
	Issues []types.Issue `json:"issues"`
	// Duration is the wall time of the scan
	Duration time.Duration `json:"duration"`
}

// New builds an engine from configuration. Nil cfg uses defaults; nil
// logger discards output.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	reg, err := NewRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	analyze := rules.Analyzer()
	for _, language := range rules.Languages {
		reg.Analyzer.RegisterAnalyzer(language, analyze)
	}
	return &Engine{
		reg:      reg,
		logger:   reg.Logger,
		versions: make(map[string]int),
	}, nil
}

// Registry exposes the wired subsystems, mainly for subscribers and
// stats readers.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// Start brings up the background subsystems.
func (e *Engine) Start() error {
	return e.reg.Init()
}

// Stop tears the engine down; any active watch session is stopped first.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	w := e.watch
	e.watch = nil
	e.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	return e.reg.Shutdown(ctx)
}

// Subscribe attaches a result subscriber to the streaming layer.
func (e *Engine) Subscribe(sub stream.Subscriber) (func(), error) {
	return e.reg.Streamer.Subscribe(sub)
}

// RegisterAnalyzer registers a custom analyzer callback for a language,
// replacing the built-in rules for that language.
func (e *Engine) RegisterAnalyzer(language string, fn incremental.AnalyzerFunc) {
	e.reg.Analyzer.RegisterAnalyzer(language, fn)
}

// sourceFile is one scan candidate.
type sourceFile struct {
	path     string
	language string
}

// ScanDirectory analyzes every supported source file under root, streaming
// issues and progress as it goes. Per-file failures are logged and counted
// but do not abort the scan; cancellation does.
func (e *Engine) ScanDirectory(ctx context.Context, root string) (*ScanReport, error) {
	files, err := e.collectFiles(root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", root, err)
	}

	sessionID, err := e.reg.Streamer.StartAnalysis(len(files))
	if err != nil {
		return nil, err
	}
	started := time.Now()

	e.reg.Streamer.UpdateProgress(stream.ProgressUpdate{
		Phase:      stream.PhaseDetecting,
		TotalFiles: len(files),
	})
	e.reg.Streamer.UpdateProgress(stream.ProgressUpdate{Phase: stream.PhaseAnalyzing})

	report := &ScanReport{SessionID: sessionID}
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			e.reg.Streamer.CancelAnalysis("scan cancelled")
			return nil, err
		}
		issues, err := e.analyzeFile(ctx, file)
		if err != nil {
			report.FilesFailed++
			e.logger.Warn("file analysis failed", "path", file.path, "error", err)
			continue
		}
		report.FilesScanned++
		if len(issues) > 0 {
			e.reg.Streamer.StreamBatch(issues)
			report.Issues = append(report.Issues, issues...)
		}
		e.reg.Streamer.UpdateProgress(stream.ProgressUpdate{
			FilesProcessed: i + 1,
			CurrentFile:    file.path,
			IssuesFound:    len(report.Issues),
		})
	}

	e.reg.Streamer.UpdateProgress(stream.ProgressUpdate{Phase: stream.PhaseReporting})
	report.Duration = time.Since(started)
	e.reg.Streamer.CompleteAnalysis(&stream.Summary{
		FilesAnalyzed: report.FilesScanned,
		IssuesFound:   len(report.Issues),
		Duration:      report.Duration,
	})
	return report, nil
}

// Watch analyzes files under root as they change, until the context is
// cancelled. Debounced edits flow through the incremental analyzer;
// results are streamed when a session is active and always logged.
func (e *Engine) Watch(ctx context.Context, root string) error {
	e.mu.Lock()
	if e.watch != nil {
		e.mu.Unlock()
		return ErrWatchActive
	}
	w := watcher.New(&e.reg.Config.Watcher, func(change watcher.Change) {
		e.handleChange(ctx, change)
	}, e.logger)
	e.watch = w
	e.mu.Unlock()

	if err := w.Start(root); err != nil {
		e.mu.Lock()
		e.watch = nil
		e.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	<-ctx.Done()
	e.mu.Lock()
	e.watch = nil
	e.mu.Unlock()
	w.Stop()
	return nil
}

func (e *Engine) handleChange(ctx context.Context, change watcher.Change) {
	if change.Removed {
		if e.reg.Analyzer.Invalidate(change.Path) {
			e.logger.Info("document invalidated", "path", change.Path)
		}
		return
	}

	data, err := os.ReadFile(change.Path)
	if err != nil {
		e.logger.Warn("failed to read changed file", "path", change.Path, "error", err)
		return
	}

	ch := e.reg.Analyzer.AnalyzeDebounced(ctx, change.Path, string(data), change.Language, e.nextVersion(change.Path))
	go func() {
		res, ok := <-ch
		if !ok {
			return
		}
		if res.Err != nil {
			e.logger.Warn("incremental analysis failed", "path", change.Path, "error", res.Err)
			return
		}
		issues := stamped(res.Result.Issues, change.Path)
		if e.reg.Streamer.State() == stream.StateRunning {
			e.reg.Streamer.StreamBatch(issues)
		}
		e.logger.Info("analyzed change",
			"path", change.Path,
			"issues", len(issues),
			"analyzed_scopes", len(res.Result.AnalyzedScopes),
			"skipped_scopes", len(res.Result.SkippedScopes))
	}()
}

// analyzeFile runs one file through the cache-aside path: the analysis
// result is keyed by content hash, so an unchanged file on a later scan
// is a cache hit and skips analysis entirely.
func (e *Engine) analyzeFile(ctx context.Context, file sourceFile) ([]types.Issue, error) {
	data, err := os.ReadFile(file.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content := string(data)

	key := cache.DeriveKey(incremental.HashText(content), file.language, 1, nil)
	var result incremental.Result
	err = e.reg.Cache.GetOrSet(ctx, key, &result, func(ctx context.Context) (interface{}, error) {
		return e.reg.Analyzer.Analyze(ctx, file.path, content, file.language, e.nextVersion(file.path))
	}, &cache.SetOptions{Tags: []string{"scan", file.language}})
	if err != nil {
		return nil, err
	}
	return stamped(result.Issues, file.path), nil
}

// collectFiles walks root for supported source files, honoring the
// watcher's ignore patterns so scan and watch agree on scope.
func (e *Engine) collectFiles(root string) ([]sourceFile, error) {
	ignore := e.reg.Config.Watcher.IgnorePatterns
	var files []sourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			for _, pattern := range ignore {
				if ok, _ := filepath.Match(pattern, d.Name()); ok {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if language := watcher.LanguageFor(path); language != "" {
			files = append(files, sourceFile{path: path, language: language})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (e *Engine) nextVersion(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.versions[path]++
	return e.versions[path]
}

// stamped copies issues with the source path filled in.
func stamped(issues []types.Issue, path string) []types.Issue {
	if len(issues) == 0 {
		return nil
	}
	out := make([]types.Issue, len(issues))
	copy(out, issues)
	for i := range out {
		out[i].Path = path
	}
	return out
}
