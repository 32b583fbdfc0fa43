package watcher

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrAlreadyStarted is returned when Start is called on a running watcher.
var ErrAlreadyStarted = errors.New("watcher already started")

// Change describes one settled file modification.
type Change struct {
	// Path is the absolute path of the changed file
	Path string
	// Language is inferred from the file extension
	Language string
	// Removed reports whether the file was deleted rather than modified
	Removed bool
}

// Config holds file watcher configuration
type Config struct {
	// DebounceDelay lets rapid saves of one file settle before a change is
	// reported. Default: 250ms
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	// Extensions limits watching to these file extensions. Default: common
	// source extensions
	Extensions []string `yaml:"extensions"`
	// IgnorePatterns skips directories whose name matches any pattern.
	// Default: node_modules, .git, vendor, dist
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

// DefaultConfig returns default watcher configuration
func DefaultConfig() *Config {
	return &Config{
		DebounceDelay:  250 * time.Millisecond,
		Extensions:     []string{".js", ".jsx", ".ts", ".tsx", ".py", ".go", ".java", ".rb"},
		IgnorePatterns: []string{"node_modules", ".git", "vendor", "dist"},
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = def.DebounceDelay
	}
	if len(c.Extensions) == 0 {
		c.Extensions = def.Extensions
	}
	if c.IgnorePatterns == nil {
		c.IgnorePatterns = def.IgnorePatterns
	}
}

// languageByExt maps file extensions to analyzer language names.
var languageByExt = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".go":   "go",
	".java": "java",
	".rb":   "ruby",
}

// LanguageFor returns the analyzer language for a path, or "" when the
// extension is not recognized.
func LanguageFor(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// Watcher monitors a source tree and reports settled file changes through
// a callback. Directories are watched recursively; newly created
// directories are picked up as they appear. Rapid writes to one file are
// debounced per path.
type Watcher struct {
	cfg      *Config
	logger   *slog.Logger
	onChange func(Change)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	started bool
	cancel  context.CancelFunc
}

// New creates a watcher delivering changes to onChange. The callback runs
// on the watcher's goroutines and must not block for long.
func New(cfg *Config, onChange func(Change), logger *slog.Logger) *Watcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if onChange == nil {
		onChange = func(Change) {}
	}
	return &Watcher{
		cfg:      cfg,
		logger:   logger,
		onChange: onChange,
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins watching root and its subdirectories.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := w.addTree(fsw, absRoot); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.fsw = fsw
	w.cancel = cancel
	w.started = true
	go w.loop(ctx, fsw)
	return nil
}

// Stop halts watching and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	w.fsw.Close()
	w.fsw = nil
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.started = false
}

// IsStarted reports whether the watcher is running.
func (w *Watcher) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// addTree registers root and every non-ignored subdirectory.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) ignored(name string) bool {
	for _, pattern := range w.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) watchable(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.cfg.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	// New directories join the watch set; ignored names are skipped.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.ignored(filepath.Base(event.Name)) {
				if err := fsw.Add(event.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
	}

	if !w.watchable(event.Name) {
		return
	}

	switch {
	case event.Op&fsnotify.Remove != 0:
		w.report(Change{Path: event.Name, Language: LanguageFor(event.Name), Removed: true})
	case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
		w.debounce(event.Name)
	}
}

// debounce schedules (or reschedules) the settled-change report for path.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.DebounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		started := w.started
		w.mu.Unlock()
		if !started {
			return
		}
		w.report(Change{Path: path, Language: LanguageFor(path)})
	})
}

func (w *Watcher) report(change Change) {
	w.onChange(change)
}
