package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/codesweep/codesweep/internal/cache"
	"github.com/codesweep/codesweep/internal/config"
	"github.com/codesweep/codesweep/internal/events"
	"github.com/codesweep/codesweep/internal/incremental"
	"github.com/codesweep/codesweep/internal/pool"
	"github.com/codesweep/codesweep/internal/stream"
)

// Registry owns the engine's subsystems. Everything is constructed through
// explicit dependency injection, in order, and torn down in reverse; there
// are no package-level singletons to reach for.
type Registry struct {
	Config   *config.Config
	Logger   *slog.Logger
	Bus      *events.Bus
	Pool     *pool.WorkerPool
	Cache    *cache.Manager
	Analyzer *incremental.IncrementalAnalyzer
	Streamer *stream.StreamingAnalyzer
}

// NewRegistry builds the subsystem graph from configuration. When
// cfg.CacheDir is empty the cache runs memory-only; otherwise the
// persistent tier is backed by SQLite under that directory. The pool is
// not started; call Init.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bus := events.NewBus(logger)
	workerPool := pool.NewWorkerPool(&cfg.Pool, bus, logger)

	var backend cache.Backend
	if cfg.CacheDir != "" {
		sqlite, err := cache.NewSQLiteBackend(filepath.Join(cfg.CacheDir, "codesweep.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent cache: %w", err)
		}
		backend = sqlite
	}
	cacheMgr, err := cache.NewManager(&cfg.Cache, backend, bus, logger)
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return nil, fmt.Errorf("failed to create cache manager: %w", err)
	}

	analyzer := incremental.New(&cfg.Analyzer, workerPool, bus, logger)
	streamer := stream.New(&cfg.Stream, bus, logger)

	return &Registry{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus,
		Pool:     workerPool,
		Cache:    cacheMgr,
		Analyzer: analyzer,
		Streamer: streamer,
	}, nil
}

// Init starts the subsystems that run background work.
func (r *Registry) Init() error {
	if err := r.Pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	return nil
}

// Shutdown stops subsystems in reverse construction order. The context
// bounds the pool drain; cache close errors are reported after the pool
// is down.
func (r *Registry) Shutdown(ctx context.Context) error {
	poolErr := r.Pool.Shutdown(ctx)
	cacheErr := r.Cache.Close()
	if poolErr != nil {
		return fmt.Errorf("worker pool shutdown: %w", poolErr)
	}
	if cacheErr != nil {
		return fmt.Errorf("cache shutdown: %w", cacheErr)
	}
	return nil
}
