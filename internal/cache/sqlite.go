package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schema defines the persistent cache table. One row per entry; tags are
// stored as a JSON array.
const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL DEFAULT 0,
	stale_until INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// SQLiteBackend implements Backend on a local SQLite database, giving the
// persistent tier durability across processes.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if needed) the cache database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Get returns the entry for key, or nil when absent
func (s *SQLiteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, hash, size, compressed, created_at, accessed_at,
		       access_count, expires_at, stale_until, priority, tags
		FROM cache_entries WHERE key = ?`, key)

	var (
		entry                             Entry
		compressed                        int
		created, accessed, expires, stale int64
		tagsJSON                          string
	)
	err := row.Scan(&entry.Key, &entry.Value, &entry.Hash, &entry.Size, &compressed,
		&created, &accessed, &entry.AccessCount, &expires, &stale, &entry.Priority, &tagsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry.Compressed = compressed != 0
	entry.CreatedAt = time.UnixMilli(created)
	entry.AccessedAt = time.UnixMilli(accessed)
	if expires > 0 {
		entry.ExpiresAt = time.UnixMilli(expires)
	}
	if stale > 0 {
		entry.StaleUntil = time.UnixMilli(stale)
	}
	entry.Tier = TierPersistent
	if err := json.Unmarshal([]byte(tagsJSON), &entry.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry tags: %w", err)
	}
	return &entry, nil
}

// Set stores the entry, replacing any existing row for its key
func (s *SQLiteBackend) Set(ctx context.Context, entry *Entry) error {
	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry tags: %w", err)
	}

	compressed := 0
	if entry.Compressed {
		compressed = 1
	}
	var expires, stale int64
	if !entry.ExpiresAt.IsZero() {
		expires = entry.ExpiresAt.UnixMilli()
	}
	if !entry.StaleUntil.IsZero() {
		stale = entry.StaleUntil.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
			(key, value, hash, size, compressed, created_at, accessed_at,
			 access_count, expires_at, stale_until, priority, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			hash = excluded.hash,
			size = excluded.size,
			compressed = excluded.compressed,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at,
			access_count = excluded.access_count,
			expires_at = excluded.expires_at,
			stale_until = excluded.stale_until,
			priority = excluded.priority,
			tags = excluded.tags`,
		entry.Key, entry.Value, entry.Hash, entry.Size, compressed,
		entry.CreatedAt.UnixMilli(), entry.AccessedAt.UnixMilli(),
		entry.AccessCount, expires, stale, int(entry.Priority), string(tagsJSON))
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry
func (s *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache entries: %w", err)
	}
	return nil
}

// Keys lists every stored key
func (s *SQLiteBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
