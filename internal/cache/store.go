// Package cache implements the bounded on-disk audio store: files keyed by
// track id plus a sqlite index carrying size and access times, evicted LRU
// to stay under a byte budget.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tunecache/internal/core"
)

const (
	indexFileName = "index.db"
	audioFileExt  = ".audio"
)

// ErrInvalidKey is returned for keys that cannot be used as file names.
var ErrInvalidKey = errors.New("invalid cache key")

// Entry is one cached track as recorded in the index.
type Entry struct {
	Key          string
	FilePath     string
	SizeBytes    int64
	MimeType     string
	Provider     string
	Approximate  bool
	CreatedAt    time.Time
	LastAccessAt time.Time
}

// PutAttrs carries the stream metadata persisted alongside the bytes, so a
// later cache hit reports the same provenance as the original resolution.
type PutAttrs struct {
	MimeType    string
	Provider    string
	Approximate bool
}

// Store is the on-disk cache. The index lives in sqlite next to the audio
// files and is rebuilt from a directory scan when missing or unreadable.
// Index mutations and eviction are serialized under one mutex so the budget
// invariant holds under concurrent puts.
type Store struct {
	dir      string
	maxBytes int64
	interval time.Duration
	db       *sql.DB
	logger   *zap.Logger
	mutex    sync.Mutex
}

// Open prepares the cache directory and index. A corrupt index is discarded
// and rebuilt from the files on disk rather than failing startup.
func Open(config *core.CacheConfig, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &Store{
		dir:      config.Dir,
		maxBytes: config.MaxSizeBytes(),
		interval: config.CleanupInterval,
		logger:   logger,
	}

	db, err := s.openIndex()
	if err != nil {
		// Corrupt or unreadable index: drop it and start over from a scan.
		logger.Warn("Cache index unreadable, rebuilding from directory scan", zap.Error(err))
		_ = os.Remove(filepath.Join(config.Dir, indexFileName))
		db, err = s.openIndex()
		if err != nil {
			return nil, fmt.Errorf("recreate cache index: %w", err)
		}
	}
	s.db = db

	if err := s.reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile cache index: %w", err)
	}

	return s, nil
}

func (s *Store) openIndex() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", filepath.Join(s.dir, indexFileName))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key            TEXT PRIMARY KEY,
		file_name      TEXT NOT NULL,
		size_bytes     INTEGER NOT NULL,
		mime_type      TEXT NOT NULL DEFAULT 'audio/mpeg',
		provider       TEXT NOT NULL DEFAULT '',
		approximate    INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		last_access_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// reconcile makes index and directory agree: rows without a file are
// dropped, files without a row are adopted with their modification time as
// the best available timestamp.
func (s *Store) reconcile() error {
	rows, err := s.db.Query(`SELECT key, file_name FROM entries`)
	if err != nil {
		return err
	}

	indexed := make(map[string]string)
	for rows.Next() {
		var key, fileName string
		if err := rows.Scan(&key, &fileName); err != nil {
			rows.Close()
			return err
		}
		indexed[key] = fileName
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for key, fileName := range indexed {
		if _, err := os.Stat(filepath.Join(s.dir, fileName)); err != nil {
			s.logger.Warn("Dropping index entry with missing file",
				zap.String("key", key),
				zap.String("file", fileName))
			if _, err := s.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
				return err
			}
			delete(indexed, key)
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	adopted := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, audioFileExt) {
			continue
		}

		key := strings.TrimSuffix(name, audioFileExt)
		if _, ok := indexed[key]; ok {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		modTime := info.ModTime().UnixNano()
		_, err = s.db.Exec(
			`INSERT OR IGNORE INTO entries (key, file_name, size_bytes, created_at, last_access_at)
			 VALUES (?, ?, ?, ?, ?)`,
			key, name, info.Size(), modTime, modTime)
		if err != nil {
			return err
		}
		adopted++
	}

	if adopted > 0 {
		s.logger.Info("Adopted unindexed cache files", zap.Int("count", adopted))
	}
	return nil
}

// Get returns the cache entry for the key and updates its last access time.
// A stale row whose file vanished is cleaned up and reported as a miss.
func (s *Store) Get(key string) (*Entry, bool) {
	entry, err := s.lookup(key)
	if err != nil {
		return nil, false
	}

	if _, err := os.Stat(entry.FilePath); err != nil {
		s.logger.Warn("Cached file missing, dropping entry", zap.String("key", key))
		_, _ = s.db.Exec(`DELETE FROM entries WHERE key = ?`, key)
		return nil, false
	}

	s.Touch(key)
	return entry, true
}

func (s *Store) lookup(key string) (*Entry, error) {
	var (
		fileName    string
		size        int64
		mimeType    string
		providerID  string
		approximate int
		createdAt   int64
		lastAccess  int64
	)
	err := s.db.QueryRow(
		`SELECT file_name, size_bytes, mime_type, provider, approximate, created_at, last_access_at
		 FROM entries WHERE key = ?`,
		key).Scan(&fileName, &size, &mimeType, &providerID, &approximate, &createdAt, &lastAccess)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Key:          key,
		FilePath:     filepath.Join(s.dir, fileName),
		SizeBytes:    size,
		MimeType:     mimeType,
		Provider:     providerID,
		Approximate:  approximate != 0,
		CreatedAt:    time.Unix(0, createdAt),
		LastAccessAt: time.Unix(0, lastAccess),
	}, nil
}

// Touch updates the entry's last access time so LRU eviction sees it as
// recently served.
func (s *Store) Touch(key string) {
	if _, err := s.db.Exec(
		`UPDATE entries SET last_access_at = ? WHERE key = ?`,
		time.Now().UnixNano(), key); err != nil {
		s.logger.Warn("Failed to touch cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Put streams body into a temp file and atomically renames it into place, so
// a crash mid-write never leaves a partial entry visible to Get. The index
// row is written after the rename and eviction runs before returning.
func (s *Store) Put(ctx context.Context, key string, attrs PutAttrs, body io.Reader) (*Entry, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key != filepath.Base(key) {
		return nil, ErrInvalidKey
	}
	if attrs.MimeType == "" {
		attrs.MimeType = "audio/mpeg"
	}

	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write cache file: %w", err)
	}

	fileName := key + audioFileExt
	finalPath := filepath.Join(s.dir, fileName)
	if err := os.Rename(tmpName, finalPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("finalize cache file: %w", err)
	}

	now := time.Now().UnixNano()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	approximate := 0
	if attrs.Approximate {
		approximate = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO entries (key, file_name, size_bytes, mime_type, provider, approximate, created_at, last_access_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   file_name = excluded.file_name,
		   size_bytes = excluded.size_bytes,
		   mime_type = excluded.mime_type,
		   provider = excluded.provider,
		   approximate = excluded.approximate,
		   last_access_at = excluded.last_access_at`,
		key, fileName, written, attrs.MimeType, attrs.Provider, approximate, now, now)
	if err != nil {
		_ = os.Remove(finalPath)
		return nil, fmt.Errorf("index cache file: %w", err)
	}

	s.logger.Debug("Cached track",
		zap.String("key", key),
		zap.Int64("sizeBytes", written))

	if err := s.evictLocked(); err != nil {
		s.logger.Warn("Eviction after put failed", zap.Error(err))
	}

	return &Entry{
		Key:          key,
		FilePath:     finalPath,
		SizeBytes:    written,
		MimeType:     attrs.MimeType,
		Provider:     attrs.Provider,
		Approximate:  attrs.Approximate,
		CreatedAt:    time.Unix(0, now),
		LastAccessAt: time.Unix(0, now),
	}, nil
}

// Delete removes one entry and its file.
func (s *Store) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, err := s.lookup(key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM entries WHERE key = ?`, key)
	return err
}

// EvictIfOverBudget removes least-recently-accessed entries until the total
// tracked size fits the budget.
func (s *Store) EvictIfOverBudget() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.evictLocked()
}

func (s *Store) evictLocked() error {
	for {
		total, err := s.totalBytes()
		if err != nil {
			return err
		}
		if total <= s.maxBytes {
			return nil
		}

		var (
			key      string
			fileName string
			size     int64
		)
		err = s.db.QueryRow(
			`SELECT key, file_name, size_bytes FROM entries ORDER BY last_access_at ASC, key ASC LIMIT 1`).
			Scan(&key, &fileName, &size)
		if err != nil {
			return err
		}

		if err := os.Remove(filepath.Join(s.dir, fileName)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evict %s: %w", key, err)
		}
		if _, err := s.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
			return err
		}

		s.logger.Info("Evicted cache entry",
			zap.String("key", key),
			zap.Int64("sizeBytes", size),
			zap.Int64("totalBytes", total-size),
			zap.Int64("budgetBytes", s.maxBytes))
	}
}

func (s *Store) totalBytes() (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(size_bytes) FROM entries`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Stats summarizes the cache for /health.
func (s *Store) Stats() core.CacheSummary {
	var count int
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT COUNT(*), SUM(size_bytes) FROM entries`).Scan(&count, &total); err != nil {
		s.logger.Warn("Failed to read cache stats", zap.Error(err))
		return core.CacheSummary{}
	}

	return core.CacheSummary{
		TotalFiles:  count,
		TotalSizeMB: float64(total.Int64) / (1024 * 1024),
	}
}

// RunJanitor periodically enforces the budget until the context is done.
func (s *Store) RunJanitor(ctx context.Context) {
	s.logger.Info("Starting cache janitor",
		zap.Duration("interval", s.interval),
		zap.Int64("budgetBytes", s.maxBytes))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cache janitor stopped")
			return
		case <-ticker.C:
			if err := s.EvictIfOverBudget(); err != nil {
				s.logger.Warn("Scheduled eviction failed", zap.Error(err))
			}
		}
	}
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}
