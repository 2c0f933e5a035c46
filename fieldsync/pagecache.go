package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

const pageCacheSchemaVersion = 1

// DefaultPageMaxAge is how long a cached page entry survives without a fresh
// visit before init-time pruning discards it.
const DefaultPageMaxAge = 7 * 24 * time.Hour

// DashboardRoute is the technician dashboard, the deterministic fallback for
// blocked offline navigation.
const DashboardRoute = "/technician/dashboard"

var jobDetailRoutePattern = regexp.MustCompile(`^/technician/jobs/([^/]+)$`)

// IsDashboardRoute reports whether route is the technician dashboard.
func IsDashboardRoute(route string) bool { return route == DashboardRoute }

// IsJobDetailRoute reports whether route is a job detail page.
func IsJobDetailRoute(route string) bool { return jobDetailRoutePattern.MatchString(route) }

// JobIDFromRoute extracts the job ID embedded in a job detail route, or ""
// when the route is not a job detail page.
func JobIDFromRoute(route string) string {
	if m := jobDetailRoutePattern.FindStringSubmatch(route); len(m) > 1 {
		return m[1]
	}
	return ""
}

// JobDetailRoute builds the detail route for a job.
func JobDetailRoute(jobID string) string {
	return "/technician/jobs/" + jobID
}

// CachedPage records that a route was rendered while online and is therefore
// safe to enter offline. Content holds the pre-cached page body when one was
// fetched; a plain visit record carries no content.
type CachedPage struct {
	Route    string
	Title    string
	CachedAt time.Time
	Content  []byte
}

// IsDashboard reports whether the entry is the technician dashboard.
func (p CachedPage) IsDashboard() bool { return IsDashboardRoute(p.Route) }

// IsJobDetail reports whether the entry is a job detail page.
func (p CachedPage) IsJobDetail() bool { return IsJobDetailRoute(p.Route) }

// PageCache is the durable set of routes rendered while online, keyed by
// route, consulted by the navigation guard to answer "available offline".
type PageCache struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
	maxAge  time.Duration

	now func() time.Time
}

// NewPageCache opens the page cache over db, creating its tables and pruning
// entries older than DefaultPageMaxAge. Pruning is housekeeping, not a
// correctness requirement; a prune failure only logs.
func NewPageCache(db *sql.DB, logger *slog.Logger) (*PageCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initPageCacheSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize page cache: %w", err)
	}
	c := &PageCache{db: db, logger: logger, maxAge: DefaultPageMaxAge, now: time.Now}
	if n, err := c.prune(context.Background()); err != nil {
		logger.Warn("page cache prune failed", "error", err)
	} else if n > 0 {
		logger.Debug("pruned stale cached pages", "count", n)
	}
	return c, nil
}

func initPageCacheSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS _pagecache_meta (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _cached_pages (
			route     TEXT PRIMARY KEY,
			title     TEXT NOT NULL DEFAULT '',
			content   BLOB,
			cached_at INTEGER NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create page cache table: %w", err)
		}
	}
	if _, err := db.Exec(`
		INSERT INTO _pagecache_meta (id, schema_version) VALUES (1, ?)
		ON CONFLICT (id) DO NOTHING
	`, pageCacheSchemaVersion); err != nil {
		return fmt.Errorf("failed to record page cache schema version: %w", err)
	}
	var version int
	if err := db.QueryRow(`SELECT schema_version FROM _pagecache_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read page cache schema version: %w", err)
	}
	if version != pageCacheSchemaVersion {
		return fmt.Errorf("unsupported page cache schema version %d (want %d)", version, pageCacheSchemaVersion)
	}
	return nil
}

// RecordVisit upserts a route into the cached set, refreshing its timestamp.
// Idempotent; called on every successful online page render. Existing
// pre-cached content is preserved.
func (c *PageCache) RecordVisit(ctx context.Context, route, title string) error {
	if route == "" {
		return &ValidationError{Reason: "empty route"}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO _cached_pages (route, title, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT (route) DO UPDATE SET title = excluded.title, cached_at = excluded.cached_at
	`, route, title, c.now().UnixNano()); err != nil {
		return &StorageError{Op: "record visit", Err: err}
	}
	return nil
}

// Put stores a pre-cached page body for a route (used by job detail
// pre-caching after a cache refresh).
func (c *PageCache) Put(ctx context.Context, route, title string, content []byte) error {
	if route == "" {
		return &ValidationError{Reason: "empty route"}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO _cached_pages (route, title, content, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (route) DO UPDATE SET
			title = excluded.title, content = excluded.content, cached_at = excluded.cached_at
	`, route, title, content, c.now().UnixNano()); err != nil {
		return &StorageError{Op: "cache page", Err: err}
	}
	return nil
}

// Get returns the cached entry for route, or nil when the route was never
// cached.
func (c *PageCache) Get(ctx context.Context, route string) (*CachedPage, error) {
	var (
		page     CachedPage
		cachedAt int64
		content  []byte
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT route, title, content, cached_at FROM _cached_pages WHERE route = ?
	`, route).Scan(&page.Route, &page.Title, &content, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get cached page", Err: err}
	}
	page.CachedAt = time.Unix(0, cachedAt)
	page.Content = content
	return &page, nil
}

// Has reports whether route is in the cached set.
func (c *PageCache) Has(ctx context.Context, route string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM _cached_pages WHERE route = ?)`, route).Scan(&exists)
	if err != nil {
		return false, &StorageError{Op: "check cached page", Err: err}
	}
	return exists, nil
}

// List returns all cached entries, newest first, without content bodies.
func (c *PageCache) List(ctx context.Context) ([]CachedPage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT route, title, cached_at FROM _cached_pages ORDER BY cached_at DESC
	`)
	if err != nil {
		return nil, &StorageError{Op: "list cached pages", Err: err}
	}
	defer rows.Close()

	var pages []CachedPage
	for rows.Next() {
		var page CachedPage
		var cachedAt int64
		if err := rows.Scan(&page.Route, &page.Title, &cachedAt); err != nil {
			return nil, &StorageError{Op: "scan cached page", Err: err}
		}
		page.CachedAt = time.Unix(0, cachedAt)
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate cached pages", Err: err}
	}
	return pages, nil
}

// Count returns the number of cached routes.
func (c *PageCache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _cached_pages`).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count cached pages", Err: err}
	}
	return n, nil
}

func (c *PageCache) prune(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cutoff := c.now().Add(-c.maxAge).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM _cached_pages WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
