package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldops/go-fieldsync/fieldapi"
)

const jobCacheSchemaVersion = 1

// JobCache is the durable snapshot of a technician's jobs for offline display
// and editing. It is refreshed wholesale from the server and tolerates being
// queried before any fetch has ever completed.
type JobCache struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex

	now func() time.Time
}

// NewJobCache opens the job cache over db, creating or migrating its tables.
func NewJobCache(db *sql.DB, logger *slog.Logger) (*JobCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initJobCacheSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize job cache: %w", err)
	}
	return &JobCache{db: db, logger: logger, now: time.Now}, nil
}

func initJobCacheSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _jobcache_meta (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,

		// One row per cached job; the denormalized snapshot lives in the JSON
		// data column, with the columns the cache queries on pulled out.
		`CREATE TABLE IF NOT EXISTS _cached_jobs (
			id             TEXT PRIMARY KEY,
			technician_id  TEXT NOT NULL,
			due_date       TEXT NOT NULL, -- YYYY-MM-DD
			data           TEXT NOT NULL, -- JSON CachedJob
			last_cached_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _technician_cache_status (
			technician_id       TEXT PRIMARY KEY,
			last_sync           INTEGER NOT NULL DEFAULT 0,
			job_count           INTEGER NOT NULL DEFAULT 0,
			is_online           INTEGER NOT NULL DEFAULT 0,
			last_offline_update INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cached_jobs_technician
			ON _cached_jobs (technician_id, due_date)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create job cache table: %w", err)
		}
	}

	if _, err := db.Exec(`
		INSERT INTO _jobcache_meta (id, schema_version) VALUES (1, ?)
		ON CONFLICT (id) DO NOTHING
	`, jobCacheSchemaVersion); err != nil {
		return fmt.Errorf("failed to record job cache schema version: %w", err)
	}
	var version int
	if err := db.QueryRow(`SELECT schema_version FROM _jobcache_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read job cache schema version: %w", err)
	}
	if version != jobCacheSchemaVersion {
		return fmt.Errorf("unsupported job cache schema version %d (want %d)", version, jobCacheSchemaVersion)
	}
	return nil
}

// ReplaceTodayJobs atomically replaces the technician's cached jobs with the
// freshly fetched set and stamps the cache status row.
func (c *JobCache) ReplaceTodayJobs(ctx context.Context, technicianID string, jobs []CachedJob) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin cache replace", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _cached_jobs WHERE technician_id = ?`, technicianID); err != nil {
		return &StorageError{Op: "clear cached jobs", Err: err}
	}

	now := c.now()
	for i := range jobs {
		jobs[i].LastCachedAt = now
		data, err := json.Marshal(&jobs[i])
		if err != nil {
			return &StorageError{Op: "serialize cached job", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _cached_jobs (id, technician_id, due_date, data, last_cached_at)
			VALUES (?, ?, ?, ?, ?)
		`, jobs[i].ID, technicianID, jobs[i].DueDate, string(data), now.UnixNano()); err != nil {
			return &StorageError{Op: "insert cached job", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _technician_cache_status (technician_id, last_sync, job_count)
		VALUES (?, ?, ?)
		ON CONFLICT (technician_id) DO UPDATE SET last_sync = excluded.last_sync, job_count = excluded.job_count
	`, technicianID, now.UnixNano(), len(jobs)); err != nil {
		return &StorageError{Op: "update cache status", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit cache replace", Err: err}
	}
	c.logger.Debug("replaced cached jobs", "technician", technicianID, "count", len(jobs))
	return nil
}

// GetTodayJobs returns the cached jobs due on the current local calendar date.
// An empty cache yields an empty list, never an error.
func (c *JobCache) GetTodayJobs(ctx context.Context, technicianID string) ([]CachedJob, error) {
	today := c.now().Format(fieldapi.DateLayout)
	return c.queryJobs(ctx, `
		SELECT data FROM _cached_jobs
		WHERE technician_id = ? AND due_date = ?
		ORDER BY id
	`, technicianID, today)
}

// GetAllJobs returns every cached job for the technician regardless of date.
func (c *JobCache) GetAllJobs(ctx context.Context, technicianID string) ([]CachedJob, error) {
	return c.queryJobs(ctx, `
		SELECT data FROM _cached_jobs
		WHERE technician_id = ?
		ORDER BY due_date, id
	`, technicianID)
}

func (c *JobCache) queryJobs(ctx context.Context, query string, args ...any) ([]CachedJob, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query cached jobs", Err: err}
	}
	defer rows.Close()

	jobs := []CachedJob{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &StorageError{Op: "scan cached job", Err: err}
		}
		var job CachedJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, &StorageError{Op: "decode cached job", Err: err}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate cached jobs", Err: err}
	}
	return jobs, nil
}

// GetJob returns a single cached job, or nil when the job is not cached.
func (c *JobCache) GetJob(ctx context.Context, jobID string) (*CachedJob, error) {
	var data string
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM _cached_jobs WHERE id = ?`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get cached job", Err: err}
	}
	var job CachedJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, &StorageError{Op: "decode cached job", Err: err}
	}
	return &job, nil
}

// UpdateJob patches individual fields of a cached job in place so an offline
// edit is reflected immediately in the UI, independent of the edit queue.
// Field names use the wire JSON keys. Unknown jobs are a no-op; an edit may
// be queued for a job no longer present in the cache.
func (c *JobCache) UpdateJob(ctx context.Context, jobID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var (
		data         string
		technicianID string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT data, technician_id FROM _cached_jobs WHERE id = ?`, jobID).Scan(&data, &technicianID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "load cached job", Err: err}
	}

	// Patch through the JSON map so keys match edit payloads exactly.
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return &StorageError{Op: "decode cached job", Err: err}
	}
	for k, v := range fields {
		m[k] = v
	}
	now := c.now()
	m["lastCachedAt"] = now.UTC().Format(time.RFC3339Nano)
	patched, err := json.Marshal(m)
	if err != nil {
		return &StorageError{Op: "encode cached job", Err: err}
	}

	if _, err := c.db.ExecContext(ctx, `
		UPDATE _cached_jobs SET data = ?, last_cached_at = ? WHERE id = ?
	`, string(patched), now.UnixNano(), jobID); err != nil {
		return &StorageError{Op: "patch cached job", Err: err}
	}
	return c.markOfflineUpdateLocked(ctx, technicianID, now)
}

// Clear removes all cached jobs and the status row for the technician.
func (c *JobCache) Clear(ctx context.Context, technicianID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin cache clear", Err: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _cached_jobs WHERE technician_id = ?`, technicianID); err != nil {
		return &StorageError{Op: "clear cached jobs", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _technician_cache_status WHERE technician_id = ?`, technicianID); err != nil {
		return &StorageError{Op: "clear cache status", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit cache clear", Err: err}
	}
	return nil
}

// Status returns the technician's cache bookkeeping row; the zero value when
// no refresh has ever run.
func (c *JobCache) Status(ctx context.Context, technicianID string) (TechnicianCacheStatus, error) {
	st := TechnicianCacheStatus{TechnicianID: technicianID}
	var lastSync, lastOffline int64
	var isOnline int
	err := c.db.QueryRowContext(ctx, `
		SELECT last_sync, job_count, is_online, last_offline_update
		FROM _technician_cache_status WHERE technician_id = ?
	`, technicianID).Scan(&lastSync, &st.JobCount, &isOnline, &lastOffline)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, &StorageError{Op: "read cache status", Err: err}
	}
	if lastSync > 0 {
		st.LastSync = time.Unix(0, lastSync)
	}
	if lastOffline > 0 {
		st.LastOfflineUpdateAt = time.Unix(0, lastOffline)
	}
	st.IsOnline = isOnline != 0
	return st, nil
}

// SetOnlineSnapshot records the connectivity state observed at status time.
func (c *JobCache) SetOnlineSnapshot(ctx context.Context, technicianID string, online bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO _technician_cache_status (technician_id, is_online)
		VALUES (?, ?)
		ON CONFLICT (technician_id) DO UPDATE SET is_online = excluded.is_online
	`, technicianID, boolToInt(online)); err != nil {
		return &StorageError{Op: "set online snapshot", Err: err}
	}
	return nil
}

// TouchLastSync stamps the technician's last successful sync time.
func (c *JobCache) TouchLastSync(ctx context.Context, technicianID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO _technician_cache_status (technician_id, last_sync)
		VALUES (?, ?)
		ON CONFLICT (technician_id) DO UPDATE SET last_sync = excluded.last_sync
	`, technicianID, c.now().UnixNano()); err != nil {
		return &StorageError{Op: "touch last sync", Err: err}
	}
	return nil
}

// MarkOfflineUpdate stamps the technician as dirty since the last sync.
func (c *JobCache) MarkOfflineUpdate(ctx context.Context, technicianID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.markOfflineUpdateLocked(ctx, technicianID, c.now())
}

func (c *JobCache) markOfflineUpdateLocked(ctx context.Context, technicianID string, at time.Time) error {
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO _technician_cache_status (technician_id, last_offline_update)
		VALUES (?, ?)
		ON CONFLICT (technician_id) DO UPDATE SET last_offline_update = excluded.last_offline_update
	`, technicianID, at.UnixNano()); err != nil {
		return &StorageError{Op: "mark offline update", Err: err}
	}
	return nil
}

// JobCount returns the number of cached jobs for the technician.
func (c *JobCache) JobCount(ctx context.Context, technicianID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _cached_jobs WHERE technician_id = ?`, technicianID).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count cached jobs", Err: err}
	}
	return n, nil
}
