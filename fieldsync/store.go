package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldops/go-fieldsync/fieldapi"
)

const queueSchemaVersion = 1

// StoreListener is notified after every successful enqueue or status change.
// It drives UI badge aggregation and carries no payload; listeners re-read
// counts through the store.
type StoreListener func()

// EditStore is the durable local queue of field edits, photo deletes and photo
// uploads. All operations are safe to call from multiple goroutines; the store
// serializes its own writes. Enqueue never fails due to absence of
// connectivity, only on storage or validation errors.
type EditStore struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
	writeMu    sync.Mutex // Serialize write operations to prevent SQLite locking issues

	listenerMu sync.RWMutex
	listeners  []StoreListener

	now func() time.Time
}

// NewEditStore opens the edit queue over db, creating or migrating its tables.
// The queue keeps its own schema version so changes here never touch the job
// or page caches, which live behind their own versioned namespaces.
func NewEditStore(db *sql.DB, logger *slog.Logger) (*EditStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initQueueSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize edit queue: %w", err)
	}
	if n, err := recoverInterrupted(db); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted queue records: %w", err)
	} else if n > 0 {
		logger.Info("requeued records interrupted by a previous shutdown", "count", n)
	}
	return &EditStore{
		db:         db,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}, nil
}

func initQueueSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _queue_meta (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,

		// Field edits and photo deletes, one row per queued mutation. Rows are
		// never deduplicated on write; draining and merging read them in
		// (created_at, rowid) order.
		`CREATE TABLE IF NOT EXISTS _offline_edits (
			id          TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL,
			kind        TEXT NOT NULL CHECK (kind IN ('field-update','photo-delete')),
			payload     TEXT NOT NULL, -- JSON field map
			created_at  INTEGER NOT NULL, -- unix nanoseconds at enqueue
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			status      TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','in-flight','failed')),
			last_error  TEXT NOT NULL DEFAULT ''
		)`,

		// Binary uploads. Bytes are captured at enqueue time and owned by the
		// store until the upload completes or the record is purged.
		`CREATE TABLE IF NOT EXISTS _offline_uploads (
			id              TEXT PRIMARY KEY,
			job_id          TEXT NOT NULL,
			file_name       TEXT NOT NULL,
			mime_type       TEXT NOT NULL DEFAULT '',
			file_size       INTEGER NOT NULL,
			file_modified   INTEGER NOT NULL DEFAULT 0,
			data            BLOB NOT NULL,
			caption         TEXT NOT NULL DEFAULT '',
			is_primary      INTEGER NOT NULL DEFAULT 0,
			upload_progress INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL DEFAULT 3,
			status          TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','uploading','failed')),
			last_error      TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_offline_edits_job
			ON _offline_edits (job_id, created_at)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create queue table: %w", err)
		}
	}

	if _, err := db.Exec(`
		INSERT INTO _queue_meta (id, schema_version) VALUES (1, ?)
		ON CONFLICT (id) DO NOTHING
	`, queueSchemaVersion); err != nil {
		return fmt.Errorf("failed to record queue schema version: %w", err)
	}

	var version int
	if err := db.QueryRow(`SELECT schema_version FROM _queue_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read queue schema version: %w", err)
	}
	if version != queueSchemaVersion {
		return fmt.Errorf("unsupported edit queue schema version %d (want %d)", version, queueSchemaVersion)
	}
	return nil
}

// recoverInterrupted returns records a crashed process left mid-delivery to
// the pending queue. In-flight and uploading are in-memory states only; a row
// still holding one at open time was never acknowledged by the server.
func recoverInterrupted(db *sql.DB) (int64, error) {
	var total int64
	res, err := db.Exec(`UPDATE _offline_edits SET status = 'pending' WHERE status = 'in-flight'`)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = db.Exec(`UPDATE _offline_uploads SET status = 'pending' WHERE status = 'uploading'`)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// Subscribe registers a listener invoked after every successful mutation.
func (s *EditStore) Subscribe(l StoreListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *EditStore) notify() {
	s.listenerMu.RLock()
	listeners := make([]StoreListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()
	for _, l := range listeners {
		l()
	}
}

// EnqueueFieldEdit persists a field-update edit for jobID and returns its ID.
// The payload is validated against the editable-field allowlist; connectivity
// is never consulted.
func (s *EditStore) EnqueueFieldEdit(ctx context.Context, jobID string, fields map[string]any) (string, error) {
	if jobID == "" {
		return "", &ValidationError{Reason: fieldapi.ReasonEmptyJobID}
	}
	if err := fieldapi.ValidateEditFields(fields); err != nil {
		return "", &ValidationError{Reason: "bad edit payload", Err: err}
	}
	return s.insertEdit(ctx, jobID, EditKindFieldUpdate, fields)
}

// EnqueuePhotoDelete persists a photo-delete edit for jobID and returns its ID.
func (s *EditStore) EnqueuePhotoDelete(ctx context.Context, jobID, photoID string) (string, error) {
	if jobID == "" {
		return "", &ValidationError{Reason: fieldapi.ReasonEmptyJobID}
	}
	if photoID == "" {
		return "", &ValidationError{Reason: "empty photo id"}
	}
	return s.insertEdit(ctx, jobID, EditKindPhotoDelete, map[string]any{"photoId": photoID})
}

func (s *EditStore) insertEdit(ctx context.Context, jobID string, kind EditKind, fields map[string]any) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", &StorageError{Op: "serialize edit", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _offline_edits (id, job_id, kind, payload, created_at, max_retries)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, jobID, string(kind), string(payload), s.now().UnixNano(), s.maxRetries)
	if err != nil {
		return "", &StorageError{Op: "enqueue edit", Err: err}
	}

	s.logger.Debug("queued offline edit", "id", id, "job", jobID, "kind", kind)
	s.notify()
	return id, nil
}

// EnqueuePhotoUpload persists a photo upload for jobID and returns its ID. The
// file bytes are copied; the caller's buffer may be reused afterwards.
func (s *EditStore) EnqueuePhotoUpload(ctx context.Context, jobID string, file PhotoFile, caption string, isPrimary bool) (string, error) {
	if jobID == "" {
		return "", &ValidationError{Reason: fieldapi.ReasonEmptyJobID}
	}
	if file.Name == "" {
		return "", &ValidationError{Reason: "empty file name"}
	}
	if len(file.Data) == 0 {
		return "", &ValidationError{Reason: "empty file data"}
	}

	data := make([]byte, len(file.Data))
	copy(data, file.Data)
	size := file.Size
	if size == 0 {
		size = int64(len(data))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _offline_uploads
			(id, job_id, file_name, mime_type, file_size, file_modified, data,
			 caption, is_primary, created_at, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, jobID, file.Name, file.MimeType, size, file.Modified.UnixNano(), data,
		caption, boolToInt(isPrimary), s.now().UnixNano(), s.maxRetries)
	if err != nil {
		return "", &StorageError{Op: "enqueue upload", Err: err}
	}

	s.logger.Debug("queued photo upload", "id", id, "job", jobID, "file", file.Name, "bytes", len(data))
	s.notify()
	return id, nil
}

// ListPendingEdits returns pending edits in enqueue order. An empty jobID
// returns edits for all jobs. Failed records are excluded; they wait for a
// manual retry.
func (s *EditStore) ListPendingEdits(ctx context.Context, jobID string) ([]QueuedEdit, error) {
	query := `
		SELECT id, job_id, kind, payload, created_at, retry_count, max_retries, status, last_error
		FROM _offline_edits WHERE status = 'pending'`
	args := []any{}
	if jobID != "" {
		query += ` AND job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list pending edits", Err: err}
	}
	defer rows.Close()

	var edits []QueuedEdit
	for rows.Next() {
		edit, err := scanEdit(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan edit", Err: err}
		}
		edits = append(edits, edit)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate edits", Err: err}
	}
	return edits, nil
}

// ListFailedEdits returns permanently failed edits in enqueue order.
func (s *EditStore) ListFailedEdits(ctx context.Context) ([]QueuedEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, kind, payload, created_at, retry_count, max_retries, status, last_error
		FROM _offline_edits WHERE status = 'failed'
		ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, &StorageError{Op: "list failed edits", Err: err}
	}
	defer rows.Close()

	var edits []QueuedEdit
	for rows.Next() {
		edit, err := scanEdit(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan edit", Err: err}
		}
		edits = append(edits, edit)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate edits", Err: err}
	}
	return edits, nil
}

func scanEdit(rows *sql.Rows) (QueuedEdit, error) {
	var (
		edit      QueuedEdit
		kind      string
		payload   string
		createdAt int64
		status    string
	)
	if err := rows.Scan(&edit.ID, &edit.JobID, &kind, &payload, &createdAt,
		&edit.RetryCount, &edit.MaxRetries, &status, &edit.LastError); err != nil {
		return QueuedEdit{}, err
	}
	edit.Kind = EditKind(kind)
	edit.Status = EditStatus(status)
	edit.CreatedAt = time.Unix(0, createdAt)
	if err := json.Unmarshal([]byte(payload), &edit.Fields); err != nil {
		return QueuedEdit{}, fmt.Errorf("corrupt edit payload for %s: %w", edit.ID, err)
	}
	return edit, nil
}

// ListPendingUploads returns pending photo uploads in enqueue order, including
// their bytes. An empty jobID returns uploads for all jobs.
func (s *EditStore) ListPendingUploads(ctx context.Context, jobID string) ([]QueuedPhotoUpload, error) {
	query := `
		SELECT id, job_id, file_name, mime_type, file_size, file_modified, data,
		       caption, is_primary, upload_progress, created_at, retry_count,
		       max_retries, status, last_error
		FROM _offline_uploads WHERE status = 'pending'`
	args := []any{}
	if jobID != "" {
		query += ` AND job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list pending uploads", Err: err}
	}
	defer rows.Close()

	var uploads []QueuedPhotoUpload
	for rows.Next() {
		var (
			u         QueuedPhotoUpload
			modified  int64
			createdAt int64
			isPrimary int
			status    string
		)
		if err := rows.Scan(&u.ID, &u.JobID, &u.File.Name, &u.File.MimeType, &u.File.Size,
			&modified, &u.File.Data, &u.Caption, &isPrimary, &u.UploadProgress,
			&createdAt, &u.RetryCount, &u.MaxRetries, &status, &u.LastError); err != nil {
			return nil, &StorageError{Op: "scan upload", Err: err}
		}
		u.File.Modified = time.Unix(0, modified)
		u.CreatedAt = time.Unix(0, createdAt)
		u.IsPrimary = isPrimary != 0
		u.Status = EditStatus(status)
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate uploads", Err: err}
	}
	return uploads, nil
}

// MarkEditStatus transitions an edit record. StatusCompleted removes the row;
// marking an already-removed record completed is a no-op, never an error.
func (s *EditStore) MarkEditStatus(ctx context.Context, id string, status EditStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	if status == StatusCompleted {
		_, err = s.db.ExecContext(ctx, `DELETE FROM _offline_edits WHERE id = ?`, id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE _offline_edits SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return &StorageError{Op: "mark edit status", Err: err}
	}
	s.notify()
	return nil
}

// MarkUploadStatus transitions an upload record; StatusCompleted removes it.
func (s *EditStore) MarkUploadStatus(ctx context.Context, id string, status EditStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	if status == StatusCompleted {
		_, err = s.db.ExecContext(ctx, `DELETE FROM _offline_uploads WHERE id = ?`, id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE _offline_uploads SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return &StorageError{Op: "mark upload status", Err: err}
	}
	s.notify()
	return nil
}

// RecordEditFailure increments the retry count after a failed sync attempt.
// The record goes back to pending until max_retries is exhausted, then parks
// as failed. Returns true when the record failed permanently.
func (s *EditStore) RecordEditFailure(ctx context.Context, id string, cause error) (bool, error) {
	return s.recordFailure(ctx, "_offline_edits", id, cause)
}

// RecordUploadFailure is RecordEditFailure for the upload table.
func (s *EditStore) RecordUploadFailure(ctx context.Context, id string, cause error) (bool, error) {
	return s.recordFailure(ctx, "_offline_uploads", id, cause)
}

func (s *EditStore) recordFailure(ctx context.Context, table, id string, cause error) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	// Single statement keeps the retry decision atomic with the increment.
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			last_error  = ?,
			status      = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		WHERE id = ?
	`, table), msg, id)
	if err != nil {
		return false, &StorageError{Op: "record failure", Err: err}
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, table), id).Scan(&status)
	if err == sql.ErrNoRows {
		s.notify()
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "read status after failure", Err: err}
	}
	s.notify()
	return status == string(StatusFailed), nil
}

// SetUploadProgress persists an advisory progress checkpoint (0-100).
func (s *EditStore) SetUploadProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE _offline_uploads SET upload_progress = ? WHERE id = ?`, percent, id); err != nil {
		return &StorageError{Op: "set upload progress", Err: err}
	}
	return nil
}

// RemoveEdit purges an edit regardless of status. Missing records are a no-op.
func (s *EditStore) RemoveEdit(ctx context.Context, id string) error {
	return s.MarkEditStatus(ctx, id, StatusCompleted)
}

// RemoveUpload purges an upload regardless of status.
func (s *EditStore) RemoveUpload(ctx context.Context, id string) error {
	return s.MarkUploadStatus(ctx, id, StatusCompleted)
}

// RetryAllFailed resets every permanently failed edit and upload back to
// pending with a fresh retry budget. Returns the number of records reset.
func (s *EditStore) RetryAllFailed(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	total := 0
	for _, table := range []string{"_offline_edits", "_offline_uploads"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = 'pending', retry_count = 0, last_error = ''
			WHERE status = 'failed'
		`, table))
		if err != nil {
			return total, &StorageError{Op: "retry failed records", Err: err}
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if total > 0 {
		s.logger.Info("reset failed records for retry", "count", total)
		s.notify()
	}
	return total, nil
}

// PurgeFailed deletes every permanently failed edit and upload. Returns the
// number of records removed.
func (s *EditStore) PurgeFailed(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	total := 0
	for _, table := range []string{"_offline_edits", "_offline_uploads"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE status = 'failed'`, table))
		if err != nil {
			return total, &StorageError{Op: "purge failed records", Err: err}
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if total > 0 {
		s.logger.Info("purged failed records", "count", total)
		s.notify()
	}
	return total, nil
}

// Counts returns queue depth grouped by status.
func (s *EditStore) Counts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'in-flight' THEN 1 END)
		FROM _offline_edits
	`).Scan(&c.PendingEdits, &c.FailedEdits, &c.InFlight)
	if err != nil {
		return c, &StorageError{Op: "count edits", Err: err}
	}

	var uploading int
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'uploading' THEN 1 END)
		FROM _offline_uploads
	`).Scan(&c.PendingUploads, &c.FailedUploads, &uploading)
	if err != nil {
		return c, &StorageError{Op: "count uploads", Err: err}
	}
	c.InFlight += uploading
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
