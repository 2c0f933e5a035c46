package fieldsync

import (
	"time"

	"github.com/fieldops/go-fieldsync/fieldapi"
)

// EditKind discriminates queued edit records.
type EditKind string

const (
	EditKindFieldUpdate EditKind = "field-update"
	EditKindPhotoDelete EditKind = "photo-delete"
)

// EditStatus is the lifecycle status of a queued edit or upload.
type EditStatus string

const (
	StatusPending   EditStatus = "pending"
	StatusInFlight  EditStatus = "in-flight"
	StatusUploading EditStatus = "uploading"
	StatusCompleted EditStatus = "completed"
	StatusFailed    EditStatus = "failed"
)

// DefaultMaxRetries is the number of drain attempts a record gets before it is
// parked as failed and left for a manual retry or purge.
const DefaultMaxRetries = 3

// QueuedEdit is one pending mutation against one job. Completed records are
// removed from the store rather than retained with a status.
type QueuedEdit struct {
	ID         string
	JobID      string
	Kind       EditKind
	Fields     map[string]any // field name -> new value; photo-delete carries {"photoId": ...}
	CreatedAt  time.Time
	RetryCount int
	MaxRetries int
	Status     EditStatus
	LastError  string
}

// PhotoFile captures a photo's bytes and metadata at enqueue time. Once
// enqueued the original file handle is irrelevant; the store owns the bytes
// until the upload completes or the record is purged.
type PhotoFile struct {
	Name     string
	MimeType string
	Size     int64
	Modified time.Time
	Data     []byte
}

// QueuedPhotoUpload is a pending binary upload for one job.
type QueuedPhotoUpload struct {
	ID             string
	JobID          string
	File           PhotoFile
	Caption        string
	IsPrimary      bool
	UploadProgress int // 0-100, advisory
	CreatedAt      time.Time
	RetryCount     int
	MaxRetries     int
	Status         EditStatus
	LastError      string
}

// CachedJob is the denormalized job snapshot held for offline display and
// editing. It mirrors the wire Job shape but is owned by the local cache.
type CachedJob struct {
	ID                 string              `json:"id"`
	JobNumber          string              `json:"jobNumber"`
	Status             string              `json:"status"`
	ServiceType        string              `json:"serviceType,omitempty"`
	Notes              string              `json:"notes,omitempty"`
	DueDate            string              `json:"dueDate"` // YYYY-MM-DD
	ScheduledAt        *time.Time          `json:"scheduledAt,omitempty"`
	Customer           fieldapi.Customer   `json:"customer"`
	Location           fieldapi.Location   `json:"location"`
	Contact            fieldapi.Contact    `json:"contact"`
	AssignedTechnician fieldapi.Technician `json:"assignedTechnician"`
	Photos             []fieldapi.JobPhoto `json:"photos,omitempty"`
	LastCachedAt       time.Time           `json:"lastCachedAt"`
}

// CachedJobFromAPI converts a validated wire Job into the cache entity.
func CachedJobFromAPI(j fieldapi.Job) CachedJob {
	return CachedJob{
		ID:                 j.ID,
		JobNumber:          j.JobNumber,
		Status:             j.Status,
		ServiceType:        j.ServiceType,
		Notes:              j.Notes,
		DueDate:            j.DueDate,
		ScheduledAt:        j.ScheduledAt,
		Customer:           j.Customer,
		Location:           j.Location,
		Contact:            j.Contact,
		AssignedTechnician: j.AssignedTechnician,
		Photos:             j.Photos,
	}
}

// TechnicianCacheStatus is the per-technician cache bookkeeping row.
type TechnicianCacheStatus struct {
	TechnicianID        string
	LastSync            time.Time
	JobCount            int
	IsOnline            bool
	LastOfflineUpdateAt time.Time
}

// QueueCounts aggregates queue depth by record kind and status.
type QueueCounts struct {
	PendingEdits   int
	PendingUploads int
	FailedEdits    int
	FailedUploads  int
	InFlight       int
}

// SyncStatus is the aggregate sync state exposed to the UI at all times.
type SyncStatus struct {
	PendingEdits  int
	PendingPhotos int
	FailedEdits   int
	FailedPhotos  int
	IsOnline      bool
	IsSyncing     bool
	LastSyncAt    time.Time
}

// MergedJob is a server job overlaid with unsynced local edits.
type MergedJob struct {
	CachedJob
	HasPendingUpdates   bool
	LastUpdateTimestamp time.Time
	PendingFields       []string
}
