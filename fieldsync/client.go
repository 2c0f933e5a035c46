package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fieldops/go-fieldsync/fieldapi"
)

// Config holds client settings.
type Config struct {
	BaseURL            string        // job API root, e.g. https://api.example.com/api
	AppURL             string        // rendered page root for the page cache
	ProbeURL           string        // connectivity probe target
	TechnicianID       string        // jobs are fetched for this technician
	MaxRetries         int           // per-item delivery attempts before parking as failed
	UploadLimit        int64         // max photo size in MiB
	HTTPTimeout        time.Duration
	DrainInterval      time.Duration // periodic background drain while online
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	PrecacheRetryDelay time.Duration // wait before the single page precache retry
	PageMaxAge         time.Duration
}

// DefaultConfig returns client defaults for the given API root and technician.
func DefaultConfig(baseURL, technicianID string) *Config {
	return &Config{
		BaseURL:            baseURL,
		AppURL:             baseURL,
		ProbeURL:           baseURL + "/health",
		TechnicianID:       technicianID,
		MaxRetries:         DefaultMaxRetries,
		UploadLimit:        200,
		HTTPTimeout:        30 * time.Second,
		DrainInterval:      60 * time.Second,
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       3 * time.Second,
		PrecacheRetryDelay: 2 * time.Second,
		PageMaxAge:         DefaultPageMaxAge,
	}
}

// Diagnostics is a point-in-time snapshot of the sync subsystem, intended for
// a support or debug screen.
type Diagnostics struct {
	Counts       QueueCounts           `json:"counts"`
	FailedEdits  []QueuedEdit          `json:"failedEdits"`
	CacheStatus  TechnicianCacheStatus `json:"cacheStatus"`
	CachedJobs   int                   `json:"cachedJobs"`
	CachedPages  int                   `json:"cachedPages"`
	IsOffline    bool                  `json:"isOffline"`
	LastOnlineAt time.Time             `json:"lastOnlineAt"`
}

// Client is the public entry point to the offline sync subsystem. It owns the
// durable stores, the connectivity detector, and the drain loop, and exposes
// the queue, cache and navigation operations the app calls.
type Client struct {
	store    *EditStore
	jobs     *JobCache
	pages    *PageCache
	detector *Detector
	guard    *Guard
	merger   *Merger

	baseURL      string
	appURL       string
	technicianID string
	tok          func(ctx context.Context) (string, error)
	http         *http.Client
	config       *Config
	logger       *slog.Logger

	emitter    eventEmitter
	drainGroup singleflight.Group
	syncing    atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient wires the sync subsystem on top of three SQLite handles. The
// handles may point at the same file or separate files; each store manages
// its own schema. tok supplies the bearer token for API calls.
func NewClient(
	queueDB, cacheDB, pageDB *sql.DB,
	tok func(ctx context.Context) (string, error),
	config *Config,
	logger *slog.Logger,
) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewEditStore(queueDB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create edit store: %w", err)
	}
	if config.MaxRetries > 0 {
		store.maxRetries = config.MaxRetries
	}
	jobs, err := NewJobCache(cacheDB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create job cache: %w", err)
	}
	pages, err := NewPageCache(pageDB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	if config.PageMaxAge > 0 {
		pages.maxAge = config.PageMaxAge
	}

	detector := NewDetector(&DetectorConfig{
		ProbeURL:      config.ProbeURL,
		ProbeTimeout:  config.ProbeTimeout,
		ProbeInterval: config.ProbeInterval,
	}, logger)

	c := &Client{
		store:        store,
		jobs:         jobs,
		pages:        pages,
		detector:     detector,
		guard:        NewGuard(pages, detector, logger),
		merger:       NewMerger(store),
		baseURL:      config.BaseURL,
		appURL:       config.AppURL,
		technicianID: config.TechnicianID,
		tok:          tok,
		http:         &http.Client{Timeout: config.HTTPTimeout},
		config:       config,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}

	store.Subscribe(func() {
		counts, err := store.Counts(context.Background())
		if err != nil {
			c.logger.Warn("failed to read queue counts", "error", err)
			return
		}
		c.emitter.emit(EventQueueChanged, counts)
	})

	detector.Subscribe(func(online bool) {
		if online {
			c.emitter.emit(EventNetworkOnline, nil)
			if err := c.jobs.SetOnlineSnapshot(context.Background(), c.technicianID, true); err != nil {
				c.logger.Warn("failed to record online state", "error", err)
			}
			go func() {
				if err := c.SyncNow(context.Background()); err != nil {
					c.logger.Warn("post-reconnect sync failed", "error", err)
				}
			}()
		} else {
			c.emitter.emit(EventNetworkOffline, nil)
			if err := c.jobs.SetOnlineSnapshot(context.Background(), c.technicianID, false); err != nil {
				c.logger.Warn("failed to record offline state", "error", err)
			}
		}
	})

	return c, nil
}

// On registers an event handler for client events.
func (c *Client) On(h EventHandler) {
	c.emitter.On(h)
}

// Store exposes the underlying edit queue for direct inspection.
func (c *Client) Store() *EditStore { return c.store }

// Jobs exposes the job cache.
func (c *Client) Jobs() *JobCache { return c.jobs }

// Pages exposes the page cache.
func (c *Client) Pages() *PageCache { return c.pages }

// Detector exposes the connectivity detector.
func (c *Client) Detector() *Detector { return c.detector }

// Guard exposes the offline navigation guard.
func (c *Client) Guard() *Guard { return c.guard }

// NewNavigator builds a navigator that routes through the guard and reports
// blocked navigations as events.
func (c *Client) NewNavigator(delegate NavigateFunc) *Navigator {
	return NewNavigator(c.guard, delegate, func(b BlockedNavigation) {
		c.emitter.emit(EventNavigationBlocked, b)
	})
}

// Start launches the detector recovery loop and the periodic drain.
func (c *Client) Start(ctx context.Context) {
	c.detector.Start(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if c.detector.IsOffline() {
					continue
				}
				if err := c.SyncNow(ctx); err != nil {
					c.logger.Warn("periodic sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts background loops and waits for them to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.detector.Stop()
	c.wg.Wait()
	c.emitter.removeAll()
}

// QueueFieldEdit records a job field edit for later delivery and patches the
// cached copy so the UI reflects the change immediately.
func (c *Client) QueueFieldEdit(ctx context.Context, jobID string, fields map[string]any) (string, error) {
	id, err := c.store.EnqueueFieldEdit(ctx, jobID, fields)
	if err != nil {
		return "", err
	}
	if err := c.jobs.UpdateJob(ctx, jobID, fields); err != nil {
		c.logger.Warn("failed to patch cached job", "job_id", jobID, "error", err)
	}
	if err := c.jobs.MarkOfflineUpdate(ctx, c.technicianID); err != nil {
		c.logger.Warn("failed to record offline update", "error", err)
	}
	return id, nil
}

// QueuePhotoDelete records a photo deletion for later delivery.
func (c *Client) QueuePhotoDelete(ctx context.Context, jobID, photoID string) (string, error) {
	id, err := c.store.EnqueuePhotoDelete(ctx, jobID, photoID)
	if err != nil {
		return "", err
	}
	if err := c.jobs.MarkOfflineUpdate(ctx, c.technicianID); err != nil {
		c.logger.Warn("failed to record offline update", "error", err)
	}
	return id, nil
}

// QueuePhotoUpload records a photo upload for later delivery. The file bytes
// are copied into durable storage so the caller may discard its buffer.
func (c *Client) QueuePhotoUpload(ctx context.Context, jobID string, file PhotoFile, caption string, isPrimary bool) (string, error) {
	limit := c.config.UploadLimit * 1024 * 1024
	size := file.Size
	if size == 0 {
		size = int64(len(file.Data))
	}
	if limit > 0 && size > limit {
		return "", &ValidationError{
			Reason: "file too large",
			Err:    fmt.Errorf("photo is %d bytes, limit is %d MiB", size, c.config.UploadLimit),
		}
	}
	id, err := c.store.EnqueuePhotoUpload(ctx, jobID, file, caption, isPrimary)
	if err != nil {
		return "", err
	}
	if err := c.jobs.MarkOfflineUpdate(ctx, c.technicianID); err != nil {
		c.logger.Warn("failed to record offline update", "error", err)
	}
	return id, nil
}

// GetSyncStatus reports queue depths and connectivity for status UI.
func (c *Client) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	status, err := c.jobs.Status(ctx, c.technicianID)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		PendingEdits:  counts.PendingEdits,
		PendingPhotos: counts.PendingUploads,
		FailedEdits:   counts.FailedEdits,
		FailedPhotos:  counts.FailedUploads,
		IsOnline:      !c.detector.IsOffline(),
		IsSyncing:     c.syncing.Load(),
		LastSyncAt:    status.LastSync,
	}, nil
}

// Diagnostics gathers a debug snapshot of stores and connectivity.
func (c *Client) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := c.store.ListFailedEdits(ctx)
	if err != nil {
		return nil, err
	}
	status, err := c.jobs.Status(ctx, c.technicianID)
	if err != nil {
		return nil, err
	}
	jobCount, err := c.jobs.JobCount(ctx, c.technicianID)
	if err != nil {
		return nil, err
	}
	pageCount, err := c.pages.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Diagnostics{
		Counts:       counts,
		FailedEdits:  failed,
		CacheStatus:  status,
		CachedJobs:   jobCount,
		CachedPages:  pageCount,
		IsOffline:    c.detector.IsOffline(),
		LastOnlineAt: c.detector.LastOnlineAt(),
	}, nil
}

// RetryAllFailed resets failed items to pending and, when online, kicks a
// drain so they go out immediately.
func (c *Client) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := c.store.RetryAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 && !c.detector.IsOffline() {
		if err := c.SyncNow(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RefreshJobs fetches today's jobs for the technician, replaces the local
// cache, and precaches the rendered dashboard and detail pages so they stay
// reachable offline.
func (c *Client) RefreshJobs(ctx context.Context) ([]CachedJob, error) {
	apiJobs, err := c.fetchTodayJobs(ctx)
	if err != nil {
		return nil, err
	}

	cached := make([]CachedJob, 0, len(apiJobs))
	for _, j := range apiJobs {
		if err := j.Validate(); err != nil {
			c.logger.Warn("skipping invalid job from server", "job_id", j.ID, "error", err)
			continue
		}
		cached = append(cached, CachedJobFromAPI(j))
	}

	if err := c.jobs.ReplaceTodayJobs(ctx, c.technicianID, cached); err != nil {
		return nil, err
	}
	c.precacheJobPages(ctx, cached)
	return cached, nil
}

// DisplayJob returns the cached job with pending local edits applied, ready
// for rendering. Returns nil when the job is not cached.
func (c *Client) DisplayJob(ctx context.Context, jobID string) (*MergedJob, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return c.merger.Merge(ctx, *job)
}

// DisplayTodayJobs returns today's cached jobs with pending edits applied.
func (c *Client) DisplayTodayJobs(ctx context.Context) ([]MergedJob, error) {
	jobs, err := c.jobs.GetTodayJobs(ctx, c.technicianID)
	if err != nil {
		return nil, err
	}
	merged := make([]MergedJob, 0, len(jobs))
	for _, j := range jobs {
		m, err := c.merger.Merge(ctx, j)
		if err != nil {
			return nil, err
		}
		merged = append(merged, *m)
	}
	return merged, nil
}

func (c *Client) fetchTodayJobs(ctx context.Context) ([]fieldapi.Job, error) {
	q := url.Values{}
	q.Set("assignedToId", c.technicianID)
	q.Set("dueDate", "today")
	endpoint := c.baseURL + "/jobs?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &NetworkError{Op: "fetch jobs", Err: err}
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch jobs", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.emitter.emit(EventReauthRequired, nil)
		return nil, &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "fetch jobs", Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	}

	var jobs []fieldapi.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, &NetworkError{Op: "fetch jobs", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return jobs, nil
}

// precacheJobPages fetches and stores the dashboard page plus one detail page
// per job. Failures are retried once after a short delay; pages that still
// fail are logged and skipped, the refresh itself already succeeded.
func (c *Client) precacheJobPages(ctx context.Context, jobs []CachedJob) {
	type target struct {
		route string
		title string
	}
	targets := make([]target, 0, len(jobs)+1)
	targets = append(targets, target{route: DashboardRoute, title: "Dashboard"})
	for _, j := range jobs {
		targets = append(targets, target{
			route: JobDetailRoute(j.ID),
			title: "Job " + j.JobNumber,
		})
	}

	var retry []target
	for _, t := range targets {
		if err := c.precachePage(ctx, t.route, t.title); err != nil {
			retry = append(retry, t)
		}
	}
	if len(retry) == 0 {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.config.PrecacheRetryDelay):
	}
	for _, t := range retry {
		if err := c.precachePage(ctx, t.route, t.title); err != nil {
			c.logger.Warn("failed to precache page", "route", t.route, "error", err)
		}
	}
}

func (c *Client) precachePage(ctx context.Context, route, title string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.appURL+route, nil)
	if err != nil {
		return &NetworkError{Op: "precache page", Err: err}
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "precache page", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: "precache page", Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "precache page", Err: err}
	}
	return c.pages.Put(ctx, route, title, content)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tok == nil {
		return nil
	}
	token, err := c.tok(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
