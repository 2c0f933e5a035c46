package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/go-fieldsync/fieldapi"
)

// recordedRequest captures one API call made during a drain.
type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

// testServer is an httptest job API that records mutating calls and can be
// switched into failure modes.
type testServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	requests      []recordedRequest
	statusCode    int // forced status for mutating calls; 0 means success
	failRemaining int // next N mutating calls answer 500, then recover
	jobs          []fieldapi.Job
	uploads       []uploadedPhoto
}

type uploadedPhoto struct {
	JobID     string
	FileName  string
	Data      []byte
	Caption   string
	IsPrimary string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.statusCode != 0 {
			w.WriteHeader(ts.statusCode)
			return
		}
		_ = json.NewEncoder(w).Encode(ts.jobs)
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.statusCode != 0 {
			w.WriteHeader(ts.statusCode)
			return
		}
		if ts.failRemaining > 0 {
			ts.failRemaining--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
		}
		switch {
		case r.Method == http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(32<<20))
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			file.Close()
			ts.uploads = append(ts.uploads, uploadedPhoto{
				JobID:     r.URL.Path,
				FileName:  header.Filename,
				Data:      data,
				Caption:   r.FormValue("caption"),
				IsPrimary: r.FormValue("isPrimary"),
			})
		case r.Method == http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &rec.Body))
		}
		ts.requests = append(ts.requests, rec)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/technician/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	})

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) setStatus(code int) {
	ts.mu.Lock()
	ts.statusCode = code
	ts.mu.Unlock()
}

func (ts *testServer) failNext(n int) {
	ts.mu.Lock()
	ts.failRemaining = n
	ts.mu.Unlock()
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]recordedRequest, len(ts.requests))
	copy(out, ts.requests)
	return out
}

func newTestClient(t *testing.T, ts *testServer) *Client {
	t.Helper()

	openDB := func() *sql.DB {
		db, err := sql.Open("sqlite3", ":memory:")
		require.NoError(t, err)
		// Every pooled connection to :memory: is a distinct database; pin
		// the pool so all queries see the same one.
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		return db
	}

	cfg := DefaultConfig(ts.srv.URL, "tech-1")
	tok := func(ctx context.Context) (string, error) { return "test-token", nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(openDB(), openDB(), openDB(), tok, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(client.Stop)
	return client
}

// setOnline flips the detector state without firing listeners, so tests
// control exactly when a drain runs.
func setOnline(c *Client, online bool) {
	c.detector.mu.Lock()
	c.detector.offline = !online
	if online {
		c.detector.lastOnlineAt = time.Now()
	}
	c.detector.mu.Unlock()
}

func TestSyncNowDeliversEditsInOrder(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	// Queue while offline; nothing goes out.
	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "VISITED"})
	require.NoError(t, err)
	_, err = client.QueueFieldEdit(ctx, "job-1", map[string]any{"notes": "replaced pump"})
	require.NoError(t, err)

	require.NoError(t, client.SyncNow(ctx))
	require.Empty(t, ts.recorded(), "offline drain must not touch the network")

	setOnline(client, true)
	require.NoError(t, client.SyncNow(ctx))

	reqs := ts.recorded()
	require.Len(t, reqs, 2)
	require.Equal(t, http.MethodPut, reqs[0].Method)
	require.Equal(t, "/jobs/job-1", reqs[0].Path)
	require.Equal(t, "Bearer test-token", reqs[0].Auth)
	require.Equal(t, "VISITED", reqs[0].Body["status"])
	require.Equal(t, true, reqs[0].Body[fieldapi.KeyOfflineUpdate])
	require.NotEmpty(t, reqs[0].Body[fieldapi.KeyTimestamp])
	require.Equal(t, "replaced pump", reqs[1].Body["notes"])

	counts, err := client.Store().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts.PendingEdits)
	require.Equal(t, 0, counts.FailedEdits)
}

func TestSyncHoldsLaterEditsForFailedJob(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "VISITED"})
	require.NoError(t, err)
	_, err = client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "COMPLETED"})
	require.NoError(t, err)
	_, err = client.QueueFieldEdit(ctx, "job-2", map[string]any{"notes": "swapped filter"})
	require.NoError(t, err)

	// The oldest job-1 edit fails once. The later job-1 edit must wait for
	// it; delivering it now would let the next drain re-apply VISITED on top
	// of COMPLETED. Other jobs keep draining.
	ts.failNext(1)
	require.NoError(t, client.SyncNow(ctx))

	reqs := ts.recorded()
	require.Len(t, reqs, 1)
	require.Equal(t, "/jobs/job-2", reqs[0].Path)

	counts, err := client.Store().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts.PendingEdits)
	require.Equal(t, 0, counts.FailedEdits)

	require.NoError(t, client.SyncNow(ctx))

	reqs = ts.recorded()
	require.Len(t, reqs, 3)
	require.Equal(t, "/jobs/job-1", reqs[1].Path)
	require.Equal(t, "VISITED", reqs[1].Body["status"])
	require.Equal(t, "/jobs/job-1", reqs[2].Path)
	require.Equal(t, "COMPLETED", reqs[2].Body["status"])
}

func TestSyncHoldsLaterUploadsForFailedJob(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	for _, name := range []string{"first.jpg", "second.jpg"} {
		_, err := client.QueuePhotoUpload(ctx, "job-1", PhotoFile{
			Name: name, MimeType: "image/jpeg", Modified: time.Now(), Data: []byte(name),
		}, "", false)
		require.NoError(t, err)
	}

	ts.failNext(1)
	require.NoError(t, client.SyncNow(ctx))

	ts.mu.Lock()
	uploaded := len(ts.uploads)
	ts.mu.Unlock()
	require.Equal(t, 0, uploaded, "a failed upload holds the rest of its job's queue")

	require.NoError(t, client.SyncNow(ctx))

	ts.mu.Lock()
	uploads := ts.uploads
	ts.mu.Unlock()
	require.Len(t, uploads, 2)
	require.Equal(t, "first.jpg", uploads[0].FileName)
	require.Equal(t, "second.jpg", uploads[1].FileName)
}

func TestSyncAbortsOnUnauthorized(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	var mu sync.Mutex
	var events []string
	client.On(func(event string, payload any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "VISITED"})
	require.NoError(t, err)

	ts.setStatus(http.StatusUnauthorized)
	err = client.SyncNow(ctx)
	require.Error(t, err)
	require.True(t, IsAuthError(err))

	// The record goes back to pending with no retry burned; it was never
	// rejected on its own merits.
	edits, err := client.Store().ListPendingEdits(ctx, "")
	require.NoError(t, err)
	require.Len(t, edits, 1)
	require.Equal(t, 0, edits[0].RetryCount)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, EventReauthRequired)
	require.Contains(t, events, EventSyncError)
	require.NotContains(t, events, EventSyncComplete)
}

func TestSyncRetriesThenParksAsFailed(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "VISITED"})
	require.NoError(t, err)

	ts.setStatus(http.StatusInternalServerError)
	for i := 0; i < DefaultMaxRetries; i++ {
		require.NoError(t, client.SyncNow(ctx), "server errors are retried, not fatal")
	}

	counts, err := client.Store().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts.PendingEdits)
	require.Equal(t, 1, counts.FailedEdits)

	failed, err := client.Store().ListFailedEdits(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].LastError, "500")

	// A later drain must not resurrect the parked record.
	ts.setStatus(0)
	require.NoError(t, client.SyncNow(ctx))
	require.Empty(t, ts.recorded())

	// Manual retry does.
	n, err := client.RetryAllFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, ts.recorded(), 1)
}

func TestSyncDeliversPhotoUploads(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	data := []byte("jpeg-bytes")
	_, err := client.QueuePhotoUpload(ctx, "job-1", PhotoFile{
		Name:     "pump.jpg",
		MimeType: "image/jpeg",
		Modified: time.Now(),
		Data:     data,
	}, "before repair", true)
	require.NoError(t, err)

	require.NoError(t, client.SyncNow(ctx))

	ts.mu.Lock()
	uploads := ts.uploads
	ts.mu.Unlock()
	require.Len(t, uploads, 1)
	require.Equal(t, "/jobs/job-1/photos", uploads[0].JobID)
	require.Equal(t, "pump.jpg", uploads[0].FileName)
	require.Equal(t, data, uploads[0].Data)
	require.Equal(t, "before repair", uploads[0].Caption)
	require.Equal(t, "true", uploads[0].IsPrimary)

	counts, err := client.Store().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts.PendingUploads)
}

func TestQueuePhotoUploadEnforcesSizeLimit(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	client.config.UploadLimit = 1 // 1 MiB

	big := make([]byte, 2<<20)
	_, err := client.QueuePhotoUpload(ctx, "job-1", PhotoFile{
		Name: "huge.jpg", MimeType: "image/jpeg", Modified: time.Now(), Data: big,
	}, "", false)
	require.Error(t, err)
	require.True(t, IsValidationError(err))
}

func TestQueuePhotoUploadStampsOfflineUpdate(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	_, err := client.QueuePhotoUpload(ctx, "job-1", PhotoFile{
		Name: "pump.jpg", MimeType: "image/jpeg", Modified: time.Now(), Data: []byte("jpeg-bytes"),
	}, "", false)
	require.NoError(t, err)

	// An upload-only offline session still counts as an offline update.
	status, err := client.Jobs().Status(ctx, "tech-1")
	require.NoError(t, err)
	require.False(t, status.LastOfflineUpdateAt.IsZero())
}

func TestSyncDeliversPhotoDeletes(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	_, err := client.QueuePhotoDelete(ctx, "job-1", "photo-9")
	require.NoError(t, err)
	require.NoError(t, client.SyncNow(ctx))

	reqs := ts.recorded()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodDelete, reqs[0].Method)
	require.Equal(t, "/jobs/job-1/photos/photo-9", reqs[0].Path)
}

func TestQueueFieldEditPatchesCachedJob(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	today := time.Now().Format(fieldapi.DateLayout)
	require.NoError(t, client.Jobs().ReplaceTodayJobs(ctx, "tech-1",
		[]CachedJob{testJob("job-1", "J-1001", today)}))

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "VISITED"})
	require.NoError(t, err)

	// The cached copy reflects the edit immediately, before any sync.
	merged, err := client.DisplayJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, merged)
	require.Equal(t, "VISITED", merged.Status)
	require.True(t, merged.HasPendingUpdates)

	status, err := client.Jobs().Status(ctx, "tech-1")
	require.NoError(t, err)
	require.False(t, status.LastOfflineUpdateAt.IsZero())
}

func TestDisplayJobMissingFromCache(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	merged, err := client.DisplayJob(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, merged)
}

func TestRefreshJobsCachesJobsAndPages(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)
	setOnline(client, true)

	today := time.Now().Format(fieldapi.DateLayout)
	ts.mu.Lock()
	ts.jobs = []fieldapi.Job{
		{ID: "job-1", JobNumber: "J-1001", Status: "OPEN", DueDate: today},
		{ID: "job-2", JobNumber: "J-1002", Status: "OPEN", DueDate: today},
		{ID: "", JobNumber: "J-bad", DueDate: today}, // invalid, skipped
	}
	ts.mu.Unlock()

	cached, err := client.RefreshJobs(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 2)

	jobs, err := client.Jobs().GetTodayJobs(ctx, "tech-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// The dashboard and each detail page are now offline-safe.
	for _, route := range []string{DashboardRoute, JobDetailRoute("job-1"), JobDetailRoute("job-2")} {
		has, err := client.Pages().Has(ctx, route)
		require.NoError(t, err)
		require.True(t, has, "route %s should be precached", route)

		page, err := client.Pages().Get(ctx, route)
		require.NoError(t, err)
		require.Contains(t, string(page.Content), route)
	}
}

func TestGetSyncStatus(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"notes": "x"})
	require.NoError(t, err)

	status, err := client.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.PendingEdits)
	require.Equal(t, 0, status.PendingPhotos)
	require.False(t, status.IsOnline)
	require.False(t, status.IsSyncing)
}

func TestReconnectTriggersDrain(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"status": "VISITED"})
	require.NoError(t, err)

	// A confirmed online transition kicks a background drain.
	client.Detector().SetNetworkAvailable(ctx, true)
	require.False(t, client.Detector().IsOffline())

	require.Eventually(t, func() bool {
		counts, err := client.Store().Counts(ctx)
		return err == nil && counts.PendingEdits == 0
	}, 5*time.Second, 20*time.Millisecond, "reconnect should drain the queue")

	reqs := ts.recorded()
	require.Len(t, reqs, 1)
	require.Equal(t, "/jobs/job-1", reqs[0].Path)
}

func TestSyncEmitsQueueChanged(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	var mu sync.Mutex
	var payloads []QueueCounts
	client.On(func(event string, payload any) {
		if event != EventQueueChanged {
			return
		}
		mu.Lock()
		payloads = append(payloads, payload.(QueueCounts))
		mu.Unlock()
	})

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"notes": "x"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, payloads)
	require.Equal(t, 1, payloads[len(payloads)-1].PendingEdits)
}

func TestDiagnostics(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := newTestClient(t, ts)

	today := time.Now().Format(fieldapi.DateLayout)
	require.NoError(t, client.Jobs().ReplaceTodayJobs(ctx, "tech-1",
		[]CachedJob{testJob("job-1", "J-1001", today), testJob("job-2", "J-1002", today)}))

	_, err := client.QueueFieldEdit(ctx, "job-1", map[string]any{"notes": "x"})
	require.NoError(t, err)

	diag, err := client.Diagnostics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, diag.Counts.PendingEdits)
	require.Empty(t, diag.FailedEdits)
	require.Equal(t, 2, diag.CachedJobs)
	require.True(t, diag.IsOffline)
}
