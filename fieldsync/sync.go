package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/fieldops/go-fieldsync/fieldapi"
)

// SyncResult summarizes one drain pass.
type SyncResult struct {
	EditsDelivered   int `json:"editsDelivered"`
	UploadsDelivered int `json:"uploadsDelivered"`
	Failures         int `json:"failures"`
}

// SyncNow drains the edit and upload queues to the server. Concurrent calls
// coalesce into a single in-flight drain; callers share its result. A 401
// from the server aborts the drain, leaves the remaining records pending, and
// returns an AuthError after announcing that reauthentication is needed.
func (c *Client) SyncNow(ctx context.Context) error {
	_, err, _ := c.drainGroup.Do("drain", func() (any, error) {
		return c.drain(ctx)
	})
	return err
}

func (c *Client) drain(ctx context.Context) (*SyncResult, error) {
	if c.detector.IsOffline() {
		c.logger.Debug("skipping drain, offline")
		return &SyncResult{}, nil
	}

	c.syncing.Store(true)
	defer c.syncing.Store(false)
	c.emitter.emit(EventSyncStart, nil)

	result := &SyncResult{}
	if err := c.drainEdits(ctx, result); err != nil {
		return c.drainFailed(result, err)
	}
	if err := c.drainUploads(ctx, result); err != nil {
		return c.drainFailed(result, err)
	}

	if err := c.jobs.TouchLastSync(ctx, c.technicianID); err != nil {
		c.logger.Warn("failed to stamp last sync", "error", err)
	}
	c.logger.Info("drain complete",
		"edits", result.EditsDelivered, "uploads", result.UploadsDelivered, "failures", result.Failures)
	c.emitter.emit(EventSyncComplete, *result)
	return result, nil
}

func (c *Client) drainFailed(result *SyncResult, err error) (*SyncResult, error) {
	if IsAuthError(err) {
		c.emitter.emit(EventReauthRequired, nil)
	}
	c.emitter.emit(EventSyncError, err)
	return result, err
}

// drainEdits delivers pending edits oldest first across all jobs, which
// preserves per-job enqueue order. A retryable failure records the attempt
// and parks the rest of that job's edits for this pass; delivering a later
// edit ahead of a failed earlier one would let the next drain re-apply the
// older value on top of the newer. Other jobs keep draining. An auth failure
// stops the pass.
func (c *Client) drainEdits(ctx context.Context, result *SyncResult) error {
	edits, err := c.store.ListPendingEdits(ctx, "")
	if err != nil {
		return err
	}
	failedJobs := make(map[string]struct{})
	for _, edit := range edits {
		if _, held := failedJobs[edit.JobID]; held {
			continue
		}
		if err := c.store.MarkEditStatus(ctx, edit.ID, StatusInFlight); err != nil {
			return err
		}
		pushErr := c.pushEdit(ctx, edit)
		if pushErr == nil {
			if err := c.store.MarkEditStatus(ctx, edit.ID, StatusCompleted); err != nil {
				return err
			}
			result.EditsDelivered++
			continue
		}
		if IsAuthError(pushErr) {
			// The record was never rejected on its merits; put it back so the
			// next drain after reauth picks it up.
			if err := c.store.MarkEditStatus(ctx, edit.ID, StatusPending); err != nil {
				return err
			}
			return pushErr
		}
		failedJobs[edit.JobID] = struct{}{}
		result.Failures++
		parked, err := c.store.RecordEditFailure(ctx, edit.ID, pushErr)
		if err != nil {
			return err
		}
		if parked {
			c.logger.Warn("edit exhausted retries",
				"id", edit.ID, "job", edit.JobID, "error", pushErr)
		} else {
			c.logger.Debug("edit delivery failed, will retry",
				"id", edit.ID, "job", edit.JobID, "error", pushErr)
		}
	}
	return nil
}

func (c *Client) pushEdit(ctx context.Context, edit QueuedEdit) error {
	switch edit.Kind {
	case EditKindPhotoDelete:
		return c.pushPhotoDelete(ctx, edit)
	default:
		return c.pushFieldEdit(ctx, edit)
	}
}

// pushFieldEdit sends one queued field update. The body is marked as an
// offline update and carries the enqueue timestamp so the server can audit
// when the technician actually made the change.
func (c *Client) pushFieldEdit(ctx context.Context, edit QueuedEdit) error {
	body, err := json.Marshal(fieldapi.OfflineUpdateBody(edit.Fields, edit.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to serialize edit %s: %w", edit.ID, err)
	}
	endpoint := c.baseURL + "/jobs/" + edit.JobID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Op: "push edit", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	return c.doAndCheck(req, "push edit")
}

func (c *Client) pushPhotoDelete(ctx context.Context, edit QueuedEdit) error {
	photoID, _ := edit.Fields["photoId"].(string)
	if photoID == "" {
		return &ValidationError{Reason: "photo-delete record missing photoId"}
	}
	endpoint := c.baseURL + "/jobs/" + edit.JobID + "/photos/" + photoID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return &NetworkError{Op: "push photo delete", Err: err}
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	return c.doAndCheck(req, "push photo delete")
}

func (c *Client) drainUploads(ctx context.Context, result *SyncResult) error {
	uploads, err := c.store.ListPendingUploads(ctx, "")
	if err != nil {
		return err
	}
	failedJobs := make(map[string]struct{})
	for _, up := range uploads {
		if _, held := failedJobs[up.JobID]; held {
			continue
		}
		if err := c.store.MarkUploadStatus(ctx, up.ID, StatusUploading); err != nil {
			return err
		}
		pushErr := c.pushUpload(ctx, up)
		if pushErr == nil {
			if err := c.store.MarkUploadStatus(ctx, up.ID, StatusCompleted); err != nil {
				return err
			}
			result.UploadsDelivered++
			continue
		}
		if IsAuthError(pushErr) {
			if err := c.store.MarkUploadStatus(ctx, up.ID, StatusPending); err != nil {
				return err
			}
			return pushErr
		}
		failedJobs[up.JobID] = struct{}{}
		result.Failures++
		parked, err := c.store.RecordUploadFailure(ctx, up.ID, pushErr)
		if err != nil {
			return err
		}
		if parked {
			c.logger.Warn("upload exhausted retries",
				"id", up.ID, "job", up.JobID, "file", up.File.Name, "error", pushErr)
		} else {
			c.logger.Debug("upload failed, will retry",
				"id", up.ID, "job", up.JobID, "file", up.File.Name, "error", pushErr)
		}
	}
	return nil
}

// pushUpload posts the photo as multipart form data and records progress
// checkpoints as the body streams out.
func (c *Client) pushUpload(ctx context.Context, up QueuedPhotoUpload) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", up.File.Name)
	if err != nil {
		return fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(up.File.Data); err != nil {
		return fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.WriteField("caption", up.Caption); err != nil {
		return fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.WriteField("isPrimary", strconv.FormatBool(up.IsPrimary)); err != nil {
		return fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to build upload form: %w", err)
	}

	total := int64(buf.Len())
	body := &progressReader{
		r:     &buf,
		total: total,
		report: func(percent int) {
			if err := c.store.SetUploadProgress(ctx, up.ID, percent); err != nil {
				c.logger.Debug("failed to record upload progress", "id", up.ID, "error", err)
			}
		},
	}

	endpoint := c.baseURL + "/jobs/" + up.JobID + "/photos"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return &NetworkError{Op: "push upload", Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.ContentLength = total
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	return c.doAndCheck(req, "push upload")
}

func (c *Client) doAndCheck(req *http.Request, op string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return &NetworkError{Op: op, Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	}
}

// progressReader reports percentage checkpoints in 25-point steps so a
// multi-megabyte photo does not hammer the store with writes.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastStep int
	report   func(percent int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && p.report != nil {
		percent := int(p.read * 100 / p.total)
		step := percent / 25 * 25
		if step > p.lastStep {
			p.lastStep = step
			p.report(step)
		}
	}
	return n, err
}
