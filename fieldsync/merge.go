package fieldsync

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Merger overlays unsynced local edits onto a server-fetched job so stale
// server data never silently overwrites what the technician changed offline.
//
// The policy is deliberately one-sided: for any field with a pending edit the
// local value wins unconditionally, regardless of server timestamps. The
// server is the sync target, not the source of truth, for fields touched
// while offline. This is a single-writer simplification: if the server
// advanced the same field through another channel, that change is shadowed
// until the pending edit drains.
type Merger struct {
	store *EditStore
}

// NewMerger creates a Merger reading pending edits from store.
func NewMerger(store *EditStore) *Merger {
	return &Merger{store: store}
}

// Merge returns serverJob with pending local field edits applied on top.
// Among multiple pending edits of the same field, the most recently enqueued
// value wins. Photo-delete edits do not participate in field merging.
func (m *Merger) Merge(ctx context.Context, serverJob CachedJob) (*MergedJob, error) {
	edits, err := m.store.ListPendingEdits(ctx, serverJob.ID)
	if err != nil {
		return nil, err
	}

	merged := &MergedJob{CachedJob: serverJob}

	// Edits arrive in enqueue order, so overwriting as we go leaves the
	// last-written value for each field.
	winners := make(map[string]any)
	var lastUpdate time.Time
	for _, edit := range edits {
		if edit.Kind != EditKindFieldUpdate {
			continue
		}
		for field, value := range edit.Fields {
			winners[field] = value
		}
		if edit.CreatedAt.After(lastUpdate) {
			lastUpdate = edit.CreatedAt
		}
	}
	if len(winners) == 0 {
		return merged, nil
	}

	// Apply through the JSON map so edit payload keys line up with the wire
	// field names, then decode back into the typed snapshot.
	raw, err := json.Marshal(&serverJob)
	if err != nil {
		return nil, &StorageError{Op: "encode job for merge", Err: err}
	}
	var jobMap map[string]any
	if err := json.Unmarshal(raw, &jobMap); err != nil {
		return nil, &StorageError{Op: "decode job for merge", Err: err}
	}
	for field, value := range winners {
		jobMap[field] = value
	}
	patched, err := json.Marshal(jobMap)
	if err != nil {
		return nil, &StorageError{Op: "encode merged job", Err: err}
	}
	if err := json.Unmarshal(patched, &merged.CachedJob); err != nil {
		return nil, &StorageError{Op: "decode merged job", Err: err}
	}

	merged.HasPendingUpdates = true
	merged.LastUpdateTimestamp = lastUpdate
	merged.PendingFields = make([]string, 0, len(winners))
	for field := range winners {
		merged.PendingFields = append(merged.PendingFields, field)
	}
	sort.Strings(merged.PendingFields)
	return merged, nil
}
