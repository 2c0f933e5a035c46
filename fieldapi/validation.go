package fieldapi

import (
	"fmt"
	"time"
)

// Invalid reasons reported by boundary validation.
const (
	ReasonEmptyJobID   = "empty_job_id"
	ReasonEmptyDueDate = "empty_due_date"
	ReasonBadDueDate   = "bad_due_date"
	ReasonNoFields     = "no_fields"
	ReasonUnknownField = "unknown_field"
	ReasonBadValue     = "bad_value"
)

// Keys injected into the body of an offline-originated PUT /jobs/{id} call.
const (
	KeyOfflineUpdate = "offlineUpdate"
	KeyTimestamp     = "timestamp"
)

// editableJobFields is the allowlist of job fields a technician may change
// through the offline edit queue. The server performs partial-field updates,
// so anything outside this set is rejected at enqueue time rather than
// discovered during a drain.
var editableJobFields = map[string]struct{}{
	"status":          {},
	"notes":           {},
	"serviceType":     {},
	"completionNotes": {},
	"signedOffBy":     {},
	"startedAt":       {},
	"completedAt":     {},
}

// InvalidFieldError describes a rejected edit payload entry.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid edit field %q: %s", e.Field, e.Reason)
}

// ValidateEditFields checks a field-update payload against the editable-field
// allowlist. Values must be JSON scalars; nested objects never appear in a
// partial job update.
func ValidateEditFields(fields map[string]any) error {
	if len(fields) == 0 {
		return &InvalidFieldError{Reason: ReasonNoFields}
	}
	for name, value := range fields {
		if _, ok := editableJobFields[name]; !ok {
			return &InvalidFieldError{Field: name, Reason: ReasonUnknownField}
		}
		switch value.(type) {
		case string, bool, float64, int, int64, nil:
			// JSON scalar, fine
		default:
			return &InvalidFieldError{Field: name, Reason: ReasonBadValue}
		}
	}
	return nil
}

// Validate checks a Job arriving from the network before it is converted into
// the typed cache entity.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job validation failed: %s", ReasonEmptyJobID)
	}
	if j.DueDate == "" {
		return fmt.Errorf("job %s validation failed: %s", j.ID, ReasonEmptyDueDate)
	}
	if _, err := time.Parse(DateLayout, j.DueDate); err != nil {
		return fmt.Errorf("job %s validation failed: %s (%q)", j.ID, ReasonBadDueDate, j.DueDate)
	}
	return nil
}

// OfflineUpdateBody builds the PUT /jobs/{id} request body for a queued field
// edit: the partial field map plus the offline marker and the original
// enqueue timestamp.
func OfflineUpdateBody(fields map[string]any, enqueuedAt time.Time) map[string]any {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body[KeyOfflineUpdate] = true
	body[KeyTimestamp] = enqueuedAt.UTC().Format(time.RFC3339Nano)
	return body
}
