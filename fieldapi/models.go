// Package fieldapi defines the wire models for the remote job-management REST
// API consumed by the offline sync layer, plus boundary validation that turns
// loosely-shaped network payloads into well-formed values before they reach
// the caches and queues.
package fieldapi

import (
	"time"
)

// DateLayout is the calendar-date format used for job due dates on the wire.
const DateLayout = "2006-01-02"

// Job is the denormalized job record returned by GET /jobs.
type Job struct {
	ID                 string     `json:"id"`
	JobNumber          string     `json:"jobNumber"`
	Status             string     `json:"status"`
	ServiceType        string     `json:"serviceType,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	DueDate            string     `json:"dueDate"` // YYYY-MM-DD
	ScheduledAt        *time.Time `json:"scheduledAt,omitempty"`
	Customer           Customer   `json:"customer"`
	Location           Location   `json:"location"`
	Contact            Contact    `json:"contact"`
	AssignedTechnician Technician `json:"assignedTechnician"`
	Photos             []JobPhoto `json:"photos,omitempty"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
}

// Customer is the customer summary embedded in a job.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Location is the site address embedded in a job.
type Location struct {
	Address  string `json:"address"`
	City     string `json:"city,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

// Contact is the on-site contact embedded in a job.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Technician identifies the assigned field technician.
type Technician struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// JobPhoto is a photo attached to a job.
type JobPhoto struct {
	ID        string     `json:"id"`
	URL       string     `json:"url,omitempty"`
	Caption   string     `json:"caption,omitempty"`
	IsPrimary bool       `json:"isPrimary,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ErrorResponse is the error body returned by the API on non-2xx statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
