package models

import (
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types known to the pipeline.
const (
	JobTypeSharePointExport = "sharepoint_export"
)

// Job is one durable unit of deferred export work.
type Job struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	ErrorDetails *string        `json:"error_details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// ExportPayload is the typed payload carried by sharepoint_export jobs.
// It holds enough denormalized data to compute the destination path; the
// full inspection is still re-resolved at dispatch time.
type ExportPayload struct {
	InspectionID     string `json:"inspection_id"`
	InspectionType   string `json:"inspection_type"`
	InspectionNumber string `json:"inspection_number"`
}

// Sync log statuses and sync types.
const (
	SyncStatusSuccess = "success"
	SyncStatusFailure = "failure"

	SyncTypeUpload         = "upload"
	SyncTypeMetadataUpdate = "metadata_update"
)

// SyncLogEntry is one append-only audit record of a delivery attempt.
// inspection_id is denormalized so the log stays queryable after job pruning.
type SyncLogEntry struct {
	ID           int64          `json:"id"`
	JobID        string         `json:"job_id"`
	InspectionID string         `json:"inspection_id"`
	SyncType     string         `json:"sync_type"`
	Status       string         `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Inspection sync statuses, the user-visible signal on the inspection record.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Inspection mirrors the collaborator record owned by the CRUD layer.
// Only the fields the export pipeline reads or writes are modeled.
type Inspection struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	InspectorName string          `json:"inspector_name"`
	SerialNumber  string          `json:"serial_number"`
	Location      string          `json:"location"`
	TypeSize      string          `json:"type_size"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ReviewedBy    *string         `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes   *string         `json:"review_notes,omitempty"`
	Items         []ChecklistItem `json:"items"`
	Photos        []Photo         `json:"photos"`
	SyncStatus    string          `json:"sharepoint_sync_status"`
	FileURL       *string         `json:"sharepoint_file_url,omitempty"`
}

// ChecklistItem is one inspected step on the form.
type ChecklistItem struct {
	Step   string `json:"step"`
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

// Photo is one captured image attached to an inspection step.
type Photo struct {
	StepID string `json:"step_id"`
	URL    string `json:"url"`
}
