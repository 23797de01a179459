package models

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions only move forward:
// pending -> processing -> (completed | exhausted | failed).
// An exhausted job's lineage continues in a sibling created by the
// fallback planner; completed and failed are terminal.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusExhausted  = "exhausted"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	ItemTypeAlbum  = "album"
	ItemTypeArtist = "artist"
)

// Download types discriminate fallback policy: discovery jobs never
// substitute within the same artist, import jobs require the literal
// requested item.
const (
	DownloadTypeRequest   = "request"
	DownloadTypeDiscovery = "discovery"
	DownloadTypeImport    = "import"
)

// AcquisitionJob tracks one request to acquire an album (or an artist's
// catalog) through the external acquisition service. Jobs are the sole
// persisted record of in-flight downloads; there is no in-memory job state.
type AcquisitionJob struct {
	ID             uuid.UUID   `db:"id"               json:"id"`
	UserID         string      `db:"user_id"          json:"user_id"`
	Subject        string      `db:"subject"          json:"subject"`
	ItemType       string      `db:"item_type"        json:"item_type"`
	TargetID       string      `db:"target_id"        json:"target_id"`
	Status         string      `db:"status"           json:"status"`
	ExternalRef    *string     `db:"external_ref"     json:"external_ref,omitempty"`
	ExternalItemID *int64      `db:"external_item_id" json:"external_item_id,omitempty"`
	ArtistID       *string     `db:"artist_id"        json:"artist_id,omitempty"`
	Attempts       int         `db:"attempts"         json:"attempts"`
	BatchID        *uuid.UUID  `db:"batch_id"         json:"batch_id,omitempty"`
	Metadata       JobMetadata `db:"metadata"         json:"metadata"`
	Error          *string     `db:"error"            json:"error,omitempty"`
	CreatedAt      time.Time   `db:"created_at"       json:"created_at"`
	CompletedAt    *time.Time  `db:"completed_at"     json:"completed_at,omitempty"`
	UpdatedAt      time.Time   `db:"updated_at"       json:"updated_at"`

	// NormalizedSubject is the normalized "artist - title" key used for
	// duplicate detection and webhook matching. Set at creation time.
	NormalizedSubject string `db:"normalized_subject" json:"-"`
}

// JobMetadata is the structured per-job record stored as JSONB.
// Every field is optional; the zero value is a valid empty record.
type JobMetadata struct {
	ArtistName        string `json:"artist_name,omitempty"`
	AlbumTitle        string `json:"album_title,omitempty"`
	RequestedTargetID string `json:"requested_target_id,omitempty"`
	ResolvedTargetID  string `json:"resolved_target_id,omitempty"`

	// AltExternalRef records a superseded download-session id after the
	// external service swapped sessions on its own retry.
	AltExternalRef string `json:"alt_external_ref,omitempty"`

	FailureCount  int        `json:"failure_count,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	StatusText string     `json:"status_text,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`

	// Fallback lineage.
	SameArtistFallback bool       `json:"same_artist_fallback,omitempty"`
	OriginalJobID      *uuid.UUID `json:"original_job_id,omitempty"`
	MergedWithJob      *uuid.UUID `json:"merged_with_job,omitempty"`

	// Policy switches.
	RetryDisallowed    bool `json:"retry_disallowed,omitempty"`
	FallbackDisallowed bool `json:"fallback_disallowed,omitempty"`

	DownloadType string     `json:"download_type,omitempty"`
	ImportID     *uuid.UUID `json:"import_id,omitempty"`

	// Queue reconciliation state.
	QueueMissingCount  int  `json:"queue_missing_count,omitempty"`
	QueueSyncCompleted bool `json:"queue_sync_completed,omitempty"`

	// DeadlineExtended is set once the reaper has granted the one extra
	// extension covering the external service's internal retry window.
	DeadlineExtended bool `json:"deadline_extended,omitempty"`
}

// Terminal reports whether the job has reached a final disposition.
func (j *AcquisitionJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Active reports whether the job counts against the one-active-job-per-item
// invariant. Exhausted jobs are kept for audit but are not active.
func (j *AcquisitionJob) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// Discovery reports whether the job belongs to a diversity-constrained
// discovery batch.
func (j *AcquisitionJob) Discovery() bool {
	return j.Metadata.DownloadType == DownloadTypeDiscovery
}

// JobProjection is the caller-facing view of a job.
type JobProjection struct {
	ID          uuid.UUID  `json:"id"`
	Status      string     `json:"status"`
	StatusText  string     `json:"status_text,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Projection returns the caller-facing view of the job.
func (j *AcquisitionJob) Projection() JobProjection {
	return JobProjection{
		ID:          j.ID,
		Status:      j.Status,
		StatusText:  j.Metadata.StatusText,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}
