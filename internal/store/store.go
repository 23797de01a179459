package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
//
// InTx runs fn against a Store bound to a serializable transaction, retrying
// the whole function on serialization conflicts; see postgres.go. Callers must
// not perform network I/O inside fn.
type Store interface {
	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(Store) error) error

	CreateJob(ctx context.Context, job *models.AcquisitionJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.AcquisitionJob, error)
	UpdateJob(ctx context.Context, job *models.AcquisitionJob) error

	// GetJobByExternalRef returns the job holding the given download-session
	// id, optionally restricted to the given statuses.
	GetJobByExternalRef(ctx context.Context, ref string, statuses ...string) (*models.AcquisitionJob, error)

	// ListActiveJobs returns jobs in pending or processing status.
	ListActiveJobs(ctx context.Context) ([]*models.AcquisitionJob, error)
	ListJobsByStatus(ctx context.Context, statuses ...string) ([]*models.AcquisitionJob, error)

	// ListJobsByArtist returns jobs for the given artist id in any status.
	ListJobsByArtist(ctx context.Context, artistID string) ([]*models.AcquisitionJob, error)
	// ListJobsByTarget returns jobs for the given target id in any status.
	ListJobsByTarget(ctx context.Context, targetID string) ([]*models.AcquisitionJob, error)
	// ListJobsByNormalizedSubject returns jobs whose normalized subject
	// matches exactly, in any status.
	ListJobsByNormalizedSubject(ctx context.Context, subject string) ([]*models.AcquisitionJob, error)
	ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.AcquisitionJob, error)
	ListJobsByImport(ctx context.Context, importID uuid.UUID) ([]*models.AcquisitionJob, error)
	// ListRecentJobsByType returns the newest jobs of the given item type,
	// newest first, in any status.
	ListRecentJobsByType(ctx context.Context, itemType string, limit int) ([]*models.AcquisitionJob, error)

	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	// MarkBatchCompleted flips the batch to completed and reports whether
	// this call performed the flip (false if it was already completed).
	MarkBatchCompleted(ctx context.Context, id uuid.UUID) (bool, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}
