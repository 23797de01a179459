// Package tracker is the acquisition tracking core: a crash-tolerant state
// machine over durable job records that reconciles webhook events, the
// external service's live queue, and type-specific timeouts, without keeping
// any job state in memory.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/batch"
	"github.com/jwhitmore/trackdown/internal/config"
	"github.com/jwhitmore/trackdown/internal/lidarr"
	"github.com/jwhitmore/trackdown/internal/musicbrainz"
	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// Service orchestrates acquisition jobs. One instance is constructed at
// process start and shared by the webhook handlers and the sweeps; all job
// state lives in the store.
type Service struct {
	store    store.Store
	lidarr   lidarr.Client
	metadata musicbrainz.Client
	policy   notify.Policy
	notifier notify.Notifier
	batches  batch.Completer
	imports  batch.ImportCompleter
	cfg        config.TrackerConfig
	rootFolder string
	logger     *slog.Logger

	now func() time.Time
}

// Deps holds the collaborators and configuration for a Service. All fields
// except Logger are required.
type Deps struct {
	Store      store.Store
	Lidarr     lidarr.Client
	Metadata   musicbrainz.Client
	Policy     notify.Policy
	Notifier   notify.Notifier
	Batches    batch.Completer
	Imports    batch.ImportCompleter
	Config     config.TrackerConfig
	RootFolder string
	Logger     *slog.Logger
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      deps.Store,
		lidarr:     deps.Lidarr,
		metadata:   deps.Metadata,
		policy:     deps.Policy,
		notifier:   deps.Notifier,
		batches:    deps.Batches,
		imports:    deps.Imports,
		cfg:        deps.Config,
		rootFolder: deps.RootFolder,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest describes one album to acquire.
type CreateRequest struct {
	UserID     string
	ArtistName string
	AlbumTitle string
	TargetID   string
	ItemType   string
	Discovery  bool
	Import     bool
	BatchID    *uuid.UUID
	ImportID   *uuid.UUID
}

// Create persists a new pending job after duplicate detection. At most one
// job per (artist, item) pair may be active; a duplicate submission returns
// ErrDuplicateJob.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.AcquisitionJob, error) {
	itemType := req.ItemType
	if itemType == "" {
		itemType = models.ItemTypeAlbum
	}

	downloadType := models.DownloadTypeRequest
	switch {
	case req.Discovery:
		downloadType = models.DownloadTypeDiscovery
	case req.Import:
		downloadType = models.DownloadTypeImport
	}

	normalized := NormalizedSubject(req.ArtistName, req.AlbumTitle)

	var job *models.AcquisitionJob
	err := s.store.InTx(ctx, func(q store.Store) error {
		job = nil

		if req.TargetID != "" {
			existing, err := q.ListJobsByTarget(ctx, req.TargetID)
			if err != nil {
				return err
			}
			for _, e := range existing {
				if e.Active() {
					return fmt.Errorf("%w: target %s held by job %s", ErrDuplicateJob, req.TargetID, e.ID)
				}
			}
		}
		existing, err := q.ListJobsByNormalizedSubject(ctx, normalized)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Active() {
				return fmt.Errorf("%w: %q held by job %s", ErrDuplicateJob, normalized, e.ID)
			}
		}

		job = &models.AcquisitionJob{
			ID:                uuid.New(),
			UserID:            req.UserID,
			Subject:           Subject(req.ArtistName, req.AlbumTitle),
			NormalizedSubject: normalized,
			ItemType:          itemType,
			TargetID:          req.TargetID,
			Status:            models.JobStatusPending,
			BatchID:           req.BatchID,
			Metadata: models.JobMetadata{
				ArtistName:         req.ArtistName,
				AlbumTitle:         req.AlbumTitle,
				RequestedTargetID:  req.TargetID,
				StatusText:         "Queued",
				DownloadType:       downloadType,
				ImportID:           req.ImportID,
				FallbackDisallowed: req.Import,
			},
		}
		return q.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job created", "job_id", job.ID, "subject", job.Subject, "type", downloadType)
	return job, nil
}

// StartInput identifies the job to start and carries the originally
// requested names in case the job record predates them.
type StartInput struct {
	JobID      uuid.UUID
	ArtistName string
	AlbumTitle string
	TargetID   string
	UserID     string
	Discovery  bool
}

// StartResult reports the outcome of a Start call for the caller to display.
type StartResult struct {
	Started     bool
	Kind        FailureKind
	Recoverable bool
	Message     string
}

// Start asks the external service to begin acquiring the job's target and
// transitions the job to processing. On failure the error is classified:
// "no releases" and "not found" feed the fallback planner when policy allows;
// anything else fails the job outright.
func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	job, err := s.store.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job.Terminal() || job.Status == models.JobStatusExhausted {
		return &StartResult{Started: false, Kind: FailureInternal,
			Message: fmt.Sprintf("job already %s", job.Status)}, nil
	}

	artistName := job.Metadata.ArtistName
	if artistName == "" {
		artistName = in.ArtistName
	}
	albumTitle := job.Metadata.AlbumTitle
	if albumTitle == "" {
		albumTitle = in.AlbumTitle
	}

	// Artist-id resolution is best effort; acquisition proceeds without it,
	// it only costs the same-artist fallback later.
	artistID := job.ArtistID
	if (artistID == nil || *artistID == "") && artistName != "" {
		if id, err := s.metadata.ArtistID(ctx, artistName); err != nil {
			s.logger.Warn("artist id lookup failed", "job_id", job.ID, "artist", artistName, "error", err)
		} else {
			artistID = &id
		}
	}

	addReq := lidarr.AddAlbumRequest{
		ForeignAlbumID: job.TargetID,
		ArtistName:     artistName,
		AlbumTitle:     albumTitle,
		RootFolder:     s.rootFolder,
	}
	if artistID != nil {
		addReq.ArtistMBID = *artistID
	}
	if in.Discovery || job.Discovery() {
		addReq.Tag = "discovery"
	}

	res, addErr := s.lidarr.AddAlbum(ctx, addReq)
	if addErr == nil {
		err := s.store.InTx(ctx, func(q store.Store) error {
			cur, err := q.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			// A webhook can finish the job while AddAlbum is in flight;
			// a settled job is never reopened.
			if cur.Terminal() || cur.Status == models.JobStatusExhausted {
				return nil
			}
			now := s.now()
			cur.Status = models.JobStatusProcessing
			cur.ArtistID = artistID
			cur.ExternalItemID = &res.ID
			cur.Attempts++
			if res.ForeignAlbumID != "" && res.ForeignAlbumID != cur.TargetID {
				cur.Metadata.ResolvedTargetID = res.ForeignAlbumID
			}
			cur.Metadata.StartedAt = &now
			cur.Metadata.StatusText = fmt.Sprintf("Lidarr #%d", res.ID)
			return q.UpdateJob(ctx, cur)
		})
		if err != nil {
			return nil, fmt.Errorf("record start: %w", err)
		}
		s.logger.Info("acquisition started", "job_id", job.ID, "subject", job.Subject, "lidarr_id", res.ID)
		return &StartResult{Started: true}, nil
	}

	// Persist what we learned before classifying the failure.
	if artistID != nil && (job.ArtistID == nil || *job.ArtistID == "") {
		if err := s.store.InTx(ctx, func(q store.Store) error {
			cur, err := q.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			cur.ArtistID = artistID
			return q.UpdateJob(ctx, cur)
		}); err != nil {
			s.logger.Warn("persist artist id failed", "job_id", job.ID, "error", err)
		}
		job.ArtistID = artistID
	}

	switch {
	case errors.Is(addErr, lidarr.ErrNoReleases):
		return s.startFailed(ctx, job, FailureNoReleases, "No sources available")
	case errors.Is(addErr, lidarr.ErrNotFound):
		return s.startFailed(ctx, job, FailureNotFound, "Not found on the acquisition service")
	case errors.Is(addErr, lidarr.ErrUnavailable):
		s.failTerminal(ctx, job.ID, "acquisition service unavailable: "+addErr.Error())
		return &StartResult{Kind: FailureUnavailable, Message: "Acquisition service unavailable"}, nil
	default:
		s.failTerminal(ctx, job.ID, addErr.Error())
		return &StartResult{Kind: FailureInternal, Message: addErr.Error()}, nil
	}
}

// startFailed handles the recoverable Start failures: the fallback planner
// decides whether the job's lineage continues with another album.
func (s *Service) startFailed(ctx context.Context, job *models.AcquisitionJob, kind FailureKind, msg string) (*StartResult, error) {
	s.recordFailure(ctx, job.ID, msg)

	substituted, err := s.planFallback(ctx, job, msg)
	if err != nil {
		s.logger.Error("fallback planning failed", "job_id", job.ID, "error", err)
	}
	return &StartResult{Kind: kind, Recoverable: substituted, Message: msg}, nil
}

// failOrFallback routes a mid-flight failure (import failure, stale timeout)
// through the same policy split as a failed Start.
func (s *Service) failOrFallback(ctx context.Context, job *models.AcquisitionJob, cause string) (bool, error) {
	return s.planFallback(ctx, job, cause)
}

// recordFailure appends to the job's failure history without changing status.
func (s *Service) recordFailure(ctx context.Context, jobID uuid.UUID, msg string) {
	err := s.store.InTx(ctx, func(q store.Store) error {
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return nil
		}
		now := s.now()
		cur.Metadata.FailureCount++
		cur.Metadata.LastError = msg
		cur.Metadata.LastFailureAt = &now
		return q.UpdateJob(ctx, cur)
	})
	if err != nil {
		s.logger.Warn("record failure", "job_id", jobID, "error", err)
	}
}

// failTerminal marks a job failed and runs the terminal side effects.
// Before failing it re-checks for an already-completed duplicate of the same
// item and merges into it instead, so a race with a finishing duplicate never
// reports a false failure.
func (s *Service) failTerminal(ctx context.Context, jobID uuid.UUID, cause string) {
	var final *models.AcquisitionJob
	err := s.store.InTx(ctx, func(q store.Store) error {
		final = nil
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return nil
		}
		now := s.now()

		if cur.NormalizedSubject != "" {
			dups, err := q.ListJobsByNormalizedSubject(ctx, cur.NormalizedSubject)
			if err != nil {
				return err
			}
			for _, d := range dups {
				if d.ID != cur.ID && d.Status == models.JobStatusCompleted {
					completeJob(cur, now, "Completed")
					cur.Metadata.MergedWithJob = &d.ID
					final = cur
					return q.UpdateJob(ctx, cur)
				}
			}
		}

		cur.Status = models.JobStatusFailed
		cur.CompletedAt = &now
		msg := cause
		cur.Error = &msg
		cur.Metadata.FailureCount++
		cur.Metadata.LastError = cause
		cur.Metadata.LastFailureAt = &now
		cur.Metadata.StatusText = "Failed"
		final = cur
		return q.UpdateJob(ctx, cur)
	})
	if err != nil {
		s.logger.Error("fail job", "job_id", jobID, "error", err)
		return
	}
	if final == nil {
		return
	}

	if final.Status == models.JobStatusFailed {
		s.logger.Info("job failed", "job_id", final.ID, "subject", final.Subject, "cause", cause)
		dec, err := s.policy.Evaluate(ctx, final.ID, notify.EventFailed)
		if err != nil {
			s.logger.Warn("failure notify policy", "job_id", final.ID, "error", err)
		}
		if dec.ShouldNotify {
			if err := s.notifier.JobFailed(ctx, final, cause); err != nil {
				s.logger.Warn("failure notification", "job_id", final.ID, "error", err)
			}
		}
	} else {
		s.logger.Info("job merged with completed duplicate",
			"job_id", final.ID, "merged_with", final.Metadata.MergedWithJob)
	}
	s.terminalSideEffects(ctx, final)
}

// terminalSideEffects runs the batch and import completion checks after a
// terminal transition. Always outside the transaction boundary.
func (s *Service) terminalSideEffects(ctx context.Context, job *models.AcquisitionJob) {
	if job.BatchID != nil {
		if err := s.batches.CheckBatchCompletion(ctx, *job.BatchID); err != nil {
			s.logger.Warn("batch completion check", "batch_id", *job.BatchID, "error", err)
		}
	}
	if job.Metadata.ImportID != nil {
		if err := s.imports.CheckImportCompletion(ctx, *job.Metadata.ImportID); err != nil {
			s.logger.Warn("import completion check", "import_id", *job.Metadata.ImportID, "error", err)
		}
	}
}

// extendDeadline records a fresh start time so the reaper's thresholds count
// from now. markExtended consumes the single policy-granted extension.
func (s *Service) extendDeadline(ctx context.Context, jobID uuid.UUID, markExtended bool) error {
	return s.store.InTx(ctx, func(q store.Store) error {
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !cur.Active() {
			return nil
		}
		now := s.now()
		cur.Metadata.StartedAt = &now
		if markExtended {
			cur.Metadata.DeadlineExtended = true
			cur.Metadata.StatusText = "Waiting for external retry"
		}
		return q.UpdateJob(ctx, cur)
	})
}

// completeJob applies the completed-state mutation in place.
func completeJob(j *models.AcquisitionJob, now time.Time, statusText string) {
	j.Status = models.JobStatusCompleted
	j.CompletedAt = &now
	j.Error = nil
	j.Metadata.StatusText = statusText
}
