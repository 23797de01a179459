package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// GrabEvent reports that the external service started pulling content.
type GrabEvent struct {
	SessionID      string
	ItemID         string // release-group id as the external service sees it
	ItemTitle      string
	ArtistName     string
	ExternalItemID int64 // the external service's numeric record id
}

// CompleteEvent reports that content finished transferring and importing.
type CompleteEvent struct {
	SessionID      string
	ItemID         string
	ItemTitle      string
	ArtistName     string
	ExternalItemID int64
}

// ImportFailedEvent reports a failed import for a download session.
type ImportFailedEvent struct {
	SessionID string
	Reason    string
	ItemID    string
}

// HandleGrabbed correlates a "grabbed" event with exactly one job. Delivery
// is at-least-once: re-delivery of a session id already assigned to a job is
// a no-op. When no job matches and no duplicate exists in any status, a
// tracking job is synthesized if an owning user can be inferred; otherwise
// the event is discarded.
func (s *Service) HandleGrabbed(ctx context.Context, ev GrabEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("grab event without session id")
	}

	var outcome string
	var matched *models.AcquisitionJob
	err := s.store.InTx(ctx, func(q store.Store) error {
		outcome, matched = "", nil

		// Idempotency short-circuit: session already assigned.
		if j, err := q.GetJobByExternalRef(ctx, ev.SessionID); err == nil {
			outcome, matched = "already_assigned", j
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		active, err := q.ListActiveJobs(ctx)
		if err != nil {
			return err
		}
		var unassigned []*models.AcquisitionJob
		for _, j := range active {
			if j.ExternalRef == nil {
				unassigned = append(unassigned, j)
			}
		}

		if j := matchGrabbed(unassigned, ev); j != nil {
			s.assignSession(j, ev)
			outcome, matched = "matched", j
			return q.UpdateJob(ctx, j)
		}

		// No match. Full duplicate detection across every status before
		// synthesizing a tracking job.
		if ev.ItemID != "" {
			dups, err := q.ListJobsByTarget(ctx, ev.ItemID)
			if err != nil {
				return err
			}
			if len(dups) > 0 {
				outcome = "discarded_duplicate_target"
				return nil
			}
		}
		if ev.ArtistName != "" && ev.ItemTitle != "" {
			dups, err := q.ListJobsByNormalizedSubject(ctx, NormalizedSubject(ev.ArtistName, ev.ItemTitle))
			if err != nil {
				return err
			}
			if len(dups) > 0 {
				outcome = "discarded_duplicate_name"
				return nil
			}
		}

		// The external service started this one on its own (artist watch).
		// Infer the owner from the most recent artist-type job.
		recent, err := q.ListRecentJobsByType(ctx, models.ItemTypeArtist, 25)
		if err != nil {
			return err
		}
		owner := inferOwner(recent, ev.ArtistName)
		if owner == "" {
			outcome = "discarded_no_owner"
			return nil
		}

		now := s.now()
		ref := ev.SessionID
		nj := &models.AcquisitionJob{
			ID:                uuid.New(),
			UserID:            owner,
			Subject:           Subject(ev.ArtistName, ev.ItemTitle),
			NormalizedSubject: NormalizedSubject(ev.ArtistName, ev.ItemTitle),
			ItemType:          models.ItemTypeAlbum,
			TargetID:          ev.ItemID,
			Status:            models.JobStatusProcessing,
			ExternalRef:       &ref,
			Attempts:          1,
			Metadata: models.JobMetadata{
				ArtistName:   ev.ArtistName,
				AlbumTitle:   ev.ItemTitle,
				StatusText:   "Downloading",
				StartedAt:    &now,
				DownloadType: models.DownloadTypeRequest,
			},
		}
		if ev.ExternalItemID != 0 {
			nj.ExternalItemID = &ev.ExternalItemID
		}
		outcome, matched = "synthesized", nj
		return q.CreateJob(ctx, nj)
	})
	if err != nil {
		return fmt.Errorf("handle grabbed: %w", err)
	}

	if matched != nil {
		s.logger.Info("grab event correlated", "outcome", outcome, "job_id", matched.ID, "session", ev.SessionID)
	} else {
		s.logger.Info("grab event discarded", "outcome", outcome, "session", ev.SessionID,
			"artist", ev.ArtistName, "title", ev.ItemTitle)
	}
	return nil
}

func (s *Service) assignSession(j *models.AcquisitionJob, ev GrabEvent) {
	ref := ev.SessionID
	j.ExternalRef = &ref
	j.Status = models.JobStatusProcessing
	if ev.ExternalItemID != 0 {
		j.ExternalItemID = &ev.ExternalItemID
	}
	if ev.ItemID != "" && ev.ItemID != j.TargetID {
		j.Metadata.ResolvedTargetID = ev.ItemID
	}
	now := s.now()
	if j.Metadata.StartedAt == nil {
		j.Metadata.StartedAt = &now
	}
	j.Metadata.StatusText = "Downloading"
	j.Metadata.QueueMissingCount = 0
}

// matchGrabbed tries the ordered strategy list; the first strategy yielding
// exactly one candidate wins.
func matchGrabbed(jobs []*models.AcquisitionJob, ev GrabEvent) *models.AcquisitionJob {
	normTitle := Normalize(ev.ItemTitle)
	strategies := []func(*models.AcquisitionJob) bool{
		func(j *models.AcquisitionJob) bool {
			return ev.ItemID != "" && j.TargetID == ev.ItemID
		},
		func(j *models.AcquisitionJob) bool {
			return ev.ItemID != "" && j.Metadata.ResolvedTargetID == ev.ItemID
		},
		func(j *models.AcquisitionJob) bool {
			return ev.ExternalItemID != 0 && j.ExternalItemID != nil && *j.ExternalItemID == ev.ExternalItemID
		},
		func(j *models.AcquisitionJob) bool {
			return ev.ArtistName != "" && ev.ItemTitle != "" &&
				j.NormalizedSubject == NormalizedSubject(ev.ArtistName, ev.ItemTitle)
		},
		func(j *models.AcquisitionJob) bool {
			return normTitle != "" && strings.Contains(Normalize(j.Subject), normTitle)
		},
	}
	return firstUniqueMatch(jobs, strategies)
}

func firstUniqueMatch(jobs []*models.AcquisitionJob, strategies []func(*models.AcquisitionJob) bool) *models.AcquisitionJob {
	for _, match := range strategies {
		var found []*models.AcquisitionJob
		for _, j := range jobs {
			if match(j) {
				found = append(found, j)
			}
		}
		if len(found) == 1 {
			return found[0]
		}
	}
	return nil
}

// inferOwner picks the owning user for a synthesized job: the most recent
// artist-type job for the same artist if any, else the most recent overall.
// jobs must be ordered newest first.
func inferOwner(jobs []*models.AcquisitionJob, artistName string) string {
	norm := Normalize(artistName)
	if norm != "" {
		for _, j := range jobs {
			if Normalize(j.Metadata.ArtistName) == norm && j.UserID != "" {
				return j.UserID
			}
		}
	}
	for _, j := range jobs {
		if j.UserID != "" {
			return j.UserID
		}
	}
	return ""
}

// HandleCompleted correlates a "complete" event with its job, marks it
// completed, and atomically merges any other active job for the same
// normalized (artist, item) so duplicate submissions are never left dangling.
func (s *Service) HandleCompleted(ctx context.Context, ev CompleteEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("complete event without session id")
	}

	var completed *models.AcquisitionJob
	var mergedJobs []*models.AcquisitionJob
	err := s.store.InTx(ctx, func(q store.Store) error {
		completed, mergedJobs = nil, nil

		// Idempotency: this session already completed a job.
		if _, err := q.GetJobByExternalRef(ctx, ev.SessionID, models.JobStatusCompleted); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		active, err := q.ListActiveJobs(ctx)
		if err != nil {
			return err
		}
		j := matchCompleted(active, ev)
		if j == nil {
			return nil
		}

		now := s.now()
		completeJob(j, now, "Completed")
		if j.ExternalRef == nil {
			ref := ev.SessionID
			j.ExternalRef = &ref
		}
		if err := q.UpdateJob(ctx, j); err != nil {
			return err
		}
		completed = j

		// Duplicates of the same logical request complete by merge.
		for _, o := range active {
			if o.ID == j.ID || j.NormalizedSubject == "" || o.NormalizedSubject != j.NormalizedSubject {
				continue
			}
			completeJob(o, now, "Completed")
			o.Metadata.MergedWithJob = &j.ID
			if err := q.UpdateJob(ctx, o); err != nil {
				return err
			}
			mergedJobs = append(mergedJobs, o)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("handle completed: %w", err)
	}
	if completed == nil {
		s.logger.Info("complete event had no matching active job", "session", ev.SessionID)
		return nil
	}

	// Side effects stay outside the transaction boundary.
	dec, perr := s.policy.Evaluate(ctx, completed.ID, notify.EventCompleted)
	if perr != nil {
		s.logger.Warn("completion notify policy", "job_id", completed.ID, "error", perr)
	}
	if dec.ShouldNotify {
		if err := s.notifier.JobCompleted(ctx, completed); err != nil {
			s.logger.Warn("completion notification", "job_id", completed.ID, "error", err)
		}
	}
	s.terminalSideEffects(ctx, completed)
	for _, m := range mergedJobs {
		s.logger.Info("duplicate job merged", "job_id", m.ID, "merged_with", completed.ID)
		s.terminalSideEffects(ctx, m)
	}
	return nil
}

// matchCompleted tries, in order: session id, external item id, a recorded
// alternate session id, target identifier, normalized name.
func matchCompleted(jobs []*models.AcquisitionJob, ev CompleteEvent) *models.AcquisitionJob {
	strategies := []func(*models.AcquisitionJob) bool{
		func(j *models.AcquisitionJob) bool {
			return j.ExternalRef != nil && *j.ExternalRef == ev.SessionID
		},
		func(j *models.AcquisitionJob) bool {
			return ev.ExternalItemID != 0 && j.ExternalItemID != nil && *j.ExternalItemID == ev.ExternalItemID
		},
		func(j *models.AcquisitionJob) bool {
			return j.Metadata.AltExternalRef != "" && j.Metadata.AltExternalRef == ev.SessionID
		},
		func(j *models.AcquisitionJob) bool {
			return ev.ItemID != "" && (j.TargetID == ev.ItemID || j.Metadata.ResolvedTargetID == ev.ItemID)
		},
		func(j *models.AcquisitionJob) bool {
			return ev.ArtistName != "" && ev.ItemTitle != "" &&
				j.NormalizedSubject == NormalizedSubject(ev.ArtistName, ev.ItemTitle)
		},
	}
	return firstUniqueMatch(jobs, strategies)
}

// HandleImportFailed records an import failure and routes the job through
// the same fallback policy as a failed start. The first failure inside the
// retry window only refreshes the deadline: the external service retries
// grabs on its own and frequently recovers.
func (s *Service) HandleImportFailed(ctx context.Context, ev ImportFailedEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("import-failed event without session id")
	}

	var job *models.AcquisitionJob
	err := s.store.InTx(ctx, func(q store.Store) error {
		job = nil
		active, err := q.ListActiveJobs(ctx)
		if err != nil {
			return err
		}
		j := matchCompleted(active, CompleteEvent{SessionID: ev.SessionID, ItemID: ev.ItemID})
		if j == nil {
			return nil
		}
		now := s.now()
		j.Metadata.FailureCount++
		j.Metadata.LastError = ev.Reason
		j.Metadata.LastFailureAt = &now
		j.Metadata.StatusText = "Import failed"
		job = j
		return q.UpdateJob(ctx, j)
	})
	if err != nil {
		return fmt.Errorf("handle import failed: %w", err)
	}
	if job == nil {
		s.logger.Info("import-failed event had no matching active job", "session", ev.SessionID)
		return nil
	}

	dec, perr := s.policy.Evaluate(ctx, job.ID, notify.EventTimeout)
	if perr != nil {
		s.logger.Warn("import-failed policy", "job_id", job.ID, "error", perr)
	}
	if !dec.ShouldNotify {
		s.logger.Info("import failure inside retry window, waiting", "job_id", job.ID, "reason", ev.Reason)
		return s.extendDeadline(ctx, job.ID, false)
	}

	_, err = s.failOrFallback(ctx, job, "import failed: "+ev.Reason)
	return err
}
