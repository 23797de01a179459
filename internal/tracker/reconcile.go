package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/lidarr"
	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// ReconcileAvailability marks processing jobs completed when their target is
// already present in the library. This repairs jobs whose "complete" webhook
// was lost.
func (s *Service) ReconcileAvailability(ctx context.Context) error {
	jobs, err := s.store.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}

	repaired := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		avail, err := s.isJobAvailable(ctx, job)
		if err != nil {
			s.logger.Warn("availability check", "job_id", job.ID, "error", err)
			continue
		}
		if !avail {
			continue
		}
		repaired++
		s.completeFromReconcile(ctx, job.ID, "Found in library")
	}

	if repaired > 0 {
		s.logger.Info("availability reconciliation repaired jobs", "count", repaired)
	}
	return nil
}

func (s *Service) isJobAvailable(ctx context.Context, job *models.AcquisitionJob) (bool, error) {
	if job.TargetID != "" {
		if ok, err := s.lidarr.IsAlbumAvailable(ctx, job.TargetID); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	if rid := job.Metadata.ResolvedTargetID; rid != "" && rid != job.TargetID {
		if ok, err := s.lidarr.IsAlbumAvailable(ctx, rid); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}

	artistName, albumTitle := job.Metadata.ArtistName, job.Metadata.AlbumTitle
	if artistName == "" || albumTitle == "" {
		artistName, albumTitle = ParseSubject(job.Subject)
	}
	if artistName == "" || albumTitle == "" {
		return false, nil
	}
	return s.lidarr.IsAlbumAvailableByTitle(ctx, artistName, albumTitle)
}

// ReconcileQueue compares every processing job's download session against
// the external service's live queue. A session must be missing for
// QueueGracePasses consecutive passes before the reconciler acts, because
// the external service swaps session ids during its own retries.
func (s *Service) ReconcileQueue(ctx context.Context) error {
	queue, err := s.lidarr.GetQueue(ctx)
	if err != nil {
		return fmt.Errorf("fetch live queue: %w", err)
	}
	inQueue := make(map[string]bool, len(queue))
	for _, qi := range queue {
		inQueue[qi.DownloadID] = true
	}

	jobs, err := s.store.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}

	refsInUse := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.ExternalRef != nil {
			refsInUse[*j.ExternalRef] = true
		}
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if job.ExternalRef == nil {
			continue
		}

		if inQueue[*job.ExternalRef] {
			if job.Metadata.QueueMissingCount > 0 {
				if err := s.resetMissingCount(ctx, job.ID); err != nil {
					s.logger.Warn("reset missing count", "job_id", job.ID, "error", err)
				}
			}
			continue
		}

		if err := s.handleMissingSession(ctx, job, queue, refsInUse); err != nil {
			s.logger.Warn("queue-drift handling", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) resetMissingCount(ctx context.Context, jobID uuid.UUID) error {
	return s.store.InTx(ctx, func(q store.Store) error {
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !cur.Active() || cur.Metadata.QueueMissingCount == 0 {
			return nil
		}
		cur.Metadata.QueueMissingCount = 0
		return q.UpdateJob(ctx, cur)
	})
}

func (s *Service) handleMissingSession(ctx context.Context, job *models.AcquisitionJob, queue []lidarr.QueueItem, refsInUse map[string]bool) error {
	var count int
	err := s.store.InTx(ctx, func(q store.Store) error {
		cur, err := q.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if !cur.Active() {
			count = 0
			return nil
		}
		cur.Metadata.QueueMissingCount++
		count = cur.Metadata.QueueMissingCount
		return q.UpdateJob(ctx, cur)
	})
	if err != nil {
		return err
	}
	if count < s.cfg.QueueGracePasses {
		s.logger.Info("session missing from queue, within grace period",
			"job_id", job.ID, "session", *job.ExternalRef, "misses", count)
		return nil
	}

	// Grace exhausted. First look for a replacement session the external
	// service substituted on its own retry.
	if repl := findReplacementSession(queue, job, refsInUse); repl != nil {
		s.logger.Info("adopting replacement session",
			"job_id", job.ID, "old_session", *job.ExternalRef, "new_session", repl.DownloadID)
		refsInUse[repl.DownloadID] = true
		return s.adoptSession(ctx, job.ID, repl.DownloadID)
	}

	// No replacement; maybe it finished and we missed both webhook and
	// availability pass.
	avail, err := s.isJobAvailable(ctx, job)
	if err != nil {
		return err
	}
	if avail {
		s.completeFromReconcile(ctx, job.ID, "Found in library")
		return nil
	}

	// Externally cancelled. Clear the session and fail.
	if err := s.clearSession(ctx, job.ID); err != nil {
		return err
	}
	s.failTerminal(ctx, job.ID, fmt.Sprintf("%s (session %s)", ErrQueueDrift.Error(), *job.ExternalRef))
	return nil
}

// findReplacementSession scans the live queue for an unclaimed item whose
// title mentions both the job's artist and album.
func findReplacementSession(queue []lidarr.QueueItem, job *models.AcquisitionJob, refsInUse map[string]bool) *lidarr.QueueItem {
	artistName, albumTitle := job.Metadata.ArtistName, job.Metadata.AlbumTitle
	if artistName == "" || albumTitle == "" {
		artistName, albumTitle = ParseSubject(job.Subject)
	}
	normArtist, normAlbum := Normalize(artistName), Normalize(albumTitle)
	if normArtist == "" || normAlbum == "" {
		return nil
	}

	for i := range queue {
		qi := &queue[i]
		if refsInUse[qi.DownloadID] {
			continue
		}
		title := Normalize(qi.Title)
		if strings.Contains(title, normArtist) && strings.Contains(title, normAlbum) {
			return qi
		}
	}
	return nil
}

// adoptSession swaps the job onto a replacement session, keeping the old id
// for audit and for late webhooks referencing it.
func (s *Service) adoptSession(ctx context.Context, jobID uuid.UUID, newRef string) error {
	return s.store.InTx(ctx, func(q store.Store) error {
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !cur.Active() {
			return nil
		}
		if cur.ExternalRef != nil {
			cur.Metadata.AltExternalRef = *cur.ExternalRef
		}
		cur.ExternalRef = &newRef
		cur.Metadata.QueueMissingCount = 0
		return q.UpdateJob(ctx, cur)
	})
}

func (s *Service) clearSession(ctx context.Context, jobID uuid.UUID) error {
	return s.store.InTx(ctx, func(q store.Store) error {
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !cur.Active() || cur.ExternalRef == nil {
			return nil
		}
		cur.Metadata.AltExternalRef = *cur.ExternalRef
		cur.ExternalRef = nil
		return q.UpdateJob(ctx, cur)
	})
}

// completeFromReconcile marks a job completed outside the webhook path and
// runs the usual completion side effects.
func (s *Service) completeFromReconcile(ctx context.Context, jobID uuid.UUID, statusText string) {
	var final *models.AcquisitionJob
	err := s.store.InTx(ctx, func(q store.Store) error {
		final = nil
		cur, err := q.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !cur.Active() {
			return nil
		}
		completeJob(cur, s.now(), statusText)
		cur.Metadata.QueueSyncCompleted = true
		final = cur
		return q.UpdateJob(ctx, cur)
	})
	if err != nil {
		s.logger.Error("complete from reconcile", "job_id", jobID, "error", err)
		return
	}
	if final == nil {
		return
	}

	s.logger.Info("job completed by reconciliation", "job_id", final.ID, "subject", final.Subject)
	dec, perr := s.policy.Evaluate(ctx, final.ID, notify.EventCompleted)
	if perr != nil {
		s.logger.Warn("completion notify policy", "job_id", final.ID, "error", perr)
	}
	if dec.ShouldNotify {
		if err := s.notifier.JobCompleted(ctx, final); err != nil {
			s.logger.Warn("completion notification", "job_id", final.ID, "error", err)
		}
	}
	s.terminalSideEffects(ctx, final)
}
