package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// Job phases for stale detection; each carries its own timeout because the
// typical latency differs by an order of magnitude between them.
const (
	phasePending = "pending"
	phaseGrab    = "grab"
	phaseImport  = "import"
)

// ReapStale sweeps non-terminal jobs stuck past their phase timeout. A slow
// but genuinely transferring download gets its deadline extended instead of
// being killed; everything else flows through the fallback planner or
// terminal failure.
func (s *Service) ReapStale(ctx context.Context) error {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	now := s.now()
	reaped := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		phase, deadline := s.phaseDeadline(job)
		if now.Before(deadline) {
			continue
		}
		reaped++
		if err := s.reapJob(ctx, job, phase); err != nil {
			// Skip this job until the next pass.
			s.logger.Warn("reap job", "job_id", job.ID, "phase", phase, "error", err)
		}
	}

	s.logger.Info("stale-job sweep finished", "active", len(jobs), "stale", reaped)
	return nil
}

func (s *Service) phaseDeadline(j *models.AcquisitionJob) (string, time.Time) {
	started := j.CreatedAt
	if j.Metadata.StartedAt != nil {
		started = *j.Metadata.StartedAt
	}
	switch {
	case j.Status == models.JobStatusPending:
		return phasePending, started.Add(s.cfg.PendingTimeout)
	case j.ExternalRef == nil:
		return phaseGrab, started.Add(s.cfg.GrabTimeout)
	default:
		return phaseImport, started.Add(s.cfg.ImportTimeout)
	}
}

func (s *Service) reapJob(ctx context.Context, job *models.AcquisitionJob, phase string) error {
	if job.ExternalRef != nil {
		state, err := s.lidarr.GetSessionState(ctx, *job.ExternalRef)
		if err != nil {
			return fmt.Errorf("session state: %w", err)
		}
		if state.Active && state.Progress > 0 {
			// Slow but healthy; count the timeout from now instead.
			s.logger.Info("extending deadline for active download",
				"job_id", job.ID, "session", *job.ExternalRef, "progress", state.Progress)
			return s.extendDeadline(ctx, job.ID, false)
		}

		// Stuck. Drop and blocklist the session so the external service
		// searches for an alternative release on its own. Best effort.
		if err := s.lidarr.RemoveAndBlocklist(ctx, *job.ExternalRef); err != nil {
			s.logger.Warn("remove and blocklist", "job_id", job.ID, "session", *job.ExternalRef, "error", err)
		}
	}

	// The policy grants one extra extension covering the external service's
	// internal retry window before the timeout becomes actionable.
	dec, err := s.policy.Evaluate(ctx, job.ID, notify.EventTimeout)
	if err != nil {
		s.logger.Warn("timeout policy", "job_id", job.ID, "error", err)
	}
	if !dec.ShouldNotify && !job.Metadata.DeadlineExtended {
		s.logger.Info("granting timeout extension", "job_id", job.ID, "phase", phase, "reason", dec.Reason)
		return s.extendDeadline(ctx, job.ID, true)
	}

	cause := staleCause(phase)
	s.logger.Info("job stale", "job_id", job.ID, "phase", phase, "subject", job.Subject)

	// failTerminal re-checks for an already-completed duplicate and merges
	// into it, so a race with a finished duplicate never reports a failure.
	_, ferr := s.failOrFallback(ctx, job, cause)
	return ferr
}

func staleCause(phase string) string {
	switch phase {
	case phasePending:
		return "acquisition never started within the pending window"
	case phaseGrab:
		return "no download session appeared within the grab window"
	default:
		return ErrImportTimeout.Error()
	}
}
