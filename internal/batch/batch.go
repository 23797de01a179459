// Package batch tracks completion of job batches and playlist imports.
// The tracker calls CheckBatchCompletion / CheckImportCompletion after every
// terminal transition of a linked job.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// Completer is consulted after every terminal transition of a job holding a
// batch id.
type Completer interface {
	CheckBatchCompletion(ctx context.Context, batchID uuid.UUID) error
}

// ImportCompleter is the equivalent check for playlist-import jobs.
type ImportCompleter interface {
	CheckImportCompletion(ctx context.Context, importID uuid.UUID) error
}

// Service is the store-backed implementation of both completers. A batch is
// complete once none of its jobs is active; fallback siblings inherit the
// batch id, so an exhausted job's unresolved lineage keeps the batch open.
type Service struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewService(s store.Store, n notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, notifier: n, logger: logger}
}

func (s *Service) CheckBatchCompletion(ctx context.Context, batchID uuid.UUID) error {
	jobs, err := s.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	for _, j := range jobs {
		if j.Active() {
			return nil
		}
	}

	flipped, err := s.store.MarkBatchCompleted(ctx, batchID)
	if err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}
	if !flipped {
		return nil
	}

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get batch: %w", err)
	}

	s.logger.Info("batch completed", "batch_id", batchID, "jobs", len(jobs))
	if err := s.notifier.BatchCompleted(ctx, b); err != nil {
		s.logger.Warn("batch completion notification failed", "batch_id", batchID, "error", err)
	}
	return nil
}

// CheckImportCompletion logs when every job of a playlist import is settled.
// Import records live in the import subsystem; this side only observes jobs.
func (s *Service) CheckImportCompletion(ctx context.Context, importID uuid.UUID) error {
	jobs, err := s.store.ListJobsByImport(ctx, importID)
	if err != nil {
		return fmt.Errorf("list import jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	completed := 0
	for _, j := range jobs {
		if j.Active() {
			return nil
		}
		if j.Status == models.JobStatusCompleted {
			completed++
		}
	}

	s.logger.Info("import settled", "import_id", importID, "jobs", len(jobs), "completed", completed)
	return nil
}
