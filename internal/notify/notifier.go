package notify

import (
	"context"
	"log/slog"

	"github.com/jwhitmore/trackdown/pkg/models"
)

// Notifier delivers user-facing notifications. The delivery subsystem is
// external; implementations adapt it.
type Notifier interface {
	JobCompleted(ctx context.Context, job *models.AcquisitionJob) error
	JobFailed(ctx context.Context, job *models.AcquisitionJob, reason string) error
	BatchCompleted(ctx context.Context, batch *models.Batch) error
}

// LogNotifier is the default Notifier: it records notifications in the
// structured log. Deployments wire a real delivery backend in its place.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) JobCompleted(_ context.Context, job *models.AcquisitionJob) error {
	n.logger.Info("notify: job completed", "job_id", job.ID, "user_id", job.UserID, "subject", job.Subject)
	return nil
}

func (n *LogNotifier) JobFailed(_ context.Context, job *models.AcquisitionJob, reason string) error {
	n.logger.Info("notify: job failed", "job_id", job.ID, "user_id", job.UserID, "subject", job.Subject, "reason", reason)
	return nil
}

func (n *LogNotifier) BatchCompleted(_ context.Context, batch *models.Batch) error {
	n.logger.Info("notify: batch completed", "batch_id", batch.ID, "user_id", batch.UserID)
	return nil
}
