package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jwhitmore/trackdown/internal/config"
)

// Sweeper schedules the periodic maintenance passes: the stale-job reaper and
// the two queue reconciliation sweeps. Each run gets its own deadline so a
// hung external call cannot wedge the scheduler.
type Sweeper struct {
	cron   *cron.Cron
	svc    *Service
	cfg    config.TrackerConfig
	logger *slog.Logger
}

func NewSweeper(svc *Service, cfg config.TrackerConfig, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}

	if _, err := s.cron.AddFunc(every(cfg.ReaperInterval), s.runReaper); err != nil {
		return nil, fmt.Errorf("schedule reaper: %w", err)
	}
	if _, err := s.cron.AddFunc(every(cfg.ReconcileInterval), s.runReconcile); err != nil {
		return nil, fmt.Errorf("schedule reconciler: %w", err)
	}
	return s, nil
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

func (s *Sweeper) Start() {
	s.logger.Info("starting sweeps",
		"reaper_interval", s.cfg.ReaperInterval, "reconcile_interval", s.cfg.ReconcileInterval)
	s.cron.Start()
}

// Stop halts scheduling and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runReaper() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReaperInterval)
	defer cancel()
	if err := s.svc.ReapStale(ctx); err != nil {
		s.logger.Error("reaper sweep failed", "error", err)
	}
}

func (s *Sweeper) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconcileInterval)
	defer cancel()
	if err := s.svc.ReconcileAvailability(ctx); err != nil {
		s.logger.Error("availability reconciliation failed", "error", err)
	}
	if err := s.svc.ReconcileQueue(ctx); err != nil {
		s.logger.Error("queue reconciliation failed", "error", err)
	}
}
