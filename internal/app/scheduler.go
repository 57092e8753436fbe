/**
 * @description
 * Cron scheduler setup for the background repair jobs: the orphaned-payment
 * reconciler and, when enabled, the failed-event retry sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/transfa/payment-webhook-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	retrySweep *RetrySweep
	logger     *slog.Logger
	config     config.Config
}

// NewScheduler creates a new scheduler instance. retrySweep may be nil.
func NewScheduler(reconciler *Reconciler, retrySweep *RetrySweep, logger *slog.Logger, cfg config.Config) *Scheduler {
	logger = logger.With("component", "scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		retrySweep: retrySweep,
		logger:     logger,
		config:     cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.runReconcile); err != nil {
		s.logger.Error("failed to schedule reconcile job", "error", err)
	} else {
		s.logger.Info("scheduled reconcile job", "schedule", s.config.ReconcileSchedule)
	}

	if s.config.RetrySweepEnabled && s.retrySweep != nil {
		if _, err := s.cron.AddFunc(s.config.RetrySweepSchedule, s.runRetrySweep); err != nil {
			s.logger.Error("failed to schedule retry sweep job", "error", err)
		} else {
			s.logger.Info("scheduled retry sweep job", "schedule", s.config.RetrySweepSchedule)
		}
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReconcile() {
	if _, err := s.reconciler.Run(context.Background(), s.config.ReconcileBatchSize); err != nil {
		s.logger.Error("reconcile job failed", "error", err)
	}
}

func (s *Scheduler) runRetrySweep() {
	if _, err := s.retrySweep.Run(context.Background()); err != nil {
		s.logger.Error("retry sweep job failed", "error", err)
	}
}
