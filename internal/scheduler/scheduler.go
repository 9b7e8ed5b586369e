/**
 * @description
 * Cron scheduler setup for the background sweeps: saga recovery, escrow
 * deadline refunds, and ledger reconciliation.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sidequest/escrow-service/internal/app"
	"github.com/sidequest/escrow-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	engine *app.Engine
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(engine *app.Engine, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		engine: engine,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.RecoverySweepSchedule, s.runRecoverySweep); err != nil {
		s.logger.Error("failed to schedule recovery sweep", "error", err)
	} else {
		s.logger.Info("scheduled recovery sweep", "schedule", s.config.RecoverySweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.TimeoutSweepSchedule, s.runTimeoutSweep); err != nil {
		s.logger.Error("failed to schedule timeout sweep", "error", err)
	} else {
		s.logger.Info("scheduled timeout sweep", "schedule", s.config.TimeoutSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ReconciliationSchedule, s.runReconciliation); err != nil {
		s.logger.Error("failed to schedule reconciliation", "error", err)
	} else {
		s.logger.Info("scheduled reconciliation", "schedule", s.config.ReconciliationSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runRecoverySweep() {
	s.logger.Info("starting recovery sweep")
	ctx := context.Background()

	olderThan := time.Duration(s.config.RecoveryStuckMinutes) * time.Minute
	result, err := s.engine.RunRecoverySweep(ctx, olderThan)
	if err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
		return
	}
	s.logger.Info("recovery sweep finished",
		"scanned", result.Scanned,
		"committed", result.Committed,
		"reverted", result.Reverted,
		"redispatched", result.Redispatch,
		"escalated", result.Escalated,
		"errors", result.Errors)
}

func (s *Scheduler) runTimeoutSweep() {
	s.logger.Info("starting timeout sweep")
	ctx := context.Background()

	result, err := s.engine.RunTimeoutSweep(ctx)
	if err != nil {
		s.logger.Error("timeout sweep failed", "error", err)
		return
	}
	s.logger.Info("timeout sweep finished",
		"scanned", result.Scanned,
		"refunded", result.Refunded,
		"escalated", result.Escalated,
		"errors", result.Errors)
}

func (s *Scheduler) runReconciliation() {
	s.logger.Info("starting reconciliation")
	ctx := context.Background()

	report, err := s.engine.RunReconciliation(ctx)
	if err != nil {
		s.logger.Error("reconciliation failed", "error", err)
		return
	}
	if report.Clean() {
		s.logger.Info("reconciliation finished", "clean", true, "total_debits", report.TotalDebits, "total_credits", report.TotalCredits)
		return
	}
	s.logger.Error("reconciliation found invariant breaches",
		"drift", report.Drift,
		"unbalanced_transactions", len(report.UnbalancedTransactions),
		"account_mismatches", len(report.AccountMismatches))
}
