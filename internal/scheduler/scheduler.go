package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	triggerSchedule            = "schedule"
	defaultMaintenanceSchedule = "@every 5m"
)

// ScoringSubmitter accepts scoring jobs.
type ScoringSubmitter interface {
	Submit(trigger string) error
}

// ThresholdSweeper re-drives threshold notifications that never completed.
type ThresholdSweeper interface {
	SweepPendingNotifications(ctx context.Context) (int, error)
}

// LeaseRecoverer returns abandoned notification leases to the queue.
type LeaseRecoverer interface {
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// LimitPruner removes expired rate-limit windows.
type LimitPruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Config describes the periodic jobs. A nil Scoring or empty ScoringSchedule
// disables scoring submissions.
type Config struct {
	ScoringSchedule     string
	MaintenanceSchedule string
	Scoring             ScoringSubmitter
	Sweeper             ThresholdSweeper
	Leases              LeaseRecoverer
	Limits              LimitPruner
	Clock               func() time.Time
	Logger              *zap.Logger
}

// MaintenanceReport counts the rows touched by one maintenance pass.
type MaintenanceReport struct {
	ThresholdsSwept int
	LeasesRecovered int64
	LimitsPruned    int64
}

// Scheduler runs scoring submissions and maintenance on cron schedules.
type Scheduler struct {
	scoringSchedule     string
	maintenanceSchedule string
	scoring             ScoringSubmitter
	sweeper             ThresholdSweeper
	leases              LeaseRecoverer
	limits              LimitPruner
	now                 func() time.Time
	logger              *zap.Logger
}

// New validates the schedules and constructs the scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Sweeper == nil || cfg.Leases == nil || cfg.Limits == nil {
		return nil, errors.New("scheduler requires a sweeper, a lease recoverer and a limit pruner")
	}
	maintenance := strings.TrimSpace(cfg.MaintenanceSchedule)
	if maintenance == "" {
		maintenance = defaultMaintenanceSchedule
	}
	if _, err := cron.ParseStandard(maintenance); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", maintenance, err)
	}
	scoringSchedule := strings.TrimSpace(cfg.ScoringSchedule)
	if cfg.Scoring == nil {
		scoringSchedule = ""
	}
	if scoringSchedule != "" {
		if _, err := cron.ParseStandard(scoringSchedule); err != nil {
			return nil, fmt.Errorf("invalid scoring schedule %q: %w", scoringSchedule, err)
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scoringSchedule:     scoringSchedule,
		maintenanceSchedule: maintenance,
		scoring:             cfg.Scoring,
		sweeper:             cfg.Sweeper,
		leases:              cfg.Leases,
		limits:              cfg.Limits,
		now:                 clock,
		logger:              logger,
	}, nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	runner := cron.New()
	if s.scoringSchedule != "" {
		if _, err := runner.AddFunc(s.scoringSchedule, s.SubmitScoring); err != nil {
			return fmt.Errorf("schedule scoring: %w", err)
		}
	}
	if _, err := runner.AddFunc(s.maintenanceSchedule, func() {
		if _, err := s.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("maintenance failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	runner.Start()
	s.logger.Info("scheduler started",
		zap.String("scoring_schedule", s.scoringSchedule),
		zap.String("maintenance_schedule", s.maintenanceSchedule))
	<-ctx.Done()
	<-runner.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// SubmitScoring enqueues a scheduled scoring run. A full queue skips this tick.
func (s *Scheduler) SubmitScoring() {
	if s.scoring == nil {
		return
	}
	if err := s.scoring.Submit(triggerSchedule); err != nil {
		s.logger.Warn("scheduled scoring skipped", zap.Error(err))
	}
}

// RunMaintenance performs one pass of every maintenance job. Each job runs even
// when an earlier one fails.
func (s *Scheduler) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var errs []error
	now := s.now().UTC()

	swept, err := s.sweeper.SweepPendingNotifications(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep thresholds: %w", err))
	}
	report.ThresholdsSwept = swept

	recovered, err := s.leases.RecoverExpiredLeases(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover leases: %w", err))
	}
	report.LeasesRecovered = recovered

	pruned, err := s.limits.Prune(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune rate limits: %w", err))
	}
	report.LimitsPruned = pruned

	if report.ThresholdsSwept > 0 || report.LeasesRecovered > 0 || report.LimitsPruned > 0 {
		s.logger.Info("maintenance completed",
			zap.Int("thresholds_swept", report.ThresholdsSwept),
			zap.Int64("leases_recovered", report.LeasesRecovered),
			zap.Int64("limits_pruned", report.LimitsPruned))
	}
	return report, errors.Join(errs...)
}
