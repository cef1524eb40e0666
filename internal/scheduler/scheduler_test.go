package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Unix(1700000000, 0).UTC()

type stubJobs struct {
	mu          sync.Mutex
	sweeps      int
	recoveredAt time.Time
	prunedAt    time.Time
	sweepErr    error
	submitErr   error
	triggers    []string
}

func (s *stubJobs) SweepPendingNotifications(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	if s.sweepErr != nil {
		return 0, s.sweepErr
	}
	return 2, nil
}

func (s *stubJobs) RecoverExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveredAt = now
	return 1, nil
}

func (s *stubJobs) Prune(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunedAt = now
	return 3, nil
}

func (s *stubJobs) Submit(trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, trigger)
	return s.submitErr
}

func newTestScheduler(t *testing.T, jobs *stubJobs, logger *zap.Logger) *Scheduler {
	t.Helper()
	scheduler, err := New(Config{
		ScoringSchedule:     "0 */6 * * *",
		MaintenanceSchedule: "@every 5m",
		Scoring:             jobs,
		Sweeper:             jobs,
		Leases:              jobs,
		Limits:              jobs,
		Clock:               func() time.Time { return testNow },
		Logger:              logger,
	})
	if err != nil {
		t.Fatalf("unexpected scheduler error: %v", err)
	}
	return scheduler
}

func TestRunMaintenanceRunsEveryJob(t *testing.T) {
	jobs := &stubJobs{}
	scheduler := newTestScheduler(t, jobs, nil)

	report, err := scheduler.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("unexpected maintenance error: %v", err)
	}
	if report.ThresholdsSwept != 2 || report.LeasesRecovered != 1 || report.LimitsPruned != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !jobs.recoveredAt.Equal(testNow) || !jobs.prunedAt.Equal(testNow) {
		t.Fatalf("expected jobs to observe the injected clock")
	}
}

func TestRunMaintenanceContinuesAfterFailure(t *testing.T) {
	sweepErr := errors.New("sweep exploded")
	jobs := &stubJobs{sweepErr: sweepErr}
	scheduler := newTestScheduler(t, jobs, nil)

	report, err := scheduler.RunMaintenance(context.Background())
	if !errors.Is(err, sweepErr) {
		t.Fatalf("expected sweep error, got %v", err)
	}
	if report.LeasesRecovered != 1 || report.LimitsPruned != 3 {
		t.Fatalf("expected later jobs to run, got %+v", report)
	}
}

func TestSubmitScoringLogsBackpressure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	jobs := &stubJobs{submitErr: errors.New("scoring: queue full")}
	scheduler := newTestScheduler(t, jobs, zap.New(core))

	scheduler.SubmitScoring()

	if len(jobs.triggers) != 1 || jobs.triggers[0] != triggerSchedule {
		t.Fatalf("unexpected triggers: %v", jobs.triggers)
	}
	entries := logs.FilterMessage("scheduled scoring skipped").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %+v", entries)
	}
}

func TestNewRejectsInvalidSchedules(t *testing.T) {
	jobs := &stubJobs{}
	testCases := []struct {
		name   string
		config Config
	}{
		{name: "maintenance", config: Config{MaintenanceSchedule: "every now and then", Sweeper: jobs, Leases: jobs, Limits: jobs}},
		{name: "scoring", config: Config{ScoringSchedule: "61 * * * *", Scoring: jobs, Sweeper: jobs, Leases: jobs, Limits: jobs}},
		{name: "missing jobs", config: Config{}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := New(testCase.config); err == nil {
				t.Fatalf("expected configuration error")
			}
		})
	}
}

func TestScoringDisabledWithoutSubmitter(t *testing.T) {
	jobs := &stubJobs{}
	scheduler, err := New(Config{ScoringSchedule: "not a schedule", Sweeper: jobs, Leases: jobs, Limits: jobs})
	if err != nil {
		t.Fatalf("expected schedule to be ignored without a submitter, got %v", err)
	}
	scheduler.SubmitScoring()
	if len(jobs.triggers) != 0 {
		t.Fatalf("expected no submissions")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	jobs := &stubJobs{}
	scheduler := newTestScheduler(t, jobs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- scheduler.Run(ctx) }()
	cancel()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
