package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout   = 2 * time.Minute
	defaultWorkers   = 1
	defaultQueueSize = 4
)

// ErrQueueFull reports that the runner cannot accept another scoring job.
var ErrQueueFull = errors.New("scoring: queue full")

// Source supplies the scoring input.
type Source interface {
	Collect(ctx context.Context) (Batch, error)
}

// HelpfulnessApplier stores per-user helpfulness scores.
type HelpfulnessApplier interface {
	ApplyHelpfulnessScores(ctx context.Context, scores map[string]float64) (int, error)
}

// ApplierFunc adapts a function to HelpfulnessApplier.
type ApplierFunc func(ctx context.Context, scores map[string]float64) (int, error)

// ApplyHelpfulnessScores calls f.
func (f ApplierFunc) ApplyHelpfulnessScores(ctx context.Context, scores map[string]float64) (int, error) {
	return f(ctx, scores)
}

// RunnerConfig describes the scoring worker pool.
type RunnerConfig struct {
	Source    Source
	Scorer    Scorer
	Applier   HelpfulnessApplier
	Timeout   time.Duration
	Workers   int
	QueueSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Report summarizes one scoring run.
type Report struct {
	Trigger      string
	StartedAt    time.Time
	Duration     time.Duration
	Notes        int
	Ratings      int
	Participants int
	ScoredNotes  int
	UsersUpdated int
}

// Runner executes scoring jobs off the request path on a bounded pool with a
// bounded queue.
type Runner struct {
	source  Source
	scorer  Scorer
	applier HelpfulnessApplier
	timeout time.Duration
	workers int
	clock   func() time.Time
	logger  *zap.Logger
	jobs    chan string

	mu         sync.Mutex
	lastReport *Report
}

// NewRunner constructs the runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Source == nil || cfg.Scorer == nil || cfg.Applier == nil {
		return nil, errors.New("scoring runner requires a source, a scorer and an applier")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		source:  cfg.Source,
		scorer:  cfg.Scorer,
		applier: cfg.Applier,
		timeout: timeout,
		workers: workers,
		clock:   clock,
		logger:  logger,
		jobs:    make(chan string, queueSize),
	}, nil
}

// Submit enqueues a scoring job without blocking.
func (r *Runner) Submit(trigger string) error {
	select {
	case r.jobs <- trigger:
		return nil
	default:
		r.logger.Warn("scoring job rejected", zap.String("trigger", trigger), zap.Error(ErrQueueFull))
		return ErrQueueFull
	}
}

// Run drains the queue on the worker pool until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < r.workers; worker++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case trigger := <-r.jobs:
					if _, err := r.RunOnce(groupCtx, trigger); err != nil && !errors.Is(err, ErrEmptyBatch) && groupCtx.Err() == nil {
						r.logger.Error("scoring run failed", zap.String("trigger", trigger), zap.Error(err))
					}
				}
			}
		})
	}
	return group.Wait()
}

// RunOnce collects, scores within the configured timeout and applies the
// helpfulness scores.
func (r *Runner) RunOnce(ctx context.Context, trigger string) (Report, error) {
	report := Report{Trigger: trigger, StartedAt: r.clock().UTC()}
	started := time.Now()

	batch, err := r.source.Collect(ctx)
	if errors.Is(err, ErrEmptyBatch) {
		r.logger.Info("scoring skipped", zap.String("trigger", trigger), zap.Error(err))
		return report, err
	}
	if err != nil {
		return report, fmt.Errorf("collect scoring batch: %w", err)
	}
	report.Notes = len(batch.Notes)
	report.Ratings = len(batch.Ratings)
	report.Participants = len(batch.Enrollment)

	scoreCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	result, err := r.scorer.Score(scoreCtx, batch)
	if err != nil {
		if scoreCtx.Err() != nil && ctx.Err() == nil {
			return report, fmt.Errorf("scoring timed out after %s: %w", r.timeout, context.DeadlineExceeded)
		}
		return report, fmt.Errorf("score batch: %w", err)
	}
	report.ScoredNotes = len(result.ScoredNotes)

	updated, err := r.applier.ApplyHelpfulnessScores(ctx, result.HelpfulnessByUser())
	if err != nil {
		return report, fmt.Errorf("apply helpfulness scores: %w", err)
	}
	report.UsersUpdated = updated
	report.Duration = time.Since(started)

	r.mu.Lock()
	stored := report
	r.lastReport = &stored
	r.mu.Unlock()

	r.logger.Info("scoring run completed",
		zap.String("trigger", trigger),
		zap.Int("notes", report.Notes),
		zap.Int("ratings", report.Ratings),
		zap.Int("scored_notes", report.ScoredNotes),
		zap.Int("users_updated", report.UsersUpdated),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// LastReport returns the most recent successful run.
func (r *Runner) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastReport == nil {
		return Report{}, false
	}
	return *r.lastReport, true
}
