package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/metrics"
)

// ErrConservation is reported when issued units differ from outstanding plus retired.
var ErrConservation = errors.New("supply conservation violated")

// ChainVerifier checks the integrity of the audit log.
type ChainVerifier interface {
	Verify(ctx context.Context) error
}

// WorkerConfig configures the periodic aggregation job.
type WorkerConfig struct {
	Schedule string
	Timeout  time.Duration
}

// DefaultWorkerConfig returns default configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Schedule: "@every 1m",
		Timeout:  30 * time.Second,
	}
}

// Worker refreshes the registry summary on a cron schedule, publishes supply
// gauges and audits conservation and the audit chain.
type Worker struct {
	aggregator *Aggregator
	chain      ChainVerifier
	metrics    *metrics.Supply
	logger     *zap.Logger
	config     WorkerConfig

	cron *cron.Cron
	mu   sync.Mutex
	last *RunResult
}

// RunResult is the outcome of one worker run.
type RunResult struct {
	Summary  *Summary      `json:"summary,omitempty"`
	Err      string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// NewWorker creates a worker. chain may be nil.
func NewWorker(aggregator *Aggregator, chain ChainVerifier, m *metrics.Supply, logger *zap.Logger, config WorkerConfig) *Worker {
	return &Worker{
		aggregator: aggregator,
		chain:      chain,
		metrics:    m,
		logger:     logger,
		config:     config,
		cron:       cron.New(),
	}
}

// Start schedules the job and runs it once immediately.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc(w.config.Schedule, func() {
		w.runWithTimeout(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule aggregation job: %w", err)
	}

	w.logger.Info("Starting aggregation worker", zap.String("schedule", w.config.Schedule))
	w.runWithTimeout(ctx)
	w.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running job.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("Aggregation worker stopped")
}

// LastRun returns the most recent result, or nil before the first run.
func (w *Worker) LastRun() *RunResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Worker) runWithTimeout(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, w.config.Timeout)
	defer cancel()
	_ = w.RunOnce(ctx)
}

// RunOnce refreshes the summary and audits the registry.
func (w *Worker) RunOnce(ctx context.Context) error {
	started := time.Now()
	summary, err := w.run(ctx)
	w.metrics.ObserveRun(err, started)

	result := &RunResult{Summary: summary, Started: started, Duration: time.Since(started)}
	if err != nil {
		result.Err = err.Error()
		w.logger.Error("Aggregation run failed", zap.Error(err))
	}
	w.mu.Lock()
	w.last = result
	w.mu.Unlock()
	return err
}

func (w *Worker) run(ctx context.Context) (*Summary, error) {
	summary, err := w.aggregator.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	s := summary.Supply
	w.metrics.Set(s.TotalIssued, s.TotalRetired, s.TotalOutstanding, s.BatchCount)
	for status, n := range summary.RecordsByStatus {
		w.metrics.SetRecords(string(status), n)
	}

	if s.TotalIssued != s.TotalOutstanding+s.TotalRetired {
		w.metrics.ConservationViolation()
		return summary, fmt.Errorf("%w: issued=%d outstanding=%d retired=%d",
			ErrConservation, s.TotalIssued, s.TotalOutstanding, s.TotalRetired)
	}

	if w.chain != nil {
		if err := w.chain.Verify(ctx); err != nil {
			return summary, fmt.Errorf("audit chain verification failed: %w", err)
		}
	}

	w.logger.Info("Aggregation run completed",
		zap.Int("projects", summary.Projects),
		zap.Int64("total_issued", s.TotalIssued),
		zap.Int64("total_retired", s.TotalRetired))
	return summary, nil
}
