package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go-driftmark/pkg/dcb"
)

// Fetcher returns committed events matching the processor's filter with
// position > lastPosition, in (transaction_id, position) order, at most
// batchSize of them.
type Fetcher interface {
	Fetch(ctx context.Context, processorID string, lastPosition int64, batchSize int) ([]dcb.Event, error)
}

// Handler delivers a fetched batch. Delivery is at-least-once: the same
// events may be handed over again after a crash, so handlers must be
// idempotent. Returns the number of events handled.
type Handler interface {
	Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error)
}

// HeadFunc reports the highest committed position in the log.
type HeadFunc func(ctx context.Context) (int64, error)

// Config tunes one processor's poll loop.
type Config struct {
	PollingInterval time.Duration `json:"polling_interval"`
	BatchSize       int           `json:"batch_size"`
	MaxErrors       int           `json:"max_errors"`
	Enabled         bool          `json:"enabled"`
	Backoff         BackoffConfig `json:"backoff"`
}

// DefaultConfig returns the stock processor tuning.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 1 * time.Second,
		BatchSize:       100,
		MaxErrors:       5,
		Enabled:         true,
		Backoff:         DefaultBackoffConfig(),
	}
}

// Runner drives one processor: it owns the progress row, the backoff
// counters and the single-cycle algorithm. The runtime schedules its
// ticks; a tick is never re-entered while one is running.
type Runner struct {
	id       string
	config   Config
	fetcher  Fetcher
	handler  Handler
	progress *ProgressStore
	backoff  *Backoff
	head     HeadFunc
	logger   zerolog.Logger
}

// NewRunner creates a processor runner. head may be nil when lag
// reporting is not needed.
func NewRunner(id string, config Config, fetcher Fetcher, handler Handler, progress *ProgressStore, head HeadFunc, logger zerolog.Logger) *Runner {
	if config.PollingInterval <= 0 {
		config.PollingInterval = 1 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = 5
	}
	return &Runner{
		id:       id,
		config:   config,
		fetcher:  fetcher,
		handler:  handler,
		progress: progress,
		backoff:  NewBackoff(config.Backoff, config.PollingInterval),
		head:     head,
		logger:   logger.With().Str("processor_id", id).Logger(),
	}
}

// ID returns the processor identity.
func (r *Runner) ID() string { return r.id }

// Config returns the processor tuning.
func (r *Runner) Config() Config { return r.config }

// Enabled reports whether the runtime should schedule this processor.
func (r *Runner) Enabled() bool { return r.config.Enabled }

// ShouldSkipTick consumes one tick of a pending backoff skip run.
func (r *Runner) ShouldSkipTick() bool { return r.backoff.ShouldSkip() }

// BackoffState snapshots the backoff counters.
func (r *Runner) BackoffState() BackoffState { return r.backoff.State() }

// RunCycle executes one poll cycle and returns the number of events
// delivered. Paused and failed processors return 0 without work. Handler
// failures are counted against MaxErrors and propagated; the backoff
// counters are untouched on error.
func (r *Runner) RunCycle(ctx context.Context) (int, error) {
	status, err := r.progress.GetStatus(ctx, r.id)
	if err != nil {
		return 0, err
	}
	if status != StatusActive {
		return 0, nil
	}

	last, err := r.progress.GetLastPosition(ctx, r.id)
	if err != nil {
		return 0, err
	}

	events, err := r.fetcher.Fetch(ctx, r.id, last, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch for %s: %w", r.id, err)
	}
	if len(events) == 0 {
		r.backoff.RecordEmpty()
		return 0, nil
	}

	n, err := r.handler.Handle(ctx, r.id, events)
	if err != nil {
		status, recErr := r.progress.RecordError(ctx, r.id, err.Error(), r.config.MaxErrors)
		if recErr != nil {
			r.logger.Error().Err(recErr).Msg("failed to record handler error")
		} else if status == StatusFailed {
			r.logger.Error().Err(err).Msg("processor failed, max errors reached")
		}
		return 0, fmt.Errorf("handle for %s: %w", r.id, err)
	}

	if err := r.progress.UpdateProgress(ctx, r.id, events[len(events)-1].Position); err != nil {
		return 0, err
	}
	if err := r.progress.ResetErrorCount(ctx, r.id); err != nil {
		return 0, err
	}
	r.backoff.Reset()
	return n, nil
}

// Pause stops the processor from doing work on its ticks.
func (r *Runner) Pause(ctx context.Context) error {
	return r.progress.SetStatus(ctx, r.id, StatusPaused)
}

// Resume reactivates a paused processor.
func (r *Runner) Resume(ctx context.Context) error {
	return r.progress.SetStatus(ctx, r.id, StatusActive)
}

// Reset clears errors and reactivates a failed processor.
func (r *Runner) Reset(ctx context.Context) error {
	return r.progress.Reset(ctx, r.id)
}

// Progress returns the processor's full progress row.
func (r *Runner) Progress(ctx context.Context) (Progress, error) {
	return r.progress.Get(ctx, r.id)
}

// Lag reports how far the processor trails the head of the log.
func (r *Runner) Lag(ctx context.Context) (int64, error) {
	if r.head == nil {
		return 0, fmt.Errorf("no head position source configured for %s", r.id)
	}
	head, err := r.head(ctx)
	if err != nil {
		return 0, err
	}
	last, err := r.progress.GetLastPosition(ctx, r.id)
	if err != nil {
		return 0, err
	}
	lag := head - last
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}
