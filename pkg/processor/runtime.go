package processor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RuntimeConfig tunes the scheduling shell shared by all processors.
type RuntimeConfig struct {
	// LeaderRetryInterval paces the dedicated follower loop that probes
	// for the leader lock, bounding takeover time after a leader crash.
	LeaderRetryInterval time.Duration
}

// DefaultRuntimeConfig returns the stock runtime tuning.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{LeaderRetryInterval: 10 * time.Second}
}

// Runtime schedules a set of processor runners: one periodic tick loop
// per enabled runner plus a leader-retry loop. Only the leader instance
// does work; followers keep ticking and probing so one of them takes
// over when the leader goes away.
type Runtime struct {
	runners []*Runner
	elector *LeaderElector
	config  RuntimeConfig
	logger  zerolog.Logger
}

// NewRuntime creates a runtime over the given runners.
func NewRuntime(runners []*Runner, elector *LeaderElector, config RuntimeConfig, logger zerolog.Logger) *Runtime {
	if config.LeaderRetryInterval <= 0 {
		config.LeaderRetryInterval = 10 * time.Second
	}
	return &Runtime{
		runners: runners,
		elector: elector,
		config:  config,
		logger:  logger.With().Str("component", "processor-runtime").Logger(),
	}
}

// Runners returns all runners, enabled or not.
func (rt *Runtime) Runners() []*Runner { return rt.runners }

// Runner looks up a runner by processor id.
func (rt *Runtime) Runner(id string) (*Runner, bool) {
	for _, r := range rt.runners {
		if r.id == id {
			return r, true
		}
	}
	return nil, false
}

// Elector returns the runtime's leader elector.
func (rt *Runtime) Elector() *LeaderElector { return rt.elector }

// Run registers all enabled processors, starts their tick loops and
// blocks until ctx is cancelled. Running ticks are never interrupted:
// shutdown waits for the current cycle of every loop, then releases the
// leader lock.
func (rt *Runtime) Run(ctx context.Context) error {
	for _, r := range rt.runners {
		if !r.Enabled() {
			continue
		}
		if err := r.progress.AutoRegister(ctx, r.id, rt.elector.InstanceID()); err != nil {
			return err
		}
	}

	if _, err := rt.elector.TryAcquire(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("initial leader acquisition failed")
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.leaderRetryLoop(runCtx)
		return nil
	})
	for _, r := range rt.runners {
		if !r.Enabled() {
			continue
		}
		runner := r
		g.Go(func() error {
			rt.tickLoop(runCtx, runner)
			return nil
		})
	}

	err := g.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.elector.Release(releaseCtx)
	return err
}

// tickLoop drives one runner. Cycle errors are already counted against
// the processor's error budget, so they are logged and the loop keeps
// ticking.
func (rt *Runtime) tickLoop(ctx context.Context, runner *Runner) {
	ticker := time.NewTicker(runner.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !rt.elector.IsLeader(ctx) {
			// Opportunistic retry; the cooldown keeps ticks from
			// hammering the lock.
			leader, err := rt.elector.TryAcquire(ctx)
			if err != nil {
				rt.logger.Warn().Err(err).Msg("leader acquisition attempt failed")
			}
			if !leader {
				continue
			}
		}

		if runner.ShouldSkipTick() {
			continue
		}

		n, err := runner.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			runner.logger.Warn().Err(err).Msg("processor cycle failed")
			continue
		}
		if n > 0 {
			runner.logger.Debug().Int("events", n).Msg("processor cycle delivered")
		}
		if err := runner.progress.Heartbeat(ctx, runner.id, rt.elector.InstanceID()); err != nil && ctx.Err() == nil {
			runner.logger.Warn().Err(err).Msg("heartbeat failed")
		}
	}
}

// leaderRetryLoop bounds follower takeover time independent of the
// per-processor tick cadence.
func (rt *Runtime) leaderRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.LeaderRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if rt.elector.IsLeader(ctx) {
			continue
		}
		if _, err := rt.elector.TryAcquire(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Warn().Err(err).Msg("leader retry failed")
		}
	}
}
