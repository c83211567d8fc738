package processor

import (
	"sync"
	"time"
)

// BackoffConfig tunes the empty-poll backoff of one processor.
type BackoffConfig struct {
	Enabled     bool          `json:"enabled"`
	Threshold   int           `json:"threshold"`
	Multiplier  int           `json:"multiplier"`
	MaxInterval time.Duration `json:"max_interval"`
}

// DefaultBackoffConfig returns the stock backoff tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Enabled:     true,
		Threshold:   3,
		Multiplier:  2,
		MaxInterval: 60 * time.Second,
	}
}

// BackoffState is a read-only snapshot of the backoff counters.
type BackoffState struct {
	Enabled       bool `json:"enabled"`
	EmptyPolls    int  `json:"empty_polls"`
	SkipTicks     int  `json:"skip_ticks"`
	SkipRemaining int  `json:"skip_remaining"`
}

// Backoff tracks consecutive empty polls for one processor. Below the
// threshold the scheduler runs every tick; at or above, the skip run
// grows by the multiplier per empty poll, capped so the effective
// interval never exceeds MaxInterval. Any delivered batch resets it.
type Backoff struct {
	cfg             BackoffConfig
	pollingInterval time.Duration

	mu            sync.Mutex
	emptyPolls    int
	skipTicks     int
	skipRemaining int
}

// NewBackoff creates a backoff tracker. pollingInterval is the owning
// processor's tick interval, used to translate MaxInterval into ticks.
func NewBackoff(cfg BackoffConfig, pollingInterval time.Duration) *Backoff {
	return &Backoff{cfg: cfg, pollingInterval: pollingInterval}
}

// ShouldSkip consumes one tick of the current skip run. The scheduler
// calls it once per tick and no-ops when it returns true.
func (b *Backoff) ShouldSkip() bool {
	if !b.cfg.Enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.skipRemaining > 0 {
		b.skipRemaining--
		return true
	}
	return false
}

// RecordEmpty registers an empty poll. Once the threshold is reached the
// next skip run starts (or grows) by the multiplier.
func (b *Backoff) RecordEmpty() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emptyPolls++
	if b.emptyPolls < b.cfg.Threshold {
		return
	}

	next := b.skipTicks
	if next == 0 {
		next = b.cfg.Multiplier
	} else {
		next *= b.cfg.Multiplier
	}
	if b.pollingInterval > 0 {
		if maxSkip := int(b.cfg.MaxInterval / b.pollingInterval); maxSkip > 0 && next > maxSkip {
			next = maxSkip
		}
	}
	b.skipTicks = next
	b.skipRemaining = next
}

// Reset clears all counters. Called after any non-empty cycle.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emptyPolls = 0
	b.skipTicks = 0
	b.skipRemaining = 0
}

// State snapshots the counters for the operational surface.
func (b *Backoff) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackoffState{
		Enabled:       b.cfg.Enabled,
		EmptyPolls:    b.emptyPolls,
		SkipTicks:     b.skipTicks,
		SkipRemaining: b.skipRemaining,
	}
}
