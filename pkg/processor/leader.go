package processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// leaderLockName seeds the global advisory lock key. All instances of
// the engine compete for the same session-scoped lock.
const leaderLockName = "driftmark/processor-leader"

// DefaultAcquireCooldown spaces out opportunistic acquisition attempts
// made from per-processor ticks.
const DefaultAcquireCooldown = 5 * time.Second

func leaderLockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte(leaderLockName))
	return int64(h.Sum64())
}

// LeaderElector competes for the global advisory lock. The holder is
// the leader and the only instance permitted to run processor cycles.
// The lock is session-scoped: it lives on a dedicated pooled connection
// and is lost automatically when that session dies.
type LeaderElector struct {
	pool       *pgxpool.Pool
	instanceID string
	cooldown   time.Duration
	logger     zerolog.Logger

	mu          sync.Mutex
	conn        *pgxpool.Conn
	isLeader    bool
	lastAttempt time.Time
}

// NewLeaderElector creates an elector for this instance. cooldown <= 0
// uses DefaultAcquireCooldown.
func NewLeaderElector(pool *pgxpool.Pool, instanceID string, cooldown time.Duration, logger zerolog.Logger) *LeaderElector {
	if cooldown <= 0 {
		cooldown = DefaultAcquireCooldown
	}
	return &LeaderElector{
		pool:       pool,
		instanceID: instanceID,
		cooldown:   cooldown,
		logger:     logger.With().Str("instance_id", instanceID).Logger(),
	}
}

// InstanceID returns this instance's identity.
func (le *LeaderElector) InstanceID() string { return le.instanceID }

// TryAcquire attempts to take the leader lock, non-blocking. Attempts
// are spaced by the cooldown; a call inside the cooldown window returns
// the current state without touching the database.
func (le *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.isLeader {
		return true, nil
	}
	if time.Since(le.lastAttempt) < le.cooldown {
		return false, nil
	}
	le.lastAttempt = time.Now()

	conn, err := le.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for leader election: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leaderLockKey()).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	// Keep the session pinned for as long as we hold the lock.
	le.conn = conn
	le.isLeader = true
	le.logger.Info().Msg("leader lock acquired")
	return true, nil
}

// IsLeader reports whether this instance currently holds the lock. A
// dead lock session demotes the instance immediately.
func (le *LeaderElector) IsLeader(ctx context.Context) bool {
	le.mu.Lock()
	defer le.mu.Unlock()

	if !le.isLeader {
		return false
	}
	if err := le.conn.Ping(ctx); err != nil {
		le.logger.Warn().Err(err).Msg("leader session lost")
		le.conn.Release()
		le.conn = nil
		le.isLeader = false
		return false
	}
	return true
}

// Release gives up the leader lock on graceful shutdown.
func (le *LeaderElector) Release(ctx context.Context) {
	le.mu.Lock()
	defer le.mu.Unlock()

	if !le.isLeader {
		return
	}
	if _, err := le.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", leaderLockKey()); err != nil {
		le.logger.Warn().Err(err).Msg("failed to release leader lock")
	}
	le.conn.Release()
	le.conn = nil
	le.isLeader = false
	le.logger.Info().Msg("leader lock released")
}
