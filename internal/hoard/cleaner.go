package hoard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultCleanupInterval is how often the cleaner attempts an
// opportunistic exclusive-lock sweep.
const DefaultCleanupInterval = 5 * time.Minute

// Cleaner periodically promotes the hoard file lock to exclusive and
// flushes the overlay, the same role orchestrator.cronRotationManager
// gives gocron for rotation sweeps. The promotion is skipped, not
// retried, when it would block (spec §4.H): some other process already
// holds the lock, and there is always a later tick.
type Cleaner struct {
	cache     *Cache
	scheduler gocron.Scheduler
	job       gocron.Job
	interval  time.Duration
	log       *slog.Logger
}

// NewCleaner constructs a Cleaner for cache. Call Start to begin
// sweeping and Stop to shut it down.
func NewCleaner(cache *Cache, interval time.Duration) (*Cleaner, error) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create hoard cleaner scheduler: %w", err)
	}
	return &Cleaner{
		cache:    cache,
		scheduler: s,
		interval:  interval,
		log:       cache.log,
	}, nil
}

// Start registers and begins the periodic sweep.
func (c *Cleaner) Start() error {
	j, err := c.scheduler.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(c.sweep),
		gocron.WithName("hoard-cleaner"),
	)
	if err != nil {
		return fmt.Errorf("create hoard cleaner job: %w", err)
	}
	c.job = j
	c.scheduler.Start()
	return nil
}

// Stop shuts down the scheduler and waits for an in-flight sweep to finish.
func (c *Cleaner) Stop() error {
	return c.scheduler.Shutdown()
}

// sweep promotes the hoard file lock to exclusive on a best-effort
// basis and flushes any pending overlay rows. If the promotion would
// block, it skips this tick entirely rather than waiting.
func (c *Cleaner) sweep() {
	ok, err := c.cache.lock.tryLockExclusive()
	if err != nil {
		c.log.Warn("hoard cleaner: exclusive lock attempt failed", "error", err)
		return
	}
	if !ok {
		c.log.Debug("hoard cleaner: exclusive lock contended, skipping sweep")
		return
	}
	defer func() {
		if err := c.cache.lock.unlock(); err != nil {
			c.log.Warn("hoard cleaner: failed to release exclusive lock", "error", err)
		}
		if err := c.cache.lock.lockShared(); err != nil {
			c.log.Error("hoard cleaner: failed to restore shared lock", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.cache.FlushOverlay(ctx); err != nil {
		c.log.Warn("hoard cleaner: overlay flush failed", "error", err)
		return
	}
	c.log.Debug("hoard cleaner: sweep complete")
}
