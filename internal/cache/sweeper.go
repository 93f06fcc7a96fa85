package cache

import (
	"context"
	"time"

	"backendlink/internal/logging"
)

// Sweep drops expired entries and then enforces the persisted-tier ceilings.
func (c *Cache) Sweep() (expired int, evicted int) {
	expired = c.ClearExpired()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.disk == nil {
		return expired, 0
	}
	n, err := c.disk.enforce(c.opts.MaxDiskEntries, c.opts.MaxDiskBytes)
	if err != nil {
		c.logger.Warn("cache disk size enforcement failed", logging.Field("error", err))
	}
	c.metrics.CacheEvicted(tierDisk, "capacity", n)
	return expired, n
}

// RunSweeper sweeps once immediately and then every interval until ctx ends.
func (c *Cache) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	sweep := func() {
		expired, evicted := c.Sweep()
		if expired > 0 || evicted > 0 {
			c.logger.Debug("cache sweep finished",
				logging.Field("expired", expired),
				logging.Field("evicted", evicted),
			)
		}
	}
	sweep()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("stopping cache sweeper: context canceled", logging.Field("error", ctx.Err()))
			return
		case <-ticker.C:
			sweep()
		}
	}
}
