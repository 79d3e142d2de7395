// Package progress tracks outstanding work and reports it periodically.
package progress

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval is the default reporting interval.
const DefaultInterval = 5 * time.Second

// Counter counts outstanding work items. It is safe for concurrent use.
type Counter struct {
	total     atomic.Int64
	remaining atomic.Int64
}

// Add registers n more work items.
func (c *Counter) Add(n int) {
	c.total.Add(int64(n))
	c.remaining.Add(int64(n))
}

// Done marks one work item complete.
func (c *Counter) Done() {
	if c.remaining.Add(-1) < 0 {
		panic("progress: negative counter")
	}
}

func (c *Counter) Remaining() int64 {
	return c.remaining.Load()
}

func (c *Counter) Total() int64 {
	return c.total.Load()
}

// Monitor logs the remaining count of c every interval and returns once it
// drops to zero or ctx is done.
func Monitor(ctx context.Context, c *Counter, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := c.Remaining()
			logger.Info("progress", "remaining", n, "total", c.Total())
			if n == 0 {
				return
			}
		}
	}
}
