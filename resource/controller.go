// Package resource bounds the memory and IO footprint of batched
// computation and checkpoint transfer.
//
// The similarity engine acquires its per-tile buffers from the
// controller's memory budget, which models the constrained compute
// device: many small device-resident tiles instead of one full
// resident matrix. Checkpoint uploads go through the IO limiter.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// DeviceMemoryBytes is the hard budget for tile buffers in flight.
	// If 0, no hard limit is enforced (only tracking).
	DeviceMemoryBytes int64

	// MaxTileWorkers is the maximum number of concurrent tile
	// computations. If 0, defaults to 1.
	MaxTileWorkers int64

	// IOLimitBytesPerSec is the maximum throughput for checkpoint
	// reads/writes. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages the device-memory and worker budgets.
// A nil *Controller is valid and enforces nothing.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	tileSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxTileWorkers <= 0 {
		cfg.MaxTileWorkers = 1
	}

	c := &Controller{
		cfg:     cfg,
		tileSem: semaphore.NewWeighted(cfg.MaxTileWorkers),
	}

	if cfg.DeviceMemoryBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.DeviceMemoryBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory reserves device memory for a tile. If the budget would
// be exceeded, this blocks until memory is released or ctx is
// canceled.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current tracked usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryBudget returns the configured device-memory limit in bytes,
// or 0 when unlimited.
func (c *Controller) MemoryBudget() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.DeviceMemoryBytes
}

// MaxTileWorkers returns the configured worker budget.
func (c *Controller) MaxTileWorkers() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.MaxTileWorkers)
}

// AcquireWorker reserves a tile worker slot, blocking while all slots
// are busy.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.tileSem.Acquire(ctx, 1)
}

// ReleaseWorker releases a tile worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.tileSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of
// bytes. Requests larger than one second's budget are granted in
// burst-sized installments, so a large checkpoint record throttles
// instead of failing.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil || bytes <= 0 {
		return nil
	}

	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}

	return nil
}
