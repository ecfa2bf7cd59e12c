// Package bgsync registers deferred catch-up work that runs after
// connectivity returns: a priority-ordered full sync, a retention sweep, and
// a completion broadcast. Delivery is at-least-eventually, not exactly-once.
package bgsync

import (
	"context"
	"sync"
	"time"

	"github.com/mlindgren/lagesbild/internal/engine"
	"github.com/mlindgren/lagesbild/internal/logging"
	"github.com/mlindgren/lagesbild/internal/model"
	"github.com/mlindgren/lagesbild/internal/notify"
	"github.com/mlindgren/lagesbild/internal/signal"
)

// settleDelay is how long after a Resumed transition the coordinator waits
// before running, letting the link stabilize. Platform-chosen, not immediate.
const settleDelay = 5 * time.Second

// rescheduleDelay is the fixed (not exponential) delay before re-running a
// failed tag. Bounding total attempts is the caller's responsibility.
const rescheduleDelay = 30 * time.Second

// Syncer runs the full catch-up sync. Implemented by *engine.Scheduler.
type Syncer interface {
	SyncAll(ctx context.Context, opts engine.SyncOptions)
}

// Sweeper runs the retention cleanup. Implemented by *store.Store.
type Sweeper interface {
	Cleanup() (int64, error)
}

// Coordinator holds pending tags and fires them once connectivity resumes.
type Coordinator struct {
	syncer  Syncer
	sweeper Sweeper
	monitor *signal.Monitor
	bus     *notify.Bus

	mu      sync.Mutex
	pending map[string]bool

	wg sync.WaitGroup
}

// New creates a Coordinator.
func New(syncer Syncer, sweeper Sweeper, mon *signal.Monitor, bus *notify.Bus) *Coordinator {
	return &Coordinator{
		syncer:  syncer,
		sweeper: sweeper,
		monitor: mon,
		bus:     bus,
		pending: make(map[string]bool),
	}
}

// Register records a tagged deferred task. Registering an already-pending
// tag is a no-op: the host invokes each tag at most once per registration.
func (c *Coordinator) Register(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[tag] {
		return
	}
	c.pending[tag] = true
	logging.Info("deferred sync registered", "tag", tag)
}

// Run consumes monitor transitions until the context is cancelled. On every
// Resumed transition, pending tags run after the settle delay. Call Wait to
// drain after cancelling.
func (c *Coordinator) Run(ctx context.Context) {
	sub := c.monitor.Subscribe()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case tr := <-sub:
				if tr.Kind != signal.Resumed {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(settleDelay):
				}
				c.runPending(ctx)
			}
		}
	}()
}

// Wait blocks until the background goroutine exits.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// runPending takes the pending set and executes each tag. A failed tag is
// re-registered and retried after the fixed delay.
func (c *Coordinator) runPending(ctx context.Context) {
	c.mu.Lock()
	tags := make([]string, 0, len(c.pending))
	for tag := range c.pending {
		tags = append(tags, tag)
	}
	c.pending = make(map[string]bool)
	c.mu.Unlock()

	for _, tag := range tags {
		if err := c.runTag(ctx, tag); err != nil {
			logging.Warn("deferred sync failed, rescheduling", "tag", tag, "error", err)
			c.reschedule(ctx, tag)
			continue
		}
		c.bus.Publish(notify.SyncCompleted{Tag: tag})
		logging.Info("deferred sync complete", "tag", tag)
	}
}

// runTag runs one catch-up: priority-ordered full sync, then retention
// cleanup. Sync failures are contained inside the scheduler; only storage
// sweep failures surface here.
func (c *Coordinator) runTag(ctx context.Context, tag string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.syncer.SyncAll(ctx, engine.SyncOptions{Priority: model.PriorityHigh, Force: true})

	if c.sweeper != nil {
		if _, err := c.sweeper.Cleanup(); err != nil {
			return err
		}
	}
	return nil
}

// reschedule re-registers a tag after the fixed delay and re-runs it if
// still online.
func (c *Coordinator) reschedule(ctx context.Context, tag string) {
	c.Register(tag)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		select {
		case <-ctx.Done():
			return
		case <-time.After(rescheduleDelay):
		}
		if c.monitor.Online() {
			c.runPending(ctx)
		}
	}()
}
