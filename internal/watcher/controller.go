package watcher

import (
	"context"
	"sync"

	"gitlogbot/internal/runtime/supervisor"
	logx "gitlogbot/pkg/logx"
)

// Controller starts and stops the single watch worker.
type Controller struct {
	loop *Loop
	log  logx.Logger

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewController(loop *Loop, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{loop: loop, log: log.With(logx.String("comp", "watcher"))}
}

// Start launches the worker on a child of ctx and returns immediately.
// Calling it while the worker runs is a logged no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		c.log.Info("watcher already running")
		return
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(c.log))
	sup.Go("watcher.loop", c.loop.Run)
	c.sup = sup
}

// Stop signals the worker and blocks until it has exited or ctx is done.
// No announcement is sent after a nil return.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	c.log.Info("stopping watcher")
	if err := sup.Stop(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.sup == sup {
		c.sup = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup != nil
}

// State reports the worker state.
func (c *Controller) State() State { return c.loop.State() }
