package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/AmeliaRose802/overseer/log"
)

// PoolStopper is a bounded worker pool that can be told to stop accepting
// new work. Already-running work is unaffected.
type PoolStopper interface {
	StopPending()
}

// QueueDrainer is the merge queue's drain-and-stop entry point.
type QueueDrainer interface {
	Shutdown(grace time.Duration)
}

// Coordinator converts an external interrupt into an orderly, bounded-time
// wind-down. It is explicitly constructed and passed down rather than kept
// as ambient global state, so tests can run isolated instances in parallel.
type Coordinator struct {
	baseGrace     time.Duration
	perAgentGrace time.Duration
	queueGrace    time.Duration

	mu           sync.Mutex
	requested    bool
	activeAgents int
	pool         PoolStopper
	queue        QueueDrainer
	watchdog     *time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	// exit is os.Exit in production; injectable so tests can observe the
	// watchdog firing.
	exit func(code int)
}

// NewCoordinator creates a Coordinator. The watchdog fires after
// base + perAgent×activeAgents once shutdown is requested.
func NewCoordinator(base, perAgent, queueGrace time.Duration) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		baseGrace:     base,
		perAgentGrace: perAgent,
		queueGrace:    queueGrace,
		ctx:           ctx,
		cancel:        cancel,
		exit:          os.Exit,
	}
}

// SetPool registers the worker pool to stop on shutdown.
func (c *Coordinator) SetPool(pool PoolStopper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = pool
}

// SetQueue registers the merge queue to drain on shutdown.
func (c *Coordinator) SetQueue(queue QueueDrainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = queue
}

// Context returns the context cancelled when shutdown is requested. It is
// the single cancellation signal every loop polls.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Done returns the channel closed when shutdown is requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Requested reports whether shutdown has been requested.
func (c *Coordinator) Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Request begins the wind-down. A second request is a no-op. In-flight
// merges get the queue grace budget; the watchdog then guarantees process
// exit even if some component ignores the cooperative signal.
func (c *Coordinator) Request() {
	c.mu.Lock()
	if c.requested {
		c.mu.Unlock()
		return
	}
	c.requested = true
	pool := c.pool
	queue := c.queue
	timeout := c.baseGrace + time.Duration(c.activeAgents)*c.perAgentGrace
	c.mu.Unlock()

	log.InfoLog.Printf("shutdown requested, watchdog in %s", timeout)
	c.cancel()

	if pool != nil {
		pool.StopPending()
	}
	if queue != nil {
		go queue.Shutdown(c.queueGrace)
	}

	c.mu.Lock()
	c.watchdog = time.AfterFunc(timeout, func() {
		if c.Requested() {
			log.ErrorLog.Printf("graceful shutdown did not complete within %s, terminating", timeout)
			c.exit(1)
		}
	})
	c.mu.Unlock()
}

// RegisterAgent marks one more agent as active. The count only sizes the
// watchdog grace period.
func (c *Coordinator) RegisterAgent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeAgents++
}

// UnregisterAgent marks one agent as no longer active. The count never goes
// negative.
func (c *Coordinator) UnregisterAgent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeAgents == 0 {
		log.WarningLog.Printf("agent unregistered with zero active agents")
		return
	}
	c.activeAgents--
}

// ActiveAgents returns the current active-agent count.
func (c *Coordinator) ActiveAgents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeAgents
}

// Reset clears the shutdown state. Test harnesses only.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.requested = false
	c.activeAgents = 0
	c.ctx, c.cancel = context.WithCancel(context.Background())
}
