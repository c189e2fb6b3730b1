package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/AmeliaRose802/overseer/log"
)

// Pool runs a bounded set of agent loops. It satisfies the shutdown
// coordinator's PoolStopper contract: StopPending keeps idle agents from
// starting another task while in-flight work winds down on its own.
type Pool struct {
	loops   []*Loop
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add registers a loop with the pool. Call before Run.
func (p *Pool) Add(loop *Loop) {
	p.loops = append(p.loops, loop)
}

// StopPending tells the pool to stop accepting new work.
func (p *Pool) StopPending() {
	p.stopped.Store(true)
}

// Stopped reports whether new work is being accepted.
func (p *Pool) Stopped() bool {
	return p.stopped.Load()
}

// Run starts every agent loop and blocks until all have exited. Per-agent
// summaries are merged into one.
func (p *Pool) Run(ctx context.Context) Summary {
	summaries := make([]Summary, len(p.loops))

	for i, loop := range p.loops {
		p.wg.Add(1)
		go func(i int, loop *Loop) {
			defer p.wg.Done()
			s, err := loop.Run(ctx)
			if err != nil {
				log.ErrorLog.Printf("agent %d exited with error: %v", i, err)
			}
			summaries[i] = s
		}(i, loop)
	}

	p.wg.Wait()

	var total Summary
	for _, s := range summaries {
		total.Completed += s.Completed
		total.Conflicts += s.Conflicts
		total.Failed += s.Failed
		total.Skipped += s.Skipped
	}
	return total
}
