package engine

import (
	"context"
	"log"
	"sync"

	"github.com/tracegraph/tracegraph/internal/schema"
)

// Pool fans events out to a fixed number of apply workers. Events for
// the same tracker item may land on different workers; per-item ordering
// is enforced by the store's compare-and-set, not by the pool.
type Pool struct {
	engine  *Engine
	events  chan *schema.Event
	workers int
	logger  *log.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a worker pool over the engine. workers and queue
// depths below 1 fall back to 4 workers and a 256-event queue.
func NewPool(e *Engine, workers, queueDepth int) *Pool {
	if workers < 1 {
		workers = 4
	}
	if queueDepth < 1 {
		queueDepth = 256
	}
	return &Pool{
		engine:  e,
		events:  make(chan *schema.Event, queueDepth),
		workers: workers,
		logger:  e.logger,
	}
}

// Start launches the workers. They drain the queue until Stop is called
// or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit queues an event for apply. It blocks while the queue is full
// and reports false once the pool is shut down or ctx expires.
func (p *Pool) Submit(ctx context.Context, ev *schema.Event) bool {
	// The read lock covers the send so Stop cannot close the queue
	// under an in-flight Submit.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the queue and waits for in-flight applies to finish.
// Submits racing with Stop either land before the close or report false.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			// Apply already logs and records failures; the worker only
			// keeps draining. One bad event never stalls the queue.
			if err := p.engine.Apply(ctx, ev); err != nil {
				p.logger.Printf("worker %d: %v", id, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
