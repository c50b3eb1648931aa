package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// pool runs tasks on a fixed set of workers and tracks which message ids are
// in flight. Only the owning poll loop acquires ids; workers release them.
type pool struct {
	log     zerolog.Logger
	jobs    chan Task
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func newPool(log zerolog.Logger) *pool {
	return &pool{
		log:     log,
		jobs:    make(chan Task),
		running: map[string]struct{}{},
	}
}

func (p *pool) start(ctx context.Context, workers int, h Handler) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.jobs {
				p.run(ctx, h, t)
			}
		}()
	}
}

func (p *pool) run(ctx context.Context, h Handler, t Task) {
	defer p.release(t.MessageID)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("task", t.String()).Interface("panic", r).Msg("Task panicked")
		}
	}()
	if err := h(ctx, t); err != nil {
		p.log.Error().Err(err).Str("task", t.String()).Msg("Task failed")
	}
}

// acquire marks id as running. It reports false if id is already running.
func (p *pool) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[id]; ok {
		return false
	}
	p.running[id] = struct{}{}
	return true
}

func (p *pool) busy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

func (p *pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}

// dispatch hands t to a worker. It reports false if quit closed first.
func (p *pool) dispatch(t Task, quit <-chan struct{}) bool {
	select {
	case p.jobs <- t:
		return true
	case <-quit:
		return false
	}
}

// close stops the workers after in-flight tasks finish.
func (p *pool) close() {
	close(p.jobs)
	p.wg.Wait()
}
