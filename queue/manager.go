package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mailpipe/internal/config"
	"mailpipe/internal/metrics"
)

// Manager is an in-process delayed task queue served by a worker pool.
// Tasks for the same message id never run concurrently. Pending tasks are
// lost on exit; durable scheduling is provided by Redis.
type Manager struct {
	log     zerolog.Logger
	workers int
	poll    time.Duration
	now     func() time.Time

	mu    sync.Mutex
	queue []queuedTask
	wake  chan struct{}

	pool     *pool
	quit     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	started  bool
}

// NewManager creates a Manager. Workers below 1 default to the number of CPUs.
func NewManager(log zerolog.Logger, workers int, poll time.Duration) *Manager {
	if poll <= 0 {
		poll = time.Second
	}
	log = log.With().Str("component", "queue").Logger()
	return &Manager{
		log:     log,
		workers: config.Workers(workers),
		poll:    poll,
		now:     time.Now,
		queue:   make([]queuedTask, 0),
		wake:    make(chan struct{}, 1),
		pool:    newPool(log),
		quit:    make(chan struct{}),
	}
}

// Schedule adds task to run once delay has elapsed.
func (m *Manager) Schedule(ctx context.Context, task Task, delay time.Duration) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	m.queue = append(m.queue, queuedTask{Task: task, Due: m.now().Add(delay)})
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.SetQueueDepth(depth)
	m.log.Debug().Str("task", task.String()).Dur("delay", delay).Msg("Scheduled task")

	if delay == 0 {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Depth returns the number of tasks waiting, due or not.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Start runs the poll loop and workers in background goroutines until ctx
// is cancelled or Stop is called. It must be called at most once.
func (m *Manager) Start(ctx context.Context, h Handler) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.pool.start(ctx, m.workers, h)
	m.loop.Add(1)
	go func() {
		defer m.loop.Done()
		ticker := time.NewTicker(m.poll)
		defer ticker.Stop()
		for {
			m.processQueue()
			select {
			case <-ctx.Done():
				return
			case <-m.quit:
				return
			case <-ticker.C:
			case <-m.wake:
			}
		}
	}()
	m.log.Info().Int("workers", m.workers).Dur("poll", m.poll).Msg("Queue started")
}

// Stop shuts down the poll loop and waits for running tasks to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.loop.Wait()
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			m.pool.close()
		}
	})
}

// processQueue hands every due task to the pool.
func (m *Manager) processQueue() {
	for _, t := range m.takeDue(m.now()) {
		if !m.pool.dispatch(t, m.quit) {
			m.pool.release(t.MessageID)
			m.requeue(t)
		}
	}
}

// takeDue removes due tasks whose message id is idle and marks those ids
// running. At most one task per id is taken per call.
func (m *Manager) takeDue(now time.Time) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]Task, 0)
	remaining := m.queue[:0]
	for _, qt := range m.queue {
		if now.Before(qt.Due) || !m.pool.acquire(qt.Task.MessageID) {
			remaining = append(remaining, qt)
			continue
		}
		due = append(due, qt.Task)
	}
	m.queue = remaining
	metrics.SetQueueDepth(len(m.queue))
	return due
}

func (m *Manager) requeue(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queuedTask{Task: t, Due: m.now()})
	metrics.SetQueueDepth(len(m.queue))
}
