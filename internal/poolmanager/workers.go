package poolmanager

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned by Submit when the admission queue is full.
	ErrQueueFull = errors.New("worker queue full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// WorkerPool runs placement tasks on a fixed number of goroutines, admitted
// through a bounded FIFO queue. Submit never blocks, so the dispatch
// goroutine can hand work over without waiting on selection.
type WorkerPool struct {
	queue  chan func()
	log    logrus.FieldLogger
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize
// tasks.
func NewWorkerPool(workers, queueSize int, log logrus.FieldLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &WorkerPool{
		queue: make(chan func(), queueSize),
		log:   log.WithField("component", "workers"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(i)
	}
	return p
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(id, task)
	}
}

func (p *WorkerPool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("worker", id).Errorf("task panicked: %v", r)
		}
	}()
	task()
}

// Submit queues task. It returns ErrQueueFull instead of waiting for space.
func (p *WorkerPool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *WorkerPool) QueueDepth() int {
	return len(p.queue)
}

// Stop refuses new tasks and waits until queued and running tasks finish or
// ctx is done.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
