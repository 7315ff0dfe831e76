package events

import (
	"context"
	"sync"
)

type task interface {
	run()
}

// workerPool hands out idle workers through free(). A worker re-enqueues
// itself after every task, so len(free()) equals the idle worker count.
type workerPool struct {
	mu      sync.RWMutex
	stopped bool

	size        uint
	freeWorkers chan chan task
}

func newWorkerPool(size uint) *workerPool {
	return &workerPool{
		size:        size,
		freeWorkers: make(chan chan task, size),
	}
}

// start schedules the workers and arms the drain that runs on ctx
// cancellation.
func (p *workerPool) start(ctx context.Context) {
	wg := &sync.WaitGroup{}
	workersCtx, stopWorkers := context.WithCancel(ctx)

	for i := uint(0); i < p.size; i++ {
		w := &worker{ctx: workersCtx, pool: p.freeWorkers, tasks: make(chan task)}
		wg.Add(1)
		w.start(wg)
	}

	go func() {
		<-ctx.Done()

		// every worker re-enqueues itself once it finishes its task;
		// collecting size workers guarantees none is mid-task when the
		// pool closes
		for i := uint(0); i < p.size; i++ {
			<-p.freeWorkers
		}

		close(p.freeWorkers)
		stopWorkers()
		wg.Wait()

		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
	}()
}

// free returns the channel idle workers enqueue themselves on. A worker
// taken from it must either be given a task or put back.
func (p *workerPool) free() chan chan task {
	return p.freeWorkers
}

// busy reports how many workers are processing a task right now.
func (p *workerPool) busy() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return 0
	}

	return int(p.size) - len(p.freeWorkers)
}

type worker struct {
	ctx   context.Context
	pool  chan chan task
	tasks chan task
}

func (w *worker) start(wg *sync.WaitGroup) {
	go func() {
		defer wg.Done()

		for {
			w.pool <- w.tasks

			select {
			case <-w.ctx.Done():
				return
			case t, open := <-w.tasks:
				if !open {
					return
				}
				t.run()
			}
		}
	}()
}
