package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jupark12/recipe-ingest/models"
)

// Pool runs a fixed set of workers over the same queue.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates n workers named worker-1 .. worker-n.
func NewPool(n int, deps Deps, cfg Config, logger *slog.Logger) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := 0; i < n; i++ {
		p.workers[i] = NewWorker(fmt.Sprintf("worker-%d", i+1), deps, cfg, logger)
	}
	return p
}

// SetNotifier sets the job update callback on every worker.
func (p *Pool) SetNotifier(fn func(*models.Job)) {
	for _, w := range p.workers {
		w.SetNotifier(fn)
	}
}

// Start launches every worker. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker loop and pending notification has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
	for _, w := range p.workers {
		w.Wait()
	}
}

// Busy returns how many workers are processing a job right now.
func (p *Pool) Busy() int {
	n := 0
	for _, w := range p.workers {
		if w.Processing() {
			n++
		}
	}
	return n
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}
