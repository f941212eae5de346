// Package workers runs generation, decoration and meshing jobs on a fixed
// set of goroutines fed from one shared queue.
package workers

import (
	"context"
	"runtime"

	"github.com/alitto/pond/v2"
)

type Stats struct {
	Workers   int    `json:"workers"`
	Running   int64  `json:"running"`
	Waiting   uint64 `json:"waiting"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
}

type Pool struct {
	size int
	pool pond.Pool
}

// New starts a pool of size workers; size <= 0 uses one per CPU. Jobs
// submitted after ctx is done are dropped.
func New(ctx context.Context, size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{
		size: size,
		pool: pond.NewPool(size, pond.WithContext(ctx)),
	}
}

// Go queues fn and returns immediately.
func (p *Pool) Go(fn func()) {
	p.pool.Submit(fn)
}

// Stop waits for queued jobs to finish. Later submissions are dropped.
func (p *Pool) Stop() {
	p.pool.StopAndWait()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.size,
		Running:   p.pool.RunningWorkers(),
		Waiting:   p.pool.WaitingTasks(),
		Submitted: p.pool.SubmittedTasks(),
		Completed: p.pool.CompletedTasks(),
	}
}
