// Package gopool wraps an ants pool so that its owner can wait for the
// tasks it accepted.
package gopool

import (
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Pool is a bounded worker pool that can wait for the tasks it accepted.
type Pool struct {
	pool *ants.Pool
	wg   sync.WaitGroup
}

// New creates a pool of at most size workers. A size of zero or less uses
// GOMAXPROCS workers.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p, err := ants.NewPool(size, ants.WithExpiryDuration(10*time.Second))
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p}, nil
}

// Submit queues task. It blocks while all workers are busy and fails once
// the pool was released.
func (p *Pool) Submit(task func()) error {
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		task()
	})
	if err != nil {
		p.wg.Done()
	}
	return err
}

// Running returns the number of workers executing a task.
func (p *Pool) Running() int { return p.pool.Running() }

// Wait blocks until every accepted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Release waits for accepted tasks and closes the pool.
func (p *Pool) Release() {
	p.wg.Wait()
	p.pool.Release()
}
