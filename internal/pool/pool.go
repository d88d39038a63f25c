// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pool provides a fixed-size worker pool for the embarrassingly
// parallel stages (subset fitting and bootstrap refits). A pool is acquired
// once per stage, shared across species, and Map blocks until every task
// returns, so no partial results are consumed mid-stage.
package pool

import (
	"context"
	"sync"
)

// Pool runs independent tasks on a bounded number of goroutines.
type Pool struct {
	workers int
}

// New returns a pool of the given size. Sizes below one are clamped to one.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Size reports the configured worker count.
func (p *Pool) Size() int {
	return p.workers
}

// Map runs fn for every index in [0, n) and blocks until all calls return.
// Tasks must communicate results through their own index-addressed storage;
// the pool imposes no result ordering. Once ctx is cancelled, remaining
// unstarted tasks are skipped and ctx.Err is returned after in-flight
// tasks finish.
func (p *Pool) Map(ctx context.Context, n int, fn func(i int)) error {
	if n <= 0 {
		return nil
	}

	tasks := make(chan int)
	var wg sync.WaitGroup

	workers := p.workers
	if workers > n {
		workers = n
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				fn(i)
			}
		}()
	}

	var err error
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case tasks <- i:
		}
	}
	close(tasks)
	wg.Wait()

	return err
}
