// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks (like decoding image files) in parallel, with a bounded
// number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. The zero value runs every task inline.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// 0 disables parallelism, and -1 means unlimited.
	maxParallelism int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism is the limit of tasks running at the same time.
// If 0 parallelism is disabled, and if -1 it is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It returns itself, to allow cascading calls.
//
// It should not be changed while ForEach is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// ForEach calls task(ii) for ii in 0 to n-1, and returns once all calls are finished.
// The calls run in parallel, up to MaxParallelism at a time, in no particular order.
// If parallelism is disabled they run inline, in order.
func (w *Pool) ForEach(n int, task func(ii int)) {
	if n <= 0 {
		return
	}
	if w.maxParallelism == 0 || n == 1 {
		for ii := range n {
			task(ii)
		}
		return
	}
	numWorkers := n
	if w.maxParallelism > 0 {
		numWorkers = min(n, w.maxParallelism)
	}
	indices := make(chan int)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for ii := range indices {
				task(ii)
			}
		}()
	}
	for ii := range n {
		indices <- ii
	}
	close(indices)
	wg.Wait()
}
