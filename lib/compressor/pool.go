// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package compressor

import (
	"sync"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
)

// Result is delivered exactly once on the channel returned by Submit.
type Result struct {
	Bytes []byte
	Err   error
}

// job is one queued decompression request.
type job struct {
	blockID    uint32
	compressed []byte
	codec      CodecID
	size       int
	result     chan<- Result
}

// Pool is a fixed-size worker pool executing decompression jobs.
// Jobs are accepted in FIFO order but workers may finish them out of
// order (no ordering is promised to callers beyond "each job
// completes exactly once").
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool of the given number of workers. workers <= 0
// defaults to 2, matching spec.md's default.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}

	p := &Pool{
		jobs: make(chan job, workers*4),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		// A job popped after Shutdown has been called was still
		// queued (never started); cancel it rather than run it, so
		// shutdown doesn't do unbounded decompression work. A job
		// already being decompressed when Shutdown is called is not
		// affected — it runs to completion before the next loop
		// iteration checks closed.
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			j.result <- Result{Err: fserr.ErrCancelled}
			continue
		}

		bytes, err := Decompress(j.compressed, j.codec, j.size)
		if err != nil {
			err = fserr.ErrDecompress
		}
		j.result <- Result{Bytes: bytes, Err: err}
	}
}

// Submit enqueues a decompression job and returns a channel that
// receives its result exactly once. Submit after Shutdown returns a
// channel that immediately yields ErrCancelled.
//
// The closed check and the send onto p.jobs happen under the same
// mutex Shutdown uses to flip closed and close(p.jobs), so a Submit
// can never land a send on a channel Shutdown has already closed.
func (p *Pool) Submit(blockID uint32, compressed []byte, codec CodecID, size int) <-chan Result {
	result := make(chan Result, 1)
	j := job{blockID: blockID, compressed: compressed, codec: codec, size: size, result: result}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		result <- Result{Err: fserr.ErrCancelled}
		return result
	}

	select {
	case p.jobs <- j:
		p.mu.Unlock()
	default:
		// Queue is saturated; finish the send on a goroutine so Submit
		// never blocks its caller.
		p.mu.Unlock()
		go p.submitBlocking(j, result)
	}

	return result
}

func (p *Pool) submitBlocking(j job, result chan<- Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		result <- Result{Err: fserr.ErrCancelled}
		return
	}
	p.jobs <- j
}

// Shutdown stops accepting new jobs, lets in-flight jobs complete,
// and cancels anything still queued.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
