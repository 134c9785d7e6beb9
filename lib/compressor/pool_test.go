// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package compressor

import (
	"errors"
	"testing"
	"time"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
)

func TestPoolSubmitAndDecompress(t *testing.T) {
	pool := NewPool(2)
	defer pool.Shutdown()

	data := []byte("hello pool")
	compressed, usedID, err := Compress(data, CodecLZ4)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	result := <-pool.Submit(1, compressed, usedID, len(data))
	if result.Err != nil {
		t.Fatalf("Submit result err: %v", result.Err)
	}
	if string(result.Bytes) != string(data) {
		t.Fatalf("got %q, want %q", result.Bytes, data)
	}
}

func TestPoolManyConcurrentJobs(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()

	const n = 64
	channels := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		data := []byte{byte(i)}
		channels[i] = pool.Submit(uint32(i), data, CodecNone, 1)
	}
	for i, ch := range channels {
		result := <-ch
		if result.Err != nil {
			t.Fatalf("job %d: %v", i, result.Err)
		}
		if result.Bytes[0] != byte(i) {
			t.Fatalf("job %d: got %v", i, result.Bytes)
		}
	}
}

func TestPoolShutdownCancelsQueued(t *testing.T) {
	pool := NewPool(1)

	// Submit after shutdown should report Cancelled immediately.
	pool.Shutdown()
	result := <-pool.Submit(1, []byte("x"), CodecNone, 1)
	if !errors.Is(result.Err, fserr.ErrCancelled) {
		t.Fatalf("Submit after Shutdown: got %v, want ErrCancelled", result.Err)
	}
}

func TestPoolShutdownWaitsForWorkers(t *testing.T) {
	pool := NewPool(1)
	ch := pool.Submit(1, []byte("abc"), CodecNone, 3)

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}

	result := <-ch
	if result.Err != nil {
		t.Fatalf("in-flight job should have completed: %v", result.Err)
	}
}
