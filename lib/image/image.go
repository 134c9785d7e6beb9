// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

// Package image owns the mapped backing store for a mounted dwarfs
// image file and exposes read-only byte-range views into it.
//
// The reader never mutates the mapping and never copies on Slice: the
// returned slice aliases the mapping directly, so concurrent callers
// need no synchronization to call Slice (it is a pure view). Lifetime
// management (the map/unmap pair) is the only stateful part.
package image

import (
	"fmt"
	"io"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// LockMode controls whether the image mapping is locked into
// physical memory (mlock) to avoid paging the hot working set back
// out under memory pressure.
type LockMode int

const (
	// LockNone performs an ordinary mapping with no locking.
	LockNone LockMode = iota
	// LockTry attempts to mlock the mapping; a failure is logged by
	// the caller and mount continues without the lock.
	LockTry
	// LockMust requires the mlock to succeed; a failure aborts the
	// mount.
	LockMust
)

// ParseLockMode parses the mlock= option value.
func ParseLockMode(s string) (LockMode, error) {
	switch s {
	case "", "none":
		return LockNone, nil
	case "try":
		return LockTry, nil
	case "must":
		return LockMust, nil
	default:
		return 0, fmt.Errorf("unknown mlock mode %q (want none, try, or must)", s)
	}
}

// Reader owns a memory-mapped image file and exposes byte-range
// slices of it. The zero value is not usable; construct with Open.
type Reader struct {
	fd   int
	data []byte
	size int64

	// locked records whether the mapping was successfully mlock'd,
	// purely for diagnostics (Stats).
	locked bool
}

// Stats reports image-reader diagnostics.
type Stats struct {
	Size   int64
	Locked bool
}

// Open memory-maps the image file at path read-only. lockMode
// controls whether the mapping is locked into physical memory; see
// LockMode. warn is called (if non-nil) when a LockTry mlock fails.
func Open(path string, lockMode LockMode, warn func(error)) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating image %s: %w", path, err)
	}
	size := stat.Size
	if size == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("image %s is empty", path)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping image %s: %w", path, err)
	}

	reader := &Reader{fd: fd, data: data, size: size}

	switch lockMode {
	case LockTry:
		if lockErr := unix.Mlock(data); lockErr != nil {
			if warn != nil {
				warn(fmt.Errorf("mlock (try) failed, continuing unlocked: %w", lockErr))
			}
		} else {
			reader.locked = true
		}
	case LockMust:
		if lockErr := unix.Mlock(data); lockErr != nil {
			unix.Munmap(data)
			unix.Close(fd)
			return nil, fmt.Errorf("mlock (must) failed: %w", lockErr)
		}
		reader.locked = true
	}

	return reader, nil
}

// Slice returns a view of length bytes starting at offset. The
// returned slice aliases the mapping; it must not be retained past
// Close. Callers that need the bytes to outlive Close should copy.
func (r *Reader) Slice(offset, length int64) (result []byte, err error) {
	if offset < 0 || length < 0 || offset+length > r.size {
		return nil, fmt.Errorf("slice [%d, %d) out of range [0, %d)", offset, offset+length, r.size)
	}

	// A corrupt or truncated backing file can fault the mapped
	// pages; without this guard that would crash the process with
	// SIGBUS instead of returning an error to the caller.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("page fault reading image at offset %d: %v", offset, recovered)
		}
	}()

	return r.data[offset : offset+length], nil
}

// Size returns the total image size in bytes.
func (r *Reader) Size() int64 { return r.size }

// Stats returns image-reader diagnostics.
func (r *Reader) Stats() Stats {
	return Stats{Size: r.size, Locked: r.locked}
}

// ReaderAt returns an io.Reader that reads the mapping sequentially
// from offset to the end of the image. The result is not an
// io.ReaderAt.
func (r *Reader) ReaderAt(offset int64) io.Reader {
	return &sliceReader{reader: r, offset: offset}
}

type sliceReader struct {
	reader *Reader
	offset int64
}

func (s *sliceReader) Read(p []byte) (int, error) {
	remaining := s.reader.size - s.offset
	if remaining <= 0 {
		return 0, io.EOF
	}
	length := int64(len(p))
	if length > remaining {
		length = remaining
	}
	data, err := s.reader.Slice(s.offset, length)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	s.offset += int64(n)
	return n, nil
}

// Close unmaps the image and closes the underlying file descriptor.
func (r *Reader) Close() error {
	var firstErr error
	if err := unix.Munmap(r.data); err != nil {
		firstErr = fmt.Errorf("unmapping image: %w", err)
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing image fd: %w", err)
	}
	r.data = nil
	r.fd = -1
	return firstErr
}
