// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package fserr defines the driver's domain error taxonomy and its
// mapping onto POSIX errno values at the FUSE protocol boundary.
package fserr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"syscall"
)

// Domain errors. Every component returns one of these (wrapped with
// context via fmt.Errorf("...: %w", ...)) instead of an ad hoc error,
// so the facade and driver glue can map it with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotSymlink   = errors.New("not a symlink")
	ErrAccessDenied = errors.New("access denied")
	ErrRange        = errors.New("buffer too small")
	ErrNoAttr       = errors.New("attribute not found")
	ErrNotSupported = errors.New("not supported")
	ErrCorruptImage = errors.New("corrupt image")
	ErrDecompress   = errors.New("decompression failed")
	ErrCancelled    = errors.New("cancelled")
	ErrIOError      = errors.New("i/o error")
	ErrShuttingDown = errors.New("shutting down")
)

// ToErrno maps a domain error to the errno the FUSE layer should
// reply with. An error that doesn't match any sentinel (including a
// recovered panic re-wrapped by Wrap) maps to EIO.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotSymlink):
		return syscall.EINVAL
	case errors.Is(err, ErrAccessDenied):
		return syscall.EACCES
	case errors.Is(err, ErrRange):
		return syscall.ERANGE
	case errors.Is(err, ErrNoAttr):
		return errnoNoAttr
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrCorruptImage):
		return syscall.EIO
	case errors.Is(err, ErrDecompress):
		return syscall.EIO
	case errors.Is(err, ErrCancelled):
		return syscall.EIO
	case errors.Is(err, ErrIOError):
		return syscall.EIO
	case errors.Is(err, ErrShuttingDown):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// Wrap annotates err with the operation name. If err is nil, Wrap
// returns nil. Unknown (non-taxonomy) errors are logged at error
// level so they don't silently vanish behind a generic EIO.
func Wrap(logger *slog.Logger, op string, err error) error {
	if err == nil {
		return nil
	}
	if !isKnown(err) && logger != nil {
		logger.Error("unmapped error", "op", op, "error", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Recover turns a panic at a facade boundary into an error instead of
// crashing the mount. Call as:
//
//	defer func() { err = fserr.Recover(logger, op, recover(), err) }()
func Recover(logger *slog.Logger, op string, recovered any, err error) error {
	if recovered == nil {
		return err
	}
	if logger != nil {
		logger.Error("panic recovered", "op", op, "panic", recovered, "stack", string(debug.Stack()))
	}
	return fmt.Errorf("%s: panic: %v", op, recovered)
}

func isKnown(err error) bool {
	for _, sentinel := range []error{
		ErrNotFound, ErrNotDir, ErrIsDir, ErrNotSymlink, ErrAccessDenied,
		ErrRange, ErrNoAttr, ErrNotSupported, ErrCorruptImage, ErrDecompress,
		ErrCancelled, ErrIOError, ErrShuttingDown,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
