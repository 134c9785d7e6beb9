// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package fserr

import "syscall"

// errnoNoAttr is ENODATA on Linux.
const errnoNoAttr = syscall.ENODATA
