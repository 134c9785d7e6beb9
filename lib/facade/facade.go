// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package facade implements the stateless operation surface between
// the FUSE protocol glue and the metadata view, block cache, and
// inode reader. Every method recovers panics, maps domain errors to
// the taxonomy in internal/fserr, and logs one debug line on entry.
package facade

import (
	"log/slog"
	"strconv"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/lib/blockcache"
	"github.com/dwarfs-go/dwarfsd/lib/inodereader"
	"github.com/dwarfs-go/dwarfsd/lib/metadata"
	"github.com/dwarfs-go/dwarfsd/lib/section"
)

// Facade dispatches filesystem operations against the parsed image.
type Facade struct {
	view   *metadata.View
	cache  *blockcache.Cache
	reader *inodereader.Reader
	index  *section.Index
	pid    int
	logger *slog.Logger
}

// New constructs a Facade. pid is the process id reported through the
// driver.pid xattr.
func New(view *metadata.View, cache *blockcache.Cache, reader *inodereader.Reader, index *section.Index, pid int, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{view: view, cache: cache, reader: reader, index: index, pid: pid, logger: logger}
}

// entry logs one debug line and returns a deferred recover+map
// closure every method should defer immediately.
func (f *Facade) entry(op string, args ...any) func(*error) {
	f.logger.Debug(op, args...)
	return func(errp *error) {
		*errp = fserr.Recover(f.logger, op, recover(), *errp)
		*errp = fserr.Wrap(f.logger, op, *errp)
	}
}

// Find resolves one path component within parent.
func (f *Facade) Find(parent metadata.Ino, name string) (ino metadata.Ino, err error) {
	defer f.entry("find", "parent", parent, "name", name)(&err)
	found, ok := f.view.Find(parent, name)
	if !ok {
		return 0, fserr.ErrNotFound
	}
	return found, nil
}

// FindPath resolves a full path.
func (f *Facade) FindPath(path string) (ino metadata.Ino, err error) {
	defer f.entry("find_path", "path", path)(&err)
	found, ok := f.view.FindPath(path)
	if !ok {
		return 0, fserr.ErrNotFound
	}
	return found, nil
}

// GetAttr returns ino's stat record.
func (f *Facade) GetAttr(ino metadata.Ino) (stat metadata.Stat, err error) {
	defer f.entry("getattr", "ino", ino)(&err)
	return f.view.GetAttr(ino)
}

// Access checks permission mode against ino for uid/gid.
func (f *Facade) Access(ino metadata.Ino, mode, uid, gid uint32) (err error) {
	defer f.entry("access", "ino", ino, "mode", mode)(&err)
	return f.view.Access(ino, mode, uid, gid)
}

// Readlink returns ino's symlink target.
func (f *Facade) Readlink(ino metadata.Ino) (target string, err error) {
	defer f.entry("readlink", "ino", ino)(&err)
	return f.view.Readlink(ino)
}

// OpenDir opens a directory iteration handle.
func (f *Facade) OpenDir(ino metadata.Ino) (h *metadata.DirHandle, err error) {
	defer f.entry("opendir", "ino", ino)(&err)
	return f.view.OpenDir(ino)
}

// ReadDir returns the entry at offset off within h.
func (f *Facade) ReadDir(h *metadata.DirHandle, off int) (entry metadata.DirEntry, ok bool, err error) {
	defer f.entry("readdir", "off", off)(&err)
	entry, ok = f.view.ReadDir(h, off)
	return entry, ok, nil
}

// StatVFS answers statvfs.
func (f *Facade) StatVFS() (stat metadata.VFSStat, err error) {
	defer f.entry("statvfs")(&err)
	return f.view.StatVFS(), nil
}

// OpenFile opens a regular-file read handle.
func (f *Facade) OpenFile(ino metadata.Ino) (h *inodereader.Handle, err error) {
	defer f.entry("open", "ino", ino)(&err)
	return f.reader.Open(ino)
}

// Read fills buf at offset via h.
func (f *Facade) Read(h *inodereader.Handle, buf []byte, offset int64) (n int, err error) {
	defer f.entry("read", "offset", offset, "size", len(buf))(&err)
	return f.reader.ReadAt(h, buf, offset)
}

// ReadV returns scatter-gather slices covering [offset, offset+size).
func (f *Facade) ReadV(h *inodereader.Handle, size int, offset int64) (sg []inodereader.ScatterGather, err error) {
	defer f.entry("readv", "offset", offset, "size", size)(&err)
	return f.reader.ReadV(h, size, offset)
}

// GetXAttr resolves a named extended attribute's value.
func (f *Facade) GetXAttr(ino metadata.Ino, name string) (value []byte, err error) {
	defer f.entry("getxattr", "ino", ino, "name", name)(&err)
	switch name {
	case "user.dwarfs.driver.pid", "user.dwarfs.driver.perfmon":
		if ino != metadata.RootIno {
			return nil, fserr.ErrNoAttr
		}
		if name == "user.dwarfs.driver.pid" {
			return []byte(strconv.Itoa(f.pid)), nil
		}
		return []byte(f.perfmonSummary()), nil
	case "user.dwarfs.inodeinfo":
		return f.view.InodeInfo(ino)
	default:
		return nil, fserr.ErrNoAttr
	}
}

// ListXAttr returns the names of every xattr exposed on ino.
func (f *Facade) ListXAttr(ino metadata.Ino) (names []string, err error) {
	defer f.entry("listxattr", "ino", ino)(&err)
	names = []string{"user.dwarfs.inodeinfo"}
	if ino == metadata.RootIno {
		names = append(names, "user.dwarfs.driver.pid", "user.dwarfs.driver.perfmon")
	}
	return names, nil
}

// GetInodeInfo returns the stable diagnostic JSON for ino.
func (f *Facade) GetInodeInfo(ino metadata.Ino) (info []byte, err error) {
	defer f.entry("get_inode_info", "ino", ino)(&err)
	return f.view.InodeInfo(ino)
}

// CacheStats exposes the block cache's health counters, used by the
// perfmon xattr and by tests asserting on eviction behavior.
func (f *Facade) CacheStats() blockcache.Stats {
	return f.cache.Stats()
}

func (f *Facade) perfmonSummary() string {
	stats := f.cache.Stats()
	return "cache: used=" + strconv.FormatInt(stats.UsedBytes, 10) +
		" budget=" + strconv.FormatInt(stats.Budget, 10) +
		" entries=" + strconv.Itoa(stats.Entries) +
		" evictions=" + strconv.FormatInt(stats.Evictions, 10) +
		" soft_ceiling_exceeded=" + strconv.FormatInt(stats.SoftCeilingExceeded, 10)
}
