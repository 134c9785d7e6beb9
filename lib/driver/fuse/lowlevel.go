// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse adapts the filesystem facade to the host's userspace
// filesystem protocol via hanwen/go-fuse/v2. RawFS implements the
// low-level, inode-keyed fuse.RawFileSystem interface; it is the
// primary glue. dirNode, fileNode and symlinkNode, in highlevel.go,
// implement the fs.Node interfaces; MountHighLevel mounts them instead
// of RawFS when --highlevel is given.
package fuse

import (
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/lib/facade"
	"github.com/dwarfs-go/dwarfsd/lib/inodereader"
	"github.com/dwarfs-go/dwarfsd/lib/metadata"
)

// RawFS is the low-level, inode-keyed FUSE glue. It embeds go-fuse's
// default implementation so that overriding only the handlers dwarfsd
// actually serves is enough; every unhandled callback answers ENOSYS.
type RawFS struct {
	fuse.RawFileSystem

	facade *facade.Facade
	logger *slog.Logger

	mu     sync.Mutex
	files  map[uint64]*inodereader.Handle
	dirs   map[uint64]*metadata.DirHandle
	nextFH uint64
}

// LowLevelOptions configures the primary, raw-API mount.
type LowLevelOptions struct {
	Mountpoint string
	Facade     *facade.Facade
	AllowOther bool
	Debug      bool
	Logger     *slog.Logger
}

// MountLowLevel mounts the raw, inode-keyed filesystem at
// options.Mountpoint and starts serving it in a background goroutine.
// The caller must call Unmount on the returned Server when done.
func MountLowLevel(options LowLevelOptions) (*fuse.Server, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, err
	}

	rawFS := NewRawFS(options.Facade, options.Logger)
	server, err := fuse.NewServer(rawFS, options.Mountpoint, &fuse.MountOptions{
		FsName:     "dwarfs",
		Name:       "dwarfsd",
		AllowOther: options.AllowOther,
		Debug:      options.Debug,
	})
	if err != nil {
		return nil, err
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return nil, err
	}

	options.Logger.Info("dwarfs mounted (low-level)", "mountpoint", options.Mountpoint)
	return server, nil
}

// NewRawFS constructs the low-level glue over f.
func NewRawFS(f *facade.Facade, logger *slog.Logger) *RawFS {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawFS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		facade:        f,
		logger:        logger,
		files:         make(map[uint64]*inodereader.Handle),
		dirs:          make(map[uint64]*metadata.DirHandle),
	}
}

func (r *RawFS) allocFH() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFH++
	return r.nextFH
}

// Init registers the server with the underlying go-fuse runtime so
// raw handlers can access the Server's capabilities (e.g. for
// notifications); dwarfsd issues none today, so this only satisfies
// the interface.
func (r *RawFS) Init(server *fuse.Server) {}

func (r *RawFS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ino, err := r.facade.Find(metadata.Ino(header.NodeId), name)
	if err != nil {
		return toStatus(err)
	}
	stat, err := r.facade.GetAttr(ino)
	if err != nil {
		return toStatus(err)
	}
	fillEntryOut(out, stat)
	return fuse.OK
}

func (r *RawFS) Forget(nodeid, nlookup uint64) {}

func (r *RawFS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	stat, err := r.facade.GetAttr(metadata.Ino(input.NodeId))
	if err != nil {
		return toStatus(err)
	}
	fillAttrOut(&out.Attr, stat)
	return fuse.OK
}

func (r *RawFS) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	mode := input.Mask & 0o7
	err := r.facade.Access(metadata.Ino(input.NodeId), mode, input.Owner.Uid, input.Owner.Gid)
	return toStatus(err)
}

func (r *RawFS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	h, err := r.facade.OpenFile(metadata.Ino(input.NodeId))
	if err != nil {
		return toStatus(err)
	}
	fh := r.allocFH()
	r.mu.Lock()
	r.files[fh] = h
	r.mu.Unlock()
	out.Fh = fh
	return fuse.OK
}

func (r *RawFS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	r.mu.Lock()
	h := r.files[input.Fh]
	r.mu.Unlock()
	if h == nil {
		return nil, fuse.EINVAL
	}

	segments, err := r.facade.ReadV(h, len(buf), int64(input.Offset))
	if err != nil {
		return nil, toStatus(err)
	}
	return newReadVResult(segments), fuse.OK
}

// readvResult adapts the pinned, zero-copy segments from
// inodereader.ReadV to go-fuse's single-buffer fuse.ReadResult
// interface. Segments stay pinned against eviction until the server
// has copied them into its own reply buffer via Bytes and calls Done.
type readvResult struct {
	segments []inodereader.ScatterGather
	size     int
}

func newReadVResult(segments []inodereader.ScatterGather) *readvResult {
	size := 0
	for _, sg := range segments {
		size += len(sg.Bytes)
	}
	return &readvResult{segments: segments, size: size}
}

func (rv *readvResult) Size() int { return rv.size }

func (rv *readvResult) Bytes(buf []byte) ([]byte, fuse.Status) {
	if cap(buf) < rv.size {
		buf = make([]byte, rv.size)
	}
	buf = buf[:0]
	for _, sg := range rv.segments {
		buf = append(buf, sg.Bytes...)
	}
	return buf, fuse.OK
}

func (rv *readvResult) Done() {
	for _, sg := range rv.segments {
		sg.Release()
	}
}

func (r *RawFS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	r.mu.Lock()
	delete(r.files, input.Fh)
	r.mu.Unlock()
}

func (r *RawFS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	h, err := r.facade.OpenDir(metadata.Ino(input.NodeId))
	if err != nil {
		return toStatus(err)
	}
	fh := r.allocFH()
	r.mu.Lock()
	r.dirs[fh] = h
	r.mu.Unlock()
	out.Fh = fh
	return fuse.OK
}

func (r *RawFS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	r.mu.Lock()
	h := r.dirs[input.Fh]
	r.mu.Unlock()
	if h == nil {
		return fuse.EINVAL
	}

	off := int(input.Offset)
	for {
		entry, ok, err := r.facade.ReadDir(h, off)
		if err != nil {
			return toStatus(err)
		}
		if !ok {
			break
		}
		if !out.AddDirEntry(fuse.DirEntry{Name: entry.Name, Ino: uint64(entry.Ino), Mode: direntMode(entry.Kind)}) {
			break
		}
		off++
	}
	return fuse.OK
}

func (r *RawFS) ReleaseDir(input *fuse.ReleaseIn) {
	r.mu.Lock()
	delete(r.dirs, input.Fh)
	r.mu.Unlock()
}

func (r *RawFS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := r.facade.Readlink(metadata.Ino(header.NodeId))
	if err != nil {
		return nil, toStatus(err)
	}
	return []byte(target), fuse.OK
}

func (r *RawFS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	stat, err := r.facade.StatVFS()
	if err != nil {
		return toStatus(err)
	}
	out.Bsize = uint32(stat.BlockSize)
	out.Blocks = stat.Blocks
	out.Bfree = stat.BlocksFree
	out.Bavail = stat.BlocksFree
	out.NameLen = 255
	return fuse.OK
}

func (r *RawFS) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	value, err := r.facade.GetXAttr(metadata.Ino(header.NodeId), attr)
	if err != nil {
		return 0, toStatus(err)
	}
	if len(dest) == 0 {
		return uint32(len(value)), fuse.OK
	}
	if len(dest) < len(value) {
		return uint32(len(value)), fuse.ERANGE
	}
	return uint32(copy(dest, value)), fuse.OK
}

func (r *RawFS) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	names, err := r.facade.ListXAttr(metadata.Ino(header.NodeId))
	if err != nil {
		return 0, toStatus(err)
	}
	var joined []byte
	for _, name := range names {
		joined = append(joined, name...)
		joined = append(joined, 0)
	}
	if len(dest) == 0 {
		return uint32(len(joined)), fuse.OK
	}
	if len(dest) < len(joined) {
		return uint32(len(joined)), fuse.ERANGE
	}
	return uint32(copy(dest, joined)), fuse.OK
}

// toStatus maps a domain error to the raw API's fuse.Status. The raw
// fuse.RawFileSystem interface predates syscall.Errno-based returns,
// so fserr.ToErrno's result needs an explicit numeric conversion.
func toStatus(err error) fuse.Status {
	return fuse.Status(fserr.ToErrno(err))
}

func fillAttrOut(attr *fuse.Attr, stat metadata.Stat) {
	attr.Ino = uint64(stat.Ino)
	attr.Size = stat.Size
	attr.Mode = stat.Mode | kindModeBits(stat.Kind)
	attr.Uid = stat.UID
	attr.Gid = stat.GID
	attr.Nlink = stat.Nlink
	attr.Atime = uint64(stat.Atime)
	attr.Mtime = uint64(stat.Mtime)
	attr.Ctime = uint64(stat.Ctime)
}

func fillEntryOut(out *fuse.EntryOut, stat metadata.Stat) {
	out.NodeId = uint64(stat.Ino)
	out.Generation = 1
	fillAttrOut(&out.Attr, stat)
}

func kindModeBits(kind metadata.EntryKind) uint32 {
	switch kind {
	case metadata.KindDir:
		return syscall.S_IFDIR
	case metadata.KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func direntMode(kind metadata.EntryKind) uint32 {
	return kindModeBits(kind)
}
