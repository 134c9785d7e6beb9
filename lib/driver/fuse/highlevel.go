// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/lib/facade"
	"github.com/dwarfs-go/dwarfsd/lib/inodereader"
	"github.com/dwarfs-go/dwarfsd/lib/metadata"
)

// HighLevelOptions configures the high-level (path-keyed) mount,
// selected with --highlevel.
type HighLevelOptions struct {
	Mountpoint string
	Facade     *facade.Facade
	AllowOther bool
	Logger     *slog.Logger
}

// MountHighLevel mounts the fs.Node-based filesystem at
// options.Mountpoint. The caller must call Unmount on the returned
// Server when done.
func MountHighLevel(options HighLevelOptions) (*fuse.Server, error) {
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, err
	}

	root := &dirNode{facade: options.Facade, ino: metadata.RootIno, logger: options.Logger}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "dwarfs",
			Name:       "dwarfsd",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, err
	}

	options.Logger.Info("dwarfs mounted (high-level)", "mountpoint", options.Mountpoint)
	return server, nil
}

// dirNode represents one directory inode in the high-level tree.
type dirNode struct {
	gofuse.Inode
	facade *facade.Facade
	ino    metadata.Ino
	logger *slog.Logger
}

var (
	_ gofuse.InodeEmbedder  = (*dirNode)(nil)
	_ gofuse.NodeLookuper   = (*dirNode)(nil)
	_ gofuse.NodeReaddirer  = (*dirNode)(nil)
	_ gofuse.NodeGetattrer  = (*dirNode)(nil)
	_ gofuse.NodeAccesser   = (*dirNode)(nil)
	_ gofuse.NodeGetxattrer = (*dirNode)(nil)
	_ gofuse.NodeListxattrer = (*dirNode)(nil)
)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	ino, err := d.facade.Find(d.ino, name)
	if err != nil {
		return nil, fserr.ToErrno(err)
	}
	stat, err := d.facade.GetAttr(ino)
	if err != nil {
		return nil, fserr.ToErrno(err)
	}
	fillHighLevelAttr(&out.Attr, stat)

	if stat.Kind == metadata.KindDir {
		child := &dirNode{facade: d.facade, ino: ino, logger: d.logger}
		return d.NewPersistentInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: uint64(ino)}), 0
	}
	if stat.Kind == metadata.KindSymlink {
		child := &symlinkNode{facade: d.facade, ino: ino}
		return d.NewPersistentInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFLNK, Ino: uint64(ino)}), 0
	}
	child := &fileNode{facade: d.facade, ino: ino}
	return d.NewPersistentInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: uint64(ino)}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	h, err := d.facade.OpenDir(d.ino)
	if err != nil {
		return nil, fserr.ToErrno(err)
	}

	var entries []fuse.DirEntry
	for off := 0; ; off++ {
		e, ok, err := d.facade.ReadDir(h, off)
		if err != nil {
			return nil, fserr.ToErrno(err)
		}
		if !ok {
			break
		}
		entries = append(entries, fuse.DirEntry{Name: e.Name, Ino: uint64(e.Ino), Mode: kindModeBits(e.Kind)})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	stat, err := d.facade.GetAttr(d.ino)
	if err != nil {
		return fserr.ToErrno(err)
	}
	fillHighLevelAttr(&out.Attr, stat)
	return 0
}

// Access delegates to the metadata view's mode-bit check. The
// high-level fs API does not surface the calling uid/gid to node
// methods, so this checks against the owning uid/gid directly. The
// mount sets no default_permissions option, so the kernel does not
// enforce mode bits either.
func (d *dirNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	stat, err := d.facade.GetAttr(d.ino)
	if err != nil {
		return fserr.ToErrno(err)
	}
	return fserr.ToErrno(d.facade.Access(d.ino, mask&0o7, stat.UID, stat.GID))
}

func (d *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattrCommon(d.facade, d.ino, attr, dest)
}

func (d *dirNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattrCommon(d.facade, d.ino, dest)
}

// fileNode represents a regular-file inode. Each Open call gets its
// own inodereader.Handle so the sequential-access detector tracks one
// open file descriptor at a time, as spec.md requires.
type fileNode struct {
	gofuse.Inode
	facade *facade.Facade
	ino    metadata.Ino
}

var (
	_ gofuse.InodeEmbedder = (*fileNode)(nil)
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeReader    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
)

type fileHandle struct {
	mu sync.Mutex
	h  *inodereader.Handle
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	h, err := f.facade.OpenFile(f.ino)
	if err != nil {
		return nil, 0, fserr.ToErrno(err)
	}
	return &fileHandle{h: h}, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EINVAL
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()

	n, err := f.facade.Read(handle.h, dest, off)
	if err != nil {
		return nil, fserr.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	stat, err := f.facade.GetAttr(f.ino)
	if err != nil {
		return fserr.ToErrno(err)
	}
	fillHighLevelAttr(&out.Attr, stat)
	return 0
}

// symlinkNode represents a symlink inode.
type symlinkNode struct {
	gofuse.Inode
	facade *facade.Facade
	ino    metadata.Ino
}

var _ gofuse.NodeReadlinker = (*symlinkNode)(nil)

func (s *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := s.facade.Readlink(s.ino)
	if err != nil {
		return nil, fserr.ToErrno(err)
	}
	return []byte(target), 0
}

func getxattrCommon(f *facade.Facade, ino metadata.Ino, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := f.GetXAttr(ino, attr)
	if err != nil {
		return 0, fserr.ToErrno(err)
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func listxattrCommon(f *facade.Facade, ino metadata.Ino, dest []byte) (uint32, syscall.Errno) {
	names, err := f.ListXAttr(ino)
	if err != nil {
		return 0, fserr.ToErrno(err)
	}
	var joined []byte
	for _, name := range names {
		joined = append(joined, name...)
		joined = append(joined, 0)
	}
	if len(dest) == 0 {
		return uint32(len(joined)), 0
	}
	if len(dest) < len(joined) {
		return uint32(len(joined)), syscall.ERANGE
	}
	return uint32(copy(dest, joined)), 0
}

func fillHighLevelAttr(attr *fuse.Attr, stat metadata.Stat) {
	attr.Ino = uint64(stat.Ino)
	attr.Size = stat.Size
	attr.Mode = stat.Mode | kindModeBits(stat.Kind)
	attr.Uid = stat.UID
	attr.Gid = stat.GID
	attr.Nlink = stat.Nlink
}

// sliceDirStream implements gofuse.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	e := s.entries[s.index]
	s.index++
	return e, 0
}

func (s *sliceDirStream) Close() {}
