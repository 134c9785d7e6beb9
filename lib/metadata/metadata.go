// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata implements the random-access view over a dwarfs
// image's metadata section: the inode table, the per-directory sorted
// name index, the symlink and xattr tables, and chunk lists. The view
// is parsed once at mount and never mutated afterward.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/internal/wire"
)

// Ino is the driver's inode identifier. The host expects id 1 to name
// the root.
type Ino uint64

// RootIno is the well-known root inode id.
const RootIno Ino = 1

// EntryKind distinguishes directory-entry and inode types.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

// Stat mirrors the POSIX-relevant subset of an inode's attributes.
type Stat struct {
	Ino    Ino
	Parent Ino // 0 for the root inode, or an inode with no recorded parent
	Kind   EntryKind
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Atime  int64
	Mtime  int64
	Ctime  int64
	Nlink  uint32
}

// Chunk is one contiguous slice of a block contributing to a file's
// content.
type Chunk struct {
	BlockID uint32
	Offset  uint32
	Length  uint32
}

// DirEntry is one child returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  Ino
	Kind EntryKind
}

// VFSStat answers statvfs.
type VFSStat struct {
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	ReadOnly   bool
}

// inodeRecord is the wire shape of one inode, as packed into the
// metadata section.
type inodeRecord struct {
	Mode       uint32    `cbor:"0,keyasint"`
	Kind       EntryKind `cbor:"1,keyasint"`
	UID        uint32    `cbor:"2,keyasint"`
	GID        uint32    `cbor:"3,keyasint"`
	Atime      int64     `cbor:"4,keyasint"`
	Mtime      int64     `cbor:"5,keyasint"`
	Ctime      int64     `cbor:"6,keyasint"`
	Size       uint64    `cbor:"7,keyasint"`
	ChunksKey  Ino  `cbor:"8,keyasint"` // key into Chunks, only for regular files
	SymlinkKey Ino  `cbor:"9,keyasint"` // key into Symlinks, only for symlinks
	HasXattr   bool `cbor:"10,keyasint"`
}

type nameEntry struct {
	Name  string    `cbor:"0,keyasint"`
	Child Ino       `cbor:"1,keyasint"`
	Kind  EntryKind `cbor:"2,keyasint"`
}

// tree is the full wire shape of the metadata section.
type tree struct {
	Root        Ino                       `cbor:"0,keyasint"`
	Inodes      map[Ino]inodeRecord       `cbor:"1,keyasint"`
	Dirs        map[Ino][]nameEntry       `cbor:"2,keyasint"`
	Symlinks    map[Ino]string            `cbor:"3,keyasint"`
	Xattrs      map[Ino]map[string]string `cbor:"4,keyasint"`
	Chunks      map[Ino][]Chunk           `cbor:"5,keyasint"`
	Hardlinks   map[Ino][]Ino             `cbor:"6,keyasint"` // additional names sharing one inode, for nlink synthesis
	BlockSize   uint64                    `cbor:"7,keyasint"`
	BlocksTotal uint64                    `cbor:"8,keyasint"`
}

// View is the parsed, read-only metadata tree plus mount-time
// options that affect how it answers queries.
type View struct {
	t           tree
	parents     map[Ino]Ino // child -> containing directory, derived from t.Dirs
	enableNlink bool
	readOnlyVFS bool
}

// Options configures how the parsed tree is interpreted.
type Options struct {
	EnableNlink bool
	ReadOnly    bool
}

// Parse decodes raw (the decompressed metadata section) into a View.
func Parse(raw []byte, opts Options) (*View, error) {
	var t tree
	if err := wire.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata tree: %v", fserr.ErrCorruptImage, err)
	}
	if t.Root == 0 {
		return nil, fmt.Errorf("%w: metadata tree has no root inode", fserr.ErrCorruptImage)
	}
	if _, ok := t.Inodes[t.Root]; !ok {
		return nil, fmt.Errorf("%w: root inode %d not present in inode table", fserr.ErrCorruptImage, t.Root)
	}

	// The wire tree only records parent -> children (t.Dirs); GetAttr
	// needs the reverse edge too, so build it once here rather than
	// scanning every directory on every GetAttr call. A hardlinked
	// inode appears under more than one parent; the last one seen
	// wins, since Stat has room for exactly one.
	parents := make(map[Ino]Ino, len(t.Inodes))
	for parent, entries := range t.Dirs {
		for _, e := range entries {
			parents[e.Child] = parent
		}
	}

	return &View{t: t, parents: parents, enableNlink: opts.EnableNlink, readOnlyVFS: opts.ReadOnly}, nil
}

// Find resolves one path component within parent.
func (v *View) Find(parent Ino, name string) (Ino, bool) {
	entries := v.t.Dirs[parent]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if idx < len(entries) && entries[idx].Name == name {
		return entries[idx].Child, true
	}
	return 0, false
}

// FindPath walks Find over every "/"-separated component of path.
func (v *View) FindPath(path string) (Ino, bool) {
	ino := v.t.Root
	path = strings.Trim(path, "/")
	if path == "" {
		return ino, true
	}
	for _, component := range strings.Split(path, "/") {
		next, ok := v.Find(ino, component)
		if !ok {
			return 0, false
		}
		ino = next
	}
	return ino, true
}

// GetAttr returns the stat record for ino.
func (v *View) GetAttr(ino Ino) (Stat, error) {
	rec, ok := v.t.Inodes[ino]
	if !ok {
		return Stat{}, fserr.ErrNotFound
	}
	nlink := uint32(1)
	if v.enableNlink {
		if names, ok := v.t.Hardlinks[ino]; ok {
			nlink = uint32(len(names))
			if nlink == 0 {
				nlink = 1
			}
		}
	}
	if rec.Kind == KindDir {
		nlink = uint32(2 + countSubdirs(v.t.Dirs[ino]))
	}
	return Stat{
		Ino: ino, Parent: v.parents[ino], Kind: rec.Kind, Mode: rec.Mode, UID: rec.UID, GID: rec.GID,
		Size: rec.Size, Atime: rec.Atime, Mtime: rec.Mtime, Ctime: rec.Ctime,
		Nlink: nlink,
	}, nil
}

func countSubdirs(entries []nameEntry) int {
	n := 0
	for _, e := range entries {
		if e.Kind == KindDir {
			n++
		}
	}
	return n
}

// permBits, like POSIX: owner rwx in bits 8-6, group 5-3, other 2-0.
const (
	permRead  = 0o4
	permWrite = 0o2
	permExec  = 0o1
)

// Access checks mode (a combination of permRead/permWrite/permExec)
// against ino's permission bits, with root bypassing all checks.
func (v *View) Access(ino Ino, mode uint32, uid, gid uint32) error {
	rec, ok := v.t.Inodes[ino]
	if !ok {
		return fserr.ErrNotFound
	}
	if uid == 0 {
		return nil
	}

	var shift uint32
	switch {
	case uid == rec.UID:
		shift = 6
	case gid == rec.GID:
		shift = 3
	default:
		shift = 0
	}
	have := (rec.Mode >> shift) & 0o7
	if have&mode != mode {
		return fserr.ErrAccessDenied
	}
	return nil
}

// Readlink returns the symlink target for ino.
func (v *View) Readlink(ino Ino) (string, error) {
	rec, ok := v.t.Inodes[ino]
	if !ok {
		return "", fserr.ErrNotFound
	}
	if rec.Kind != KindSymlink {
		return "", fserr.ErrNotSymlink
	}
	target, ok := v.t.Symlinks[rec.SymlinkKey]
	if !ok {
		return "", fmt.Errorf("%w: symlink table missing entry for inode %d", fserr.ErrCorruptImage, ino)
	}
	return target, nil
}

// DirHandle is an open directory iteration cursor. The host owns its
// lifetime (created by OpenDir, released at the host's discretion).
type DirHandle struct {
	ino     Ino
	entries []nameEntry
}

// OpenDir returns a handle over ino's sorted child list.
func (v *View) OpenDir(ino Ino) (*DirHandle, error) {
	rec, ok := v.t.Inodes[ino]
	if !ok {
		return nil, fserr.ErrNotFound
	}
	if rec.Kind != KindDir {
		return nil, fserr.ErrNotDir
	}
	return &DirHandle{ino: ino, entries: v.t.Dirs[ino]}, nil
}

// ReadDir returns the entry at offset off, or ok=false past the end.
// The same offset always names the same entry for the life of the
// mount, since DirHandle.entries is the immutable packed order.
func (v *View) ReadDir(h *DirHandle, off int) (DirEntry, bool) {
	if off < 0 || off >= len(h.entries) {
		return DirEntry{}, false
	}
	e := h.entries[off]
	return DirEntry{Name: e.Name, Ino: e.Child, Kind: e.Kind}, true
}

// DirSize returns the number of children in h.
func (v *View) DirSize(h *DirHandle) int {
	return len(h.entries)
}

// StatVFS answers statvfs.
func (v *View) StatVFS() VFSStat {
	blockSize := v.t.BlockSize
	if blockSize == 0 {
		blockSize = 512 * 1024
	}
	return VFSStat{
		BlockSize:  blockSize,
		Blocks:     v.t.BlocksTotal,
		BlocksFree: 0, // read-only image: no free space, ever
		ReadOnly:   true,
	}
}

// Chunks returns the ordered chunk list making up a regular file's
// contents.
func (v *View) Chunks(ino Ino) ([]Chunk, error) {
	rec, ok := v.t.Inodes[ino]
	if !ok {
		return nil, fserr.ErrNotFound
	}
	if rec.Kind == KindDir {
		return nil, fserr.ErrIsDir
	}
	if rec.Kind == KindSymlink {
		return nil, fserr.ErrNotSupported
	}
	return v.t.Chunks[rec.ChunksKey], nil
}

// inodeInfo is the stable diagnostic shape exposed over
// user.dwarfs.inodeinfo; it is JSON (not CBOR) because spec
// explicitly calls for a directly-parseable diagnostic payload.
type inodeInfo struct {
	Ino    Ino    `json:"inode"`
	Kind   string `json:"kind"`
	Mode   uint32 `json:"mode"`
	Size   uint64 `json:"size"`
	Chunks int    `json:"chunks,omitempty"`
}

// InodeInfo renders ino's diagnostic JSON payload.
func (v *View) InodeInfo(ino Ino) ([]byte, error) {
	rec, ok := v.t.Inodes[ino]
	if !ok {
		return nil, fserr.ErrNotFound
	}
	info := inodeInfo{Ino: ino, Mode: rec.Mode, Size: rec.Size}
	switch rec.Kind {
	case KindDir:
		info.Kind = "directory"
	case KindSymlink:
		info.Kind = "symlink"
	default:
		info.Kind = "file"
		info.Chunks = len(v.t.Chunks[rec.ChunksKey])
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encoding inode info: %w", err)
	}
	return data, nil
}

// Export the permission bit constants for driver glue callers that
// need to build an access mode from POSIX open flags.
const (
	PermRead  = permRead
	PermWrite = permWrite
	PermExec  = permExec
)
