// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dwarfs-go/dwarfsd/internal/wire"
	"github.com/dwarfs-go/dwarfsd/lib/blockcache"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
	"github.com/dwarfs-go/dwarfsd/lib/facade"
	"github.com/dwarfs-go/dwarfsd/lib/inodereader"
	"github.com/dwarfs-go/dwarfsd/lib/metadata"
)

// testLowLevelMount mounts a tiny single-file image via the raw
// fuse.RawFileSystem glue, unmounting on test cleanup.
func testLowLevelMount(t *testing.T) (mountpoint string) {
	t.Helper()
	fuseAvailable(t)

	type inodeRecord struct {
		Mode      uint32             `cbor:"0,keyasint"`
		Kind      metadata.EntryKind `cbor:"1,keyasint"`
		Size      uint64             `cbor:"7,keyasint"`
		ChunksKey metadata.Ino       `cbor:"8,keyasint"`
	}
	type nameEntry struct {
		Name  string             `cbor:"0,keyasint"`
		Child metadata.Ino       `cbor:"1,keyasint"`
		Kind  metadata.EntryKind `cbor:"2,keyasint"`
	}
	type tree struct {
		Root   metadata.Ino                      `cbor:"0,keyasint"`
		Inodes map[metadata.Ino]inodeRecord      `cbor:"1,keyasint"`
		Dirs   map[metadata.Ino][]nameEntry      `cbor:"2,keyasint"`
		Chunks map[metadata.Ino][]metadata.Chunk `cbor:"5,keyasint"`
	}

	tr := tree{
		Root: metadata.RootIno,
		Inodes: map[metadata.Ino]inodeRecord{
			1: {Mode: 0o755, Kind: metadata.KindDir},
			2: {Mode: 0o644, Kind: metadata.KindFile, Size: 3, ChunksKey: 2},
		},
		Dirs: map[metadata.Ino][]nameEntry{
			1: {{Name: "hello", Child: 2, Kind: metadata.KindFile}},
		},
		Chunks: map[metadata.Ino][]metadata.Chunk{
			2: {{BlockID: 0, Offset: 0, Length: 3}},
		},
	}
	raw, err := wire.Marshal(tr)
	if err != nil {
		t.Fatalf("marshal fixture tree: %v", err)
	}
	view, err := metadata.Parse(raw, metadata.Options{})
	if err != nil {
		t.Fatalf("metadata.Parse: %v", err)
	}

	cache := blockcache.New(blockcache.Options{
		Budget: 1 << 20,
		Pool:   compressor.NewPool(1),
		Source: fixtureSource{plain: map[uint32][]byte{0: []byte("Hi\n")}},
	})
	t.Cleanup(cache.Close)

	reader := inodereader.New(view, cache, inodereader.Options{})
	f := facade.New(view, cache, reader, nil, os.Getpid(), nil)

	mountpoint = filepath.Join(t.TempDir(), "mount")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	rawFS := NewRawFS(f, nil)
	server, err := fuse.NewServer(rawFS, mountpoint, &fuse.MountOptions{FsName: "dwarfs", Name: "dwarfsd"})
	if err != nil {
		t.Fatalf("fuse.NewServer: %v", err)
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		t.Fatalf("WaitMount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint
}

func TestLowLevelMountReadsFile(t *testing.T) {
	mountpoint := testLowLevelMount(t)

	got, err := os.ReadFile(filepath.Join(mountpoint, "hello"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "Hi\n" {
		t.Fatalf("content = %q, want %q", got, "Hi\n")
	}
}

func TestLowLevelMountListsRoot(t *testing.T) {
	mountpoint := testLowLevelMount(t)

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "hello" {
		t.Fatalf("root listing = %v, want [hello]", entries)
	}
}

func TestLowLevelMountNotFound(t *testing.T) {
	mountpoint := testLowLevelMount(t)

	_, err := os.ReadFile(filepath.Join(mountpoint, "missing"))
	if err == nil {
		t.Fatal("expected error reading nonexistent file")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected ENOENT, got: %v", err)
	}
}
