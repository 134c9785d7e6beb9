// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package facade

import (
	"errors"
	"testing"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/internal/wire"
	"github.com/dwarfs-go/dwarfsd/lib/blockcache"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
	"github.com/dwarfs-go/dwarfsd/lib/inodereader"
	"github.com/dwarfs-go/dwarfsd/lib/metadata"
)

type stubSource struct{ plain map[uint32][]byte }

func (s stubSource) BlockPayload(blockID uint32) ([]byte, compressor.CodecID, int, error) {
	data := s.plain[blockID]
	return append([]byte(nil), data...), compressor.CodecNone, len(data), nil
}

func buildFacade(t *testing.T) *Facade {
	t.Helper()

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
		Root   metadata.Ino                       `cbor:"0,keyasint"`
		Inodes map[metadata.Ino]inodeRecord       `cbor:"1,keyasint"`
		Dirs   map[metadata.Ino][]nameEntry       `cbor:"2,keyasint"`
		Chunks map[metadata.Ino][]metadata.Chunk  `cbor:"5,keyasint"`
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
		Source: stubSource{plain: map[uint32][]byte{0: []byte("Hi\n")}},
	})
	t.Cleanup(cache.Close)

	reader := inodereader.New(view, cache, inodereader.Options{})
	return New(view, cache, reader, nil, 4242, nil)
}

func TestFacadeFindAndGetAttr(t *testing.T) {
	f := buildFacade(t)

	ino, err := f.Find(metadata.RootIno, "hello")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	stat, err := f.GetAttr(ino)
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if stat.Size != 3 {
		t.Fatalf("Size = %d, want 3", stat.Size)
	}

	if _, err := f.Find(metadata.RootIno, "missing"); !errors.Is(err, fserr.ErrNotFound) {
		t.Fatalf("Find(missing) = %v, want ErrNotFound", err)
	}
}

func TestFacadeReadFile(t *testing.T) {
	f := buildFacade(t)
	ino, err := f.FindPath("/hello")
	if err != nil {
		t.Fatalf("FindPath: %v", err)
	}
	h, err := f.OpenFile(ino)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	buf := make([]byte, 16)
	n, err := f.Read(h, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || string(buf[:3]) != "Hi\n" {
		t.Fatalf("Read = %d, %q", n, buf[:n])
	}
}

func TestFacadeXAttrs(t *testing.T) {
	f := buildFacade(t)

	pid, err := f.GetXAttr(metadata.RootIno, "user.dwarfs.driver.pid")
	if err != nil {
		t.Fatalf("GetXAttr(pid): %v", err)
	}
	if string(pid) != "4242" {
		t.Fatalf("pid xattr = %q, want 4242", pid)
	}

	if _, err := f.GetXAttr(metadata.RootIno, "user.dwarfs.unknown"); !errors.Is(err, fserr.ErrNoAttr) {
		t.Fatalf("GetXAttr(unknown) = %v, want ErrNoAttr", err)
	}

	names, err := f.ListXAttr(metadata.RootIno)
	if err != nil {
		t.Fatalf("ListXAttr: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one xattr name on root")
	}
}

func TestFacadeXAttrsScopedToRoot(t *testing.T) {
	f := buildFacade(t)
	ino, err := f.FindPath("/hello")
	if err != nil {
		t.Fatalf("FindPath: %v", err)
	}

	if _, err := f.GetXAttr(ino, "user.dwarfs.driver.pid"); !errors.Is(err, fserr.ErrNoAttr) {
		t.Fatalf("GetXAttr(pid, non-root) = %v, want ErrNoAttr", err)
	}
	if _, err := f.GetXAttr(ino, "user.dwarfs.driver.perfmon"); !errors.Is(err, fserr.ErrNoAttr) {
		t.Fatalf("GetXAttr(perfmon, non-root) = %v, want ErrNoAttr", err)
	}

	names, err := f.ListXAttr(ino)
	if err != nil {
		t.Fatalf("ListXAttr: %v", err)
	}
	for _, name := range names {
		if name == "user.dwarfs.driver.pid" || name == "user.dwarfs.driver.perfmon" {
			t.Fatalf("ListXAttr(non-root) advertised %q, want root-only", name)
		}
	}
}

func TestFacadeOpenFileOnDirectoryReturnsIsDir(t *testing.T) {
	f := buildFacade(t)
	// A directory has no chunk list: reading it as a file should
	// return a domain error from OpenFile, not panic the process.
	if _, err := f.OpenFile(metadata.RootIno); !errors.Is(err, fserr.ErrIsDir) {
		t.Fatalf("OpenFile(root) = %v, want ErrIsDir", err)
	}
}
