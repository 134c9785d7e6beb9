// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package section

import (
	"testing"

	"github.com/dwarfs-go/dwarfsd/internal/imagefixture"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
)

// memImage is a byte-slice-backed imageSlicer for tests, mirroring
// how image.Reader behaves without needing a real mmap'd file.
type memImage []byte

func (m memImage) Size() int64 { return int64(len(m)) }

func (m memImage) Slice(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(m)) {
		return nil, errOutOfRange
	}
	return m[offset : offset+length], nil
}

var errOutOfRange = &rangeError{}

type rangeError struct{}

func (*rangeError) Error() string { return "out of range" }

func buildFixture(t *testing.T, offset int64) []byte {
	t.Helper()
	b := imagefixture.NewBuilder(offset).
		WithMetadata(map[string]any{"hello": "world"}).
		WithBlock(imagefixture.Block{BlockID: 0, Plain: []byte("block zero contents"), Codec: compressor.CodecNone}).
		WithBlock(imagefixture.Block{BlockID: 1, Plain: []byte("block one contents, lz4 this time"), Codec: compressor.CodecLZ4})
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return data
}

func TestBuildExplicitOffset(t *testing.T) {
	data := buildFixture(t, 0)
	idx, err := Build(memImage(data), 0, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, ok := idx.Lookup(KindMetadata); !ok {
		t.Fatal("missing metadata section")
	}
	if _, ok := idx.Lookup(KindSchema); !ok {
		t.Fatal("missing schema section")
	}
	if _, ok := idx.Lookup(KindBlockTable); !ok {
		t.Fatal("missing block table section")
	}
	if sec, ok := idx.BlockHeader(0); !ok || sec.Codec != compressor.CodecNone {
		t.Fatalf("block 0 header = %+v, ok=%v", sec, ok)
	}
	if sec, ok := idx.BlockHeader(1); !ok || sec.Codec != compressor.CodecLZ4 {
		t.Fatalf("block 1 header = %+v, ok=%v", sec, ok)
	}
}

func TestBuildAutoOffset(t *testing.T) {
	data := buildFixture(t, 8192)
	idx, err := Build(memImage(data), -1, 0)
	if err != nil {
		t.Fatalf("Build with auto offset: %v", err)
	}
	if _, ok := idx.Lookup(KindMetadata); !ok {
		t.Fatal("missing metadata section")
	}
}

func TestBuildChecksumMismatch(t *testing.T) {
	data := buildFixture(t, 0)
	// Flip the image's last byte, which lies inside block 1's
	// payload, to corrupt that section's checksum.
	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-1] ^= 0xff

	if _, err := Build(memImage(corrupt), 0, 0); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestBuildMissingHeader(t *testing.T) {
	if _, err := Build(memImage([]byte("not a dwarfs image")), -1, 0); err == nil {
		t.Fatal("expected error scanning for missing header")
	}
}

func TestBuildSizeReflectsUncompressedLength(t *testing.T) {
	data := buildFixture(t, 0)
	idx, err := Build(memImage(data), 0, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sec, ok := idx.BlockHeader(1)
	if !ok {
		t.Fatal("missing block 1 header")
	}
	want := int64(len("block one contents, lz4 this time"))
	if sec.Size != want {
		t.Fatalf("block 1 Size = %d, want %d (compressed Length = %d)", sec.Size, want, sec.Length)
	}
}

func TestBuildCorruptBlockTableChecksum(t *testing.T) {
	b := imagefixture.NewBuilder(0).
		WithMetadata(map[string]any{"hello": "world"}).
		WithBlock(imagefixture.Block{BlockID: 0, Plain: []byte("block zero contents"), Codec: compressor.CodecNone})
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	idx, err := Build(memImage(data), 0, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	blockSec, ok := idx.byKind[KindBlockTable]
	if !ok {
		t.Fatal("missing block table section")
	}

	// Corrupt a byte inside the block table payload itself; this
	// breaks the table's own checksum, which Build must catch before
	// crossCheckBlockTable ever runs.
	corrupt := append([]byte(nil), data...)
	corrupt[blockSec.Offset] ^= 0xff
	if _, err := Build(memImage(corrupt), 0, 0); err == nil {
		t.Fatal("expected checksum mismatch from corrupted block table")
	}
}
