// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package section locates the typed sections packed into a dwarfs
// image: the metadata tree, its schema, the block table, and
// per-block headers. The header and table layout is a wire contract
// dwarfsd defines itself (the packer that produces it is an external
// collaborator) and is encoded with Core Deterministic CBOR via
// internal/wire.
package section

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/internal/wire"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
)

// Magic is the 8-byte signature at the start of a header.
var Magic = [8]byte{'D', 'W', 'A', 'R', 'F', 'S', 'G', 'O'}

// Version is the only wire version dwarfsd currently understands.
const Version uint8 = 1

// headerSize is Magic (8) + Version (1) + 7 bytes reserved/padding +
// TableLength (8, little endian). The table itself immediately
// follows and is CBOR-encoded.
const headerSize = 24

// scanStride is the stride used when probing for a header at
// offset=auto.
const scanStride = 4096

// Kind identifies the role a section plays in the image.
type Kind uint8

const (
	KindMetadata Kind = iota
	KindSchema
	KindBlockTable
	KindBlockHeader
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindSchema:
		return "schema"
	case KindBlockTable:
		return "block_table"
	case KindBlockHeader:
		return "block_header"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// header is one entry of the on-disk section table.
type header struct {
	Kind     Kind               `cbor:"0,keyasint"`
	Offset   uint64             `cbor:"1,keyasint"`
	Length   uint64             `cbor:"2,keyasint"`
	Codec    compressor.CodecID `cbor:"3,keyasint"`
	Checksum [32]byte           `cbor:"4,keyasint"`
	BlockID  uint32             `cbor:"5,keyasint"` // meaningful only for KindBlockHeader
	Size     uint64             `cbor:"6,keyasint"` // uncompressed length
}

// Section is the resolved, validated location of one section. Size is
// the uncompressed length, needed to size the decompression buffer
// and to detect truncated output.
type Section struct {
	Kind    Kind
	Offset  int64
	Length  int64
	Codec   compressor.CodecID
	BlockID uint32
	Size    int64
}

// imageSlicer is the subset of *image.Reader the index needs; kept
// narrow so tests can fake it with a plain byte slice.
type imageSlicer interface {
	Slice(offset, length int64) ([]byte, error)
	Size() int64
}

// blockTableEntry is one row of the block table section: a manifest
// entry cross-checked against the per-block header's own Size field,
// so a tampered or miscomputed header is caught even though the
// header itself passed its checksum.
type blockTableEntry struct {
	BlockID uint32 `cbor:"0,keyasint"`
	Size    uint64 `cbor:"1,keyasint"`
}

// Index maps section kinds (and, for per-block headers, block ids) to
// their validated location within the image.
type Index struct {
	byKind  map[Kind]Section
	byBlock map[uint32]Section
}

// requiredKinds must all be present or Build fails with
// ErrCorruptImage.
var requiredKinds = []Kind{KindMetadata, KindSchema, KindBlockTable}

// Build scans img for a header, decodes its section table, validates
// every section's blake3 checksum against the bytes actually present
// in the image, and returns the resulting Index.
//
// offset is an explicit byte offset, or -1 to scan for the header
// automatically in stride-byte strides. stride <= 0 uses scanStride;
// the blocksize mount option feeds this so a mount with an unusually
// large block size doesn't require as many probes before the scanner
// reaches the first real header.
func Build(img imageSlicer, offset int64, stride int64) (*Index, error) {
	if offset < 0 {
		found, err := scanForHeader(img, stride)
		if err != nil {
			return nil, err
		}
		offset = found
	}

	tableLen, tableOffset, err := readHeader(img, offset)
	if err != nil {
		return nil, err
	}

	raw, err := img.Slice(tableOffset, tableLen)
	if err != nil {
		return nil, fmt.Errorf("%w: reading section table: %v", fserr.ErrCorruptImage, err)
	}

	var entries []header
	if err := wire.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: decoding section table: %v", fserr.ErrCorruptImage, err)
	}

	idx := &Index{
		byKind:  make(map[Kind]Section, len(entries)),
		byBlock: make(map[uint32]Section),
	}

	for _, h := range entries {
		data, err := img.Slice(int64(h.Offset), int64(h.Length))
		if err != nil {
			return nil, fmt.Errorf("%w: section %s out of bounds: %v", fserr.ErrCorruptImage, h.Kind, err)
		}
		sum := blake3.Sum256(data)
		if sum != h.Checksum {
			return nil, fmt.Errorf("%w: section %s checksum mismatch", fserr.ErrCorruptImage, h.Kind)
		}

		sec := Section{
			Kind:    h.Kind,
			Offset:  int64(h.Offset),
			Length:  int64(h.Length),
			Codec:   h.Codec,
			BlockID: h.BlockID,
			Size:    int64(h.Size),
		}
		if h.Kind == KindBlockHeader {
			idx.byBlock[h.BlockID] = sec
		} else {
			idx.byKind[h.Kind] = sec
		}
	}

	for _, kind := range requiredKinds {
		if _, ok := idx.byKind[kind]; !ok {
			return nil, fmt.Errorf("%w: missing required section %s", fserr.ErrCorruptImage, kind)
		}
	}

	if err := idx.crossCheckBlockTable(img); err != nil {
		return nil, err
	}

	return idx, nil
}

// crossCheckBlockTable decodes the block table manifest and confirms
// every block header's Size agrees with the manifest's recorded size.
func (idx *Index) crossCheckBlockTable(img imageSlicer) error {
	raw, err := sliceSection(img, idx.byKind[KindBlockTable])
	if err != nil {
		return err
	}
	var entries []blockTableEntry
	if err := wire.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%w: decoding block table: %v", fserr.ErrCorruptImage, err)
	}
	for _, e := range entries {
		sec, ok := idx.byBlock[e.BlockID]
		if !ok {
			return fmt.Errorf("%w: block table references unknown block %d", fserr.ErrCorruptImage, e.BlockID)
		}
		if uint64(sec.Size) != e.Size {
			return fmt.Errorf("%w: block %d size mismatch between header (%d) and block table (%d)",
				fserr.ErrCorruptImage, e.BlockID, sec.Size, e.Size)
		}
	}
	return nil
}

// sliceSection returns the raw (still possibly compressed) bytes of
// sec. The block table is always stored uncompressed (CodecNone);
// decompressing it would need the pool this package doesn't own.
func sliceSection(img imageSlicer, sec Section) ([]byte, error) {
	data, err := img.Slice(sec.Offset, sec.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: reading section %s: %v", fserr.ErrCorruptImage, sec.Kind, err)
	}
	if sec.Codec != compressor.CodecNone {
		return nil, fmt.Errorf("%w: section %s must be stored uncompressed", fserr.ErrCorruptImage, sec.Kind)
	}
	return data, nil
}

// Lookup returns the named top-level section (metadata, schema, or
// block table).
func (idx *Index) Lookup(kind Kind) (Section, bool) {
	sec, ok := idx.byKind[kind]
	return sec, ok
}

// BlockHeader returns the per-block header section for blockID.
func (idx *Index) BlockHeader(blockID uint32) (Section, bool) {
	sec, ok := idx.byBlock[blockID]
	return sec, ok
}

func readHeader(img imageSlicer, offset int64) (tableLen int64, tableOffset int64, err error) {
	buf, err := img.Slice(offset, headerSize)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading header at offset %d: %v", fserr.ErrCorruptImage, offset, err)
	}
	if string(buf[:8]) != string(Magic[:]) {
		return 0, 0, fmt.Errorf("%w: bad magic at offset %d", fserr.ErrCorruptImage, offset)
	}
	if buf[8] != Version {
		return 0, 0, fmt.Errorf("%w: unsupported version %d", fserr.ErrCorruptImage, buf[8])
	}
	tableLen = int64(binary.LittleEndian.Uint64(buf[16:24]))
	return tableLen, offset + headerSize, nil
}

func scanForHeader(img imageSlicer, stride int64) (int64, error) {
	if stride <= 0 {
		stride = scanStride
	}
	size := img.Size()
	for offset := int64(0); offset+headerSize <= size; offset += stride {
		buf, err := img.Slice(offset, 8)
		if err != nil {
			continue
		}
		if string(buf) == string(Magic[:]) {
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: no header signature found while scanning", fserr.ErrCorruptImage)
}
