// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagefixture builds synthetic, in-memory dwarfs images for
// use by other packages' tests. It is not a test file itself so that
// the lib/section and lib/blocksource tests can share one fixture
// builder.
package imagefixture

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/dwarfs-go/dwarfsd/internal/wire"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
)

// Block is one raw (pre-compression) block payload to embed in the
// image, plus the codec to compress it with.
type Block struct {
	BlockID uint32
	Plain   []byte
	Codec   compressor.CodecID
}

// Builder accumulates sections and block payloads and produces a
// complete image byte slice via Bytes.
type Builder struct {
	offset   int64
	schema   []byte
	metadata any
	blocks   []Block
}

// NewBuilder returns a Builder whose header begins at the given byte
// offset (use 0 unless a test specifically exercises offset=auto or a
// nonzero explicit offset).
func NewBuilder(offset int64) *Builder {
	return &Builder{offset: offset, schema: []byte("dwarfsd-fixture-schema-v1")}
}

// WithMetadata sets the value to be CBOR-encoded as the metadata
// section (normally a metadata-package tree value, expressed here as
// any so this package has no dependency on lib/metadata).
func (b *Builder) WithMetadata(v any) *Builder {
	b.metadata = v
	return b
}

// WithBlock adds a data block, to be compressed with blk.Codec and
// exposed as both a block-table entry and a per-block header section.
func (b *Builder) WithBlock(blk Block) *Builder {
	b.blocks = append(b.blocks, blk)
	return b
}

const (
	magic      = "DWARFSGO"
	version    = 1
	headerSize = 24
)

type sectionKind uint8

const (
	kindMetadata sectionKind = iota
	kindSchema
	kindBlockTable
	kindBlockHeader
)

type sectionHeader struct {
	Kind     sectionKind        `cbor:"0,keyasint"`
	Offset   uint64             `cbor:"1,keyasint"`
	Length   uint64             `cbor:"2,keyasint"`
	Codec    compressor.CodecID `cbor:"3,keyasint"`
	Checksum [32]byte           `cbor:"4,keyasint"`
	BlockID  uint32             `cbor:"5,keyasint"`
	Size     uint64             `cbor:"6,keyasint"`
}

type blockTableEntry struct {
	BlockID uint32 `cbor:"0,keyasint"`
	Size    uint64 `cbor:"1,keyasint"`
}

// Bytes serializes the accumulated sections into a complete image.
//
// The section table's own encoded length determines where the
// payload starts, and the payload offsets are recorded inside the
// table, so building the table is a small fixed-point: encode with a
// guessed table length, and redo once if the real encoded length
// changed the size class of any offset (a two-iteration loop is
// always enough in practice, since offsets only grow by the table's
// own size between guesses).
func (b *Builder) Bytes() ([]byte, error) {
	metadataRaw, err := wire.Marshal(b.metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	var table []blockTableEntry
	compressedBlocks := make(map[uint32][]byte, len(b.blocks))
	actualCodec := make(map[uint32]compressor.CodecID, len(b.blocks))
	for _, blk := range b.blocks {
		compressed, codec, err := compressor.Compress(blk.Plain, blk.Codec)
		if err != nil {
			return nil, fmt.Errorf("compressing block %d: %w", blk.BlockID, err)
		}
		compressedBlocks[blk.BlockID] = compressed
		actualCodec[blk.BlockID] = codec
		table = append(table, blockTableEntry{BlockID: blk.BlockID, Size: uint64(len(blk.Plain))})
	}
	blockTableRaw, err := wire.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("encoding block table: %w", err)
	}

	sections := []struct {
		kind    sectionKind
		blockID uint32
		codec   compressor.CodecID
		data    []byte
		size    uint64
	}{
		{kindMetadata, 0, compressor.CodecNone, metadataRaw, uint64(len(metadataRaw))},
		{kindSchema, 0, compressor.CodecNone, b.schema, uint64(len(b.schema))},
		{kindBlockTable, 0, compressor.CodecNone, blockTableRaw, uint64(len(blockTableRaw))},
	}
	for _, blk := range b.blocks {
		sections = append(sections, struct {
			kind    sectionKind
			blockID uint32
			codec   compressor.CodecID
			data    []byte
			size    uint64
		}{kindBlockHeader, blk.BlockID, actualCodec[blk.BlockID], compressedBlocks[blk.BlockID], uint64(len(blk.Plain))})
	}

	tableLenGuess := 0
	var tableRaw []byte
	for attempt := 0; attempt < 3; attempt++ {
		payloadStart := b.offset + headerSize + int64(tableLenGuess)
		headers := make([]sectionHeader, 0, len(sections))
		cursor := payloadStart
		for _, s := range sections {
			sum := blake3.Sum256(s.data)
			headers = append(headers, sectionHeader{
				Kind: s.kind, Offset: uint64(cursor), Length: uint64(len(s.data)),
				Codec: s.codec, Checksum: sum, BlockID: s.blockID, Size: s.size,
			})
			cursor += int64(len(s.data))
		}

		encoded, err := wire.Marshal(headers)
		if err != nil {
			return nil, fmt.Errorf("encoding section table: %w", err)
		}
		if len(encoded) == tableLenGuess {
			tableRaw = encoded
			break
		}
		tableLenGuess = len(encoded)
		tableRaw = encoded
	}

	out := make([]byte, 0, b.offset+headerSize+int64(len(tableRaw)))
	out = append(out, make([]byte, b.offset)...)
	out = append(out, writeHeader(int64(len(tableRaw)))...)
	out = append(out, tableRaw...)
	for _, s := range sections {
		out = append(out, s.data...)
	}
	return out, nil
}

func writeHeader(tableLen int64) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], magic)
	buf[8] = version
	binary.LittleEndian.PutUint64(buf[16:24], uint64(tableLen))
	return buf
}
