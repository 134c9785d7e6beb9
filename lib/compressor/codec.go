// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package compressor implements the per-block codec registry and the
// decompressor worker pool that executes decompression jobs for
// block cache misses.
package compressor

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CodecID identifies the compression algorithm used for a block.
// Stored in the section table; these values are a wire contract, not
// arbitrary — changing them breaks compatibility with already-packed
// images.
type CodecID uint8

const (
	// CodecNone indicates uncompressed block data.
	CodecNone CodecID = 0
	// CodecLZ4 indicates LZ4 block-mode compression: fast decode,
	// modest ratio. Good default for mixed binary content.
	CodecLZ4 CodecID = 1
	// CodecZstd indicates zstd compression: slower decode, better
	// ratio. Preferred for text-like content (source trees, docs).
	CodecZstd CodecID = 2
)

// String returns the human-readable codec name.
func (id CodecID) String() string {
	switch id {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// ParseCodecID parses a codec name from its string representation.
func ParseCodecID(name string) (CodecID, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}

// zstdEncoder and zstdDecoder are process-wide: both types are safe
// for concurrent use across goroutines, and construction is
// expensive enough (allocates internal buffer pools) that per-call
// construction would dominate small-block decompression cost.
var (
	zstdEncoder  *zstd.Encoder
	zstdDecoder  *zstd.Decoder
	zstdInitOnce sync.Once
	zstdInitErr  error
)

func initZstd() {
	zstdInitOnce.Do(func() {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			zstdInitErr = fmt.Errorf("creating zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			zstdInitErr = fmt.Errorf("creating zstd decoder: %w", err)
			return
		}
		zstdEncoder = enc
		zstdDecoder = dec
	})
}

// Decompress decompresses compressed using the given codec. size is
// the expected plain-text length; a mismatch after decompression is
// treated as corruption.
func Decompress(compressed []byte, id CodecID, size int) ([]byte, error) {
	switch id {
	case CodecNone:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed block: got %d bytes, want %d", len(compressed), size)
		}
		return compressed, nil

	case CodecLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, size)
		}
		return dst, nil

	case CodecZstd:
		initZstd()
		if zstdInitErr != nil {
			return nil, zstdInitErr
		}
		dst, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(dst) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(dst), size)
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("unsupported codec id %d", id)
	}
}

// Compress compresses data with the given codec, returning the codec
// actually used alongside the bytes. Used only by test fixtures and
// the (out-of-scope) packer's test harness to build synthetic images;
// the running driver never compresses.
//
// LZ4 block mode declines to compress incompressible data rather than
// expand it; when that happens the returned codec is CodecNone, not
// id, so the caller records a header that Decompress can actually
// round-trip (CodecLZ4 against raw, uncompressed bytes fails).
func Compress(data []byte, id CodecID) ([]byte, CodecID, error) {
	switch id {
	case CodecNone:
		return data, CodecNone, nil

	case CodecLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible: lz4 declines rather than expand.
			return data, CodecNone, nil
		}
		return dst[:n], CodecLZ4, nil

	case CodecZstd:
		initZstd()
		if zstdInitErr != nil {
			return nil, 0, zstdInitErr
		}
		return zstdEncoder.EncodeAll(data, nil), CodecZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported codec id %d", id)
	}
}
