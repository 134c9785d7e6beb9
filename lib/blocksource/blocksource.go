// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package blocksource adapts an opened image and its section index
// into the blockcache.Source the cache uses to resolve misses. It is
// the one place that joins lib/image's byte-range view with
// lib/section's parsed section table.
package blocksource

import (
	"fmt"

	"github.com/dwarfs-go/dwarfsd/internal/fserr"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
	"github.com/dwarfs-go/dwarfsd/lib/section"
)

// imageSlicer is the subset of *image.Reader this package needs.
type imageSlicer interface {
	Slice(offset, length int64) ([]byte, error)
}

// Source implements blockcache.Source over a mapped image and its
// section index.
type Source struct {
	img imageSlicer
	idx *section.Index
}

// New returns a Source resolving block payloads against idx's
// per-block headers, sliced out of img.
func New(img imageSlicer, idx *section.Index) *Source {
	return &Source{img: img, idx: idx}
}

// BlockPayload returns blockID's still-compressed bytes, codec, and
// uncompressed size, as recorded by the block's own header section.
func (s *Source) BlockPayload(blockID uint32) ([]byte, compressor.CodecID, int, error) {
	sec, ok := s.idx.BlockHeader(blockID)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: no header for block %d", fserr.ErrCorruptImage, blockID)
	}
	data, err := s.img.Slice(sec.Offset, sec.Length)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading block %d: %v", fserr.ErrCorruptImage, blockID, err)
	}
	return data, sec.Codec, int(sec.Size), nil
}
