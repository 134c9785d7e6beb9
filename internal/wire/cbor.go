// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines dwarfsd's on-disk encoding for the image
// sections it owns (the section table and the metadata tree). The
// compressed block payloads inside those sections are an opaque
// decoder contract handed to lib/compressor; wire only concerns the
// structured records around them.
//
// Core Deterministic Encoding (RFC 8949 §4.2) is used so that two
// encodings of the same logical value always produce identical bytes
// — useful for section checksums and for golden-file tests.
package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	mode, err := encOptions.EncMode()
	if err != nil {
		panic("wire: cbor encoder init failed: " + err.Error())
	}
	encMode = mode

	mode2, err := (cbor.DecOptions{
		// dwarfsd never stores non-string map keys; pick the
		// json-compatible map type for any any-typed targets.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}).DecMode()
	if err != nil {
		panic("wire: cbor decoder init failed: " + err.Error())
	}
	decMode = mode2
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored, so a
// section written by a newer dwarfsd remains readable by an older one
// as long as no required field was added.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
