// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured for manifests that may have
// been produced on another machine. Unknown fields are silently
// ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// A manifest is a flat struct plus one array of entries.
		// Sixteen levels is far beyond anything this project encodes,
		// and a ceiling keeps a hostile archive from handing the
		// decoder a deeply nested tower.
		MaxNestedLevels: 16,

		// A mapping never names the same field twice. The CBOR
		// default keeps the last duplicate quietly, which would let
		// two manifests with different bytes decode to the same
		// value.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Trailing bytes after the value
// are an error, so a manifest cannot smuggle extra content past the
// decoder.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
