// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Orbit's standard CBOR encoding. Snapshot blobs
// in the thread store use Core Deterministic Encoding (RFC 8949 §4.2) so
// the same logical snapshot always produces identical bytes, which keeps
// no-op rewrites cheap to detect and diffs stable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding, no
// indefinite-length items.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Snapshot payloads carry embedded JSON-derived values with
		// string keys only. When decoding into an any-typed target the
		// decoder must pick a concrete map type; the CBOR default of
		// map[interface{}]interface{} is incompatible with encoding/json
		// and most Go code, so force map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. Use it to delay decoding or
// to pass through pre-encoded CBOR.
type RawMessage = cbor.RawMessage
