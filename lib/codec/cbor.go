// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Argument payloads decoded into any (for example by tests
		// or diagnostic tooling) get string-keyed maps rather than
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Duplicate keys in a map are never produced by the
		// deterministic encoder on the other side.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MarshalAfter encodes v after reserve zero bytes. The returned slice
// has length reserve plus the encoded size; the first reserve bytes are
// left for the caller (typically a packet header).
func MarshalAfter(reserve int, v any) ([]byte, error) {
	var buffer bytes.Buffer
	buffer.Grow(reserve + 64)
	buffer.Write(make([]byte, reserve))
	if err := encMode.NewEncoder(&buffer).Encode(v); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Unmarshal decodes exactly one CBOR item from data into v. Trailing
// bytes after the item are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the RFC 8949 diagnostic notation for data. Protocol
// errors for payloads that fail to decode carry it.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
