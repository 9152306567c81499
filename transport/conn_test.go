// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestAddressEncodeRoundTrip(t *testing.T) {
	for _, address := range []Address{
		{Network: NetworkUnix, Path: "/run/modrpc/echo.sock"},
		{Network: NetworkTCP, Path: "127.0.0.1:7000"},
		{Network: NetworkMemory, Path: "echo-1"},
	} {
		encoded := address.Encode()
		if _, err := hex.DecodeString(encoded); err != nil {
			t.Fatalf("Encode(%v) = %q is not hex: %v", address, encoded, err)
		}
		decoded, err := DecodeAddress(encoded)
		if err != nil {
			t.Fatalf("DecodeAddress(%q): %v", encoded, err)
		}
		if decoded != address {
			t.Errorf("DecodeAddress(Encode(%v)) = %v", address, decoded)
		}
	}
}

func TestDecodeAddressRejectsBogusInput(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		want    string
	}{
		{"not hex", "definitely-not-hex", "not hex"},
		{"odd length", "abc", "not hex"},
		{"hex but not cbor", "ffff", "not a CBOR address"},
		{"empty", "", "not a CBOR address"},
		{"unknown network", Address{Network: "carrier-pigeon", Path: "x"}.Encode(), "unknown network"},
		{"empty path", Address{Network: NetworkUnix}.Encode(), "empty path"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeAddress(test.encoded)
			if err == nil {
				t.Fatalf("DecodeAddress(%q) succeeded", test.encoded)
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error = %q, want it to mention %q", err, test.want)
			}
		})
	}
}
