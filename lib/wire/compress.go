// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// MaxPayloadSize bounds a decompressed payload. Matches the transport's
// frame limit.
const MaxPayloadSize = 64 << 20

// Compression selects the algorithm a sender applies to large payloads.
// Receivers decode every algorithm regardless of their own setting.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a configured compression name. The empty
// string means none.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4, CompressionZstd:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// Compressor applies one Compression to payloads at or above Threshold
// bytes. The zero value never compresses.
type Compressor struct {
	Mode      Compression
	Threshold int
}

// Compress returns the body to transmit and the flag describing it.
// Bodies below the threshold, or that do not shrink, are returned
// unchanged with no flag.
func (c Compressor) Compress(body []byte) ([]byte, Flag) {
	if c.Mode == "" || c.Mode == CompressionNone || len(body) < c.Threshold || len(body) == 0 {
		return body, 0
	}
	switch c.Mode {
	case CompressionLZ4:
		if compressed, ok := compressLZ4(body); ok {
			return compressed, FlagLZ4
		}
	case CompressionZstd:
		compressed := zstdEncoder().EncodeAll(body, make([]byte, 0, len(body)/2))
		if len(compressed) < len(body) {
			return compressed, FlagZstd
		}
	}
	return body, 0
}

// Decompress reverses Compress according to flags.
func Decompress(body []byte, flags Flag) ([]byte, error) {
	switch {
	case flags&knownFlags == 0:
		return body, nil
	case flags&FlagLZ4 != 0 && flags&FlagZstd != 0:
		return nil, Violation("payload flagged as both lz4 and zstd")
	case flags&FlagLZ4 != 0:
		return decompressLZ4(body)
	default:
		decoder, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		decoded, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, &ProtocolError{Reason: "zstd payload", Err: err}
		}
		return decoded, nil
	}
}

// An LZ4 body is the uvarint uncompressed length followed by one LZ4
// block.
func compressLZ4(body []byte) ([]byte, bool) {
	destination := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(body)))
	prefix := binary.PutUvarint(destination, uint64(len(body)))
	written, err := lz4.CompressBlock(body, destination[prefix:], nil)
	if err != nil || written == 0 || prefix+written >= len(body) {
		return nil, false
	}
	return destination[:prefix+written], true
}

func decompressLZ4(body []byte) ([]byte, error) {
	size, prefix := binary.Uvarint(body)
	if prefix <= 0 {
		return nil, Violation("lz4 payload has no length prefix")
	}
	if size > MaxPayloadSize {
		return nil, Violation("lz4 payload claims %d bytes (limit %d)", size, MaxPayloadSize)
	}
	decoded := make([]byte, size)
	read, err := lz4.UncompressBlock(body[prefix:], decoded)
	if err != nil {
		return nil, &ProtocolError{Reason: "lz4 payload", Err: err}
	}
	if uint64(read) != size {
		return nil, Violation("lz4 payload decoded to %d bytes, prefix says %d", read, size)
	}
	return decoded, nil
}

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder
// and one decoder serve every port in the process.
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic("wire: zstd encoder initialization failed: " + err.Error())
		}
		return encoder
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	})
)
