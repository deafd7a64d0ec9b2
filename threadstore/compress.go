// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package threadstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression codes stored in the compression column.
const (
	compressionNone int64 = 0
	compressionZstd int64 = 1
)

// compressThreshold is the encoded size below which compression is
// skipped. Small snapshots mostly hold CBOR framing and short ids;
// zstd overhead would grow them.
const compressThreshold = 512

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("threadstore: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("threadstore: zstd decoder: " + err.Error())
	}
}

// compressBlob compresses data when it is worth it, returning the blob
// and the compression code describing it. Incompressible payloads stay
// raw even past the threshold.
func compressBlob(data []byte) ([]byte, int64) {
	if len(data) < compressThreshold {
		return data, compressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return data, compressionNone
	}
	return compressed, compressionZstd
}

// decompressBlob reverses compressBlob given the stored compression
// code.
func decompressBlob(blob []byte, compression int64) ([]byte, error) {
	switch compression {
	case compressionNone:
		return blob, nil
	case compressionZstd:
		data, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression code %d", compression)
	}
}
