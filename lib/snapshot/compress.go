// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a
// snapshot body. The tag is stored in the envelope header (1 byte).
// These values are format constants; changing them breaks snapshot
// compatibility.
type CompressionTag uint8

const (
	// CompressionNone indicates an uncompressed body. Selected
	// automatically when compression would not shrink the payload.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast with a
	// moderate ratio; a reasonable choice when snapshot time matters
	// more than snapshot size.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at its default level. Element
	// documents are markdown and YAML, which zstd compresses well,
	// so this is the default for snapshots.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string
// representation. This is the form used in portfolio configuration.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// Compress compresses data using the specified algorithm. For
// CompressionNone, returns the input unchanged (no copy). Returns an
// incompressible error (see [IsIncompressible]) when the compressed
// output would not be smaller than the input.
func Compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		return compressLZ4(data)

	case CompressionZstd:
		return compressZstd(data)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// Decompress decompresses data that was compressed with the specified
// algorithm. The uncompressedSize must match the original length
// exactly; a mismatch returns an error.
func Decompress(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed body: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)

	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that is not actually
	// smaller than the input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd compression at the default level.

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder
// are safe for concurrent use. The decoder refuses to expand a frame
// beyond the envelope payload cap, so a crafted body cannot allocate
// past it no matter what the frame declares.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxPayloadBytes),
	)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

// errIncompressible is returned by compression functions when the
// compressed output is not smaller than the input. The caller should
// fall back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

// IsIncompressible returns true if the error indicates that data
// could not be compressed smaller than its original size.
func IsIncompressible(err error) bool {
	return err == errIncompressible
}
