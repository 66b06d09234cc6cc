// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/dochash"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/secret"
)

// snapshotVersion is the envelope format version. Bump it when the
// header layout or body encoding changes incompatibly.
const snapshotVersion = 1

// envelopeMagic identifies a snapshot envelope. Byte 6 carries the
// format version, byte 7 is zero.
var envelopeMagic = [8]byte{'D', 'H', 'S', 'N', 'A', 'P', snapshotVersion, 0}

// Header layout (56 bytes, all integers little-endian):
//
//	[0:8]   magic ("DHSNAP" + version + zero)
//	[8]     compression tag
//	[9]     sealed flag (0 or 1)
//	[10:16] reserved, must be zero
//	[16:24] uncompressed payload size (uint64)
//	[24:56] BLAKE3 payload digest (zero when sealed)
//
// The digest is zeroed for sealed snapshots: the AEAD tag already
// covers integrity, and a plaintext digest would fingerprint the
// payload to anyone holding the file without the key.
const headerSize = 56

const (
	offCompression = 8
	offSealed      = 9
	offReserved    = 10
	offSize        = 16
	offDigest      = 24
)

// maxPayloadBytes bounds the uncompressed payload size on both write
// and read. A snapshot holds element documents, not artifacts; 1 GiB
// is far beyond any real portfolio and keeps a corrupt size field
// from driving a huge allocation.
const maxPayloadBytes = 1 << 30

// Options controls how WriteEnvelope encodes the payload.
type Options struct {
	// Compression selects the body compression. CompressionZstd is
	// the sensible default for element documents.
	Compression CompressionTag

	// SealKey, when non-nil, seals the body with XChaCha20-Poly1305
	// under a key derived from this material. Nil writes an unsealed
	// snapshot. The buffer is borrowed, not closed.
	SealKey *secret.Buffer
}

// OpenOptions controls how ReadEnvelope decodes a snapshot.
type OpenOptions struct {
	// SealKey supplies key material for sealed snapshots. Reading a
	// sealed snapshot without it fails; for unsealed snapshots it is
	// ignored. The buffer is borrowed, not closed.
	SealKey *secret.Buffer
}

// WriteEnvelope compresses (and optionally seals) payload and writes
// the complete envelope to w. If the payload does not compress under
// the requested tag, the body is stored uncompressed and the header
// records CompressionNone.
func WriteEnvelope(w io.Writer, payload []byte, opts Options) error {
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("snapshot payload is %d bytes, limit is %d", len(payload), maxPayloadBytes)
	}

	tag := opts.Compression
	body, err := Compress(payload, tag)
	if err != nil {
		if !IsIncompressible(err) {
			return fmt.Errorf("compressing snapshot payload: %w", err)
		}
		tag = CompressionNone
		body = payload
	}

	sealed := opts.SealKey != nil

	var header [headerSize]byte
	copy(header[:8], envelopeMagic[:])
	header[offCompression] = uint8(tag)
	if sealed {
		header[offSealed] = 1
	}
	binary.LittleEndian.PutUint64(header[offSize:offSize+8], uint64(len(payload)))
	if !sealed {
		digest := dochash.SumSnapshot(payload)
		copy(header[offDigest:offDigest+32], digest[:])
	}

	if sealed {
		// The header is bound as AAD, so its fields cannot be altered
		// without failing authentication.
		body, err = sealBody(body, opts.SealKey, header[:])
		if err != nil {
			return fmt.Errorf("sealing snapshot body: %w", err)
		}
	}

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing snapshot body: %w", err)
	}
	return nil
}

// ReadEnvelope reads a complete envelope from r and returns the
// original payload. Every layer is verified: header shape, AEAD tag
// for sealed snapshots, exact decompressed size, and the payload
// digest for unsealed ones.
func ReadEnvelope(r io.Reader, opts OpenOptions) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}

	// Two-stage magic check: distinguish "wrong format version" from
	// "not a snapshot at all".
	if !bytes.Equal(header[:6], envelopeMagic[:6]) || header[7] != 0 {
		return nil, fmt.Errorf("not a snapshot envelope (bad magic)")
	}
	if header[6] != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d (this code supports version %d)",
			header[6], snapshotVersion)
	}

	for _, b := range header[offReserved:offSize] {
		if b != 0 {
			return nil, fmt.Errorf("corrupt snapshot header: reserved bytes are not zero")
		}
	}

	tag := CompressionTag(header[offCompression])
	var sealed bool
	switch header[offSealed] {
	case 0:
	case 1:
		sealed = true
	default:
		return nil, fmt.Errorf("corrupt snapshot header: sealed flag is %d", header[offSealed])
	}

	uncompressedSize := binary.LittleEndian.Uint64(header[offSize : offSize+8])
	if uncompressedSize > maxPayloadBytes {
		return nil, fmt.Errorf("snapshot declares %d payload bytes, limit is %d",
			uncompressedSize, maxPayloadBytes)
	}

	// The compressors fall back to CompressionNone for incompressible
	// input, but zstd framing can still exceed the raw size slightly,
	// and sealing adds a fixed overhead. The limit is generous; the
	// exact size check happens after decompression.
	bodyLimit := int64(uncompressedSize) + int64(uncompressedSize)/8 + sealedOverhead + 4096
	body, err := io.ReadAll(io.LimitReader(r, bodyLimit+1))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}
	if int64(len(body)) > bodyLimit {
		return nil, fmt.Errorf("snapshot body exceeds the size implied by its header")
	}

	if sealed {
		if opts.SealKey == nil {
			return nil, fmt.Errorf("snapshot is sealed and no key was provided")
		}
		body, err = openBody(body, opts.SealKey, header[:])
		if err != nil {
			return nil, err
		}
	}

	payload, err := Decompress(body, tag, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot payload: %w", err)
	}

	if !sealed {
		var want dochash.Digest
		copy(want[:], header[offDigest:offDigest+32])
		if dochash.SumSnapshot(payload) != want {
			return nil, fmt.Errorf("snapshot payload digest mismatch (corrupt or truncated snapshot)")
		}
	}

	return payload, nil
}
