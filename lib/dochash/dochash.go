// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package dochash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same bytes hash differently as a document
// body and as a snapshot payload, so a digest from one context can
// never be replayed in the other.
type domainKey [32]byte

// Domain separation keys. These are fixed constants; changing one
// invalidates every digest recorded in its domain. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes,
// which keeps the keys inspectable in hex dumps without losing any
// cryptographic property (BLAKE3 keyed mode treats the key as an
// opaque 32-byte value).
var (
	documentDomainKey = domainKey{
		'd', 'o', 'l', 'l', 'h', 'o', 'u', 's', 'e', '.', 'd', 'o', 'c', 'u', 'm', 'e',
		'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	snapshotDomainKey = domainKey{
		'd', 'o', 'l', 'l', 'h', 'o', 'u', 's', 'e', '.', 's', 'n', 'a', 'p', 's', 'h',
		'o', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// SumDocument computes the document-domain digest of the given bytes.
// This is the digest stored alongside element listings and in the
// capability index for change detection.
func SumDocument(data []byte) Digest {
	return keyedSum(documentDomainKey, data)
}

// SumSnapshot computes the snapshot-domain digest of the given bytes.
// Snapshot manifests record this digest over the encoded payload
// before compression; restore recomputes it after decompression.
func SumSnapshot(data []byte) Digest {
	return keyedSum(snapshotDomainKey, data)
}

// Format returns the hex-encoded string representation of a digest.
// This is the canonical format used in the capability index, snapshot
// manifests, and log output.
func Format(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// Short returns the first 12 hex characters of a digest, for log
// lines where the full 64 characters would drown the message.
func Short(digest Digest) string {
	return hex.EncodeToString(digest[:6])
}

// Parse parses a hex-encoded digest string into a Digest. Returns an
// error if the string is not a valid 64-character hex encoding of
// 32 bytes.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing document digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("document digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// keyedSum computes the BLAKE3 keyed hash of data under the given
// domain key.
func keyedSum(key domainKey, data []byte) Digest {
	hasher := newKeyedHasher(key)
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// newKeyedHasher builds a keyed hasher for the given domain.
// NewKeyed only fails for a wrong key length, which domainKey rules
// out, so failure here means memory corruption.
func newKeyedHasher(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("dochash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
