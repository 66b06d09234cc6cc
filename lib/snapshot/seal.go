// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/secret"
)

// MinSealKeyBytes is the minimum length of seal key material. Keys
// shorter than this are rejected outright. The derivation is HKDF,
// not a password KDF: a key file holds random bytes, not a phrase
// someone remembers.
const MinSealKeyBytes = 16

// saltSize is the length of the per-snapshot HKDF salt stored in the
// sealed body. A fresh salt per snapshot means the same key file
// never produces the same AEAD key twice.
const saltSize = 16

// sealedOverhead is the total extra bytes a sealed body carries:
// 16 (salt) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const sealedOverhead = saltSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoSeal is the "info" parameter to HKDF-SHA256 for seal key
// derivation. A fixed constant; changing it invalidates every
// sealed snapshot.
var hkdfInfoSeal = []byte("dollhouse.snapshot.seal.v1")

// deriveSealKey derives the 32-byte AEAD key from the caller's key
// material and the per-snapshot salt. The keyMaterial buffer is
// borrowed and NOT closed. The returned buffer must be closed by the
// caller.
func deriveSealKey(keyMaterial *secret.Buffer, salt []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, keyMaterial.Bytes(), salt, hkdfInfoSeal)
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	// NewFromBytes copies into locked memory and zeros the heap slice.
	return secret.NewFromBytes(derived)
}

// sealBody encrypts body with XChaCha20-Poly1305 and returns the
// sealed layout:
//
//	[Salt: 16 bytes] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// The aad (the envelope header) is bound as additional authenticated
// data, so tampering with the header fails authentication even
// though the header itself is not encrypted.
func sealBody(body []byte, keyMaterial *secret.Buffer, aad []byte) ([]byte, error) {
	if keyMaterial.Len() < MinSealKeyBytes {
		return nil, fmt.Errorf("seal key is %d bytes, minimum is %d", keyMaterial.Len(), MinSealKeyBytes)
	}

	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, fmt.Errorf("generating random salt: %w", err)
	}

	sealKey, err := deriveSealKey(keyMaterial, salt[:])
	if err != nil {
		return nil, err
	}
	defer sealKey.Close()

	aead, err := chacha20poly1305.NewX(sealKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	output := make([]byte, saltSize+chacha20poly1305.NonceSizeX, sealedOverhead+len(body))
	copy(output[:saltSize], salt[:])
	copy(output[saltSize:], nonce[:])

	// Seal appends the ciphertext+tag to output.
	output = aead.Seal(output, nonce[:], body, aad)
	return output, nil
}

// openBody decrypts a sealed body produced by sealBody, binding the
// same aad. Returns an error if the body is too short, the key is
// wrong, or anything under the tag was altered.
func openBody(sealedBody []byte, keyMaterial *secret.Buffer, aad []byte) ([]byte, error) {
	if len(sealedBody) < sealedOverhead {
		return nil, fmt.Errorf("sealed body is %d bytes, minimum is %d (salt + nonce + tag)",
			len(sealedBody), sealedOverhead)
	}

	salt := sealedBody[:saltSize]
	nonce := sealedBody[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealedBody[saltSize+chacha20poly1305.NonceSizeX:]

	sealKey, err := deriveSealKey(keyMaterial, salt)
	if err != nil {
		return nil, err
	}
	defer sealKey.Close()

	aead, err := chacha20poly1305.NewX(sealKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("snapshot authentication failed (wrong key or tampered data): %w", err)
	}

	return plaintext, nil
}
