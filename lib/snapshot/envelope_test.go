// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/secret"
)

// testKey returns seal key material filled with the given byte. The
// buffer is closed when the test finishes.
func testKey(t *testing.T, fill byte) *secret.Buffer {
	t.Helper()
	material := bytes.Repeat([]byte{fill}, 32)
	key, err := secret.NewFromBytes(material)
	if err != nil {
		t.Fatalf("creating key buffer: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := compressibleData()

	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			var buffer bytes.Buffer
			if err := WriteEnvelope(&buffer, payload, Options{Compression: tag}); err != nil {
				t.Fatalf("WriteEnvelope failed: %v", err)
			}

			restored, err := ReadEnvelope(&buffer, OpenOptions{})
			if err != nil {
				t.Fatalf("ReadEnvelope failed: %v", err)
			}
			if !bytes.Equal(restored, payload) {
				t.Error("round trip altered the payload")
			}
		})
	}
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, nil, Options{Compression: CompressionZstd}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	restored, err := ReadEnvelope(&buffer, OpenOptions{})
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("restored %d bytes from an empty payload", len(restored))
	}
}

func TestEnvelopeIncompressibleFallsBackToNone(t *testing.T) {
	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}

	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, payload, Options{Compression: CompressionZstd}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	encoded := buffer.Bytes()
	if got := CompressionTag(encoded[offCompression]); got != CompressionNone {
		t.Errorf("header records tag %v, want fallback to %v", got, CompressionNone)
	}

	restored, err := ReadEnvelope(bytes.NewReader(encoded), OpenOptions{})
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("round trip altered the payload")
	}
}

func TestEnvelopeSealedRoundTrip(t *testing.T) {
	payload := compressibleData()
	key := testKey(t, 0x41)

	var buffer bytes.Buffer
	err := WriteEnvelope(&buffer, payload, Options{Compression: CompressionZstd, SealKey: key})
	if err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	restored, err := ReadEnvelope(&buffer, OpenOptions{SealKey: key})
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("round trip altered the payload")
	}
}

func TestEnvelopeSealedHidesDigest(t *testing.T) {
	payload := compressibleData()
	key := testKey(t, 0x41)

	var buffer bytes.Buffer
	err := WriteEnvelope(&buffer, payload, Options{Compression: CompressionZstd, SealKey: key})
	if err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	// A sealed header must not carry a plaintext digest of the
	// payload.
	digestField := buffer.Bytes()[offDigest : offDigest+32]
	if !bytes.Equal(digestField, make([]byte, 32)) {
		t.Error("sealed envelope header carries a payload digest")
	}
}

func TestEnvelopeSealedWrongKey(t *testing.T) {
	payload := compressibleData()

	var buffer bytes.Buffer
	err := WriteEnvelope(&buffer, payload, Options{Compression: CompressionZstd, SealKey: testKey(t, 0x41)})
	if err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	_, err = ReadEnvelope(&buffer, OpenOptions{SealKey: testKey(t, 0x42)})
	if err == nil {
		t.Fatal("ReadEnvelope succeeded with the wrong key")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeSealedWithoutKey(t *testing.T) {
	payload := compressibleData()

	var buffer bytes.Buffer
	err := WriteEnvelope(&buffer, payload, Options{Compression: CompressionZstd, SealKey: testKey(t, 0x41)})
	if err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	_, err = ReadEnvelope(&buffer, OpenOptions{})
	if err == nil {
		t.Fatal("ReadEnvelope decoded a sealed snapshot without a key")
	}
	if !strings.Contains(err.Error(), "sealed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeSealKeyTooShort(t *testing.T) {
	material := []byte("too-short")
	key, err := secret.NewFromBytes(material)
	if err != nil {
		t.Fatalf("creating key buffer: %v", err)
	}
	defer key.Close()

	var buffer bytes.Buffer
	err = WriteEnvelope(&buffer, compressibleData(), Options{Compression: CompressionZstd, SealKey: key})
	if err == nil {
		t.Fatal("WriteEnvelope accepted a key below the minimum length")
	}
}

func TestEnvelopeSealedTamperDetection(t *testing.T) {
	payload := compressibleData()
	key := testKey(t, 0x41)

	var original bytes.Buffer
	err := WriteEnvelope(&original, payload, Options{Compression: CompressionZstd, SealKey: key})
	if err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	cases := []struct {
		name   string
		offset int
	}{
		// The compression tag is covered by the AAD binding even
		// though the header is not encrypted.
		{"header compression tag", offCompression},
		{"body first ciphertext byte", headerSize + saltSize + 24},
		{"body last byte (tag)", original.Len() - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tampered := bytes.Clone(original.Bytes())
			tampered[tc.offset] ^= 0x01

			_, err := ReadEnvelope(bytes.NewReader(tampered), OpenOptions{SealKey: key})
			if err == nil {
				t.Fatal("ReadEnvelope accepted a tampered envelope")
			}
		})
	}
}

func TestEnvelopeUnsealedDigestDetectsCorruption(t *testing.T) {
	payload := compressibleData()

	var original bytes.Buffer
	if err := WriteEnvelope(&original, payload, Options{Compression: CompressionNone}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	// With CompressionNone a flipped body byte survives decompression
	// untouched; only the digest catches it.
	tampered := bytes.Clone(original.Bytes())
	tampered[headerSize+10] ^= 0x01

	_, err := ReadEnvelope(bytes.NewReader(tampered), OpenOptions{})
	if err == nil {
		t.Fatal("ReadEnvelope accepted a corrupted payload")
	}
	if !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeBadMagic(t *testing.T) {
	_, err := ReadEnvelope(strings.NewReader(strings.Repeat("x", 200)), OpenOptions{})
	if err == nil {
		t.Fatal("ReadEnvelope accepted garbage input")
	}
	if !strings.Contains(err.Error(), "bad magic") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeUnsupportedVersion(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, compressibleData(), Options{}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	encoded := buffer.Bytes()
	encoded[6] = snapshotVersion + 1

	_, err := ReadEnvelope(bytes.NewReader(encoded), OpenOptions{})
	if err == nil {
		t.Fatal("ReadEnvelope accepted a future format version")
	}
	if !strings.Contains(err.Error(), "unsupported snapshot version") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeReservedBytesChecked(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, compressibleData(), Options{}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	encoded := buffer.Bytes()
	encoded[offReserved+2] = 0x7f

	_, err := ReadEnvelope(bytes.NewReader(encoded), OpenOptions{})
	if err == nil {
		t.Fatal("ReadEnvelope accepted nonzero reserved bytes")
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, compressibleData(), Options{Compression: CompressionZstd}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	encoded := buffer.Bytes()

	cases := []struct {
		name string
		keep int
	}{
		{"mid-header", headerSize / 2},
		{"header only", headerSize},
		{"mid-body", headerSize + (len(encoded)-headerSize)/2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadEnvelope(bytes.NewReader(encoded[:tc.keep]), OpenOptions{})
			if err == nil {
				t.Fatal("ReadEnvelope accepted truncated input")
			}
		})
	}
}

func TestEnvelopeOversizeDeclaration(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, compressibleData(), Options{}); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	encoded := buffer.Bytes()
	// Rewrite the size field to claim more than the payload cap.
	for i := 0; i < 8; i++ {
		encoded[offSize+i] = 0xff
	}

	_, err := ReadEnvelope(bytes.NewReader(encoded), OpenOptions{})
	if err == nil {
		t.Fatal("ReadEnvelope accepted an oversize payload declaration")
	}
}
