package crypto

import (
	"bytes"
	"testing"
)

func TestChecksumMatchesBytesDigest(t *testing.T) {
	data := bytes.Repeat([]byte("wavelite"), 100_000)

	streamed, err := Checksum(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if streamed != ChecksumBytes(data) {
		t.Fatalf("expected streamed digest %q to equal in-memory digest %q", streamed, ChecksumBytes(data))
	}
	if len(streamed) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(streamed))
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("hello")
	if !VerifyChecksum(data, ChecksumBytes(data)) {
		t.Fatalf("expected matching digest to verify")
	}
	if !VerifyChecksum(data, "") {
		t.Fatalf("expected empty digest to be accepted")
	}
	if VerifyChecksum([]byte("hellO"), ChecksumBytes(data)) {
		t.Fatalf("expected tampered data to fail verification")
	}
}
