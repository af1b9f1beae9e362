package crypto

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

const checksumBufferSize = 256 * 1024

// Checksum returns the hex BLAKE2b-256 digest of the first size bytes of r.
func Checksum(r io.ReaderAt, size int64) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b hash: %w", err)
	}
	if _, err := io.CopyBuffer(h, io.NewSectionReader(r, 0, size), make([]byte, checksumBufferSize)); err != nil {
		return "", fmt.Errorf("hash file content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes returns the hex BLAKE2b-256 digest of data.
func ChecksumBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether data matches an expected hex digest. An empty
// expectation always matches, since browser peers send none.
func VerifyChecksum(data []byte, expected string) bool {
	return expected == "" || ChecksumBytes(data) == expected
}
