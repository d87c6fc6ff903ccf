package transfer

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithms accepted for whole-file verification.
const (
	ChecksumMD5     = "md5"
	ChecksumSHA256  = "sha256"
	ChecksumBLAKE3  = "blake3"
	ChecksumBLAKE2b = "blake2b"
)

// DefaultChecksum matches what mobile peers compute.
const DefaultChecksum = ChecksumMD5

// ValidChecksum reports whether algorithm is supported.
func ValidChecksum(algorithm string) bool {
	_, err := newHasher(algorithm)
	return err == nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumBLAKE3:
		return blake3.New(), nil
	case ChecksumBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// FileChecksum returns the lowercase hex digest of the file at path.
func FileChecksum(path, algorithm string) (string, error) {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
