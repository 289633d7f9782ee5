// Package integrity verifies completed transfers against a published checksum
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ErrMismatch is returned when the computed digest differs from the expected one
var ErrMismatch = errors.New("checksum mismatch")

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrBadDigest            = errors.New("digest is not valid hex")
)

// Checksum is an expected digest, e.g. {Algorithm: "sha256", Hex: "ab12..."}
type Checksum struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Hex       string `json:"hex" yaml:"hex"`
}

// IsZero reports whether no checksum was requested
func (c Checksum) IsZero() bool {
	return c.Hex == ""
}

// ParseChecksum accepts "algo:hex"; a bare hex string is treated as sha256
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		algo, digest = "sha256", s
	}
	c := Checksum{Algorithm: strings.ToLower(algo), Hex: strings.ToLower(digest)}
	h, err := newHasher(c.Algorithm)
	if err != nil {
		return Checksum{}, err
	}
	if raw, err := hex.DecodeString(c.Hex); err != nil || len(raw) != h.Size() {
		return Checksum{}, fmt.Errorf("%w: %q", ErrBadDigest, digest)
	}
	return c, nil
}

// FileVerifier handles file integrity checks
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// Verify checks that the file at path matches c. A zero Checksum always passes.
func (v *FileVerifier) Verify(path string, c Checksum) error {
	if c.IsZero() {
		return nil
	}
	actual, err := CalculateHash(path, c.Algorithm)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, c.Hex) {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, c.Hex, actual)
	}

	return nil
}

// CalculateHash computes the hex digest of a file.
// algorithm should be "sha256" or "md5"
func CalculateHash(filePath string, algorithm string) (string, error) {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256", "":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
