// Package integrity computes and verifies content hashes and detached
// signatures of plugin artifacts.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// HashLength is the length of a hex encoded SHA-256 digest.
const HashLength = 64

var (
	// ErrIntegrity is matched by every IntegrityCheckFailedError.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrSignature is matched by every SignatureVerificationFailedError.
	ErrSignature = errors.New("signature verification failed")
)

// IntegrityCheckFailedError reports a hash mismatch for an artifact.
type IntegrityCheckFailedError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityCheckFailedError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Is reports whether target is ErrIntegrity.
func (e *IntegrityCheckFailedError) Is(target error) bool {
	return target == ErrIntegrity
}

// SignatureVerificationFailedError reports a cryptographic, trust or
// expiration failure of a signature.
type SignatureVerificationFailedError struct {
	Path   string
	KeyID  string
	Reason string
}

func (e *SignatureVerificationFailedError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("signature verification failed for %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("signature verification failed for %s (key %s): %s", e.Path, e.KeyID, e.Reason)
}

// Is reports whether target is ErrSignature.
func (e *SignatureVerificationFailedError) Is(target error) bool {
	return target == ErrSignature
}

// HashBytes returns the hex encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateHash returns the hex encoded SHA-256 digest of the file at path.
func GenerateHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsValidHash reports whether s looks like a hex encoded SHA-256 digest.
func IsValidHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// EqualHashes compares two hex digests in constant time. Malformed input
// never compares equal.
func EqualHashes(a, b string) bool {
	da, err := hex.DecodeString(strings.ToLower(a))
	if err != nil || len(da) != sha256.Size {
		return false
	}
	db, err := hex.DecodeString(strings.ToLower(b))
	if err != nil || len(db) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(da, db) == 1
}

// VerifyIntegrity reports whether the file at path hashes to expected.
// An empty expected hash is vacuously true and the file is not read.
// An error is returned only when the file cannot be read.
func VerifyIntegrity(path, expected string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	actual, err := GenerateHash(path)
	if err != nil {
		return false, err
	}
	return EqualHashes(actual, expected), nil
}

// CheckIntegrity is VerifyIntegrity returning a typed error on mismatch.
func CheckIntegrity(path, expected string) error {
	if expected == "" {
		return nil
	}
	actual, err := GenerateHash(path)
	if err != nil {
		return err
	}
	if !EqualHashes(actual, expected) {
		return &IntegrityCheckFailedError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
