package integrity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.js")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}

func TestGenerateHash(t *testing.T) {
	path := writeArtifact(t, "hello")

	hash, err := GenerateHash(path)
	if err != nil {
		t.Fatalf("GenerateHash() error = %v", err)
	}

	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if hash != want {
		t.Errorf("GenerateHash() = %s, want %s", hash, want)
	}
	if len(hash) != HashLength || !IsValidHash(hash) {
		t.Errorf("hash %q is not a valid digest", hash)
	}
	if HashBytes([]byte("hello")) != want {
		t.Error("HashBytes disagrees with GenerateHash")
	}
}

func TestGenerateHash_MissingFile(t *testing.T) {
	if _, err := GenerateHash(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	path := writeArtifact(t, "plugin body")
	correct, err := GenerateHash(path)
	if err != nil {
		t.Fatalf("GenerateHash() error = %v", err)
	}

	tests := []struct {
		name     string
		path     string
		expected string
		want     bool
	}{
		{"no hash is vacuously true", path, "", true},
		{"no hash on missing file", "/does/not/exist", "", true},
		{"correct hash", path, correct, true},
		{"uppercase correct hash", path, strings.ToUpper(correct), true},
		{"wrong hash", path, strings.Repeat("0", HashLength), false},
		{"malformed hash", path, "not-a-hash", false},
		{"truncated hash", path, correct[:32], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifyIntegrity(tt.path, tt.expected)
			if err != nil {
				t.Fatalf("VerifyIntegrity() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("VerifyIntegrity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckIntegrity_TypedError(t *testing.T) {
	path := writeArtifact(t, "v1")
	err := CheckIntegrity(path, HashBytes([]byte("v2")))
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	var ice *IntegrityCheckFailedError
	if !errors.As(err, &ice) || ice.Path != path {
		t.Errorf("unexpected error %+v", err)
	}

	if err := CheckIntegrity(path, HashBytes([]byte("v1"))); err != nil {
		t.Errorf("CheckIntegrity() with correct hash = %v", err)
	}
}

func TestEqualHashes(t *testing.T) {
	a := HashBytes([]byte("a"))
	if !EqualHashes(a, a) {
		t.Error("identical hashes must compare equal")
	}
	if EqualHashes(a, HashBytes([]byte("b"))) {
		t.Error("different hashes must not compare equal")
	}
	if EqualHashes("zz", "zz") {
		t.Error("malformed hashes must not compare equal")
	}
}
