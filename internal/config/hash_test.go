package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockWritesChecksums(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "service:\n  name: locked\n")

	manifest, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(tmpDir, ChecksumsFile))
	if err != nil {
		t.Fatalf("expected .checksums to be written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf(".checksums mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if loaded.Hashes["config.yaml"] != manifest.Hashes["config.yaml"] {
		t.Fatal("manifest on disk does not match returned manifest")
	}
	if err := VerifyFileHash(path, loaded.Hashes["config.yaml"]); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "service:\n  name: locked\n")
	if _, err := Lock(path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected tampered config to be rejected")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadRejectsUnlistedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	other := filepath.Join(tmpDir, "other.yaml")
	if err := os.WriteFile(other, []byte("service:\n  name: other\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Lock(other); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, tmpDir, "service:\n  name: unlisted\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected config without a hash entry to be rejected")
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrNoChecksums) {
		t.Fatalf("LoadChecksums() error = %v, want ErrNoChecksums", err)
	}
}

func TestLoadChecksumsUnsupportedVersion(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, ChecksumsFile), []byte("version: 2\nhashes: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(tmpDir); err == nil {
		t.Fatal("expected unsupported version error")
	}
}
