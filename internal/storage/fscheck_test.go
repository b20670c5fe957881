package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckLocalFilesystemAcceptsLocalDisk(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "tasklease.db")
	err := checkLocalFilesystemWith(dbPath, func(string) (string, error) { return "0xef53", nil })
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestCheckLocalFilesystemRejectsNetworkMount(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "tasklease.db")
	err := checkLocalFilesystemWith(dbPath, func(string) (string, error) { return "nfs", nil })
	if err == nil {
		t.Fatal("expected network filesystem to be rejected")
	}
	for _, want := range []string{"nfs", "state.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to contain %q, got %q", want, err.Error())
		}
	}
}

func TestCheckLocalFilesystemInspectsNearestExistingDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "b", "tasklease.db")

	var inspected string
	err := checkLocalFilesystemWith(dbPath, func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}

func TestCheckLocalFilesystemToleratesUnknownPlatform(t *testing.T) {
	t.Parallel()

	err := checkLocalFilesystemWith(filepath.Join(t.TempDir(), "x.db"), func(string) (string, error) {
		return "", errFilesystemUnknown
	})
	if err != nil {
		t.Fatalf("expected unknown platform to pass, got: %v", err)
	}
}

func TestIsRemoteFilesystem(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		"9p":     true,
		"apfs":   false,
		"0x6969": false,
	}
	for fs, want := range cases {
		if got := isRemoteFilesystem(fs); got != want {
			t.Errorf("isRemoteFilesystem(%q) = %v, want %v", fs, got, want)
		}
	}
}
