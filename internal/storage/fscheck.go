package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errFilesystemUnknown is returned by detectors on platforms where the
// filesystem type cannot be read. The check passes in that case.
var errFilesystemUnknown = errors.New("filesystem type unknown on this platform")

var remoteFilesystems = map[string]struct{}{
	"9p":         {},
	"afpfs":      {},
	"cifs":       {},
	"fuse.sshfs": {},
	"nfs":        {},
	"smb2":       {},
	"smbfs":      {},
	"webdav":     {},
}

// checkLocalFilesystem refuses a state database on a network mount. Both
// the WAL journal and the partition lock depend on local file locking.
func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, detectFilesystemType)
}

func checkLocalFilesystemWith(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := nearestExistingDir(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if errors.Is(err, errFilesystemUnknown) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	if isRemoteFilesystem(fsType) {
		return fmt.Errorf(
			"state path %q is on network filesystem %q; the partition journal and lock need a local disk. Point state.path at a local file",
			path,
			fsType,
		)
	}
	return nil
}

// nearestExistingDir walks up from path until it finds something that
// exists, so a database that has not been created yet can still be checked.
func nearestExistingDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := abs
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isRemoteFilesystem(fsType string) bool {
	_, found := remoteFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
