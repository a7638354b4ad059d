//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package vault

import (
	"fmt"
	"os"
)

// lockFile on non-unix platforms only creates the marker file; mutual
// exclusion is limited to the in-process mutex.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	return f.Close()
}
