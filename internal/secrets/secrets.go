// Package secrets obtains the symmetric key material the server needs at
// startup: from configuration when set, otherwise from a key file, otherwise
// by generating and persisting a fresh random value.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aspect-build/notion-mcp/internal/logx"
)

// ErrConfiguration marks secrets that could be neither read nor created.
var ErrConfiguration = errors.New("configuration error")

// Lookup returns the secret called name from configuration or its key
// file. Unlike Obtain it never generates one.
func Lookup(name, configured, path string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s is not set and no key file is configured", ErrConfiguration, name)
	}
	v, err := readKeyFile(name, path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s is not set and %s does not exist", ErrConfiguration, name, path)
	}
	return v, err
}

// Obtain returns the secret called name.
//
// A non-empty configured value is returned unmodified. Otherwise the file at
// path is read and trimmed. If the file does not exist, n random bytes are
// generated, written base64-encoded to path and returned, and a warning is
// logged so operators know to pin the value.
func Obtain(name, configured, path string, n int) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s is not set and no key file is configured", ErrConfiguration, name)
	}

	v, err := readKeyFile(name, path)
	if !errors.Is(err, os.ErrNotExist) {
		return v, err
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate %s: %w", name, err)
	}
	secret := base64.StdEncoding.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("%w: create directory for %s: %v", ErrConfiguration, name, err)
	}
	created, err := createKeyFile(path, secret)
	if err != nil {
		return "", fmt.Errorf("%w: write %s file: %v", ErrConfiguration, name, err)
	}
	if !created {
		// Another process won the race; its file is complete.
		return readKeyFile(name, path)
	}

	logx.Warnf("security: %s was not set; generated and stored at %s. Set the env var for production.", name, path)
	return secret, nil
}

// readKeyFile returns the trimmed contents of path. A missing file yields
// the bare os.ErrNotExist error.
func readKeyFile(name, path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s file: %v", ErrConfiguration, name, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: %s file %s is empty", ErrConfiguration, name, path)
	}
	return v, nil
}

// createKeyFile writes secret to a temp file next to path and hard-links it
// into place, so path either does not exist or holds the whole secret. It
// reports false when path already exists.
func createKeyFile(path, secret string) (bool, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return false, err
	}
	if _, err := f.WriteString(secret); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
