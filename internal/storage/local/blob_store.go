// Package local writes downloaded files beneath a root directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes reports a key that would resolve outside the root.
var ErrPathEscapes = errors.New("path escapes base directory")

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory files are written under.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the root directory.
func (s *BlobStore) BaseDir() string {
	return s.baseDir
}

// PutObject writes data to baseDir/path, creating parent directories, and
// returns a file:// URI. An existing file is replaced.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, path)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	// #nosec G304 -- fullPath is confined to baseDir above.
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	return "file://" + fullPath, nil
}
