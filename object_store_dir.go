package pitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirObjectStore implements ObjectStore on a local directory. Keys map to
// file paths under the base directory.
type DirObjectStore struct {
	baseDir string
}

// NewDirObjectStore creates a directory-backed object store, creating the
// directory if needed.
func NewDirObjectStore(baseDir string) (*DirObjectStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Store the cleaned absolute path for consistent path traversal checks
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &DirObjectStore{baseDir: filepath.Clean(absDir)}, nil
}

// safePath validates and returns a safe path within the base directory.
// It prevents path traversal by ensuring the resolved path stays within
// baseDir.
func (d *DirObjectStore) safePath(key string) (string, error) {
	cleanKey := filepath.Clean(key)
	resolved := filepath.Clean(filepath.Join(d.baseDir, cleanKey))
	if resolved != d.baseDir && !strings.HasPrefix(resolved, d.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid key: path traversal attempt detected")
	}
	return resolved, nil
}

func (d *DirObjectStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := d.safePath(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (d *DirObjectStore) Write(ctx context.Context, key string, data []byte) error {
	path, err := d.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (d *DirObjectStore) Delete(ctx context.Context, key string) error {
	path, err := d.safePath(key)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (d *DirObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath, err := d.safePath(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(d.baseDir, path)
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if os.IsNotExist(err) {
		// Nothing written under this prefix yet
		return nil, nil
	}
	return keys, err
}

func (d *DirObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := d.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (d *DirObjectStore) Close() error {
	return nil
}
