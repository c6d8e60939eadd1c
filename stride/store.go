package stride

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPath indicates a path that would escape the storage root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore implements Store using the local filesystem.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
//
// Put replaces atomically via a temp-file rename, so a crash mid-save never
// leaves a truncated checkpoint behind for the next restart to read.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: root}, nil
}

func (f *fsStore) Put(_ context.Context, path string, r io.Reader) error {
	fullPath, err := f.safePath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".stride-put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, fullPath)
}

func (f *fsStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) Exists(_ context.Context, path string) (bool, error) {
	fullPath, err := f.safePath(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *fsStore) Delete(_ context.Context, path string) error {
	fullPath, err := f.safePath(path)
	if err != nil {
		return err
	}
	err = os.Remove(fullPath)
	if err != nil && os.IsNotExist(err) {
		return nil // idempotent
	}
	return err
}

// safePath validates and resolves a file path, ensuring it stays within the
// root. Rejects empty path and "." since those would target the root
// directory itself.
//
// Note: this does not prevent symlink escapes. A symlink inside the root
// pointing outside can still be accessed.
func (f *fsStore) safePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	if cleaned == "." || path == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return fullPath, nil
}

var _ Store = (*fsStore)(nil)

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memStore implements Store using an in-memory map.
//
// Consistency: immediate. Safe for concurrent use.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory Store, primarily for tests.
func NewMemory() Store {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, path string, r io.Reader) error {
	normalized, valid := normalizePath(path)
	if !valid {
		return ErrInvalidPath
	}

	// Read data before acquiring the lock to minimize lock duration.
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.data[normalized] = data
	m.mu.Unlock()
	return nil
}

func (m *memStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	normalized, valid := normalizePath(path)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}

	// Return a copy to avoid races if the caller reads while another
	// goroutine overwrites the record.
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return io.NopCloser(bytes.NewReader(dataCopy)), nil
}

func (m *memStore) Exists(_ context.Context, path string) (bool, error) {
	normalized, valid := normalizePath(path)
	if !valid {
		return false, ErrInvalidPath
	}

	m.mu.RLock()
	_, exists := m.data[normalized]
	m.mu.RUnlock()
	return exists, nil
}

func (m *memStore) Delete(_ context.Context, path string) error {
	normalized, valid := normalizePath(path)
	if !valid {
		return ErrInvalidPath
	}

	m.mu.Lock()
	delete(m.data, normalized)
	m.mu.Unlock()
	return nil
}

// normalizePath ensures consistent path formatting. Rejects empty paths,
// "." and traversal out of the root.
func normalizePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	cleaned := filepath.ToSlash(filepath.Clean(path))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", false
	}
	return cleaned, true
}

var _ Store = (*memStore)(nil)
