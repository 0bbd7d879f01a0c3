package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per key under a session directory. It is
// the default backend for the desktop client.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the session directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(key string) string {
	// Keys like "turn_usage:abc-123" must map to safe filenames.
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(fs.dir, safe+".json")
}

func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	raw, err := os.ReadFile(fs.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session record %q: %w", key, err)
	}
	return raw, nil
}

func (fs *FileStore) Set(_ context.Context, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Write-then-rename so a crash mid-write never leaves a torn record.
	tmp := fs.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0644); err != nil {
		return fmt.Errorf("failed to write session record %q: %w", key, err)
	}
	if err := os.Rename(tmp, fs.path(key)); err != nil {
		return fmt.Errorf("failed to commit session record %q: %w", key, err)
	}
	return nil
}

func (fs *FileStore) Delete(_ context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.Remove(fs.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session record %q: %w", key, err)
	}
	return nil
}
