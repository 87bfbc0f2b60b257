package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore is a local-filesystem Store for single-node deployments.
// Put achieves atomicity per key by writing to a temp file in the same
// directory and renaming it into place, matching the teacher's
// write-then-close upload pattern adapted for atomic local writes.
type DiskStore struct {
	root string
}

// NewDiskStore creates a DiskStore rooted at dir, creating it if necessary.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact.NewDiskStore: %w", err)
	}
	return &DiskStore{root: dir}, nil
}

var _ Store = (*DiskStore)(nil)

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data under key atomically via write-to-temp-then-rename.
func (s *DiskStore) Put(ctx context.Context, key string, data []byte) error {
	dest := s.path(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact.DiskStore.Put: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("artifact.DiskStore.Put: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("artifact.DiskStore.Put: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact.DiskStore.Put: close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact.DiskStore.Put: rename: %w", err)
	}
	return nil
}

// Get reads the bytes stored under key.
func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact.DiskStore.Get: %w", err)
	}
	return data, nil
}

// List returns every key with the given prefix by walking the store root.
func (s *DiskStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact.DiskStore.List: %w", err)
	}
	return keys, nil
}

// Delete recursively and idempotently removes every entry under prefix.
func (s *DiskStore) Delete(ctx context.Context, prefix string) error {
	target := s.path(prefix)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("artifact.DiskStore.Delete: %w", err)
	}
	return nil
}
